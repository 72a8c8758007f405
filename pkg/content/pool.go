package content

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"switchyard/pkg/logx"
	"switchyard/pkg/progress"
	"switchyard/pkg/workspace"
)

// Job does the actual work of loading or unloading a workspace, reporting
// progress in [0,1] through report. It runs on a pool worker.
type Job func(ctx context.Context, d workspace.Descriptor, report func(float64)) error

// PoolConfig configures a PoolLoader.
type PoolConfig struct {
	Workers int // Pool size; values < 1 mean 1
	Load    Job
	Unload  Job
}

// PoolLoader runs load and unload jobs on an ants worker pool and tracks
// which workspaces are resident.
type PoolLoader struct {
	pool     *ants.Pool
	load     Job
	unload   Job
	logger   *logx.Logger
	mu       sync.RWMutex
	resident map[string]bool
	closed   atomic.Bool
}

// NewPoolLoader creates the worker pool. Missing jobs default to an
// immediate single-step job.
func NewPoolLoader(cfg PoolConfig) (*PoolLoader, error) {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create content worker pool: %w", err)
	}

	load, unload := cfg.Load, cfg.Unload
	if load == nil {
		load = SteppedJob(1, 0)
	}
	if unload == nil {
		unload = SteppedJob(1, 0)
	}

	return &PoolLoader{
		pool:     pool,
		load:     load,
		unload:   unload,
		logger:   logx.NewLogger("content"),
		resident: make(map[string]bool),
	}, nil
}

// MarkResident records a workspace that was loaded outside the pool, such
// as the one active at startup.
func (l *PoolLoader) MarkResident(name string) {
	l.mu.Lock()
	l.resident[name] = true
	l.mu.Unlock()
}

// Resident reports whether name is currently loaded.
func (l *PoolLoader) Resident(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.resident[name]
}

// Running returns the number of busy workers.
func (l *PoolLoader) Running() int {
	return l.pool.Running()
}

// Close releases the worker pool. Operations already running finish.
func (l *PoolLoader) Close() {
	if l.closed.CompareAndSwap(false, true) {
		l.pool.Release()
	}
}

// BeginUnload implements Loader.
func (l *PoolLoader) BeginUnload(ctx context.Context, d workspace.Descriptor) (Operation, error) {
	if !l.Resident(d.Name) {
		return nil, fmt.Errorf("%w: %s", ErrNotResident, d.Name)
	}
	op := newOperation(false, func() {
		l.mu.Lock()
		delete(l.resident, d.Name)
		l.mu.Unlock()
		l.logger.Info("Unloaded workspace %s", d.DisplayName())
	})
	if err := l.submit(ctx, d, l.unload, op); err != nil {
		return nil, err
	}
	return op, nil
}

// BeginLoad implements Loader.
func (l *PoolLoader) BeginLoad(ctx context.Context, d workspace.Descriptor, activateImmediately bool) (Operation, error) {
	op := newOperation(!activateImmediately, func() {
		l.mu.Lock()
		l.resident[d.Name] = true
		l.mu.Unlock()
		l.logger.Info("Activated workspace %s", d.DisplayName())
	})
	if err := l.submit(ctx, d, l.load, op); err != nil {
		return nil, err
	}
	return op, nil
}

func (l *PoolLoader) submit(ctx context.Context, d workspace.Descriptor, job Job, op *operation) error {
	if l.closed.Load() {
		return ErrLoaderClosed
	}
	err := l.pool.Submit(func() {
		err := job(ctx, d, op.report)
		if err != nil {
			l.logger.Warn("Job for workspace %s failed: %v", d.Name, err)
		}
		op.finishJob(err)
	})
	if err != nil {
		return fmt.Errorf("failed to submit job for %s: %w", d.Name, err)
	}
	return nil
}

// operation is the Operation handed out by PoolLoader.
type operation struct {
	mu        sync.Mutex
	progress  float64
	held      bool
	activated bool
	jobDone   bool
	done      bool
	err       error
	onDone    func()
}

func newOperation(held bool, onDone func()) *operation {
	return &operation{held: held, onDone: onDone}
}

func (o *operation) report(p float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.jobDone {
		return
	}
	o.progress = progress.Clamp01(p)
}

func (o *operation) finishJob(err error) {
	o.mu.Lock()
	o.jobDone = true
	if err != nil {
		o.err = fmt.Errorf("%w: %w", ErrOperationFailed, err)
		o.done = true
		o.mu.Unlock()
		return
	}
	o.progress = 1
	complete := !o.held || o.activated
	o.mu.Unlock()

	if complete {
		o.complete()
	}
}

func (o *operation) complete() {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return
	}
	o.done = true
	onDone := o.onDone
	o.mu.Unlock()

	if onDone != nil {
		onDone()
	}
}

// Progress implements Operation. A held load never reports past HeldProgress.
func (o *operation) Progress() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.held && !o.activated && o.progress > HeldProgress {
		return HeldProgress
	}
	return o.progress
}

// Activate implements Operation.
func (o *operation) Activate() error {
	o.mu.Lock()
	if !o.held {
		o.mu.Unlock()
		return ErrActivationNotHeld
	}
	if o.activated {
		o.mu.Unlock()
		return nil
	}
	o.activated = true
	ready := o.jobDone && o.err == nil
	o.mu.Unlock()

	if ready {
		o.complete()
	}
	return nil
}

// Done implements Operation.
func (o *operation) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Err implements Operation.
func (o *operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// SteppedJob returns a job that reports progress in equal increments,
// pausing delay between steps. It stops early if ctx is cancelled.
func SteppedJob(steps int, delay time.Duration) Job {
	if steps < 1 {
		steps = 1
	}
	return func(ctx context.Context, _ workspace.Descriptor, report func(float64)) error {
		for i := 1; i <= steps; i++ {
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}
			report(float64(i) / float64(steps))
		}
		return nil
	}
}
