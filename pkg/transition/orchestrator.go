// Package transition switches an application from one loaded workspace to
// another behind a presentation layer.
//
// A transition runs intro, six tracked stages (unload-pre, unload-main,
// unload-post, load-pre, load-main, load-post) and outro as one task on a
// frame.Loop. Only one transition may be in flight; further requests are
// rejected until it finishes. Teardown runs on every exit path.
package transition

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"switchyard/pkg/content"
	"switchyard/pkg/frame"
	"switchyard/pkg/hooks"
	"switchyard/pkg/logx"
	"switchyard/pkg/metrics"
	"switchyard/pkg/progress"
	"switchyard/pkg/workspace"
)

// DefaultMainThreshold is the operation progress at which a main stage is
// considered done. The remainder is the primitive's own finalization.
const DefaultMainThreshold = content.HeldProgress

var (
	// ErrHookPanic wraps a panic raised inside a hooks callback.
	ErrHookPanic = errors.New("hooks callback panicked")

	// ErrNoTarget is returned when a transition is requested to an empty descriptor.
	ErrNoTarget = errors.New("transition target is empty")
)

// Options configures an Orchestrator.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type Options struct {
	Registry workspace.Registry
	Loader   content.Loader
	Frames   *frame.Loop

	// Variant names the hooks variant to instantiate per transition.
	// Ignored when Hooks is set. Defaults to "base".
	Variant string
	Hooks   hooks.Factory
	// HooksEnv is handed to the factory; its Frames field is filled in.
	HooksEnv hooks.Env

	// MainThreshold defaults to DefaultMainThreshold and is capped there,
	// since held loads never report more.
	MainThreshold float64

	Metrics metrics.Recorder
	Tracer  trace.Tracer
	Logger  *logx.Logger
}

// flight is the state owned by one in-flight transition.
type flight struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	previous  workspace.Descriptor
	target    workspace.Descriptor
	stage     Stage
	activated bool
	hooks     hooks.Hooks
	handles   []*progress.Handle
	agg       *progress.Aggregator
	unsub     func()
	started   time.Time
	done      chan struct{}
}

// Orchestrator owns the current/previous/next workspace triple and runs
// transitions between them.
type Orchestrator struct {
	registry  workspace.Registry
	loader    content.Loader
	frames    *frame.Loop
	variant   string
	factory   hooks.Factory
	env       hooks.Env
	threshold float64
	metrics   metrics.Recorder
	tracer    trace.Tracer
	logger    *logx.Logger

	mu       sync.Mutex
	current  workspace.Descriptor
	previous workspace.Descriptor
	flight   *flight

	started   listenerSet[StartedEvent]
	activated listenerSet[ActivatedEvent]
	progress  listenerSet[ProgressEvent]
	ended     listenerSet[EndedEvent]
	aborted   listenerSet[AbortedEvent]
}

// New builds an orchestrator and seeds the current workspace from the
// registry's active entry.
func New(opts Options) (*Orchestrator, error) {
	if opts.Loader == nil {
		return nil, fmt.Errorf("transition: loader is required")
	}
	if opts.Frames == nil {
		return nil, fmt.Errorf("transition: frame loop is required")
	}

	o := &Orchestrator{
		registry:  opts.Registry,
		loader:    opts.Loader,
		frames:    opts.Frames,
		variant:   opts.Variant,
		factory:   opts.Hooks,
		env:       opts.HooksEnv,
		threshold: opts.MainThreshold,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    opts.Logger,
	}
	if o.logger == nil {
		o.logger = logx.NewLogger("transition")
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop()
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("switchyard/transition")
	}
	if o.variant == "" {
		o.variant = hooks.VariantBase
	}
	if o.factory == nil {
		factory, err := hooks.Lookup(o.variant)
		if err != nil {
			return nil, err
		}
		o.factory = factory
	}
	o.env.Frames = o.frames
	if o.env.Logger == nil {
		o.env.Logger = o.logger.WithComponent("hooks")
	}

	switch {
	case o.threshold <= 0:
		o.threshold = DefaultMainThreshold
	case o.threshold > content.HeldProgress:
		o.logger.Warn("Main threshold %.2f exceeds held load progress, using %.2f", o.threshold, content.HeldProgress)
		o.threshold = content.HeldProgress
	}

	if o.registry != nil {
		if active, ok := o.registry.Active(); ok {
			o.current = active
		}
	}
	return o, nil
}

// Status returns an Idle or InFlight snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flight == nil {
		return Idle{Previous: o.previous, Current: o.current}
	}
	return InFlight{
		ID:        o.flight.id,
		Previous:  o.previous,
		Current:   o.current,
		Next:      o.flight.target,
		Stage:     o.flight.stage,
		Activated: o.flight.activated,
	}
}

// IsLoading reports whether a transition is in flight.
func (o *Orchestrator) IsLoading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flight != nil
}

// Current returns the current workspace; it switches to the target at the
// activation boundary, not at the end of the transition.
func (o *Orchestrator) Current() (workspace.Descriptor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current, !o.current.IsZero()
}

// Previous returns the workspace that was current when the last transition started.
func (o *Orchestrator) Previous() (workspace.Descriptor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.previous, !o.previous.IsZero()
}

// Next returns the target of the in-flight transition.
func (o *Orchestrator) Next() (workspace.Descriptor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flight == nil {
		return workspace.Descriptor{}, false
	}
	return o.flight.target, true
}

// OnStarted registers a listener and returns its unsubscribe func.
func (o *Orchestrator) OnStarted(fn func(StartedEvent)) func() { return o.started.add(fn) }

// OnActivated registers a listener and returns its unsubscribe func.
func (o *Orchestrator) OnActivated(fn func(ActivatedEvent)) func() { return o.activated.add(fn) }

// OnProgress registers a listener and returns its unsubscribe func.
func (o *Orchestrator) OnProgress(fn func(ProgressEvent)) func() { return o.progress.add(fn) }

// OnEnded registers a listener and returns its unsubscribe func.
func (o *Orchestrator) OnEnded(fn func(EndedEvent)) func() { return o.ended.add(fn) }

// OnAborted registers a listener and returns its unsubscribe func.
func (o *Orchestrator) OnAborted(fn func(AbortedEvent)) func() { return o.aborted.add(fn) }

// RequestTransitionByName looks name up in the registry and requests a
// transition to it.
func (o *Orchestrator) RequestTransitionByName(ctx context.Context, name string) (bool, error) {
	if o.registry == nil {
		return false, fmt.Errorf("%w: %s (no registry)", workspace.ErrUnknownWorkspace, name)
	}
	target, ok := o.registry.Lookup(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", workspace.ErrUnknownWorkspace, name)
	}
	return o.begin(ctx, target)
}

// RequestTransition starts a transition to target and reports whether it
// was accepted. While another transition is in flight the request is
// dropped and false is returned. ctx bounds the whole transition.
func (o *Orchestrator) RequestTransition(ctx context.Context, target workspace.Descriptor) bool {
	accepted, err := o.begin(ctx, target)
	if err != nil {
		o.logger.Error("Transition to %s not started: %v", target.DisplayName(), err)
	}
	return accepted
}

func (o *Orchestrator) begin(parent context.Context, target workspace.Descriptor) (bool, error) {
	if target.IsZero() {
		return false, ErrNoTarget
	}

	o.mu.Lock()
	if o.flight != nil {
		inFlight := o.flight.target
		o.mu.Unlock()
		o.logger.Debug("Ignoring request for %s: transition to %s in flight", target.DisplayName(), inFlight.DisplayName())
		o.metrics.TransitionRejected()
		return false, nil
	}
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(logx.WithTransition(parent, id))
	f := &flight{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		previous: o.current,
		target:   target,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	lastPrevious := o.previous
	o.previous = o.current
	o.flight = f
	o.mu.Unlock()

	if err := o.prepare(f); err != nil {
		o.mu.Lock()
		o.flight = nil
		o.previous = lastPrevious
		o.mu.Unlock()
		cancel()
		close(f.done)
		return false, err
	}

	if err := o.guard("OnInitialize", f.hooks.OnInitialize); err != nil {
		_ = o.release(f)
		o.mu.Lock()
		o.flight = nil
		o.previous = lastPrevious
		o.mu.Unlock()
		cancel()
		close(f.done)
		return false, err
	}

	o.logger.Info("Transition %s: %s -> %s", shortID(id), displayOrNone(f.previous), target.DisplayName())
	o.metrics.TransitionStarted(o.variant)
	o.metrics.SetInFlight(true)

	f.unsub = f.agg.Subscribe(func(a *progress.Aggregator) {
		o.onProgress(f, a)
	})

	o.started.emit(o.logger, "started", StartedEvent{ID: id, Target: target})

	o.frames.Go(f.ctx, func(ctx context.Context) {
		o.run(ctx, f)
	})
	return true, nil
}

// prepare creates the hooks instance and the stage handles for f.
func (o *Orchestrator) prepare(f *flight) error {
	h, err := o.factory(o.env)
	if err != nil {
		return fmt.Errorf("failed to create hooks: %w", err)
	}

	handles := make([]*progress.Handle, StageCount)
	for i := range handles {
		handles[i] = progress.NewHandle()
	}
	agg, err := progress.NewAggregator(handles)
	if err != nil {
		return err
	}

	f.hooks = h
	f.handles = handles
	f.agg = agg
	return nil
}

// Cancel cancels the in-flight transition, if any, and reports whether
// there was one. Teardown happens on the next frame.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	f := o.flight
	o.mu.Unlock()
	if f == nil {
		return false
	}
	f.cancel()
	return true
}

// Wait blocks until no transition is in flight or ctx is done. Someone must
// keep stepping the frame loop meanwhile.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	f := o.flight
	o.mu.Unlock()
	if f == nil {
		return nil
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, f *flight) {
	ctx, span := o.tracer.Start(ctx, "transition",
		trace.WithAttributes(
			attribute.String("transition.id", f.id),
			attribute.String("transition.from", f.previous.Name),
			attribute.String("transition.to", f.target.Name),
		))

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHookPanic, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		o.finish(f, err)
	}()

	err = o.pipeline(ctx, f)
}

func (o *Orchestrator) pipeline(ctx context.Context, f *flight) error {
	if err := o.stage(ctx, f, StageIntro, f.hooks.DoIntro); err != nil {
		return err
	}

	unloadPre, unloadMain, unloadPost := f.handles[0], f.handles[1], f.handles[2]
	if err := o.hookStage(ctx, f, StageUnloadPre, unloadPre, f.hooks.PreUnload); err != nil {
		return err
	}
	if err := o.mainStage(ctx, f, StageUnloadMain, unloadMain, o.beginUnload(f)); err != nil {
		return err
	}
	if err := o.hookStage(ctx, f, StageUnloadPost, unloadPost, f.hooks.PostUnload); err != nil {
		return err
	}

	o.activate(f)

	var op content.Operation
	loadPre, loadMain, loadPost := f.handles[3], f.handles[4], f.handles[5]
	if err := o.hookStage(ctx, f, StageLoadPre, loadPre, f.hooks.PreLoad); err != nil {
		return err
	}
	begin := func(ctx context.Context) (content.Operation, error) {
		var err error
		op, err = o.loader.BeginLoad(ctx, f.target, false)
		return op, err
	}
	if err := o.mainStage(ctx, f, StageLoadMain, loadMain, begin); err != nil {
		return err
	}
	if err := o.postLoadStage(ctx, f, loadPost, op); err != nil {
		return err
	}

	return o.stage(ctx, f, StageOutro, f.hooks.DoOutro)
}

func (o *Orchestrator) beginUnload(f *flight) func(context.Context) (content.Operation, error) {
	if f.previous.IsZero() {
		return nil
	}
	return func(ctx context.Context) (content.Operation, error) {
		op, err := o.loader.BeginUnload(ctx, f.previous)
		if errors.Is(err, content.ErrNotResident) {
			// A cancelled load leaves current on a workspace that never became resident.
			o.logger.Warn("Workspace %s is not resident, nothing to unload", f.previous.DisplayName())
			return nil, nil
		}
		return op, err
	}
}

// stage runs an untracked suspending step and checks for cancellation afterwards.
func (o *Orchestrator) stage(ctx context.Context, f *flight, s Stage, fn func(context.Context) error) error {
	end := o.enter(ctx, f, s)
	err := fn(ctx)
	if err == nil {
		err = ctx.Err()
	}
	end(err)
	return err
}

// hookStage drives one tracked handle through a pre or post hook.
func (o *Orchestrator) hookStage(ctx context.Context, f *flight, s Stage, h *progress.Handle,
	fn func(context.Context, *progress.Handle) error,
) error {
	return o.stage(ctx, f, s, func(ctx context.Context) error {
		h.SetProgress(0)
		if err := fn(ctx, h); err != nil {
			return err
		}
		h.MarkCompleted()
		return nil
	})
}

// mainStage starts an operation and polls it once per frame until it
// reaches the threshold. A nil begin, or a nil operation from begin, means
// there is nothing to do.
func (o *Orchestrator) mainStage(ctx context.Context, f *flight, s Stage, h *progress.Handle,
	begin func(context.Context) (content.Operation, error),
) error {
	return o.stage(ctx, f, s, func(ctx context.Context) error {
		h.SetProgress(0)
		if begin == nil {
			h.MarkCompleted()
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		op, err := begin(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", s, err)
		}
		if op == nil {
			h.MarkCompleted()
			return nil
		}
		if err := o.poll(ctx, h, op); err != nil {
			return fmt.Errorf("%s: %w", s, err)
		}
		h.MarkCompleted()
		return nil
	})
}

func (o *Orchestrator) poll(ctx context.Context, h *progress.Handle, op content.Operation) error {
	for {
		h.SetProgress(op.Progress())
		if err := o.frames.Yield(ctx); err != nil {
			return err
		}
		if err := op.Err(); err != nil {
			return err
		}
		if op.Progress() >= o.threshold {
			return nil
		}
	}
}

// postLoadStage runs the post-load hook while content is still held, then
// releases it.
func (o *Orchestrator) postLoadStage(ctx context.Context, f *flight, h *progress.Handle, op content.Operation) error {
	return o.stage(ctx, f, StageLoadPost, func(ctx context.Context) error {
		h.SetProgress(0)
		if err := f.hooks.PostLoad(ctx, h); err != nil {
			return err
		}
		if err := op.Activate(); err != nil {
			return fmt.Errorf("failed to activate %s: %w", f.target.Name, err)
		}
		h.MarkCompleted()
		return nil
	})
}

// enter records s as the current stage and returns a func that closes its
// span and observes its duration.
func (o *Orchestrator) enter(ctx context.Context, f *flight, s Stage) func(error) {
	o.mu.Lock()
	f.stage = s
	o.mu.Unlock()

	logx.DebugFlow(ctx, "transition", s.String(), "enter")
	_, span := o.tracer.Start(ctx, "transition."+s.String(),
		trace.WithAttributes(attribute.Int("transition.stage_index", s.HandleIndex())))
	start := time.Now()

	return func(err error) {
		o.metrics.ObserveStage(s.String(), time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// activate moves current to the target. Runs once per transition.
func (o *Orchestrator) activate(f *flight) {
	o.mu.Lock()
	if f.activated {
		o.mu.Unlock()
		return
	}
	f.activated = true
	o.current = f.target
	o.mu.Unlock()

	o.logger.Debug("Transition %s: current workspace is now %s", shortID(f.id), f.target.DisplayName())
	o.activated.emit(o.logger, "activated", ActivatedEvent{ID: f.id, Previous: f.previous, Current: f.target})
}

func (o *Orchestrator) onProgress(f *flight, a *progress.Aggregator) {
	f.hooks.OnProgress(a)

	event := ProgressEvent{ID: f.id, Index: a.Index(), Total: a.Total(), Progress: a.Progress()}
	if h := a.Current(); h != nil {
		event.Message = h.Message()
	}
	o.progress.emit(o.logger, "progress", event)
}

// finish tears the transition down. It runs on every exit path.
func (o *Orchestrator) finish(f *flight, err error) {
	o.mu.Lock()
	failedAt := f.stage
	f.stage = StageTeardown
	o.mu.Unlock()

	if perr := o.release(f); perr != nil && err == nil {
		err = perr
		failedAt = StageTeardown
	}

	o.mu.Lock()
	o.flight = nil
	o.mu.Unlock()
	f.cancel()
	defer close(f.done)

	elapsed := time.Since(f.started)
	o.metrics.SetInFlight(false)

	switch {
	case err == nil:
		o.metrics.TransitionFinished(metrics.OutcomeCompleted, elapsed)
		o.logger.Info("Transition %s to %s completed in %s", shortID(f.id), f.target.DisplayName(), elapsed.Round(time.Millisecond))
		o.ended.emit(o.logger, "ended", EndedEvent{ID: f.id, Current: f.target})
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		o.metrics.TransitionFinished(metrics.OutcomeCancelled, elapsed)
		o.logger.Warn("Transition %s to %s cancelled during %s", shortID(f.id), f.target.DisplayName(), failedAt)
		o.aborted.emit(o.logger, "aborted", AbortedEvent{ID: f.id, Target: f.target, Stage: failedAt, Reason: err, Cancelled: true})
	default:
		o.metrics.TransitionFinished(metrics.OutcomeFailed, elapsed)
		o.logger.Error("Transition %s to %s failed during %s: %v", shortID(f.id), f.target.DisplayName(), failedAt, err)
		o.aborted.emit(o.logger, "aborted", AbortedEvent{ID: f.id, Target: f.target, Stage: failedAt, Reason: err})
	}
}

// release detaches observers, disposes the aggregator and deinitializes the
// hooks. Observers go first so nothing calls into the hooks during teardown.
func (o *Orchestrator) release(f *flight) error {
	if f.unsub != nil {
		f.unsub()
	}
	_ = o.guard("aggregator dispose", f.agg.Dispose)
	err := o.guard("OnDeinitialize", f.hooks.OnDeinitialize)
	f.hooks = nil
	return err
}

// guard runs fn and turns a panic into ErrHookPanic.
func (o *Orchestrator) guard(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("%s panicked: %v\n%s", name, r, debug.Stack())
			err = fmt.Errorf("%w: %s: %v", ErrHookPanic, name, r)
		}
	}()
	fn()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func displayOrNone(d workspace.Descriptor) string {
	if d.IsZero() {
		return "(none)"
	}
	return d.DisplayName()
}
