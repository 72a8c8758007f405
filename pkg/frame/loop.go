// Package frame provides a cooperative, frame-stepped scheduler.
//
// Tasks started with Loop.Go run on their own goroutines, but the loop hands
// a single baton between the driver and the tasks so that exactly one of them
// executes at any instant. A task gives the baton back by calling Yield and
// gets it again on the next Step. This models a per-frame update loop: the
// driver calls Step once per frame and every suspended task advances by one
// suspension point.
//
// Step must only be called from the driver, never from inside a task.
package frame

import (
	"context"
	"sync"
	"time"
)

type taskKey struct{}

type task struct {
	loop   *Loop
	wake   chan struct{}
	parked chan struct{}
}

// Loop is a cooperative scheduler stepped one frame at a time.
type Loop struct {
	mu      sync.Mutex
	waiting []*task
	frame   uint64
	delta   time.Duration
	live    int
	idle    chan struct{}
}

// NewLoop creates an empty loop.
func NewLoop() *Loop {
	return &Loop{idle: make(chan struct{})}
}

// Go starts fn as a task and runs it until its first suspension point or
// until it returns. The ctx handed to fn carries the task identity; Yield
// must be called with that ctx (or one derived from it).
func (l *Loop) Go(ctx context.Context, fn func(ctx context.Context)) {
	t := &task{
		loop:   l,
		wake:   make(chan struct{}),
		parked: make(chan struct{}),
	}

	l.mu.Lock()
	l.live++
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			l.live--
			if l.live == 0 {
				close(l.idle)
				l.idle = make(chan struct{})
			}
			l.mu.Unlock()
			t.parked <- struct{}{}
		}()
		fn(context.WithValue(ctx, taskKey{}, t))
	}()
	<-t.parked
}

// Yield suspends the calling task until the next Step and then reports
// ctx.Err(). Outside a task of this loop it only reports ctx.Err().
func (l *Loop) Yield(ctx context.Context) error {
	t, ok := ctx.Value(taskKey{}).(*task)
	if !ok || t.loop != l {
		return ctx.Err()
	}

	l.mu.Lock()
	l.waiting = append(l.waiting, t)
	l.mu.Unlock()

	t.parked <- struct{}{}
	<-t.wake
	return ctx.Err()
}

// Step advances one frame with the given delta. Every task parked before the
// call is resumed once; Step returns when each has parked again or exited.
// It returns the number of tasks resumed.
func (l *Loop) Step(dt time.Duration) int {
	l.mu.Lock()
	batch := l.waiting
	l.waiting = nil
	l.frame++
	l.delta = dt
	l.mu.Unlock()

	for _, t := range batch {
		t.wake <- struct{}{}
		<-t.parked
	}
	return len(batch)
}

// Drain steps with a zero delta until no task is parked or maxFrames have
// elapsed. It returns the number of frames stepped.
func (l *Loop) Drain(maxFrames int) int {
	frames := 0
	for frames < maxFrames && l.Pending() > 0 {
		l.Step(0)
		frames++
	}
	return frames
}

// Run steps the loop every interval until ctx is done. The delta passed to
// each step is the wall time since the previous one.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Step(now.Sub(last))
			last = now
		}
	}
}

// Idle returns a channel closed the next time the loop has no live tasks.
func (l *Loop) Idle() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.live == 0 {
		done := make(chan struct{})
		close(done)
		return done
	}
	return l.idle
}

// Pending returns the number of tasks parked awaiting the next frame.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting)
}

// Live returns the number of tasks that have not yet returned.
func (l *Loop) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// Frame returns the number of steps taken so far.
func (l *Loop) Frame() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frame
}

// Delta returns the delta of the current frame.
func (l *Loop) Delta() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delta
}
