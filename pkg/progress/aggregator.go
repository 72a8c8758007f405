package progress

import (
	"errors"
	"sync"
)

// ErrNoStages is returned when an Aggregator is built without handles.
var ErrNoStages = errors.New("aggregator requires at least one stage")

// Listener receives the aggregator after every recomputation.
type Listener func(a *Aggregator)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Aggregator advances through an ordered sequence of handles, subscribed
// to exactly one at a time, and publishes
// (index + handleProgress) / total as the overall progress.
type Aggregator struct {
	mu        sync.Mutex
	handles   []*Handle
	total     int
	index     int
	current   *Handle
	progress  float64
	listeners []listenerEntry
	nextID    uint64
}

// NewAggregator wraps handles in order and immediately subscribes to the first.
func NewAggregator(handles []*Handle) (*Aggregator, error) {
	if len(handles) == 0 {
		return nil, ErrNoStages
	}
	a := &Aggregator{
		handles: append([]*Handle(nil), handles...),
		total:   len(handles),
		index:   -1,
	}
	a.advance()
	return a, nil
}

// Index returns the position of the current stage, or -1 once disposed.
func (a *Aggregator) Index() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index
}

// Total returns the number of stages.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Progress returns the overall normalized progress in [0,1].
func (a *Aggregator) Progress() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress
}

// Current returns the handle currently subscribed to, or nil when terminal.
func (a *Aggregator) Current() *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Terminal reports whether the last stage has finished.
func (a *Aggregator) Terminal() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current == nil && a.index == a.total-1 && a.handles != nil
}

// Subscribe registers a "progressed" listener and returns its cancel func.
func (a *Aggregator) Subscribe(fn Listener) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.listeners = append(a.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, l := range a.listeners {
			if l.id == id {
				a.listeners = append(a.listeners[:i:i], a.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnProgressSet implements Observer for the current handle.
func (a *Aggregator) OnProgressSet(h *Handle, progress float64) {
	a.mu.Lock()
	if h != a.current {
		a.mu.Unlock()
		return
	}
	a.recompute(progress)
	listeners := a.snapshotListeners()
	a.mu.Unlock()

	a.publish(listeners)
}

// OnFinished implements Observer; it moves the subscription to the next stage.
func (a *Aggregator) OnFinished(h *Handle, _ float64) {
	a.mu.Lock()
	isCurrent := h == a.current
	a.mu.Unlock()
	if isCurrent {
		a.advance()
	}
}

// Dispose unsubscribes, disposes every handle in reverse order and resets
// the index. Safe at any point and idempotent.
func (a *Aggregator) Dispose() {
	a.mu.Lock()
	current := a.current
	handles := a.handles
	a.current = nil
	a.handles = nil
	a.listeners = nil
	a.progress = 0
	a.index = -1
	a.mu.Unlock()

	if current != nil {
		current.Detach(a)
	}
	for i := len(handles) - 1; i >= 0; i-- {
		handles[i].Dispose()
	}
}

func (a *Aggregator) advance() {
	a.mu.Lock()
	if a.handles == nil {
		a.mu.Unlock()
		return
	}
	previous := a.current
	a.current = nil
	var next *Handle
	if a.index < a.total-1 {
		a.index++
		next = a.handles[a.index]
		a.current = next
	}
	a.mu.Unlock()

	if previous != nil {
		previous.Detach(a)
	}
	if next == nil {
		return
	}
	next.Attach(a)
	a.OnProgressSet(next, next.Progress())
}

// recompute must be called with a.mu held.
func (a *Aggregator) recompute(handleProgress float64) {
	a.progress = Clamp01((float64(a.index) + Clamp01(handleProgress)) / float64(a.total))
}

// snapshotListeners must be called with a.mu held.
func (a *Aggregator) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(a.listeners))
	for _, l := range a.listeners {
		out = append(out, l.fn)
	}
	return out
}

func (a *Aggregator) publish(listeners []Listener) {
	for _, fn := range listeners {
		fn(a)
	}
}
