// Package progress provides per-stage progress handles and an aggregator
// that folds an ordered sequence of handles into one normalized signal.
package progress

import (
	"sync"
)

// Observer receives events from a Handle.
// Observers must be comparable (use pointer receivers) so they can be detached.
type Observer interface {
	// OnProgressSet fires on every accepted update, including completion.
	OnProgressSet(h *Handle, progress float64)
	// OnFinished fires exactly once, on first completion.
	OnFinished(h *Handle, progress float64)
}

// Funcs adapts plain functions to the Observer interface.
// Attach it by pointer: h.Attach(&progress.Funcs{...}).
type Funcs struct {
	ProgressSet func(h *Handle, progress float64)
	Finished    func(h *Handle, progress float64)
}

// OnProgressSet implements Observer.
func (f *Funcs) OnProgressSet(h *Handle, progress float64) {
	if f.ProgressSet != nil {
		f.ProgressSet(h, progress)
	}
}

// OnFinished implements Observer.
func (f *Funcs) OnFinished(h *Handle, progress float64) {
	if f.Finished != nil {
		f.Finished(h, progress)
	}
}

// Handle tracks the progress of a single stage.
// Progress is clamped to [0,1]; completion is a one-way latch.
type Handle struct {
	mu        sync.Mutex
	progress  float64
	completed bool
	message   string
	observers []Observer
}

// NewHandle returns a fresh handle at progress 0.
func NewHandle() *Handle {
	return &Handle{}
}

// Progress returns the last stored progress value.
func (h *Handle) Progress() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// Completed reports whether MarkCompleted has been called.
func (h *Handle) Completed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

// Message returns the presentation label set by SetMessage.
func (h *Handle) Message() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.message
}

// SetMessage stores an optional human-readable label.
func (h *Handle) SetMessage(text string) {
	h.mu.Lock()
	h.message = text
	h.mu.Unlock()
}

// SetProgress clamps p to [0,1] and publishes it.
// Lower values are accepted; calls after completion are ignored.
func (h *Handle) SetProgress(p float64) {
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		return
	}
	h.progress = Clamp01(p)
	value := h.progress
	observers := h.snapshot()
	h.mu.Unlock()

	for _, o := range observers {
		o.OnProgressSet(h, value)
	}
}

// MarkCompleted sets progress to 1 and latches completion, firing
// "progress set" then "finished". Repeated calls are no-ops.
func (h *Handle) MarkCompleted() {
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		return
	}
	h.progress = 1
	h.completed = true
	observers := h.snapshot()
	h.mu.Unlock()

	for _, o := range observers {
		o.OnProgressSet(h, 1)
	}
	// Observers detached while handling progress set must not see finished.
	for _, o := range observers {
		if h.attached(o) {
			o.OnFinished(h, 1)
		}
	}
}

// Attach registers an observer. Attaching the same observer twice is a no-op.
func (h *Handle) Attach(o Observer) {
	if o == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.observers {
		if existing == o {
			return
		}
	}
	h.observers = append(h.observers, o)
}

// Detach removes an observer. Safe to call from inside a callback.
func (h *Handle) Detach(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.observers {
		if existing == o {
			h.observers = append(h.observers[:i:i], h.observers[i+1:]...)
			return
		}
	}
}

// Dispose clears all fields and detaches every observer.
func (h *Handle) Dispose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = 0
	h.completed = false
	h.message = ""
	h.observers = nil
}

func (h *Handle) attached(o Observer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.observers {
		if existing == o {
			return true
		}
	}
	return false
}

// snapshot must be called with h.mu held.
func (h *Handle) snapshot() []Observer {
	if len(h.observers) == 0 {
		return nil
	}
	out := make([]Observer, len(h.observers))
	copy(out, h.observers)
	return out
}

// Clamp01 limits v to the closed range [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
