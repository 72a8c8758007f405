package transition

import (
	"runtime/debug"
	"sync"

	"switchyard/pkg/logx"
	"switchyard/pkg/workspace"
)

// StartedEvent fires once per accepted request, before the intro.
type StartedEvent struct {
	ID     string
	Target workspace.Descriptor
}

// ActivatedEvent fires when the current workspace switches to the target,
// between unload-post and load-pre.
type ActivatedEvent struct {
	ID       string
	Previous workspace.Descriptor
	Current  workspace.Descriptor
}

// ProgressEvent carries the aggregated progress after every update.
type ProgressEvent struct {
	ID       string
	Index    int
	Total    int
	Progress float64
	Message  string
}

// EndedEvent fires once after a successful transition has been torn down.
type EndedEvent struct {
	ID      string
	Current workspace.Descriptor
}

// AbortedEvent fires instead of EndedEvent when a transition is cancelled
// or fails. Teardown has already run.
type AbortedEvent struct {
	ID        string
	Target    workspace.Descriptor
	Stage     Stage
	Reason    error
	Cancelled bool
}

type listenerSet[E any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    []listenerEntry[E]
}

type listenerEntry[E any] struct {
	id uint64
	fn func(E)
}

func (s *listenerSet[E]) add(fn func(E)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.fns = append(s.fns, listenerEntry[E]{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.fns {
			if l.id == id {
				s.fns = append(s.fns[:i:i], s.fns[i+1:]...)
				return
			}
		}
	}
}

// emit calls every listener in registration order. A panicking listener is
// logged and skipped.
func (s *listenerSet[E]) emit(logger *logx.Logger, name string, event E) {
	s.mu.Lock()
	fns := make([]func(E), 0, len(s.fns))
	for _, l := range s.fns {
		fns = append(fns, l.fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		safeCall(logger, name, fn, event)
	}
}

func safeCall[E any](logger *logx.Logger, name string, fn func(E), event E) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("%s listener panicked: %v\n%s", name, r, debug.Stack())
		}
	}()
	fn(event)
}
