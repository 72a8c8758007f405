// Package metrics records transition outcomes and stage timings.
package metrics

import "time"

// Outcome labels for finished transitions.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Recorder defines the interface for recording transition metrics.
type Recorder interface {
	// TransitionStarted counts a transition that was accepted.
	TransitionStarted(variant string)

	// TransitionRejected counts a request dropped because another
	// transition was in flight.
	TransitionRejected()

	// TransitionFinished records the outcome and total duration.
	TransitionFinished(outcome string, duration time.Duration)

	// ObserveStage records how long one pipeline stage took.
	ObserveStage(stage string, duration time.Duration)

	// SetInFlight reports whether a transition is running.
	SetInFlight(inFlight bool)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// TransitionStarted does nothing in the no-op recorder.
func (n *NoopRecorder) TransitionStarted(_ string) {}

// TransitionRejected does nothing in the no-op recorder.
func (n *NoopRecorder) TransitionRejected() {}

// TransitionFinished does nothing in the no-op recorder.
func (n *NoopRecorder) TransitionFinished(_ string, _ time.Duration) {}

// ObserveStage does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveStage(_ string, _ time.Duration) {}

// SetInFlight does nothing in the no-op recorder.
func (n *NoopRecorder) SetInFlight(_ bool) {}
