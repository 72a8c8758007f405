package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelRecorder implements Recorder with OpenTelemetry instruments. Export is
// up to whichever MeterProvider produced the meter.
type OTelRecorder struct {
	started  metric.Int64Counter
	finished metric.Int64Counter
	rejected metric.Int64Counter
	duration metric.Float64Histogram
	stage    metric.Float64Histogram
	inFlight metric.Int64UpDownCounter

	mu     sync.Mutex
	flying bool
}

// NewOTelRecorder creates the instruments on meter.
func NewOTelRecorder(meter metric.Meter) (*OTelRecorder, error) {
	r := &OTelRecorder{}
	var err error

	if r.started, err = meter.Int64Counter("switchyard.transitions.started",
		metric.WithDescription("Transitions accepted")); err != nil {
		return nil, fmt.Errorf("failed to create started counter: %w", err)
	}
	if r.finished, err = meter.Int64Counter("switchyard.transitions.finished",
		metric.WithDescription("Transitions finished by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create finished counter: %w", err)
	}
	if r.rejected, err = meter.Int64Counter("switchyard.transitions.rejected",
		metric.WithDescription("Requests dropped while a transition was in flight")); err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}
	if r.duration, err = meter.Float64Histogram("switchyard.transition.duration",
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(stageBuckets...)); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	if r.stage, err = meter.Float64Histogram("switchyard.stage.duration",
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(stageBuckets...)); err != nil {
		return nil, fmt.Errorf("failed to create stage histogram: %w", err)
	}
	if r.inFlight, err = meter.Int64UpDownCounter("switchyard.transition.in_flight"); err != nil {
		return nil, fmt.Errorf("failed to create in-flight counter: %w", err)
	}
	return r, nil
}

// TransitionStarted implements Recorder.
func (r *OTelRecorder) TransitionStarted(variant string) {
	r.started.Add(context.Background(), 1, metric.WithAttributes(attribute.String("variant", variant)))
}

// TransitionRejected implements Recorder.
func (r *OTelRecorder) TransitionRejected() {
	r.rejected.Add(context.Background(), 1)
}

// TransitionFinished implements Recorder.
func (r *OTelRecorder) TransitionFinished(outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	r.finished.Add(context.Background(), 1, attrs)
	r.duration.Record(context.Background(), duration.Seconds(), attrs)
}

// ObserveStage implements Recorder.
func (r *OTelRecorder) ObserveStage(stage string, duration time.Duration) {
	r.stage.Record(context.Background(), duration.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)))
}

// SetInFlight implements Recorder. The counter only moves on changes.
func (r *OTelRecorder) SetInFlight(inFlight bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inFlight == r.flying {
		return
	}
	r.flying = inFlight
	delta := int64(-1)
	if inFlight {
		delta = 1
	}
	r.inFlight.Add(context.Background(), delta)
}

// Multi fans every call out to each recorder in order.
func Multi(recorders ...Recorder) Recorder {
	switch len(recorders) {
	case 0:
		return Nop()
	case 1:
		return recorders[0]
	}
	return multiRecorder(recorders)
}

type multiRecorder []Recorder

func (m multiRecorder) TransitionStarted(variant string) {
	for _, r := range m {
		r.TransitionStarted(variant)
	}
}

func (m multiRecorder) TransitionRejected() {
	for _, r := range m {
		r.TransitionRejected()
	}
}

func (m multiRecorder) TransitionFinished(outcome string, duration time.Duration) {
	for _, r := range m {
		r.TransitionFinished(outcome, duration)
	}
}

func (m multiRecorder) ObserveStage(stage string, duration time.Duration) {
	for _, r := range m {
		r.ObserveStage(stage, duration)
	}
}

func (m multiRecorder) SetInFlight(inFlight bool) {
	for _, r := range m {
		r.SetInFlight(inFlight)
	}
}
