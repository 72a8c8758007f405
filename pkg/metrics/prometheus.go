package metrics

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "switchyard"

// stageBuckets cover a single frame up to a slow disk load.
var stageBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	registry           *prometheus.Registry
	transitionsStarted *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	rejectedTotal      prometheus.Counter
	transitionDuration *prometheus.HistogramVec
	stageDuration      *prometheus.HistogramVec
	inFlight           prometheus.Gauge
}

// NewPrometheusRecorder creates a recorder on its own registry so several
// instances (one per test, say) never collide.
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		transitionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_started_total",
				Help:      "Total number of accepted transition requests by hooks variant",
			},
			[]string{"variant"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of finished transitions by outcome",
			},
			[]string{"outcome"},
		),
		rejectedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_rejected_total",
				Help:      "Transition requests dropped because another was in flight",
			},
		),
		transitionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Duration of whole transitions in seconds",
				Buckets:   stageBuckets,
			},
			[]string{"outcome"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of individual pipeline stages in seconds",
				Buckets:   stageBuckets,
			},
			[]string{"stage"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transition_in_flight",
				Help:      "1 while a transition is running",
			},
		),
	}
}

// TransitionStarted implements Recorder.
func (p *PrometheusRecorder) TransitionStarted(variant string) {
	p.transitionsStarted.WithLabelValues(variant).Inc()
}

// TransitionRejected implements Recorder.
func (p *PrometheusRecorder) TransitionRejected() {
	p.rejectedTotal.Inc()
}

// TransitionFinished implements Recorder.
func (p *PrometheusRecorder) TransitionFinished(outcome string, duration time.Duration) {
	p.transitionsTotal.WithLabelValues(outcome).Inc()
	p.transitionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveStage implements Recorder.
func (p *PrometheusRecorder) ObserveStage(stage string, duration time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// SetInFlight implements Recorder.
func (p *PrometheusRecorder) SetInFlight(inFlight bool) {
	if inFlight {
		p.inFlight.Set(1)
		return
	}
	p.inFlight.Set(0)
}

// Gatherer exposes the underlying registry.
func (p *PrometheusRecorder) Gatherer() prometheus.Gatherer {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// WriteText dumps every metric family from g in the text exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to write metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
