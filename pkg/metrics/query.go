package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// TransitionStats represents aggregated transition counts scraped by a
// Prometheus server.
type TransitionStats struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Cancelled int64 `json:"cancelled"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client    api.Client
	queryAPI  v1.API
	namespace string
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL, namespace string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	return &QueryService{
		client:    client,
		queryAPI:  v1.NewAPI(client),
		namespace: namespace,
	}, nil
}

// GetTransitionStats sums the transition counters across every scraped instance.
func (q *QueryService) GetTransitionStats(ctx context.Context) (*TransitionStats, error) {
	stats := &TransitionStats{}

	started, err := q.scalar(ctx, fmt.Sprintf(`sum(%s_transitions_started_total)`, q.namespace))
	if err != nil {
		return nil, fmt.Errorf("failed to query started transitions: %w", err)
	}
	stats.Started = started

	rejected, err := q.scalar(ctx, fmt.Sprintf(`sum(%s_transitions_rejected_total)`, q.namespace))
	if err != nil {
		return nil, fmt.Errorf("failed to query rejected transitions: %w", err)
	}
	stats.Rejected = rejected

	byOutcome := fmt.Sprintf(`sum by (outcome) (%s_transitions_total)`, q.namespace)
	result, _, err := q.queryAPI.Query(ctx, byOutcome, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query transition outcomes: %w", err)
	}
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			applyOutcome(stats, string(sample.Metric["outcome"]), int64(sample.Value))
		}
	}

	return stats, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}

func applyOutcome(stats *TransitionStats, outcome string, n int64) {
	switch outcome {
	case OutcomeCompleted:
		stats.Completed = n
	case OutcomeCancelled:
		stats.Cancelled = n
	case OutcomeFailed:
		stats.Failed = n
	}
}
