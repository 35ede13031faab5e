package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SupervisionMetrics represents aggregated supervision metrics over a time
// window.
type SupervisionMetrics struct {
	Window          string  `json:"window"`
	FailuresTotal   int64   `json:"failures_total"`
	RecoveriesTotal int64   `json:"recoveries_total"`
	TasksCompleted  int64   `json:"tasks_completed"`
	TasksFailed     int64   `json:"tasks_failed"`
	AvgAgentHealth  float64 `json:"avg_agent_health"`
}

// QueryService provides methods to query supervision metrics back out of
// Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetSupervisionMetrics retrieves failure, recovery, and task aggregates
// over the given window (e.g. "1h").
func (q *QueryService) GetSupervisionMetrics(ctx context.Context, window string) (*SupervisionMetrics, error) {
	metrics := &SupervisionMetrics{Window: window}

	failures, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(increase(hivemind_failures_total[%s]))`, window))
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	metrics.FailuresTotal = int64(failures)

	recoveries, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(increase(hivemind_recoveries_total[%s]))`, window))
	if err != nil {
		return nil, fmt.Errorf("failed to query recoveries: %w", err)
	}
	metrics.RecoveriesTotal = int64(recoveries)

	completed, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(increase(hivemind_tasks_total{status="completed"}[%s]))`, window))
	if err != nil {
		return nil, fmt.Errorf("failed to query completed tasks: %w", err)
	}
	metrics.TasksCompleted = int64(completed)

	failed, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(increase(hivemind_tasks_total{status="failed"}[%s]))`, window))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed tasks: %w", err)
	}
	metrics.TasksFailed = int64(failed)

	health, err := q.scalarQuery(ctx, `avg(hivemind_agent_health_score)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent health: %w", err)
	}
	metrics.AvgAgentHealth = health

	return metrics, nil
}

// GetFailuresByType retrieves failure counts over the window broken down by
// failure type.
func (q *QueryService) GetFailuresByType(ctx context.Context, window string) (map[string]int64, error) {
	query := fmt.Sprintf(`sum by (failure_type) (increase(hivemind_failures_total[%s]))`, window)
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query failures by type: %w", err)
	}

	out := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if ft, ok := sample.Metric["failure_type"]; ok {
				out[string(ft)] = int64(sample.Value)
			}
		}
	}
	return out, nil
}

func (q *QueryService) scalarQuery(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
