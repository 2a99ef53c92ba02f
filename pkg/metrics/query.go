package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// OwnerMetrics represents aggregated orchestration metrics for one owner.
type OwnerMetrics struct {
	OwnerID        string `json:"owner_id"`
	Launches       int64  `json:"launches"`
	FailedLaunches int64  `json:"failed_launches"`
}

// QueryService provides methods to query orchestration metrics from a
// Prometheus server scraping the status endpoint.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service.
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

// GetOwnerMetrics retrieves aggregated launch counts for one owner.
func (q *QueryService) GetOwnerMetrics(ctx context.Context, ownerID string) (*OwnerMetrics, error) {
	metrics := &OwnerMetrics{OwnerID: ownerID}

	launchQuery := fmt.Sprintf(`sum(browser_launches_total{owner=%q})`, ownerID)
	result, _, err := q.queryAPI.Query(ctx, launchQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query launches: %w", err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		metrics.Launches = int64(vector[0].Value)
	}

	failedQuery := fmt.Sprintf(`sum(browser_launches_total{owner=%q, status="error"})`, ownerID)
	result, _, err = q.queryAPI.Query(ctx, failedQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query failed launches: %w", err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		metrics.FailedLaunches = int64(vector[0].Value)
	}

	return metrics, nil
}

// ShutdownTierBreakdown returns per-tier shutdown counts across all owners.
func (q *QueryService) ShutdownTierBreakdown(ctx context.Context) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (tier) (browser_shutdowns_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query shutdown tiers: %w", err)
	}

	breakdown := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			breakdown[string(sample.Metric["tier"])] = int64(sample.Value)
		}
	}
	return breakdown, nil
}
