package handlers

import (
	"context"

	"github.com/vicbravo9895/sam-engine-sub001/pkg/metrics"
)

// Attention acknowledges and resolves alerts on behalf of an operator.
type Attention interface {
	Acknowledge(ctx context.Context, companyID, alertID int64, owner string) (bool, error)
	Resolve(ctx context.Context, companyID, alertID int64, owner string) (bool, error)
}

// DeliveryStore applies provider delivery callbacks.
type DeliveryStore interface {
	UpdateDeliveryStatus(ctx context.Context, companyID int64, providerID, status string) (int64, error)
}

// MetricsReader reads the snapshots services publish to Redis.
type MetricsReader interface {
	GetServiceMetrics(ctx context.Context, serviceName string) (*metrics.ServiceMetrics, error)
	GetAllServiceMetrics(ctx context.Context) (map[string]*metrics.ServiceMetrics, error)
}
