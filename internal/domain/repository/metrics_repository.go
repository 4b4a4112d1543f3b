package repository

import (
	"context"
	"time"

	"wallet-stream/internal/domain/entity"
)

// MetricsRepository interface for connection metrics operations
type MetricsRepository interface {
	// Connection metrics operations
	SaveConnectionMetrics(ctx context.Context, metrics *entity.ConnectionMetrics) error
	GetLatestConnectionMetrics(ctx context.Context, endpointKey string) (*entity.ConnectionMetrics, error)
	GetConnectionMetricsHistory(ctx context.Context, endpointKey string, limit int) ([]*entity.ConnectionMetrics, error)

	// Connection event operations
	SaveConnectionEvent(ctx context.Context, event *entity.ConnectionEvent) error
	GetConnectionEvents(ctx context.Context, endpointKey string, since time.Time) ([]*entity.ConnectionEvent, error)

	// Aggregation operations
	GetReconnectRate(ctx context.Context, endpointKey string, timeRange time.Duration) (float64, error)

	// Cleanup operations
	CleanupOldMetrics(ctx context.Context, olderThan time.Time) error
}
