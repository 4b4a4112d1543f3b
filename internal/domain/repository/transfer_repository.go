package repository

import (
	"context"
	"time"

	"wallet-stream/internal/domain/entity"
)

// TransferRepository interface for transfer data operations
type TransferRepository interface {
	// Create operations
	UpsertTransfers(ctx context.Context, transfers []*entity.Transfer) error

	// Read operations
	GetTransferByEventID(ctx context.Context, eventID string) (*entity.Transfer, error)
	GetTransfersBySubject(ctx context.Context, subject string, limit int, offset int) ([]*entity.Transfer, error)

	// Update operations
	MarkRemovedAbove(ctx context.Context, endpointKey string, level uint64) (int64, error)
	MarkRemovedByLog(ctx context.Context, endpointKey, txHash string, logIndex uint) (int64, error)

	// Utility operations
	CountTransfers(ctx context.Context, subject string) (int64, error)

	// Cleanup operations
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
}
