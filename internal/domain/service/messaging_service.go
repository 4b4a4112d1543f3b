package service

import (
	"context"

	"wallet-stream/internal/domain/entity"
)

// MessagingService defines the interface for publishing wallet events
type MessagingService interface {
	// Connect establishes connection to the messaging system
	Connect(ctx context.Context) error

	// Disconnect closes connection to the messaging system
	Disconnect() error

	// IsConnected checks if connected to the messaging system
	IsConnected() bool

	// PublishTransfer publishes a single transfer event
	PublishTransfer(ctx context.Context, transfer *entity.Transfer) error

	// PublishTransfers publishes multiple transfer events
	PublishTransfers(ctx context.Context, transfers []*entity.Transfer) error

	// PublishBalance publishes a refreshed balance
	PublishBalance(ctx context.Context, update *entity.BalanceUpdate) error

	// PublishStatus publishes a connection status change
	PublishStatus(ctx context.Context, change entity.StatusChange) error

	// GetStreamInfo returns information about the message stream (if applicable)
	GetStreamInfo() (interface{}, error)
}
