package service

import (
	"context"
	"math/big"
)

// BalanceService reads account balances from an EVM node
type BalanceService interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Balance operations
	NativeBalance(ctx context.Context, account string) (*big.Int, error)
	TokenBalance(ctx context.Context, token, account string) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)

	// Health check
	HealthCheck(ctx context.Context) error
}
