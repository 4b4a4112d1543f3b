package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"wallet-stream/internal/domain/service"
	"wallet-stream/internal/infrastructure/config"
	"wallet-stream/internal/infrastructure/logger"
	streamerrors "wallet-stream/pkg/errors"
	"wallet-stream/pkg/utils"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const maxAttempts = 3

// erc20BalanceOfABI declares the only ERC-20 method the service calls
const erc20BalanceOfABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc20ABI = mustParseABI(erc20BalanceOfABI)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI definition: %v", err))
	}
	return parsed
}

var ErrInvalidAddress = errors.New("invalid EVM address")

// rpcClient is the subset of ethclient.Client used for balance reads
type rpcClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

type rpcDialer func(ctx context.Context, url string) (rpcClient, error)

func dialEthClient(ctx context.Context, url string) (rpcClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// EVMBalanceService implements BalanceService over JSON-RPC
type EVMBalanceService struct {
	config      *config.EVMConfig
	logger      *logger.Logger
	dial        rpcDialer
	backoffUnit time.Duration

	mu          sync.RWMutex
	client      rpcClient
	isConnected bool
}

// NewEVMBalanceService creates a new EVM balance service
func NewEVMBalanceService(cfg *config.EVMConfig, logger *logger.Logger) service.BalanceService {
	return newEVMBalanceService(cfg, logger, dialEthClient)
}

func newEVMBalanceService(cfg *config.EVMConfig, logger *logger.Logger, dial rpcDialer) *EVMBalanceService {
	return &EVMBalanceService{
		config:      cfg,
		logger:      logger.WithComponent("evm-balance-service"),
		dial:        dial,
		backoffUnit: time.Second,
	}
}

// Connect connects to the EVM node
func (s *EVMBalanceService) Connect(ctx context.Context) error {
	s.logger.Info("Connecting to EVM node", zap.String("rpc_url", s.config.RPCURL))

	client, err := s.dial(ctx, s.config.RPCURL)
	if err != nil {
		s.logger.Error("Failed to connect to EVM node", zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.client = client
	s.isConnected = true
	s.mu.Unlock()

	if err := s.HealthCheck(ctx); err != nil {
		s.logger.Error("Health check failed after connection", zap.Error(err))
		s.mu.Lock()
		s.isConnected = false
		s.mu.Unlock()
		return err
	}

	s.logger.Info("Successfully connected to EVM node")
	return nil
}

// Disconnect disconnects from the EVM node
func (s *EVMBalanceService) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.isConnected = false
	s.logger.Info("Disconnected from EVM node")
	return nil
}

// IsConnected checks if connected to the EVM node
func (s *EVMBalanceService) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isConnected && s.client != nil
}

// NativeBalance returns the native coin balance of account at the latest block
func (s *EVMBalanceService) NativeBalance(ctx context.Context, account string) (*big.Int, error) {
	if !utils.ValidateEVMAddress(account) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, account)
	}

	var balance *big.Int
	err := s.withRetry(ctx, "native balance", func(client rpcClient) error {
		var err error
		balance, err = client.BalanceAt(ctx, common.HexToAddress(account), nil)
		return err
	})
	return balance, err
}

// TokenBalance returns the ERC-20 balance of account at the latest block
func (s *EVMBalanceService) TokenBalance(ctx context.Context, token, account string) (*big.Int, error) {
	if !utils.ValidateEVMAddress(token) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, token)
	}
	if !utils.ValidateEVMAddress(account) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, account)
	}

	data, err := balanceOfCallData(common.HexToAddress(account))
	if err != nil {
		return nil, err
	}

	contract := common.HexToAddress(token)
	msg := ethereum.CallMsg{
		To:   &contract,
		Data: data,
	}

	var balance *big.Int
	err = s.withRetry(ctx, "token balance", func(client rpcClient) error {
		out, err := client.CallContract(ctx, msg, nil)
		if err != nil {
			return err
		}
		balance, err = decodeBalance(out)
		return err
	})
	return balance, err
}

// LatestBlockNumber gets the latest block number
func (s *EVMBalanceService) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var number uint64
	err := s.withRetry(ctx, "block number", func(client rpcClient) error {
		var err error
		number, err = client.BlockNumber(ctx)
		return err
	})
	return number, err
}

// HealthCheck performs health check
func (s *EVMBalanceService) HealthCheck(ctx context.Context) error {
	client, ok := s.currentClient()
	if !ok {
		return streamerrors.ErrNotConnected
	}

	_, err := client.BlockNumber(ctx)
	return err
}

// withRetry runs fn against the current client, reconnecting once on a
// connection error and backing off on rate limits or timeouts
func (s *EVMBalanceService) withRetry(ctx context.Context, op string, fn func(client rpcClient) error) error {
	if !s.IsConnected() {
		if err := s.reconnect(ctx); err != nil {
			return streamerrors.ErrNotConnected
		}
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client, ok := s.currentClient()
		if !ok {
			return streamerrors.ErrNotConnected
		}

		err = fn(client)
		if err == nil {
			return nil
		}

		if s.isConnectionError(err) && attempt == 1 {
			s.logger.Warn("Connection error detected, attempting reconnect", zap.String("op", op), zap.Error(err))
			if reconnectErr := s.reconnect(ctx); reconnectErr == nil {
				continue
			}
		}

		if attempt < maxAttempts {
			s.backoff(ctx, err, attempt)
		}
	}

	s.logger.Error("EVM request failed after retries", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}

func (s *EVMBalanceService) currentClient() (rpcClient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.isConnected && s.client != nil
}

// reconnect attempts to reconnect to the EVM node
func (s *EVMBalanceService) reconnect(ctx context.Context) error {
	s.logger.Warn("Attempting to reconnect to EVM node")

	s.Disconnect()

	if err := s.Connect(ctx); err != nil {
		s.logger.Error("Failed to reconnect to EVM node", zap.Error(err))
		return err
	}

	s.logger.Info("Successfully reconnected to EVM node")
	return nil
}

// isConnectionError checks if the error indicates a connection problem
func (s *EVMBalanceService) isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"eof",
		"no such host",
		"network unreachable",
		"broken pipe",
		"connection timed out",
	}

	for _, connErr := range connectionErrors {
		if strings.Contains(errStr, connErr) {
			return true
		}
	}

	return false
}

// backoff waits before the next attempt: quadratic for rate limits, linear
// for timeouts, none otherwise
func (s *EVMBalanceService) backoff(ctx context.Context, err error, attempt int) {
	errStr := err.Error()

	var wait time.Duration
	switch {
	case strings.Contains(errStr, "429") || strings.Contains(errStr, "Too Many Requests"):
		wait = time.Duration(attempt*attempt) * s.backoffUnit
		s.logger.Warn("Rate limit hit, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	case strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "timeout"):
		wait = time.Duration(attempt) * 2 * s.backoffUnit
		s.logger.Warn("Request timeout, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	default:
		return
	}

	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// balanceOfCallData encodes balanceOf(account)
func balanceOfCallData(account common.Address) ([]byte, error) {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	return data, nil
}

// decodeBalance unpacks the uint256 returned by balanceOf
func decodeBalance(out []byte) (*big.Int, error) {
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf outputs: %d", len(values))
	}
	return abi.ConvertType(values[0], new(big.Int)).(*big.Int), nil
}
