package blockchain

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"wallet-stream/internal/infrastructure/config"
	"wallet-stream/internal/infrastructure/logger"
	streamerrors "wallet-stream/pkg/errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testAccount = "0x00000000000000000000000000000000000a11ce"
	testToken   = "0xdac17f958d2ee523a2206206994597c13d831ec7"
)

// MockRPCClient is a mock implementation of rpcClient
type MockRPCClient struct {
	mock.Mock
}

func (m *MockRPCClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	args := m.Called(ctx, account, blockNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *MockRPCClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	args := m.Called(ctx, msg, blockNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockRPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockRPCClient) Close() {
	m.Called()
}

func newConnectedService(t *testing.T, client *MockRPCClient) *EVMBalanceService {
	client.On("BlockNumber", mock.Anything).Return(uint64(100), nil).Maybe()
	client.On("Close").Return().Maybe()

	svc := newEVMBalanceService(&config.EVMConfig{RPCURL: "http://node"}, logger.NewNop(),
		func(ctx context.Context, url string) (rpcClient, error) { return client, nil })
	svc.backoffUnit = time.Millisecond
	require.NoError(t, svc.Connect(context.Background()))
	return svc
}

func TestBalanceOfCallData(t *testing.T) {
	data, err := balanceOfCallData(common.HexToAddress(testAccount))
	require.NoError(t, err)

	assert.Equal(t, "70a08231", hex.EncodeToString(data[:4]))
	assert.Len(t, data, 36)
	assert.Equal(t, common.HexToAddress(testAccount).Bytes(), data[16:])
}

func TestDecodeBalance(t *testing.T) {
	out := common.LeftPadBytes(big.NewInt(123456).Bytes(), 32)
	value, err := decodeBalance(out)
	require.NoError(t, err)
	assert.Equal(t, int64(123456), value.Int64())

	// Values above 2^64 survive the round trip
	large, ok := new(big.Int).SetString("340282366920938463463374607431768211455", 10)
	require.True(t, ok)
	value, err = decodeBalance(common.LeftPadBytes(large.Bytes(), 32))
	require.NoError(t, err)
	assert.Equal(t, large.String(), value.String())

	_, err = decodeBalance([]byte{0x01})
	assert.Error(t, err)

	_, err = decodeBalance(nil)
	assert.Error(t, err)
}

func TestEVMBalanceService_NativeBalance(t *testing.T) {
	client := new(MockRPCClient)
	client.On("BalanceAt", mock.Anything, common.HexToAddress(testAccount), (*big.Int)(nil)).
		Return(big.NewInt(42), nil)
	svc := newConnectedService(t, client)

	balance, err := svc.NativeBalance(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(42), balance.Int64())
	client.AssertExpectations(t)
}

func TestEVMBalanceService_TokenBalance(t *testing.T) {
	client := new(MockRPCClient)
	contract := common.HexToAddress(testToken)
	client.On("CallContract", mock.Anything, mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return msg.To != nil && *msg.To == contract && hex.EncodeToString(msg.Data[:4]) == "70a08231"
	}), (*big.Int)(nil)).Return(common.LeftPadBytes(big.NewInt(5000).Bytes(), 32), nil)
	svc := newConnectedService(t, client)

	balance, err := svc.TokenBalance(context.Background(), testToken, testAccount)
	require.NoError(t, err)
	assert.Equal(t, "5000", balance.String())
}

func TestEVMBalanceService_InvalidAddress(t *testing.T) {
	svc := newConnectedService(t, new(MockRPCClient))

	_, err := svc.NativeBalance(context.Background(), "tz1abc")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = svc.TokenBalance(context.Background(), "not-a-token", testAccount)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestEVMBalanceService_RetriesRateLimit(t *testing.T) {
	client := new(MockRPCClient)
	client.On("BalanceAt", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("429 Too Many Requests")).Twice()
	client.On("BalanceAt", mock.Anything, mock.Anything, mock.Anything).
		Return(big.NewInt(7), nil).Once()
	svc := newConnectedService(t, client)

	balance, err := svc.NativeBalance(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance.Int64())
	client.AssertNumberOfCalls(t, "BalanceAt", 3)
}

func TestEVMBalanceService_GivesUpAfterRetries(t *testing.T) {
	client := new(MockRPCClient)
	client.On("BalanceAt", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("execution reverted"))
	svc := newConnectedService(t, client)

	_, err := svc.NativeBalance(context.Background(), testAccount)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "native balance")
	client.AssertNumberOfCalls(t, "BalanceAt", maxAttempts)
}

func TestEVMBalanceService_NotConnected(t *testing.T) {
	svc := newEVMBalanceService(&config.EVMConfig{RPCURL: "http://node"}, logger.NewNop(),
		func(ctx context.Context, url string) (rpcClient, error) { return nil, errors.New("connection refused") })

	assert.False(t, svc.IsConnected())
	assert.ErrorIs(t, svc.HealthCheck(context.Background()), streamerrors.ErrNotConnected)

	_, err := svc.LatestBlockNumber(context.Background())
	assert.ErrorIs(t, err, streamerrors.ErrNotConnected)
}

func TestEVMBalanceService_Disconnect(t *testing.T) {
	client := new(MockRPCClient)
	svc := newConnectedService(t, client)

	require.NoError(t, svc.Disconnect())
	assert.False(t, svc.IsConnected())
	client.AssertCalled(t, "Close")
}
