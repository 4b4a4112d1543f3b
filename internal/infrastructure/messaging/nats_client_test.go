package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"wallet-stream/internal/domain/entity"
	"wallet-stream/internal/domain/service"
	"wallet-stream/internal/infrastructure/config"
	"wallet-stream/internal/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockNATSClient is a mock implementation of MessagingService for testing
type MockNATSClient struct {
	mock.Mock
	connected bool
}

func (m *MockNATSClient) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	if args.Error(0) == nil {
		m.connected = true
	}
	return args.Error(0)
}

func (m *MockNATSClient) Disconnect() error {
	args := m.Called()
	m.connected = false
	return args.Error(0)
}

func (m *MockNATSClient) IsConnected() bool {
	return m.connected
}

func (m *MockNATSClient) PublishTransfer(ctx context.Context, transfer *entity.Transfer) error {
	args := m.Called(ctx, transfer)
	return args.Error(0)
}

func (m *MockNATSClient) PublishTransfers(ctx context.Context, transfers []*entity.Transfer) error {
	args := m.Called(ctx, transfers)
	return args.Error(0)
}

func (m *MockNATSClient) PublishBalance(ctx context.Context, update *entity.BalanceUpdate) error {
	args := m.Called(ctx, update)
	return args.Error(0)
}

func (m *MockNATSClient) PublishStatus(ctx context.Context, change entity.StatusChange) error {
	args := m.Called(ctx, change)
	return args.Error(0)
}

func (m *MockNATSClient) GetStreamInfo() (interface{}, error) {
	args := m.Called()
	return args.Get(0), args.Error(1)
}

var _ service.MessagingService = (*MockNATSClient)(nil)

func testNATSConfig(enabled bool) *config.NATSConfig {
	return &config.NATSConfig{
		URL:                "nats://localhost:4222",
		StreamName:         "TEST_STREAM",
		SubjectPrefix:      "test",
		ConnectTimeout:     10 * time.Second,
		ReconnectAttempts:  5,
		ReconnectDelay:     2 * time.Second,
		MaxPendingMessages: 1000,
		Enabled:            enabled,
	}
}

func TestNewNATSClient(t *testing.T) {
	cfg := testNATSConfig(true)

	client := NewNATSClient(cfg, logger.NewNop())

	assert.NotNil(t, client)
	assert.Equal(t, cfg, client.config)
	assert.NotNil(t, client.logger)
	assert.False(t, client.isRunning)
}

func TestNewNATSMessagingService(t *testing.T) {
	cfg := &config.Config{NATS: *testNATSConfig(true)}

	client := NewNATSMessagingService(cfg, logger.NewNop())

	assert.NotNil(t, client)
	assert.Equal(t, &cfg.NATS, client.config)
	assert.False(t, client.isRunning)
}

func TestNATSClient_Subject(t *testing.T) {
	client := NewNATSClient(testNATSConfig(true), logger.NewNop())

	assert.Equal(t, "test.transfers", client.Subject(SubjectTransfers))
	assert.Equal(t, "test.balances", client.Subject(SubjectBalances))
	assert.Equal(t, "test.status", client.Subject(SubjectStatus))
}

func TestNATSClient_DisabledConfig(t *testing.T) {
	client := NewNATSClient(testNATSConfig(false), logger.NewNop())
	ctx := context.Background()

	// Connect should succeed but do nothing when disabled
	err := client.Connect(ctx)
	assert.NoError(t, err)
	assert.False(t, client.IsConnected())

	transfer := createTestTransfer()
	assert.NoError(t, client.PublishTransfer(ctx, transfer))
	assert.NoError(t, client.PublishTransfers(ctx, []*entity.Transfer{transfer}))
	assert.NoError(t, client.PublishBalance(ctx, &entity.BalanceUpdate{Subject: "tz1abc"}))
	assert.NoError(t, client.PublishStatus(ctx, entity.StatusChange{EndpointKey: "tezos"}))
}

func TestNATSClient_NotConnected(t *testing.T) {
	client := NewNATSClient(testNATSConfig(true), logger.NewNop())
	ctx := context.Background()

	assert.False(t, client.IsConnected())

	transfer := createTestTransfer()
	err := client.PublishTransfer(ctx, transfer)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	err = client.PublishTransfers(ctx, []*entity.Transfer{transfer})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	err = client.PublishStatus(ctx, entity.StatusChange{EndpointKey: "tezos"})
	assert.Error(t, err)

	_, err = client.GetStreamInfo()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestNewStatusEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	event := NewStatusEvent(entity.StatusChange{
		EndpointKey: "tezos",
		From:        entity.ConnectionStatusReady,
		To:          entity.ConnectionStatusReconnecting,
		At:          at,
		Err:         errors.New("websocket: close 1006"),
	})

	assert.Equal(t, "tezos", event.EndpointKey)
	assert.Equal(t, entity.ConnectionStatusReconnecting, event.To)
	assert.Equal(t, "websocket: close 1006", event.Error)
	assert.Equal(t, at, event.Timestamp)
}

func TestMockNATSClient(t *testing.T) {
	mockClient := &MockNATSClient{}
	ctx := context.Background()

	mockClient.On("Connect", ctx).Return(nil)
	err := mockClient.Connect(ctx)
	assert.NoError(t, err)
	assert.True(t, mockClient.IsConnected())

	transfer := createTestTransfer()
	mockClient.On("PublishTransfer", ctx, transfer).Return(nil)
	assert.NoError(t, mockClient.PublishTransfer(ctx, transfer))

	transfers := []*entity.Transfer{transfer}
	mockClient.On("PublishTransfers", ctx, transfers).Return(nil)
	assert.NoError(t, mockClient.PublishTransfers(ctx, transfers))

	mockClient.On("Disconnect").Return(nil)
	assert.NoError(t, mockClient.Disconnect())
	assert.False(t, mockClient.IsConnected())

	mockClient.AssertExpectations(t)
}

// Helper function to create a test transfer
func createTestTransfer() *entity.Transfer {
	return &entity.Transfer{
		EventID:     entity.NewEventID("tezos", "42", "tz1abc"),
		EndpointKey: "tezos",
		Network:     "mainnet",
		Subject:     "tz1abc",
		Direction:   entity.TransferDirectionOut,
		From:        "tz1abc",
		To:          "tz1xyz",
		Asset:       "KT1token:0",
		Amount:      "1000000",
		BlockLevel:  4200000,
		Timestamp:   time.Now(),
		ReceivedAt:  time.Now(),
	}
}
