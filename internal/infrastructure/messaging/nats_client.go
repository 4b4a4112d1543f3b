package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"wallet-stream/internal/domain/entity"
	"wallet-stream/internal/domain/service"
	"wallet-stream/internal/infrastructure/config"
	"wallet-stream/internal/infrastructure/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subject suffixes under the configured prefix
const (
	SubjectTransfers = "transfers"
	SubjectBalances  = "balances"
	SubjectStatus    = "status"
)

var _ service.MessagingService = (*NATSClient)(nil)

// StatusEvent represents a connection status change published to NATS
type StatusEvent struct {
	EndpointKey string                  `json:"endpoint_key"`
	From        entity.ConnectionStatus `json:"from"`
	To          entity.ConnectionStatus `json:"to"`
	Error       string                  `json:"error,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
}

// NATSClient handles NATS JetStream operations and implements MessagingService interface
type NATSClient struct {
	conn      *nats.Conn
	js        nats.JetStreamContext
	config    *config.NATSConfig
	logger    *logger.Logger
	isRunning bool
}

// NewNATSClient creates a new NATS client
func NewNATSClient(cfg *config.NATSConfig, logger *logger.Logger) *NATSClient {
	return &NATSClient{
		config: cfg,
		logger: logger.WithComponent("nats-client"),
	}
}

// NewNATSMessagingService creates a new NATS messaging service from main config
func NewNATSMessagingService(cfg *config.Config, logger *logger.Logger) *NATSClient {
	return NewNATSClient(&cfg.NATS, logger)
}

// Connect connects to NATS server and sets up JetStream
func (n *NATSClient) Connect(ctx context.Context) error {
	if !n.config.Enabled {
		n.logger.Info("NATS is disabled, skipping connection")
		return nil
	}

	n.logger.Info("Connecting to NATS server", zap.String("url", n.config.URL))

	opts := []nats.Option{
		nats.Name("wallet-stream"),
		nats.Timeout(n.config.ConnectTimeout),
		nats.ReconnectWait(n.config.ReconnectDelay),
		nats.MaxReconnects(n.config.ReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			n.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			n.logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		n.logger.Error("Failed to connect to NATS", zap.Error(err))
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n.conn = conn

	jsOpts := []nats.JSOpt{}
	if n.config.MaxPendingMessages > 0 {
		jsOpts = append(jsOpts, nats.PublishAsyncMaxPending(n.config.MaxPendingMessages))
	}
	js, err := conn.JetStream(jsOpts...)
	if err != nil {
		n.logger.Error("Failed to create JetStream context", zap.Error(err))
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	n.js = js

	if err := n.setupStream(ctx); err != nil {
		return fmt.Errorf("failed to setup stream: %w", err)
	}

	n.isRunning = true
	n.logger.Info("Successfully connected to NATS and setup JetStream")

	return nil
}

// Disconnect disconnects from NATS server
func (n *NATSClient) Disconnect() error {
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
		n.js = nil
	}
	n.isRunning = false
	n.logger.Info("Disconnected from NATS")
	return nil
}

// IsConnected checks if connected to NATS
func (n *NATSClient) IsConnected() bool {
	return n.isRunning && n.conn != nil && n.conn.IsConnected()
}

// Subject returns the full subject for a suffix, e.g. wallet.transfers
func (n *NATSClient) Subject(suffix string) string {
	return fmt.Sprintf("%s.%s", n.config.SubjectPrefix, suffix)
}

// setupStream creates or updates the JetStream stream
func (n *NATSClient) setupStream(ctx context.Context) error {
	streamName := n.config.StreamName
	subjects := []string{
		n.Subject(SubjectTransfers),
		n.Subject(SubjectBalances),
		n.Subject(SubjectStatus),
	}

	stream, err := n.js.StreamInfo(streamName, nats.Context(ctx))
	if err != nil {
		n.logger.Info("Creating JetStream stream",
			zap.String("stream", streamName),
			zap.Strings("subjects", subjects))

		streamConfig := &nats.StreamConfig{
			Name:       streamName,
			Subjects:   subjects,
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			MaxMsgs:    1000000,            // 1M messages
			MaxBytes:   1024 * 1024 * 1024, // 1GB
			MaxAge:     24 * time.Hour,
			Duplicates: 5 * time.Minute, // Duplicate detection window for MsgId
		}

		_, err = n.js.AddStream(streamConfig, nats.Context(ctx))
		if err != nil {
			n.logger.Error("Failed to create stream", zap.Error(err))
			return err
		}

		n.logger.Info("Successfully created JetStream stream")
	} else {
		n.logger.Info("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", stream.State.Msgs))
	}

	return nil
}

// PublishTransfer publishes a transfer to NATS JetStream
func (n *NATSClient) PublishTransfer(ctx context.Context, transfer *entity.Transfer) error {
	return n.publish(ctx, SubjectTransfers, transfer.EventID, transfer)
}

// PublishTransfers publishes multiple transfers to NATS JetStream
func (n *NATSClient) PublishTransfers(ctx context.Context, transfers []*entity.Transfer) error {
	if !n.IsConnected() {
		if !n.config.Enabled {
			return nil
		}
		return fmt.Errorf("NATS client is not connected")
	}

	if len(transfers) == 0 {
		return nil
	}

	n.logger.Debug("Publishing transfers", zap.Int("count", len(transfers)))

	// Published one by one so each keeps its own MsgId for deduplication
	var errors []error
	successCount := 0

	for _, transfer := range transfers {
		if err := n.PublishTransfer(ctx, transfer); err != nil {
			errors = append(errors, err)
			n.logger.Error("Failed to publish transfer",
				zap.String("event_id", transfer.EventID),
				zap.Error(err))
		} else {
			successCount++
		}
	}

	n.logger.Info("Finished publishing transfers",
		zap.Int("total", len(transfers)),
		zap.Int("success", successCount),
		zap.Int("errors", len(errors)))

	if len(errors) > 0 {
		return fmt.Errorf("failed to publish %d out of %d transfers", len(errors), len(transfers))
	}

	return nil
}

// PublishBalance publishes a refreshed balance
func (n *NATSClient) PublishBalance(ctx context.Context, update *entity.BalanceUpdate) error {
	msgID := fmt.Sprintf("%s:%s:%s:%d", update.Network, update.Subject, update.Asset, update.Block)
	return n.publish(ctx, SubjectBalances, msgID, update)
}

// PublishStatus publishes a connection status change
func (n *NATSClient) PublishStatus(ctx context.Context, change entity.StatusChange) error {
	event := NewStatusEvent(change)
	msgID := change.EndpointKey + ":" + string(change.To) + ":" + strconv.FormatInt(change.At.UnixNano(), 10)
	return n.publish(ctx, SubjectStatus, msgID, event)
}

// NewStatusEvent converts a status change into its published form
func NewStatusEvent(change entity.StatusChange) *StatusEvent {
	event := &StatusEvent{
		EndpointKey: change.EndpointKey,
		From:        change.From,
		To:          change.To,
		Timestamp:   change.At,
	}
	if change.Err != nil {
		event.Error = change.Err.Error()
	}
	return event
}

func (n *NATSClient) publish(ctx context.Context, suffix, msgID string, payload interface{}) error {
	if !n.IsConnected() {
		// If NATS is disabled or not connected, just log and return
		if !n.config.Enabled {
			return nil
		}
		return fmt.Errorf("NATS client is not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("Failed to marshal event", zap.String("subject", suffix), zap.Error(err))
		return fmt.Errorf("failed to marshal %s event: %w", suffix, err)
	}

	subject := n.Subject(suffix)
	if _, err := n.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		n.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.String("msg_id", msgID),
			zap.Error(err))
		return fmt.Errorf("failed to publish %s event: %w", suffix, err)
	}

	n.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("msg_id", msgID))

	return nil
}

// GetStreamInfo returns information about the JetStream stream
func (n *NATSClient) GetStreamInfo() (interface{}, error) {
	if !n.IsConnected() {
		return nil, fmt.Errorf("NATS client is not connected")
	}

	return n.js.StreamInfo(n.config.StreamName)
}
