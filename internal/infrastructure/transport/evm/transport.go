package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"wallet-stream/internal/domain/entity"
	"wallet-stream/internal/domain/service"
	"wallet-stream/internal/infrastructure/config"
	"wallet-stream/internal/infrastructure/logger"
	streamerrors "wallet-stream/pkg/errors"
	"wallet-stream/pkg/utils"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const logBufferSize = 256

// TransferTopic is the ERC-20 Transfer(address,address,uint256) event signature
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var errSubscriptionEnded = errors.New("log subscription ended")

var (
	_ service.Transport         = (*Transport)(nil)
	_ service.SubjectSubscriber = (*Transport)(nil)
)

// LogClient is the part of an EVM node client the transport needs
type LogClient interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a LogClient for a websocket RPC URL
type Dialer func(ctx context.Context, url string) (LogClient, error)

// DialEthClient dials a go-ethereum websocket client
func DialEthClient(ctx context.Context, url string) (LogClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type session struct {
	client    LogClient
	sub       ethereum.Subscription
	done      chan struct{}
	closeOnce sync.Once
}

// Transport streams ERC-20 transfer logs for tracked addresses over one
// eth_subscribe("logs") subscription per Start
type Transport struct {
	endpointKey string
	cfg         *config.EVMConfig
	sink        service.EventSink
	logger      *logger.Logger
	dial        Dialer

	mu       sync.Mutex
	session  *session
	onClose  func(error)
	subjects map[string]int
}

// NewTransport creates an EVM log transport delivering events to sink
func NewTransport(endpointKey string, cfg *config.EVMConfig, sink service.EventSink, logger *logger.Logger, dial Dialer) *Transport {
	if dial == nil {
		dial = DialEthClient
	}
	return &Transport{
		endpointKey: endpointKey,
		cfg:         cfg,
		sink:        sink,
		logger:      logger.WithComponent("evm-transport").WithEndpoint(endpointKey),
		dial:        dial,
		subjects:    make(map[string]int),
	}
}

// OnClose sets the handler fired once per connection when it ends
func (t *Transport) OnClose(handler func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = handler
}

// Start dials the node and opens the transfer log subscription
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.session != nil {
		t.mu.Unlock()
		return streamerrors.ErrAlreadyStarted
	}
	t.mu.Unlock()

	if t.cfg.WSURL == "" {
		return fmt.Errorf("EVM websocket URL is not configured")
	}

	t.logger.Info("Connecting to EVM node", zap.String("ws_url", t.cfg.WSURL))

	client, err := t.dial(ctx, t.cfg.WSURL)
	if err != nil {
		return fmt.Errorf("failed to dial EVM node: %w", err)
	}

	logs := make(chan types.Log, logBufferSize)
	sub, err := client.SubscribeFilterLogs(ctx, t.filterQuery(), logs)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to subscribe transfer logs: %w", err)
	}

	s := &session{client: client, sub: sub, done: make(chan struct{})}

	t.mu.Lock()
	t.session = s
	t.mu.Unlock()

	go t.loop(s, logs)

	t.logger.Info("Subscribed to transfer logs", zap.Int("contracts", len(t.cfg.TokenContracts)))
	return nil
}

// Stop unsubscribes and closes the node client
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()

	if s == nil {
		return nil
	}

	t.logger.Info("Closing EVM subscription")
	t.finish(s, nil)
	return nil
}

// Subscribe tracks subject. Logs are filtered by contract on the node and
// by address locally, so no request is sent.
func (t *Transport) Subscribe(ctx context.Context, subject, filter string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subjects[utils.NormalizeAddress(subject)]++
	return nil
}

// Unsubscribe stops tracking subject
func (t *Transport) Unsubscribe(ctx context.Context, subject, filter string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := utils.NormalizeAddress(subject)
	t.subjects[key]--
	if t.subjects[key] <= 0 {
		delete(t.subjects, key)
	}
	return nil
}

func (t *Transport) filterQuery() ethereum.FilterQuery {
	q := ethereum.FilterQuery{
		Topics: [][]common.Hash{{TransferTopic}},
	}
	for _, contract := range t.cfg.TokenContracts {
		q.Addresses = append(q.Addresses, common.HexToAddress(contract))
	}
	return q
}

func (t *Transport) loop(s *session, logs <-chan types.Log) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Log loop panic recovered", zap.Any("panic", r))
			t.finish(s, fmt.Errorf("log loop panic: %v", r))
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case err := <-s.sub.Err():
			select {
			case <-s.done:
				return
			default:
			}
			if err == nil {
				err = errSubscriptionEnded
			}
			t.finish(s, fmt.Errorf("transfer log subscription failed: %w", err))
			return
		case lg := <-logs:
			events, err := transferEvents(t.endpointKey, lg, t.isTracked, time.Now())
			if err != nil {
				t.logger.Warn("Failed to decode transfer log",
					zap.String("tx_hash", lg.TxHash.Hex()),
					zap.Error(err))
				continue
			}
			for _, event := range events {
				t.sink.Dispatch(event)
			}
		}
	}
}

// finish ends a session once and notifies the close handler
func (t *Transport) finish(s *session, cause error) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.sub.Unsubscribe()
		s.client.Close()

		t.mu.Lock()
		if t.session == s {
			t.session = nil
		}
		handler := t.onClose
		t.mu.Unlock()

		if cause != nil {
			t.logger.Warn("EVM subscription lost", zap.Error(cause))
		}
		if handler != nil {
			handler(cause)
		}
	})
}

func (t *Transport) isTracked(address string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subjects[address] > 0
}

// transferEvents decodes an ERC-20 Transfer log into one event per tracked
// side. Removed logs become reorg events.
func transferEvents(endpointKey string, lg types.Log, tracked func(string) bool, receivedAt time.Time) ([]entity.Event, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic {
		return nil, nil
	}
	if len(lg.Data) != common.HashLength {
		return nil, fmt.Errorf("unexpected transfer data length %d", len(lg.Data))
	}

	from := strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex())
	to := strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex())
	asset := strings.ToLower(lg.Address.Hex())

	payload := entity.TransferPayload{
		From:       from,
		To:         to,
		Asset:      asset,
		Amount:     new(big.Int).SetBytes(lg.Data).String(),
		TxHash:     lg.TxHash.Hex(),
		BlockLevel: lg.BlockNumber,
		LogIndex:   lg.Index,
		Removed:    lg.Removed,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer payload: %w", err)
	}

	kind := entity.EventKindTransfer
	if lg.Removed {
		kind = entity.EventKindReorg
	}

	var events []entity.Event
	for _, subject := range []string{from, to} {
		if !tracked(subject) {
			continue
		}
		if len(events) > 0 && events[0].Subject == subject {
			continue
		}
		events = append(events, entity.Event{
			ID:          entity.NewEventID(endpointKey, payload.TxHash, strconv.FormatUint(uint64(lg.Index), 10), subject, string(kind)),
			EndpointKey: endpointKey,
			Kind:        kind,
			Subject:     subject,
			Asset:       asset,
			Payload:     raw,
			ReceivedAt:  receivedAt,
		})
	}
	return events, nil
}
