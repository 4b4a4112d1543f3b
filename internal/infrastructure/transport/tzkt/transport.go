package tzkt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"wallet-stream/internal/domain/entity"
	"wallet-stream/internal/domain/service"
	"wallet-stream/internal/infrastructure/config"
	"wallet-stream/internal/infrastructure/logger"
	streamerrors "wallet-stream/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultHandshakeTimeout = 30 * time.Second

var errServerClosed = errors.New("hub closed the connection")

var (
	_ service.Transport         = (*Transport)(nil)
	_ service.SubjectSubscriber = (*Transport)(nil)
)

type subscription struct {
	subject string
	filter  string
}

// session is one live websocket connection to the hub
type session struct {
	conn      *websocket.Conn
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Transport streams token transfers from a TzKT SignalR hub. It connects
// once per Start and never reconnects on its own.
type Transport struct {
	endpointKey string
	cfg         *config.TezosConfig
	connCfg     *config.ConnectionConfig
	sink        service.EventSink
	logger      *logger.Logger
	dialer      *websocket.Dialer

	mu           sync.Mutex
	session      *session
	onClose      func(error)
	subjects     map[subscription]struct{}
	invocationID int64
}

// NewTransport creates a TzKT transport delivering events to sink
func NewTransport(
	endpointKey string,
	cfg *config.TezosConfig,
	connCfg *config.ConnectionConfig,
	sink service.EventSink,
	logger *logger.Logger,
) *Transport {
	return &Transport{
		endpointKey: endpointKey,
		cfg:         cfg,
		connCfg:     connCfg,
		sink:        sink,
		logger:      logger.WithComponent("tzkt-transport").WithEndpoint(endpointKey),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: connCfg.HandshakeTimeout,
		},
		subjects: make(map[subscription]struct{}),
	}
}

// OnClose sets the handler fired once per connection when it ends
func (t *Transport) OnClose(handler func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = handler
}

// Start dials the hub, completes the SignalR handshake and subscribes every
// tracked subject
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.session != nil {
		t.mu.Unlock()
		return streamerrors.ErrAlreadyStarted
	}
	t.mu.Unlock()

	if t.cfg.WSURL == "" {
		return fmt.Errorf("TzKT websocket URL is not configured")
	}

	t.logger.Info("Connecting to TzKT hub", zap.String("ws_url", t.cfg.WSURL))

	conn, _, err := t.dialer.DialContext(ctx, t.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial TzKT websocket: %w", err)
	}

	if err := t.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	s := &session{conn: conn, done: make(chan struct{})}

	t.mu.Lock()
	t.session = s
	subs := t.trackedLocked()
	t.mu.Unlock()

	for _, sub := range subs {
		if err := t.sendSubscribe(s, sub); err != nil {
			t.mu.Lock()
			t.session = nil
			t.mu.Unlock()
			conn.Close()
			return fmt.Errorf("failed to resubscribe %s: %w", sub.subject, err)
		}
	}

	go t.readLoop(s)
	go t.pingLoop(s)

	t.logger.Info("Connected to TzKT hub", zap.Int("subscriptions", len(subs)))
	return nil
}

// Stop closes the current connection. It is safe to call at any time,
// including while Start is still dialing.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()

	if s == nil {
		return nil
	}

	t.logger.Info("Closing TzKT connection")

	deadline := time.Now().Add(defaultHandshakeTimeout)
	if t.connCfg.WriteTimeout > 0 {
		deadline = time.Now().Add(t.connCfg.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	s.writeMu.Unlock()

	t.finish(s, nil)

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("failed to send close frame: %w", err)
	}
	return nil
}

// Subscribe tracks subject and asks the hub for its transfers. Subjects are
// replayed on every Start.
func (t *Transport) Subscribe(ctx context.Context, subject, filter string) error {
	sub := subscription{subject: subject, filter: filter}

	t.mu.Lock()
	t.subjects[sub] = struct{}{}
	s := t.session
	t.mu.Unlock()

	if s == nil {
		return nil
	}
	return t.sendSubscribe(s, sub)
}

// Unsubscribe stops tracking subject. The hub has no unsubscribe call, so
// events for untracked subjects are dropped locally until the next Start.
func (t *Transport) Unsubscribe(ctx context.Context, subject, filter string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subjects, subscription{subject: subject, filter: filter})
	return nil
}

func (t *Transport) handshake(conn *websocket.Conn) error {
	timeout := t.connCfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, handshakeRequest); err != nil {
		return fmt.Errorf("failed to send SignalR handshake: %w", err)
	}

	conn.SetReadDeadline(deadline)
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read SignalR handshake: %w", err)
	}

	records := splitRecords(frame)
	if len(records) == 0 {
		return fmt.Errorf("empty SignalR handshake response")
	}

	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return fmt.Errorf("invalid SignalR handshake response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("hub rejected handshake: %s", resp.Error)
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	return nil
}

func (t *Transport) sendSubscribe(s *session, sub subscription) error {
	contract, tokenID := parseAssetFilter(sub.filter)
	if err := t.invoke(s, methodSubscribeTransfers, tokenSubscription{
		Account:  sub.subject,
		Contract: contract,
		TokenID:  tokenID,
	}); err != nil {
		return err
	}

	if t.cfg.SubscribeAccounts {
		if err := t.invoke(s, methodSubscribeAccounts, accountsSubscription{
			Addresses: []string{sub.subject},
		}); err != nil {
			return err
		}
	}

	t.logger.Debug("Subscribed subject", zap.String("subject", sub.subject), zap.String("filter", sub.filter))
	return nil
}

func (t *Transport) invoke(s *session, method string, argument interface{}) error {
	t.mu.Lock()
	t.invocationID++
	id := t.invocationID
	t.mu.Unlock()

	msg, err := invocation(id, method, argument)
	if err != nil {
		return err
	}
	return t.write(s, msg)
}

func (t *Transport) write(s *session, msg hubMessage) error {
	data, err := encodeRecord(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if t.connCfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(t.connCfg.WriteTimeout))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Target, err)
	}
	return nil
}

// readLoop decodes hub records until the connection ends
func (t *Transport) readLoop(s *session) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Read loop panic recovered", zap.Any("panic", r))
			t.finish(s, fmt.Errorf("read loop panic: %v", r))
		}
	}()

	for {
		if t.connCfg.ReadTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(t.connCfg.ReadTimeout))
		}

		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				t.finish(s, fmt.Errorf("failed to read TzKT message: %w", err))
			}
			return
		}

		for _, record := range splitRecords(frame) {
			if err := t.handleRecord(record); err != nil {
				if errors.Is(err, errServerClosed) {
					t.finish(s, err)
					return
				}
				t.logger.Warn("Failed to handle TzKT message", zap.Error(err))
			}
		}
	}
}

func (t *Transport) pingLoop(s *session) {
	if t.connCfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(t.connCfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := t.write(s, hubMessage{Type: messagePing}); err != nil {
				t.finish(s, fmt.Errorf("failed to send ping: %w", err))
				return
			}
		}
	}
}

func (t *Transport) handleRecord(record []byte) error {
	var msg hubMessage
	if err := json.Unmarshal(record, &msg); err != nil {
		return fmt.Errorf("invalid hub record: %w", err)
	}

	switch msg.Type {
	case messageInvocation:
		return t.handleInvocation(msg)
	case messageCompletion:
		if msg.Error != "" {
			t.logger.Warn("Hub invocation failed",
				zap.String("invocation_id", msg.InvocationID),
				zap.String("error", msg.Error))
		}
	case messagePing:
	case messageClose:
		return fmt.Errorf("%w: %s", errServerClosed, msg.Error)
	default:
		t.logger.Debug("Ignoring hub message", zap.Int("type", msg.Type))
	}
	return nil
}

func (t *Transport) handleInvocation(msg hubMessage) error {
	if len(msg.Arguments) == 0 {
		return nil
	}

	var ch channelMessage
	if err := json.Unmarshal(msg.Arguments[0], &ch); err != nil {
		return fmt.Errorf("invalid %s message: %w", msg.Target, err)
	}

	switch ch.Type {
	case channelState:
		t.logger.Debug("Channel state", zap.String("channel", msg.Target), zap.Int64("state", ch.State))
		return nil
	case channelReorg:
		t.dispatchReorg(ch.State)
		return nil
	case channelData:
	default:
		return fmt.Errorf("unknown %s message type %d", msg.Target, ch.Type)
	}

	now := time.Now()
	switch msg.Target {
	case targetTransfers:
		var transfers []tokenTransfer
		if err := json.Unmarshal(ch.Data, &transfers); err != nil {
			return fmt.Errorf("invalid transfers data: %w", err)
		}
		for _, tr := range transfers {
			events, err := transferEvents(t.endpointKey, tr, t.isTracked, now)
			if err != nil {
				return err
			}
			for _, event := range events {
				t.sink.Dispatch(event)
			}
		}

	case targetAccounts:
		var items []json.RawMessage
		if err := json.Unmarshal(ch.Data, &items); err != nil {
			return fmt.Errorf("invalid accounts data: %w", err)
		}
		for _, item := range items {
			var acc account
			if err := json.Unmarshal(item, &acc); err != nil {
				return fmt.Errorf("invalid account: %w", err)
			}
			t.sink.Dispatch(entity.Event{
				ID:          entity.NewEventID(t.endpointKey, "account", acc.Address, strconv.FormatInt(ch.State, 10)),
				EndpointKey: t.endpointKey,
				Kind:        entity.EventKindAccount,
				Subject:     acc.Address,
				Payload:     item,
				ReceivedAt:  now,
			})
		}

	default:
		t.logger.Debug("Ignoring invocation", zap.String("target", msg.Target))
	}
	return nil
}

// dispatchReorg tells every tracked subject the chain rolled back to level
func (t *Transport) dispatchReorg(level int64) {
	t.logger.Warn("Chain reorganization", zap.Int64("level", level))

	payload, err := json.Marshal(entity.TransferPayload{BlockLevel: uint64(level), Removed: true})
	if err != nil {
		t.logger.Error("Failed to encode reorg payload", zap.Error(err))
		return
	}

	now := time.Now()
	for _, subject := range t.trackedSubjects() {
		t.sink.Dispatch(entity.Event{
			ID:          entity.NewEventID(t.endpointKey, "reorg", strconv.FormatInt(level, 10), subject),
			EndpointKey: t.endpointKey,
			Kind:        entity.EventKindReorg,
			Subject:     subject,
			Payload:     payload,
			ReceivedAt:  now,
		})
	}
}

// finish ends a session once and notifies the close handler
func (t *Transport) finish(s *session, cause error) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()

		t.mu.Lock()
		if t.session == s {
			t.session = nil
		}
		handler := t.onClose
		t.mu.Unlock()

		if cause != nil {
			t.logger.Warn("TzKT connection lost", zap.Error(cause))
		}
		if handler != nil {
			handler(cause)
		}
	})
}

func (t *Transport) isTracked(subject string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subjects {
		if sub.subject == subject {
			return true
		}
	}
	return false
}

func (t *Transport) trackedSubjects() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{}, len(t.subjects))
	subjects := make([]string, 0, len(t.subjects))
	for sub := range t.subjects {
		if _, ok := seen[sub.subject]; ok {
			continue
		}
		seen[sub.subject] = struct{}{}
		subjects = append(subjects, sub.subject)
	}
	return subjects
}

func (t *Transport) trackedLocked() []subscription {
	subs := make([]subscription, 0, len(t.subjects))
	for sub := range t.subjects {
		subs = append(subs, sub)
	}
	return subs
}
