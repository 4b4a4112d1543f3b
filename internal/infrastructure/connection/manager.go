package connection

import (
	"context"
	"sync"
	"time"

	"wallet-stream/internal/domain/entity"
	"wallet-stream/internal/domain/service"
	"wallet-stream/internal/infrastructure/logger"
	streamerrors "wallet-stream/pkg/errors"

	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultTeardownTimeout  = 10 * time.Second
	watchBufferSize         = 32
)

// Option configures a Manager
type Option func(*Manager)

// WithHandshakeTimeout bounds every transport Start call
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.handshakeTimeout = d
	}
}

// WithObserver registers a lifecycle observer
func WithObserver(o service.ConnectionObserver) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// Manager owns one logical subscription connection. It is the handle a
// consumer receives: every NewManager call yields an independent handle,
// even for a repeated endpoint key.
type Manager struct {
	endpointKey      string
	transport        service.Transport
	policy           RetryPolicy
	logger           *logger.Logger
	handshakeTimeout time.Duration
	observers        []service.ConnectionObserver

	// base context for reconnect handshakes, cancelled by Stop
	ctx    context.Context
	cancel context.CancelFunc

	mu                    sync.Mutex
	status                entity.ConnectionStatus
	shouldShutdown        bool
	attempt               int
	retryDelay            time.Duration
	retryTimer            *time.Timer
	closedDuringHandshake bool
	watchers              []chan entity.StatusChange
	watchersClosed        bool
	stats                 entity.ConnectionStats
}

// NewManager creates an idle connection handle for the given transport
func NewManager(
	endpointKey string,
	transport service.Transport,
	policy RetryPolicy,
	logger *logger.Logger,
	opts ...Option,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		endpointKey:      endpointKey,
		transport:        transport,
		policy:           policy,
		logger:           logger.WithComponent("connection-manager").WithEndpoint(endpointKey),
		handshakeTimeout: defaultHandshakeTimeout,
		ctx:              ctx,
		cancel:           cancel,
		status:           entity.ConnectionStatusIdle,
		retryDelay:       policy.DelayFor(1),
	}
	for _, opt := range opts {
		opt(m)
	}

	// Installed once; the status guard decides what a close event means.
	transport.OnClose(m.handleClose)
	return m
}

// EndpointKey identifies the remote endpoint this handle talks to
func (m *Manager) EndpointKey() string {
	return m.endpointKey
}

// Status returns the current lifecycle state
func (m *Manager) Status() entity.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Ready reports whether the connection is live
func (m *Manager) Ready() bool {
	return m.Status() == entity.ConnectionStatusReady
}

// ShouldShutdown reports whether Stop was requested
func (m *Manager) ShouldShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldShutdown
}

// RetryDelay returns the delay used for the next (or pending) reconnect
func (m *Manager) RetryDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryDelay
}

// Stats returns a snapshot of lifecycle counters
func (m *Manager) Stats() entity.ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.EndpointKey = m.endpointKey
	stats.Status = m.status
	stats.ShouldShutdown = m.shouldShutdown
	stats.RetryDelay = m.retryDelay
	return stats
}

// Watch returns a channel of status transitions. Slow readers miss
// transitions rather than block the handle. The channel is closed once the
// handle is shut down.
func (m *Manager) Watch() <-chan entity.StatusChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan entity.StatusChange, watchBufferSize)
	if m.watchersClosed {
		close(ch)
		return ch
	}
	m.watchers = append(m.watchers, ch)
	return ch
}

// Start opens the connection. A failed initial handshake leaves the handle
// Idle and is not retried automatically; the caller may call Start again.
// Start is a no-op while the handle is already connecting or live.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.shouldShutdown {
		m.mu.Unlock()
		return streamerrors.ErrHandleClosed
	}
	if m.status != entity.ConnectionStatusIdle {
		status := m.status
		m.mu.Unlock()
		m.logger.Debug("Start ignored, handle is active", zap.String("status", string(status)))
		return nil
	}
	change := m.setStatusLocked(entity.ConnectionStatusConnecting, nil)
	m.mu.Unlock()

	m.emit(change)
	return m.connect(ctx, false)
}

// Stop shuts the handle down. The shutdown intent is recorded before the
// transport is closed so the resulting close event never schedules a
// reconnect. Stop never fails: transport errors are logged and reported to
// observers only.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.shouldShutdown {
		m.mu.Unlock()
		return
	}
	m.shouldShutdown = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}

	prev := m.status
	var change *entity.StatusChange
	switch prev {
	case entity.ConnectionStatusReady, entity.ConnectionStatusReconnecting:
		change = m.setStatusLocked(entity.ConnectionStatusClosed, streamerrors.NewDeliberateCloseError(m.endpointKey))
	case entity.ConnectionStatusIdle:
		m.closeWatchersLocked()
	}
	m.mu.Unlock()

	m.cancel()
	m.emit(change)
	m.logger.Info("Stopping connection", zap.String("status", string(prev)))

	m.closeTransport(ctx)
}

// Close stops the handle with a bounded teardown; it satisfies io.Closer
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTeardownTimeout)
	defer cancel()

	m.Stop(ctx)
	return nil
}

// connect runs one handshake and settles the resulting state
func (m *Manager) connect(ctx context.Context, isRetry bool) error {
	m.mu.Lock()
	m.closedDuringHandshake = false
	m.stats.Starts++
	m.mu.Unlock()

	hsCtx := ctx
	if m.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, m.handshakeTimeout)
		defer cancel()
	}

	err := m.transport.Start(hsCtx)

	m.mu.Lock()
	if m.shouldShutdown {
		// Stop arrived while the handshake was in flight
		change := m.setStatusLocked(entity.ConnectionStatusClosed, streamerrors.NewDeliberateCloseError(m.endpointKey))
		m.mu.Unlock()

		m.emit(change)
		if err == nil {
			m.logger.Info("Closing connection opened after stop was requested")
			m.closeTransport(context.Background())
		}
		return streamerrors.ErrHandleClosed
	}

	if err != nil {
		m.stats.HandshakeErrors++
		handshakeErr := streamerrors.NewHandshakeError(m.endpointKey, err)

		if !isRetry {
			change := m.setStatusLocked(entity.ConnectionStatusIdle, handshakeErr)
			m.mu.Unlock()

			m.logger.Error("Failed to open connection", zap.Error(err))
			m.emit(change)
			m.notifyError(handshakeErr)
			return handshakeErr
		}

		if m.policy.Exhausted(m.attempt) {
			exhausted := streamerrors.NewRetriesExhaustedError(m.endpointKey, m.attempt, err)
			change := m.setStatusLocked(entity.ConnectionStatusIdle, exhausted)
			m.attempt = 0
			m.mu.Unlock()

			m.logger.Error("Giving up reconnecting", zap.Error(exhausted))
			m.emit(change)
			m.notifyError(exhausted)
			return exhausted
		}

		change := m.setStatusLocked(entity.ConnectionStatusReconnecting, handshakeErr)
		delay := m.scheduleRetryLocked()
		attempt := m.attempt
		m.mu.Unlock()

		m.logger.Warn("Reconnection attempt failed",
			zap.Int("attempt", attempt-1),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		m.emit(change)
		m.notifyError(handshakeErr)
		return handshakeErr
	}

	m.attempt = 0
	m.retryDelay = m.policy.DelayFor(1)
	m.stats.LastReadyAt = time.Now()
	change := m.setStatusLocked(entity.ConnectionStatusReady, nil)
	dropped := m.closedDuringHandshake
	m.closedDuringHandshake = false
	m.mu.Unlock()

	m.logger.Info("Connection ready", zap.Bool("reconnect", isRetry))
	m.emit(change)

	if dropped {
		m.handleClose(nil)
	}
	return nil
}

// handleClose is the transport's close observer
func (m *Manager) handleClose(cause error) {
	m.mu.Lock()
	m.stats.LastCloseAt = time.Now()

	if m.shouldShutdown {
		var change *entity.StatusChange
		if m.status == entity.ConnectionStatusReady || m.status == entity.ConnectionStatusReconnecting {
			change = m.setStatusLocked(entity.ConnectionStatusClosed, streamerrors.NewDeliberateCloseError(m.endpointKey))
		}
		m.mu.Unlock()

		m.logger.Debug("Connection closed after stop", zap.Error(cause))
		m.emit(change)
		return
	}

	switch m.status {
	case entity.ConnectionStatusReady:
	case entity.ConnectionStatusConnecting:
		m.closedDuringHandshake = true
		m.mu.Unlock()
		return
	default:
		status := m.status
		m.mu.Unlock()
		m.logger.Debug("Ignoring close event", zap.String("status", string(status)), zap.Error(cause))
		return
	}

	closeErr := streamerrors.NewUnexpectedCloseError(m.endpointKey, cause)
	change := m.setStatusLocked(entity.ConnectionStatusReconnecting, closeErr)
	m.stats.Reconnects++
	delay := m.scheduleRetryLocked()
	m.mu.Unlock()

	m.logger.Warn("Connection dropped, scheduling reconnect",
		zap.Duration("retry_in", delay),
		zap.Error(cause))
	m.emit(change)
	m.notifyError(closeErr)
}

// scheduleRetryLocked arms the single reconnect timer
func (m *Manager) scheduleRetryLocked() time.Duration {
	if m.retryTimer != nil {
		return m.retryDelay
	}
	m.attempt++
	m.retryDelay = m.policy.DelayFor(m.attempt)
	m.retryTimer = time.AfterFunc(m.retryDelay, m.retry)
	return m.retryDelay
}

func (m *Manager) retry() {
	m.mu.Lock()
	m.retryTimer = nil
	if m.shouldShutdown || m.status != entity.ConnectionStatusReconnecting {
		m.mu.Unlock()
		return
	}
	change := m.setStatusLocked(entity.ConnectionStatusConnecting, nil)
	m.mu.Unlock()

	m.emit(change)
	m.connect(m.ctx, true)
}

func (m *Manager) closeTransport(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Transport stop panic recovered", zap.Any("panic", r))
		}
	}()

	if err := m.transport.Stop(ctx); err != nil {
		teardownErr := streamerrors.NewTeardownCloseError(m.endpointKey, err)
		m.logger.Warn("Failed to close transport", zap.Error(err))
		m.notifyError(teardownErr)
	}
}

// setStatusLocked records a transition and fans it out to watchers.
// Watcher sends happen under the lock so they keep transition order.
func (m *Manager) setStatusLocked(to entity.ConnectionStatus, cause error) *entity.StatusChange {
	if m.status == to {
		return nil
	}

	change := entity.StatusChange{
		EndpointKey: m.endpointKey,
		From:        m.status,
		To:          to,
		At:          time.Now(),
		Err:         cause,
	}
	m.status = to

	for _, ch := range m.watchers {
		select {
		case ch <- change:
		default:
		}
	}
	if to == entity.ConnectionStatusClosed {
		m.closeWatchersLocked()
	}
	return &change
}

func (m *Manager) closeWatchersLocked() {
	if m.watchersClosed {
		return
	}
	m.watchersClosed = true
	for _, ch := range m.watchers {
		close(ch)
	}
	m.watchers = nil
}

func (m *Manager) emit(change *entity.StatusChange) {
	if change == nil {
		return
	}
	for _, o := range m.observers {
		m.safeObserve(func() { o.OnStatusChange(*change) })
	}
}

func (m *Manager) notifyError(err error) {
	for _, o := range m.observers {
		m.safeObserve(func() { o.OnError(err) })
	}
}

func (m *Manager) safeObserve(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Connection observer panic recovered", zap.Any("panic", r))
		}
	}()
	fn()
}
