package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wallet-stream/internal/domain/entity"
	"wallet-stream/internal/infrastructure/logger"
	streamerrors "wallet-stream/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRetryDelay = 20 * time.Millisecond

// fakeTransport is an in-memory Transport whose handshake outcome is scripted
type fakeTransport struct {
	mu       sync.Mutex
	startFn  func(ctx context.Context) error
	stopErr  error
	starts   int
	stops    int
	onClose  func(error)
	isActive bool
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	fn := f.startFn
	f.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(ctx)
	}

	f.mu.Lock()
	f.isActive = err == nil
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	wasActive := f.isActive
	f.isActive = false
	handler := f.onClose
	err := f.stopErr
	f.mu.Unlock()

	if wasActive && handler != nil {
		handler(nil)
	}
	return err
}

func (f *fakeTransport) OnClose(handler func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = handler
}

// drop simulates the remote side closing the stream
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	f.isActive = false
	handler := f.onClose
	f.mu.Unlock()

	if handler != nil {
		handler(err)
	}
}

func (f *fakeTransport) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeTransport) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeTransport) setStartFn(fn func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startFn = fn
}

// recordingObserver collects lifecycle notifications
type recordingObserver struct {
	mu      sync.Mutex
	changes []entity.StatusChange
	errs    []error
}

func (r *recordingObserver) OnStatusChange(change entity.StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *recordingObserver) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingObserver) hasErrorCode(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.errs {
		if streamerrors.IsCode(err, code) {
			return true
		}
	}
	return false
}

func (r *recordingObserver) reachedStatus(status entity.ConnectionStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.changes {
		if c.To == status {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, policy RetryPolicy) (*Manager, *fakeTransport, *recordingObserver) {
	t.Helper()

	transport := &fakeTransport{}
	observer := &recordingObserver{}
	m := NewManager("tezos", transport, policy, logger.NewNop(), WithObserver(observer))
	t.Cleanup(func() { m.Close() })
	return m, transport, observer
}

func fixedPolicy() RetryPolicy {
	return RetryPolicy{Delay: testRetryDelay, BackoffFactor: 1}
}

func TestNewManager(t *testing.T) {
	m, _, _ := newTestManager(t, fixedPolicy())

	assert.Equal(t, "tezos", m.EndpointKey())
	assert.Equal(t, entity.ConnectionStatusIdle, m.Status())
	assert.False(t, m.Ready())
	assert.False(t, m.ShouldShutdown())
	assert.Equal(t, testRetryDelay, m.RetryDelay())
}

func TestManager_StartReady(t *testing.T) {
	m, transport, _ := newTestManager(t, fixedPolicy())

	require.NoError(t, m.Start(context.Background()))

	assert.Equal(t, entity.ConnectionStatusReady, m.Status())
	assert.True(t, m.Ready())
	assert.Equal(t, 1, transport.startCount())

	// Start on a live handle is a no-op
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 1, transport.startCount())
}

func TestManager_ReconnectAfterUnexpectedClose(t *testing.T) {
	m, transport, observer := newTestManager(t, fixedPolicy())

	require.NoError(t, m.Start(context.Background()))
	transport.drop(errors.New("socket hang up"))

	assert.NotEqual(t, entity.ConnectionStatusReady, m.Status())

	require.Eventually(t, func() bool {
		return transport.startCount() == 2 && m.Ready()
	}, time.Second, 5*time.Millisecond)

	assert.True(t, observer.hasErrorCode(streamerrors.ErrCodeUnexpectedClose))
	assert.True(t, observer.reachedStatus(entity.ConnectionStatusReconnecting))
	assert.Equal(t, int64(1), m.Stats().Reconnects)
}

func TestManager_ReconnectsForEveryDrop(t *testing.T) {
	m, transport, _ := newTestManager(t, fixedPolicy())

	require.NoError(t, m.Start(context.Background()))

	for i := 2; i <= 5; i++ {
		transport.drop(errors.New("dropped"))
		expected := i
		require.Eventually(t, func() bool {
			return transport.startCount() == expected && m.Ready()
		}, time.Second, 5*time.Millisecond)
	}

	assert.Equal(t, int64(4), m.Stats().Reconnects)
}

func TestManager_StopPreventsReconnect(t *testing.T) {
	m, transport, observer := newTestManager(t, fixedPolicy())

	require.NoError(t, m.Start(context.Background()))
	m.Stop(context.Background())

	assert.Equal(t, entity.ConnectionStatusClosed, m.Status())
	assert.True(t, m.ShouldShutdown())
	assert.Equal(t, 1, transport.stopCount())

	// A late close event must not revive the handle
	transport.drop(errors.New("late close"))
	time.Sleep(3 * testRetryDelay)

	assert.Equal(t, 1, transport.startCount())
	assert.Equal(t, entity.ConnectionStatusClosed, m.Status())
	assert.False(t, observer.hasErrorCode(streamerrors.ErrCodeUnexpectedClose))

	// Closed is terminal
	assert.ErrorIs(t, m.Start(context.Background()), streamerrors.ErrHandleClosed)
}

func TestManager_StopCancelsPendingRetry(t *testing.T) {
	m, transport, _ := newTestManager(t, RetryPolicy{Delay: 50 * time.Millisecond})

	require.NoError(t, m.Start(context.Background()))
	transport.drop(errors.New("dropped"))
	assert.Equal(t, entity.ConnectionStatusReconnecting, m.Status())

	m.Stop(context.Background())
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, transport.startCount())
	assert.Equal(t, entity.ConnectionStatusClosed, m.Status())
}

func TestManager_StopWhenNeverStarted(t *testing.T) {
	m, transport, observer := newTestManager(t, fixedPolicy())

	assert.NotPanics(t, func() {
		m.Stop(context.Background())
	})

	assert.Equal(t, entity.ConnectionStatusIdle, m.Status())
	assert.Equal(t, 1, transport.stopCount())
	assert.Empty(t, observer.changes)

	// Second stop is a no-op
	m.Stop(context.Background())
	assert.Equal(t, 1, transport.stopCount())
}

func TestManager_StopDuringHandshake(t *testing.T) {
	m, transport, observer := newTestManager(t, fixedPolicy())

	release := make(chan struct{})
	entered := make(chan struct{})
	transport.setStartFn(func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- m.Start(context.Background())
	}()

	<-entered
	m.Stop(context.Background())
	close(release)

	err := <-done
	assert.ErrorIs(t, err, streamerrors.ErrHandleClosed)
	assert.Equal(t, entity.ConnectionStatusClosed, m.Status())
	assert.False(t, observer.reachedStatus(entity.ConnectionStatusReady))

	// The orphaned connection is closed once its handshake completes
	assert.Equal(t, 2, transport.stopCount())

	time.Sleep(3 * testRetryDelay)
	assert.Equal(t, 1, transport.startCount())
}

func TestManager_CloseDuringHandshakeReconnects(t *testing.T) {
	m, transport, _ := newTestManager(t, fixedPolicy())

	first := true
	transport.setStartFn(func(ctx context.Context) error {
		if first {
			first = false
			transport.drop(errors.New("reset during handshake"))
		}
		return nil
	})

	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		return transport.startCount() == 2 && m.Ready()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), m.Stats().Reconnects)
}

func TestManager_InitialHandshakeFailure(t *testing.T) {
	m, transport, observer := newTestManager(t, fixedPolicy())
	transport.setStartFn(func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	err := m.Start(context.Background())

	require.Error(t, err)
	assert.True(t, streamerrors.IsCode(err, streamerrors.ErrCodeHandshake))
	assert.Equal(t, entity.ConnectionStatusIdle, m.Status())
	assert.True(t, observer.hasErrorCode(streamerrors.ErrCodeHandshake))

	// No automatic retry for the initial attempt
	time.Sleep(3 * testRetryDelay)
	assert.Equal(t, 1, transport.startCount())

	// The caller can retry manually
	transport.setStartFn(nil)
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Ready())
}

func TestManager_RetriesUntilExhausted(t *testing.T) {
	m, transport, observer := newTestManager(t, RetryPolicy{
		Delay:       10 * time.Millisecond,
		MaxAttempts: 3,
	})

	require.NoError(t, m.Start(context.Background()))
	transport.setStartFn(func(ctx context.Context) error {
		return errors.New("unreachable")
	})
	transport.drop(errors.New("dropped"))

	require.Eventually(t, func() bool {
		return observer.hasErrorCode(streamerrors.ErrCodeRetriesExhausted)
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, entity.ConnectionStatusIdle, m.Status())
	assert.Equal(t, 4, transport.startCount())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, transport.startCount())
}

func TestManager_FailedRetryKeepsRetrying(t *testing.T) {
	m, transport, _ := newTestManager(t, fixedPolicy())

	require.NoError(t, m.Start(context.Background()))

	var mu sync.Mutex
	failures := 2
	transport.setStartFn(func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("still down")
		}
		return nil
	})
	transport.drop(errors.New("dropped"))

	require.Eventually(t, func() bool {
		return m.Ready()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, transport.startCount())
}

func TestManager_TeardownErrorIsSwallowed(t *testing.T) {
	m, transport, observer := newTestManager(t, fixedPolicy())
	transport.stopErr = errors.New("already closed")

	require.NoError(t, m.Start(context.Background()))

	assert.NotPanics(t, func() {
		m.Stop(context.Background())
	})
	assert.Equal(t, entity.ConnectionStatusClosed, m.Status())
	assert.True(t, observer.hasErrorCode(streamerrors.ErrCodeTeardownClose))
}

func TestManager_Watch(t *testing.T) {
	m, transport, _ := newTestManager(t, fixedPolicy())
	updates := m.Watch()

	require.NoError(t, m.Start(context.Background()))
	transport.drop(errors.New("dropped"))
	require.Eventually(t, m.Ready, time.Second, 5*time.Millisecond)
	m.Stop(context.Background())

	var seen []entity.ConnectionStatus
	for change := range updates {
		seen = append(seen, change.To)
	}

	assert.Equal(t, []entity.ConnectionStatus{
		entity.ConnectionStatusConnecting,
		entity.ConnectionStatusReady,
		entity.ConnectionStatusReconnecting,
		entity.ConnectionStatusConnecting,
		entity.ConnectionStatusReady,
		entity.ConnectionStatusClosed,
	}, seen)

	// Watching a closed handle yields a closed channel
	_, ok := <-m.Watch()
	assert.False(t, ok)
}

func TestManager_IndependentHandles(t *testing.T) {
	a, ta, _ := newTestManager(t, fixedPolicy())
	b, tb, _ := newTestManager(t, fixedPolicy())

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	a.Stop(context.Background())

	assert.Equal(t, entity.ConnectionStatusClosed, a.Status())
	assert.True(t, b.Ready())
	assert.Equal(t, 1, ta.stopCount())
	assert.Equal(t, 0, tb.stopCount())
}
