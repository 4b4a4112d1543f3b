package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wallet-stream/internal/domain/entity"
	"wallet-stream/internal/domain/service"
	"wallet-stream/internal/infrastructure/logger"
	streamerrors "wallet-stream/pkg/errors"
	"wallet-stream/pkg/utils"

	"go.uber.org/zap"
)

const subscribeTimeout = 10 * time.Second

// Callback receives one matching event. A returned error (or panic) is
// logged and reported; it never stops dispatch to other callbacks.
type Callback func(event entity.Event) error

// Disposer removes a registration. Calling it more than once is harmless.
type Disposer func()

// Handle is the part of a connection handle the registry depends on
type Handle interface {
	EndpointKey() string
	Status() entity.ConnectionStatus
	Stop(ctx context.Context)
}

// Option configures a Registry
type Option func(*Registry)

// WithStopOnLastRelease stops the attached handle when the last
// registration is disposed
func WithStopOnLastRelease(enabled bool) Option {
	return func(r *Registry) {
		r.stopOnLastRelease = enabled
	}
}

// WithObserver reports callback failures to the given observer
func WithObserver(o service.ConnectionObserver) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// registration is one subject/filter/callback binding
type registration struct {
	id       uint64
	key      string
	subject  string
	filter   string
	callback Callback
	dispose  Disposer
}

type subjectFilter struct {
	subject string
	filter  string
}

// Registry routes events from one connection handle to listeners
type Registry struct {
	endpointKey       string
	logger            *logger.Logger
	stopOnLastRelease bool
	observers         []service.ConnectionObserver

	mu         sync.RWMutex
	handle     Handle
	subscriber service.SubjectSubscriber
	regs       []*registration
	byKey      map[string]*registration
	refs       map[subjectFilter]int
	nextID     uint64

	eventsReceived   atomic.Int64
	eventsDispatched atomic.Int64
	callbackErrors   atomic.Int64
	lastEventAt      atomic.Int64
}

// NewRegistry creates an empty registry for the given endpoint
func NewRegistry(endpointKey string, logger *logger.Logger, opts ...Option) *Registry {
	r := &Registry{
		endpointKey:       endpointKey,
		logger:            logger.WithComponent("listener-registry").WithEndpoint(endpointKey),
		stopOnLastRelease: true,
		byKey:             make(map[string]*registration),
		refs:              make(map[subjectFilter]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach binds the registry to its connection handle. subscriber may be nil
// when the transport streams everything without per-subject requests.
func (r *Registry) Attach(handle Handle, subscriber service.SubjectSubscriber) {
	r.mu.Lock()
	r.handle = handle
	r.subscriber = subscriber
	pairs := make([]subjectFilter, 0, len(r.refs))
	for pair := range r.refs {
		pairs = append(pairs, pair)
	}
	r.mu.Unlock()

	for _, pair := range pairs {
		r.subscribe(pair)
	}
}

// Register attaches a callback for events about subject. An empty filter
// matches every asset.
func (r *Registry) Register(subject, filter string, callback Callback) Disposer {
	return r.RegisterKeyed("", subject, filter, callback)
}

// RegisterKeyed is Register with deduplication: registering an existing key
// replaces its binding in place and returns the original disposer.
func (r *Registry) RegisterKeyed(key, subject, filter string, callback Callback) Disposer {
	subject = utils.NormalizeAddress(subject)
	filter = utils.NormalizeAddress(filter)
	pair := subjectFilter{subject: subject, filter: filter}

	r.mu.Lock()
	if key != "" {
		if existing, ok := r.byKey[key]; ok {
			oldPair := subjectFilter{subject: existing.subject, filter: existing.filter}

			// Registrations are immutable once published; dispatch may still
			// hold the old one
			replacement := &registration{
				id:       existing.id,
				key:      key,
				subject:  subject,
				filter:   filter,
				callback: callback,
				dispose:  existing.dispose,
			}
			for i, reg := range r.regs {
				if reg.id == existing.id {
					r.regs[i] = replacement
					break
				}
			}
			r.byKey[key] = replacement

			var added, removed bool
			if oldPair != pair {
				removed = r.releaseLocked(oldPair)
				added = r.acquireLocked(pair)
			}
			r.mu.Unlock()

			r.logger.Debug("Replaced keyed registration", zap.String("key", key), zap.String("subject", subject))
			if removed {
				r.unsubscribe(oldPair)
			}
			if added {
				r.subscribe(pair)
			}
			return replacement.dispose
		}
	}

	r.nextID++
	reg := &registration{
		id:       r.nextID,
		key:      key,
		subject:  subject,
		filter:   filter,
		callback: callback,
	}
	var once sync.Once
	reg.dispose = func() {
		once.Do(func() { r.remove(reg.id) })
	}

	r.regs = append(r.regs, reg)
	if key != "" {
		r.byKey[key] = reg
	}
	added := r.acquireLocked(pair)
	r.mu.Unlock()

	r.logger.Debug("Registered listener",
		zap.String("subject", subject),
		zap.String("filter", filter))
	if added {
		r.subscribe(pair)
	}
	return reg.dispose
}

// Dispatch delivers an event to every matching registration, synchronously
// and in registration order. Events arriving after the handle closed are
// dropped.
func (r *Registry) Dispatch(event entity.Event) {
	r.eventsReceived.Add(1)
	r.lastEventAt.Store(time.Now().UnixNano())

	r.mu.RLock()
	handle := r.handle
	var targets []*registration
	subject := utils.NormalizeAddress(event.Subject)
	asset := utils.NormalizeAddress(event.Asset)
	for _, reg := range r.regs {
		if reg.subject != subject {
			continue
		}
		// Events without an asset (level rollbacks, account updates) are
		// not asset scoped and reach every listener of the subject
		if reg.filter != "" && asset != "" && reg.filter != asset {
			continue
		}
		targets = append(targets, reg)
	}
	r.mu.RUnlock()

	if handle != nil && handle.Status() == entity.ConnectionStatusClosed {
		r.logger.Debug("Dropping event for closed connection", zap.String("event_id", event.ID))
		return
	}

	for _, reg := range targets {
		r.invoke(reg, event)
	}
}

// Len returns the number of live registrations
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// Stats returns dispatch counters
func (r *Registry) Stats() entity.RegistryStats {
	stats := entity.RegistryStats{
		Registrations:    r.Len(),
		EventsReceived:   r.eventsReceived.Load(),
		EventsDispatched: r.eventsDispatched.Load(),
		CallbackErrors:   r.callbackErrors.Load(),
	}
	if ns := r.lastEventAt.Load(); ns > 0 {
		stats.LastEventAt = time.Unix(0, ns)
	}
	return stats
}

func (r *Registry) invoke(reg *registration, event entity.Event) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("listener panic: %v", p)
			}
		}()
		return reg.callback(event)
	}()

	r.eventsDispatched.Add(1)
	if err == nil {
		return
	}

	r.callbackErrors.Add(1)
	callbackErr := streamerrors.NewCallbackError(r.endpointKey, reg.subject, err)
	r.logger.WithEvent(event.ID, reg.subject).Error("Listener failed", zap.Error(err))
	for _, o := range r.observers {
		r.safeObserve(func() { o.OnError(callbackErr) })
	}
}

func (r *Registry) safeObserve(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Registry observer panic recovered", zap.Any("panic", p))
		}
	}()
	fn()
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	idx := -1
	for i, reg := range r.regs {
		if reg.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return
	}

	reg := r.regs[idx]
	r.regs = append(r.regs[:idx], r.regs[idx+1:]...)
	if reg.key != "" {
		delete(r.byKey, reg.key)
	}
	pair := subjectFilter{subject: reg.subject, filter: reg.filter}
	removed := r.releaseLocked(pair)
	remaining := len(r.regs)
	handle := r.handle
	r.mu.Unlock()

	r.logger.Debug("Disposed listener", zap.String("subject", reg.subject), zap.Int("remaining", remaining))
	if removed {
		r.unsubscribe(pair)
	}

	if remaining == 0 && r.stopOnLastRelease && handle != nil {
		r.logger.Info("Last listener released, stopping connection")
		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		defer cancel()
		handle.Stop(ctx)
	}
}

// acquireLocked counts a subject/filter use; true means it is new
func (r *Registry) acquireLocked(pair subjectFilter) bool {
	r.refs[pair]++
	return r.refs[pair] == 1
}

// releaseLocked drops a subject/filter use; true means it was the last
func (r *Registry) releaseLocked(pair subjectFilter) bool {
	r.refs[pair]--
	if r.refs[pair] <= 0 {
		delete(r.refs, pair)
		return true
	}
	return false
}

func (r *Registry) subscribe(pair subjectFilter) {
	r.mu.RLock()
	subscriber := r.subscriber
	r.mu.RUnlock()
	if subscriber == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	if err := subscriber.Subscribe(ctx, pair.subject, pair.filter); err != nil {
		// The transport replays tracked subjects on its next handshake
		r.logger.Warn("Failed to subscribe subject",
			zap.String("subject", pair.subject),
			zap.String("filter", pair.filter),
			zap.Error(err))
	}
}

func (r *Registry) unsubscribe(pair subjectFilter) {
	r.mu.RLock()
	subscriber := r.subscriber
	r.mu.RUnlock()
	if subscriber == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	if err := subscriber.Unsubscribe(ctx, pair.subject, pair.filter); err != nil {
		r.logger.Warn("Failed to unsubscribe subject",
			zap.String("subject", pair.subject),
			zap.Error(err))
	}
}
