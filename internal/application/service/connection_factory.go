package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"wallet-stream/internal/domain/entity"
	"wallet-stream/internal/domain/service"
	"wallet-stream/internal/infrastructure/config"
	"wallet-stream/internal/infrastructure/connection"
	"wallet-stream/internal/infrastructure/logger"
	"wallet-stream/internal/infrastructure/registry"
	"wallet-stream/internal/infrastructure/transport/evm"
	"wallet-stream/internal/infrastructure/transport/tzkt"
	streamerrors "wallet-stream/pkg/errors"

	"go.uber.org/zap"
)

// Endpoint keys known out of the box
const (
	EndpointTezos = "tezos"
	EndpointEVM   = "evm"
)

// Endpoint describes how to build the transport behind an endpoint key
type Endpoint struct {
	Network string
	Build   func(endpointKey string, sink service.EventSink) service.Transport
}

// Subscription is what a consumer receives from Open: a connection handle
// and the listener registry bound to it
type Subscription struct {
	EndpointKey string
	Network     string
	Handle      *connection.Manager
	Registry    *registry.Registry
}

// Register attaches a listener for events about subject
func (s *Subscription) Register(subject, filter string, callback registry.Callback) registry.Disposer {
	return s.Registry.Register(subject, filter, callback)
}

// Start opens the underlying connection
func (s *Subscription) Start(ctx context.Context) error {
	return s.Handle.Start(ctx)
}

// Close stops the handle; it never reconnects afterwards
func (s *Subscription) Close(ctx context.Context) {
	s.Handle.Stop(ctx)
}

// Metrics snapshots the handle and registry counters
func (s *Subscription) Metrics() *entity.ConnectionMetrics {
	return entity.NewConnectionMetrics(s.Handle.Stats(), s.Registry.Stats(), s.Network, timeNow())
}

// ConnectionFactory resolves endpoint keys to fresh, independent
// subscriptions. It keeps no reference to what it hands out.
type ConnectionFactory struct {
	config *config.Config
	logger *logger.Logger

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewConnectionFactory creates a factory with an endpoint per enabled network
func NewConnectionFactory(cfg *config.Config, logger *logger.Logger) *ConnectionFactory {
	f := &ConnectionFactory{
		config:    cfg,
		logger:    logger.WithComponent("connection-factory"),
		endpoints: make(map[string]Endpoint),
	}

	if cfg.Tezos.Enabled {
		f.RegisterEndpoint(EndpointTezos, Endpoint{
			Network: cfg.Tezos.Network,
			Build: func(key string, sink service.EventSink) service.Transport {
				return tzkt.NewTransport(key, &cfg.Tezos, &cfg.Connection, sink, logger)
			},
		})
	}
	if cfg.EVM.Enabled {
		f.RegisterEndpoint(EndpointEVM, Endpoint{
			Network: cfg.EVM.Network,
			Build: func(key string, sink service.EventSink) service.Transport {
				return evm.NewTransport(key, &cfg.EVM, sink, logger, evm.DialEthClient)
			},
		})
	}

	return f
}

// RegisterEndpoint adds or replaces an endpoint definition
func (f *ConnectionFactory) RegisterEndpoint(key string, endpoint Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints[key] = endpoint
}

// Endpoints returns the registered endpoint keys in sorted order
func (f *ConnectionFactory) Endpoints() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	keys := make([]string, 0, len(f.endpoints))
	for key := range f.endpoints {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Network returns the network label of an endpoint, empty when unknown
func (f *ConnectionFactory) Network(endpointKey string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.endpoints[endpointKey].Network
}

// Build wires a new subscription without opening it, so listeners can be
// registered before the first handshake
func (f *ConnectionFactory) Build(endpointKey string, observers ...service.ConnectionObserver) (*Subscription, error) {
	f.mu.RLock()
	endpoint, ok := f.endpoints[endpointKey]
	f.mu.RUnlock()
	if !ok {
		return nil, streamerrors.NewConfigurationError(fmt.Sprintf("unknown endpoint %q", endpointKey), nil)
	}

	regOpts := []registry.Option{
		registry.WithStopOnLastRelease(f.config.Connection.StopOnLastRelease),
	}
	mgrOpts := []connection.Option{}
	if f.config.Connection.HandshakeTimeout > 0 {
		mgrOpts = append(mgrOpts, connection.WithHandshakeTimeout(f.config.Connection.HandshakeTimeout))
	}
	for _, o := range observers {
		regOpts = append(regOpts, registry.WithObserver(o))
		mgrOpts = append(mgrOpts, connection.WithObserver(o))
	}

	reg := registry.NewRegistry(endpointKey, f.logger, regOpts...)
	transport := endpoint.Build(endpointKey, reg)
	handle := connection.NewManager(endpointKey, transport, connection.NewRetryPolicy(&f.config.Connection), f.logger, mgrOpts...)

	subscriber, _ := transport.(service.SubjectSubscriber)
	reg.Attach(handle, subscriber)

	return &Subscription{
		EndpointKey: endpointKey,
		Network:     endpoint.Network,
		Handle:      handle,
		Registry:    reg,
	}, nil
}

// Open builds a subscription and starts it. Each call yields an independent
// handle, even for a key that is already open elsewhere.
func (f *ConnectionFactory) Open(ctx context.Context, endpointKey string, observers ...service.ConnectionObserver) (*Subscription, error) {
	sub, err := f.Build(endpointKey, observers...)
	if err != nil {
		return nil, err
	}

	if err := sub.Start(ctx); err != nil {
		sub.Close(ctx)
		f.logger.Error("Failed to open subscription", zap.String("endpoint", endpointKey), zap.Error(err))
		return nil, err
	}

	return sub, nil
}
