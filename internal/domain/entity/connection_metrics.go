package entity

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ConnectionStatus is the lifecycle state of a subscription connection
type ConnectionStatus string

const (
	ConnectionStatusIdle         ConnectionStatus = "idle"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusReady        ConnectionStatus = "ready"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusClosed       ConnectionStatus = "closed"
)

// StatusChange describes one transition of a connection handle
type StatusChange struct {
	EndpointKey string           `json:"endpoint_key"`
	From        ConnectionStatus `json:"from"`
	To          ConnectionStatus `json:"to"`
	At          time.Time        `json:"at"`
	Err         error            `json:"-"`
}

// ConnectionEvent is the persisted form of a StatusChange
type ConnectionEvent struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	EndpointKey string             `bson:"endpoint_key" json:"endpoint_key"`
	Network     string             `bson:"network" json:"network"`
	From        ConnectionStatus   `bson:"from" json:"from"`
	To          ConnectionStatus   `bson:"to" json:"to"`
	Error       string             `bson:"error,omitempty" json:"error,omitempty"`
	Timestamp   time.Time          `bson:"timestamp" json:"timestamp"`
}

// NewConnectionEvent converts a status change into its persisted form
func NewConnectionEvent(change StatusChange, network string) *ConnectionEvent {
	event := &ConnectionEvent{
		EndpointKey: change.EndpointKey,
		Network:     network,
		From:        change.From,
		To:          change.To,
		Timestamp:   change.At,
	}
	if change.Err != nil {
		event.Error = change.Err.Error()
	}
	return event
}

// ConnectionStats is a point-in-time view of a connection handle
type ConnectionStats struct {
	EndpointKey     string           `json:"endpoint_key"`
	Status          ConnectionStatus `json:"status"`
	ShouldShutdown  bool             `json:"should_shutdown"`
	RetryDelay      time.Duration    `json:"retry_delay"`
	Starts          int64            `json:"starts"`
	Reconnects      int64            `json:"reconnects"`
	HandshakeErrors int64            `json:"handshake_errors"`
	LastReadyAt     time.Time        `json:"last_ready_at"`
	LastCloseAt     time.Time        `json:"last_close_at"`
}

// RegistryStats is a point-in-time view of a listener registry
type RegistryStats struct {
	Registrations    int       `json:"registrations"`
	EventsReceived   int64     `json:"events_received"`
	EventsDispatched int64     `json:"events_dispatched"`
	CallbackErrors   int64     `json:"callback_errors"`
	LastEventAt      time.Time `json:"last_event_at"`
}

// ConnectionMetrics represents per-endpoint monitoring metrics
type ConnectionMetrics struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Timestamp   time.Time          `bson:"timestamp" json:"timestamp"`
	EndpointKey string             `bson:"endpoint_key" json:"endpoint_key"`
	Network     string             `bson:"network" json:"network"`

	// Connection metrics
	Status          ConnectionStatus `bson:"status" json:"status"`
	Starts          int64            `bson:"starts" json:"starts"`
	Reconnects      int64            `bson:"reconnects" json:"reconnects"`
	HandshakeErrors int64            `bson:"handshake_errors" json:"handshake_errors"`
	LastReadyAt     *time.Time       `bson:"last_ready_at,omitempty" json:"last_ready_at,omitempty"`

	// Dispatch metrics
	Registrations    int        `bson:"registrations" json:"registrations"`
	EventsReceived   int64      `bson:"events_received" json:"events_received"`
	EventsDispatched int64      `bson:"events_dispatched" json:"events_dispatched"`
	CallbackErrors   int64      `bson:"callback_errors" json:"callback_errors"`
	LastEventAt      *time.Time `bson:"last_event_at,omitempty" json:"last_event_at,omitempty"`

	Health HealthStatus `bson:"health" json:"health"`
}

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// NewConnectionMetrics merges handle and registry stats into one snapshot
func NewConnectionMetrics(conn ConnectionStats, reg RegistryStats, network string, now time.Time) *ConnectionMetrics {
	m := &ConnectionMetrics{
		Timestamp:        now,
		EndpointKey:      conn.EndpointKey,
		Network:          network,
		Status:           conn.Status,
		Starts:           conn.Starts,
		Reconnects:       conn.Reconnects,
		HandshakeErrors:  conn.HandshakeErrors,
		Registrations:    reg.Registrations,
		EventsReceived:   reg.EventsReceived,
		EventsDispatched: reg.EventsDispatched,
		CallbackErrors:   reg.CallbackErrors,
	}
	if !conn.LastReadyAt.IsZero() {
		t := conn.LastReadyAt
		m.LastReadyAt = &t
	}
	if !reg.LastEventAt.IsZero() {
		t := reg.LastEventAt
		m.LastEventAt = &t
	}

	switch conn.Status {
	case ConnectionStatusReady:
		m.Health = HealthStatusHealthy
	case ConnectionStatusConnecting, ConnectionStatusReconnecting:
		m.Health = HealthStatusDegraded
	default:
		m.Health = HealthStatusUnhealthy
	}
	return m
}
