package entity

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventID_Deterministic(t *testing.T) {
	a := NewEventID("tezos", "oo7Gq...", "tz1abc")
	b := NewEventID("tezos", "oo7Gq...", "tz1abc")
	c := NewEventID("tezos", "oo7Gq...", "tz1xyz")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestNewTransfer(t *testing.T) {
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	payload, err := json.Marshal(TransferPayload{
		From:       "tz1abc",
		To:         "tz1xyz",
		Asset:      "KT1token:0",
		Amount:     "1000",
		TxHash:     "ooHash",
		BlockLevel: 42,
		LogIndex:   3,
	})
	require.NoError(t, err)

	event := Event{
		ID:          "evt-1",
		EndpointKey: "tezos",
		Kind:        EventKindTransfer,
		Subject:     "tz1abc",
		Asset:       "KT1token:0",
		Payload:     payload,
		ReceivedAt:  received,
	}

	transfer, err := NewTransfer(event, "mainnet")
	require.NoError(t, err)

	assert.Equal(t, "evt-1", transfer.EventID)
	assert.Equal(t, TransferDirectionOut, transfer.Direction)
	assert.Equal(t, "1000", transfer.Amount)
	assert.Equal(t, uint64(42), transfer.BlockLevel)
	assert.Equal(t, uint(3), transfer.LogIndex)
	assert.Equal(t, received, transfer.Timestamp)
	assert.False(t, transfer.Removed)

	event.Subject = "tz1xyz"
	event.Kind = EventKindReorg
	transfer, err = NewTransfer(event, "mainnet")
	require.NoError(t, err)
	assert.Equal(t, TransferDirectionIn, transfer.Direction)
	assert.True(t, transfer.Removed)
}

func TestNewTransfer_Rejects(t *testing.T) {
	_, err := NewTransfer(Event{ID: "a", Kind: EventKindAccount}, "mainnet")
	assert.Error(t, err)

	_, err = NewTransfer(Event{ID: "b", Kind: EventKindTransfer, Payload: json.RawMessage("{")}, "mainnet")
	assert.Error(t, err)
}

func TestNewConnectionMetrics(t *testing.T) {
	now := time.Now()
	conn := ConnectionStats{
		EndpointKey: "evm",
		Status:      ConnectionStatusReconnecting,
		Reconnects:  3,
	}
	reg := RegistryStats{Registrations: 2, EventsDispatched: 10, LastEventAt: now}

	m := NewConnectionMetrics(conn, reg, "ethereum", now)

	assert.Equal(t, HealthStatusDegraded, m.Health)
	assert.Equal(t, int64(3), m.Reconnects)
	assert.Equal(t, 2, m.Registrations)
	assert.Nil(t, m.LastReadyAt)
	require.NotNil(t, m.LastEventAt)
	assert.Equal(t, now, *m.LastEventAt)
}

func TestNewConnectionEvent(t *testing.T) {
	change := StatusChange{
		EndpointKey: "tezos",
		From:        ConnectionStatusReady,
		To:          ConnectionStatusReconnecting,
		At:          time.Now(),
		Err:         errors.New("socket closed"),
	}

	event := NewConnectionEvent(change, "mainnet")

	assert.Equal(t, "socket closed", event.Error)
	assert.Equal(t, ConnectionStatusReconnecting, event.To)
	assert.Equal(t, "mainnet", event.Network)
}
