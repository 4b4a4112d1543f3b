package entity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// eventNamespace scopes deterministic event ids to this service
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("wallet-stream/events"))

// EventKind classifies events flowing over a subscription
type EventKind string

const (
	EventKindTransfer EventKind = "transfer"
	EventKindAccount  EventKind = "account"
	EventKindReorg    EventKind = "reorg"
)

// Event is a single inbound notification routed to registered listeners.
// Payload is passed through untouched from the remote indexer.
type Event struct {
	ID          string          `json:"id"`
	EndpointKey string          `json:"endpoint_key"`
	Kind        EventKind       `json:"kind"`
	Subject     string          `json:"subject"`
	Asset       string          `json:"asset,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// NewEventID derives a stable id from the parts identifying an event, so the
// same on-chain operation redelivered after a reconnect maps to the same id.
func NewEventID(parts ...string) string {
	return uuid.NewSHA1(eventNamespace, []byte(strings.Join(parts, "|"))).String()
}

// TransferPayload is the normalized payload transports attach to transfer events
type TransferPayload struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	Asset       string    `json:"asset"`
	Amount      string    `json:"amount"`
	TxHash      string    `json:"tx_hash"`
	BlockLevel  uint64    `json:"block_level"`
	LogIndex    uint      `json:"log_index,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	Removed     bool      `json:"removed,omitempty"`
	OperationID int64     `json:"operation_id,omitempty"`
}

// TransferDirection tells whether the watched subject sent or received
type TransferDirection string

const (
	TransferDirectionIn  TransferDirection = "in"
	TransferDirectionOut TransferDirection = "out"
)

// Transfer represents a persisted transfer seen for a watched subject
type Transfer struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	EventID     string             `bson:"event_id" json:"event_id"`
	EndpointKey string             `bson:"endpoint_key" json:"endpoint_key"`
	Network     string             `bson:"network" json:"network"`
	Subject     string             `bson:"subject" json:"subject"`
	Direction   TransferDirection  `bson:"direction" json:"direction"`
	From        string             `bson:"from" json:"from"`
	To          string             `bson:"to" json:"to"`
	Asset       string             `bson:"asset" json:"asset"`
	Amount      string             `bson:"amount" json:"amount"`
	TxHash      string             `bson:"tx_hash" json:"tx_hash"`
	BlockLevel  uint64             `bson:"block_level" json:"block_level"`
	LogIndex    uint               `bson:"log_index" json:"log_index"`
	Removed     bool               `bson:"removed" json:"removed"`
	Timestamp   time.Time          `bson:"timestamp" json:"timestamp"`
	ReceivedAt  time.Time          `bson:"received_at" json:"received_at"`
}

// NewTransfer decodes a transfer event into its persisted form
func NewTransfer(event Event, network string) (*Transfer, error) {
	if event.Kind != EventKindTransfer && event.Kind != EventKindReorg {
		return nil, fmt.Errorf("event %s is not a transfer: %s", event.ID, event.Kind)
	}

	var payload TransferPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode transfer payload: %w", err)
	}

	direction := TransferDirectionIn
	if strings.EqualFold(payload.From, event.Subject) {
		direction = TransferDirectionOut
	}

	ts := payload.Timestamp
	if ts.IsZero() {
		ts = event.ReceivedAt
	}

	return &Transfer{
		EventID:     event.ID,
		EndpointKey: event.EndpointKey,
		Network:     network,
		Subject:     event.Subject,
		Direction:   direction,
		From:        payload.From,
		To:          payload.To,
		Asset:       payload.Asset,
		Amount:      payload.Amount,
		TxHash:      payload.TxHash,
		BlockLevel:  payload.BlockLevel,
		LogIndex:    payload.LogIndex,
		Removed:     payload.Removed || event.Kind == EventKindReorg,
		Timestamp:   ts,
		ReceivedAt:  event.ReceivedAt,
	}, nil
}

// BalanceUpdate is published after a balance refresh for a watched subject
type BalanceUpdate struct {
	Subject   string    `json:"subject"`
	Asset     string    `json:"asset"`
	Balance   string    `json:"balance"`
	Network   string    `json:"network"`
	Block     uint64    `json:"block"`
	Timestamp time.Time `json:"timestamp"`
}
