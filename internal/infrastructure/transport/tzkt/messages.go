package tzkt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wallet-stream/internal/domain/entity"
)

// recordSeparator terminates every SignalR JSON record
const recordSeparator = 0x1e

// SignalR hub message types
const (
	messageInvocation = 1
	messageCompletion = 3
	messagePing       = 6
	messageClose      = 7
)

// TzKT channel message types carried inside an invocation argument
const (
	channelState = 0
	channelData  = 1
	channelReorg = 2
)

// Hub method names and server-pushed targets
const (
	methodSubscribeTransfers = "SubscribeToTokenTransfers"
	methodSubscribeAccounts  = "SubscribeToAccounts"
	targetTransfers          = "transfers"
	targetAccounts           = "accounts"
)

var handshakeRequest = append([]byte(`{"protocol":"json","version":1}`), recordSeparator)

// hubMessage is the envelope of every SignalR record
type hubMessage struct {
	Type         int               `json:"type"`
	Target       string            `json:"target,omitempty"`
	InvocationID string            `json:"invocationId,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// handshakeResponse is the first record the hub sends back
type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// channelMessage is the single argument of a transfers/accounts invocation
type channelMessage struct {
	Type  int             `json:"type"`
	State int64           `json:"state"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type alias struct {
	Address string `json:"address"`
}

type tokenInfo struct {
	Contract alias  `json:"contract"`
	TokenID  string `json:"tokenId"`
}

// tokenTransfer is one element of a transfers data message
type tokenTransfer struct {
	ID            int64     `json:"id"`
	Level         uint64    `json:"level"`
	Timestamp     time.Time `json:"timestamp"`
	Token         tokenInfo `json:"token"`
	From          *alias    `json:"from,omitempty"`
	To            *alias    `json:"to,omitempty"`
	Amount        string    `json:"amount"`
	TransactionID int64     `json:"transactionId,omitempty"`
}

// account is one element of an accounts data message
type account struct {
	Address string `json:"address"`
}

// tokenSubscription is the argument of SubscribeToTokenTransfers
type tokenSubscription struct {
	Account  string `json:"account,omitempty"`
	Contract string `json:"contract,omitempty"`
	TokenID  string `json:"tokenId,omitempty"`
}

// accountsSubscription is the argument of SubscribeToAccounts
type accountsSubscription struct {
	Addresses []string `json:"addresses"`
}

// assetID formats the asset key used for filtering: contract:tokenId
func assetID(contract, tokenID string) string {
	if tokenID == "" {
		return contract
	}
	return contract + ":" + tokenID
}

// parseAssetFilter splits a registry filter back into contract and token id
func parseAssetFilter(filter string) (contract, tokenID string) {
	contract, tokenID, _ = strings.Cut(filter, ":")
	return contract, tokenID
}

// splitRecords splits a websocket frame into SignalR records
func splitRecords(frame []byte) [][]byte {
	var records [][]byte
	for _, record := range bytes.Split(frame, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(record)) > 0 {
			records = append(records, record)
		}
	}
	return records
}

// encodeRecord marshals a hub message and appends the separator
func encodeRecord(msg hubMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hub message: %w", err)
	}
	return append(data, recordSeparator), nil
}

// invocation builds a client-to-server hub call with one argument
func invocation(id int64, method string, argument interface{}) (hubMessage, error) {
	raw, err := json.Marshal(argument)
	if err != nil {
		return hubMessage{}, fmt.Errorf("failed to encode %s argument: %w", method, err)
	}
	return hubMessage{
		Type:         messageInvocation,
		Target:       method,
		InvocationID: strconv.FormatInt(id, 10),
		Arguments:    []json.RawMessage{raw},
	}, nil
}

// transferEvents turns one token transfer into an event per tracked side
func transferEvents(endpointKey string, tr tokenTransfer, tracked func(string) bool, receivedAt time.Time) ([]entity.Event, error) {
	asset := assetID(tr.Token.Contract.Address, tr.Token.TokenID)
	payload := entity.TransferPayload{
		Asset:       asset,
		Amount:      tr.Amount,
		BlockLevel:  tr.Level,
		Timestamp:   tr.Timestamp,
		OperationID: tr.TransactionID,
	}
	if tr.From != nil {
		payload.From = tr.From.Address
	}
	if tr.To != nil {
		payload.To = tr.To.Address
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer payload: %w", err)
	}

	var events []entity.Event
	for _, subject := range []string{payload.From, payload.To} {
		if subject == "" || !tracked(subject) {
			continue
		}
		if len(events) > 0 && events[0].Subject == subject {
			continue
		}
		events = append(events, entity.Event{
			ID:          entity.NewEventID(endpointKey, strconv.FormatInt(tr.ID, 10), subject),
			EndpointKey: endpointKey,
			Kind:        entity.EventKindTransfer,
			Subject:     subject,
			Asset:       asset,
			Payload:     raw,
			ReceivedAt:  receivedAt,
		})
	}
	return events, nil
}
