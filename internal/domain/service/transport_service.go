package service

import (
	"context"

	"wallet-stream/internal/domain/entity"
)

// Transport is a long-lived streaming connection to a remote indexer or node.
// The connection manager orchestrates it; it never reconnects on its own.
type Transport interface {
	// Start performs the handshake and returns once the stream is open
	Start(ctx context.Context) error

	// Stop closes the stream. The close handler still fires afterwards.
	Stop(ctx context.Context) error

	// OnClose sets the handler invoked when the stream drops or is stopped
	OnClose(handler func(err error))
}

// EventSink receives decoded events from a transport in delivery order
type EventSink interface {
	Dispatch(event entity.Event)
}

// SubjectSubscriber is implemented by transports that need server-side
// subscriptions per subject (account address) and filter (asset).
type SubjectSubscriber interface {
	Subscribe(ctx context.Context, subject, filter string) error
	Unsubscribe(ctx context.Context, subject, filter string) error
}

// ConnectionObserver receives lifecycle notifications from connection handles
type ConnectionObserver interface {
	OnStatusChange(change entity.StatusChange)
	OnError(err error)
}
