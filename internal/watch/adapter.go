package watch

import (
	"context"

	"cryptostream/models"
)

// EventKind classifies one parsed inbound frame.
type EventKind int

const (
	// EventMessage resolves MessageHash with Payload.
	EventMessage EventKind = iota
	EventSnapshot
	EventDelta
	// EventError rejects MessageHash, or every pending future when empty.
	EventError
)

// Event is what an adapter extracts from a frame.
type Event struct {
	Kind        EventKind
	Symbol      string
	MessageHash string
	Payload     interface{}
	Snapshot    models.Snapshot
	Delta       models.Delta
	Err         error
}

// Adapter is the exchange-specific strategy: where to connect, what to
// subscribe with and how to parse frames into book events. Checksums are
// injected separately through orderbook.Config.
type Adapter interface {
	Exchange() string
	BookURL(symbol string) string
	BookSubscription(symbol string) (subscriptionHash string, message interface{})
	Parse(frame []byte) ([]Event, error)
}

// Snapshotter is implemented by adapters whose book stream starts with deltas
// and needs a REST snapshot to synchronise.
type Snapshotter interface {
	FetchSnapshot(ctx context.Context, symbol string, depth int) (models.Snapshot, error)
}

// Unsubscriber is implemented by adapters that must unsubscribe before a
// resubscribe yields a fresh snapshot.
type Unsubscriber interface {
	BookUnsubscription(symbol string) interface{}
}

// Pinger is implemented by adapters using an application level ping.
type Pinger interface {
	Ping() []byte
}

// BookHash is the message hash under which a symbol's book updates resolve.
func BookHash(symbol string) string {
	return "orderbook:" + symbol
}
