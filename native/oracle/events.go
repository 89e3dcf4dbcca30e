package oracle

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind identifies the operation that produced an event.
type EventKind string

const (
	EventPriceSet         EventKind = "price_set"
	EventPendingAnchorSet EventKind = "pending_anchor_set"
	EventPriceSetFailed   EventKind = "price_set_failed"
)

// Event records an observable state change. For pending anchor events
// OldPrice and NewPrice carry the previous and queued pending values.
type Event struct {
	ID             string
	Kind           EventKind
	Asset          common.Address
	Caller         common.Address
	Status         Status
	RequestedPrice *uint256.Int
	OldPrice       *uint256.Int
	NewPrice       *uint256.Int
	AnchorPrice    *uint256.Int
	PeriodStart    uint64
	Height         uint64
	Reason         string
	Timestamp      time.Time
}

// Emitter receives events after the corresponding state change is
// committed.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit calls f(ev).
func (f EmitterFunc) Emit(ev Event) { f(ev) }

// MultiEmitter fans events out to every wrapped emitter in order.
type MultiEmitter []Emitter

// Emit forwards ev to each emitter.
func (m MultiEmitter) Emit(ev Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(ev)
		}
	}
}

// NoopEmitter discards events.
type NoopEmitter struct{}

// Emit does nothing.
func (NoopEmitter) Emit(Event) {}
