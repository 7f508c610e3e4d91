package queue

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"dexohlc/internal/model"
)

// EventType names a queued payload kind.
type EventType string

const (
	EventSwap  EventType = "swapEvent"
	EventPrice EventType = "priceUpdate"
)

// Item is one queued event.
type Item struct {
	ID         string
	Type       EventType
	Payload    interface{}
	EnqueuedAt time.Time
}

// Envelope is the wire form written by sinks.
type Envelope struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Data       json.RawMessage `json:"data"`
}

func newItem(t EventType, payload interface{}) Item {
	return Item{ID: uuid.NewString(), Type: t, Payload: payload, EnqueuedAt: time.Now().UTC()}
}

// Key is the partitioning key: the pair label for prices, the pool address
// for swaps.
func (it Item) Key() string {
	switch p := it.Payload.(type) {
	case model.PricePoint:
		return p.Pair
	case *model.PricePoint:
		return p.Pair
	case model.SwapEvent:
		return p.Pool.Hex()
	case *model.SwapEvent:
		return p.Pool.Hex()
	}
	return string(it.Type)
}

// Encode returns the JSON envelope.
func (it Item) Encode() ([]byte, error) {
	data, err := json.Marshal(it.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{ID: it.ID, Type: it.Type, EnqueuedAt: it.EnqueuedAt, Data: data})
}
