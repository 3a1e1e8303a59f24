package domain

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType identifies a gateway event by name.
type EventType string

// Lifecycle events published by the gateway client itself. They share the bus
// with gateway-pushed events but live under the reserved "gateway." prefix so
// any-message subscribers can tell them apart.
const (
	EventGatewayConnected    EventType = "gateway.connected"
	EventGatewayDisconnected EventType = "gateway.disconnected"
	EventGatewayError        EventType = "gateway.error"
)

// lifecyclePrefix is reserved for client-originated notifications.
const lifecyclePrefix = "gateway."

// IsLifecycle reports whether the event name belongs to the reserved
// client lifecycle namespace rather than to a gateway-pushed event.
func IsLifecycle(t EventType) bool {
	return strings.HasPrefix(string(t), lifecyclePrefix)
}

// Event is a gateway-pushed notification normalized for in-process consumers.
// Seq and StateVersion are gateway-assigned when present (zero means absent);
// ReceiptID and ReceivedAt are stamped by the client at arrival.
type Event struct {
	Name         EventType       `json:"name"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          int64           `json:"seq,omitempty"`
	StateVersion int64           `json:"stateVersion,omitempty"`
	ReceiptID    string          `json:"receiptId"`
	ReceivedAt   time.Time       `json:"receivedAt"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for gateway events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event name.
	// Returns an unsubscribe function.
	Subscribe(name EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close prevents new publishes.
	Close()
}

// NewReceiptID returns a ULID derived from the given receipt time.
func NewReceiptID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
