// Package bus provides the event bus the relay components announce
// lifecycle changes on: session attach/detach, turn boundaries, delivery
// outcomes, index scans.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one notification on the bus. Data carries the subject-specific
// payload; Source names the component that produced it.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh UUID and the current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Returning an error only logs it; the bus
// never retries.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus carries lifecycle notifications between components. Delivery is
// best-effort and unordered; the ordered transcript event stream never rides
// the bus. Subjects use NATS conventions: dot-separated tokens, "*" matching
// one token, ">" matching the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
