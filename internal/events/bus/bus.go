// Package bus provides the event bus used to fan task and chat events out to
// the WebSocket and Telegram fronts.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/logger"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the fan-out contract. Delivery to a given subscriber preserves
// publish order per source; delivery across subscribers is concurrent.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns use NATS-style wildcards: * (one token) and > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the bus and invalidates all subscriptions.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

// New selects the bus implementation from config: NATS when a URL is
// configured, the in-memory bus otherwise.
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
