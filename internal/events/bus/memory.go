package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdev/ads/internal/common/logger"
)

const subscriptionBuffer = 256

// MemoryEventBus implements EventBus with per-subscription delivery
// goroutines. Each subscriber drains its own buffered channel, so publish
// order is preserved per subscriber without the publisher blocking.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions []*memorySubscription
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact match
	handler EventHandler
	ch      chan *Event
	done    chan struct{}
	once    sync.Once
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{logger: log}
}

// Publish sends an event to all matching subscribers. If a subscriber's
// buffer is full the event is dropped for that subscriber with a warning;
// a stalled front must not stall the queue worker.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscriptions {
		if !matches(subject, sub.subject, sub.pattern) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("Subscriber buffer full, dropping event",
				zap.String("subject", subject),
				zap.String("event_type", event.Type))
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		ch:      make(chan *Event, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	b.subscriptions = append(b.subscriptions, sub)

	go sub.run()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// run drains the subscription channel in order.
func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.ch:
			if err := s.handler(context.Background(), event); err != nil {
				s.bus.logger.Error("Event handler error",
					zap.String("subject", s.subject),
					zap.Error(err))
			}
		}
	}
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() { close(s.done) })

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close closes the event bus.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = nil
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.done) })
	}

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a subject matches a pattern.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regex; nil when the
// pattern has no wildcards.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
