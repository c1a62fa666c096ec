package event

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler receives a published event.
type Handler func(Event)

// Bus is a synchronous publish/subscribe channel for live notification.
// Delivery is decoupled from durability: the orchestrator persists first,
// then publishes, so a published event is not guaranteed durable by the
// same call.
type Bus interface {
	// Publish delivers the event to all matching subscribers before
	// returning.
	Publish(ev Event)
	// Subscribe registers a handler for one event type and returns a
	// subscription id.
	Subscribe(eventType Type, handler Handler) string
	// SubscribeAll registers a handler for every event type.
	SubscribeAll(handler Handler) string
	// Unsubscribe removes a subscription by id.
	Unsubscribe(subscriptionID string)
}

// subscriptionCounter generates unique subscription ids.
var subscriptionCounter int64

// SimpleBus is the default in-process Bus implementation.
type SimpleBus struct {
	mu       sync.RWMutex
	handlers map[Type]map[string]Handler
	all      map[string]Handler
	logger   *zap.Logger
}

// NewBus creates a synchronous event bus.
func NewBus(logger *zap.Logger) *SimpleBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimpleBus{
		handlers: make(map[Type]map[string]Handler),
		all:      make(map[string]Handler),
		logger:   logger.With(zap.String("component", "event_bus")),
	}
}

// Publish implements Bus. Handlers run on the caller's goroutine; a
// panicking handler is recovered and logged so it cannot take down the
// scheduling loop.
func (b *SimpleBus) Publish(ev Event) {
	b.mu.RLock()
	src := b.handlers[ev.EventType]
	handlers := make([]Handler, 0, len(src)+len(b.all))
	for _, h := range src {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.deliver(handler, ev)
	}
}

func (b *SimpleBus) deliver(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(ev.EventType)),
				zap.Any("recover", r))
		}
	}()
	handler(ev.Clone())
}

// Subscribe implements Bus.
func (b *SimpleBus) Subscribe(eventType Type, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}
	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[eventType][id] = handler
	return id
}

// SubscribeAll implements Bus.
func (b *SimpleBus) SubscribeAll(handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("all-%d", atomic.AddInt64(&subscriptionCounter, 1))
	b.all[id] = handler
	return id
}

// Unsubscribe implements Bus.
func (b *SimpleBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.all[subscriptionID]; ok {
		delete(b.all, subscriptionID)
		return
	}
	for eventType, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, eventType)
			}
			return
		}
	}
}
