package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler is a callback invoked for each published event
type Handler func(event *Event)

// Bus is an in-process publish/subscribe event bus.
// Handlers are invoked synchronously on the publisher's goroutine, so they
// must not block; slow consumers should buffer into their own channel.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventType]map[int]Handler
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType]map[int]Handler),
		log:      log.With().Str("service", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
// Returns an unsubscribe function that removes the handler.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// Emit publishes an event to all subscribers of its type
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	// Copy handlers under the read lock, invoke outside it so handlers can
	// subscribe or unsubscribe without deadlocking
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[eventType]))
	for _, h := range b.handlers[eventType] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}

	b.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Int("subscribers", len(handlers)).
		Msg("Event dispatched")
}

// SubscriberCount returns the number of handlers for an event type
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
