// Package bus is the in-process publish/subscribe hub shared by the
// coordination engine's components.
//
// Delivery is synchronous: Emit runs every handler registered for the topic,
// in registration order, before it returns. A handler that panics is
// recovered and logged; the remaining handlers still run and the emitting
// call is unaffected.
//
// The Bus is constructed once by the application and passed to each
// component; there is no package-level instance.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Wildcard subscribes a handler to every topic.
const Wildcard = "*"

// Handler receives the payload of an emitted event.
type Handler func(topic string, payload any)

type subscription struct {
	id      int64
	handler Handler
}

// Bus dispatches events to topic subscribers.
//
// Thread-safety: Subscribe, Emit and unsubscribe may be called from any
// goroutine. Handlers run on the emitting goroutine without the bus lock
// held, so a handler may subscribe, unsubscribe or emit.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int64
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string][]subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for topic and returns a function that removes
// it. Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

// SubscribeAll registers handler for every topic.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	return b.Subscribe(Wildcard, handler)
}

func (b *Bus) remove(topic string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			// Copy so in-flight Emit snapshots keep their view.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = next
			}
			return
		}
	}
}

// Emit delivers payload to the handlers of topic, then to wildcard handlers.
func (b *Bus) Emit(topic string, payload any) {
	b.mu.RLock()
	handlers := make([]subscription, 0, len(b.subs[topic])+len(b.subs[Wildcard]))
	handlers = append(handlers, b.subs[topic]...)
	if topic != Wildcard {
		handlers = append(handlers, b.subs[Wildcard]...)
	}
	b.mu.RUnlock()

	for _, s := range handlers {
		b.invoke(topic, s, payload)
	}
}

func (b *Bus) invoke(topic string, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", topic,
				"subscription", s.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.handler(topic, payload)
}

// HandlerCount returns the number of handlers registered for topic.
func (b *Bus) HandlerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
