// Package eventbus is an in-process publish/subscribe mechanism. Handlers are
// registered per event name and invoked synchronously, in subscription
// order, by Emit.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives the payload of an emitted event.
type Handler[T any] func(T)

// Subscription identifies a registered handler so it can be removed.
type Subscription uint64

type entry[T any] struct {
	id      Subscription
	handler Handler[T]
}

// Bus dispatches events of payload type T. The zero value is not usable;
// create one with New.
type Bus[T any] struct {
	mu       sync.RWMutex
	next     Subscription
	handlers map[string][]entry[T]
	logger   zerolog.Logger
}

func New[T any](logger zerolog.Logger) *Bus[T] {
	return &Bus[T]{
		handlers: make(map[string][]entry[T]),
		logger:   logger.With().Str("component", "eventbus").Logger(),
	}
}

// On registers handler for event and returns its subscription handle.
func (b *Bus[T]) On(event string, handler Handler[T]) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	b.handlers[event] = append(b.handlers[event], entry[T]{id: b.next, handler: handler})
	return b.next
}

// Off removes a handler. It reports whether the subscription was found.
func (b *Bus[T]) Off(event string, sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[event]
	for i, e := range entries {
		if e.id != sub {
			continue
		}
		remaining := make([]entry[T], 0, len(entries)-1)
		remaining = append(remaining, entries[:i]...)
		remaining = append(remaining, entries[i+1:]...)
		if len(remaining) == 0 {
			delete(b.handlers, event)
		} else {
			b.handlers[event] = remaining
		}
		return true
	}
	return false
}

// Emit invokes every handler currently registered for event. A handler that
// panics is logged and the remaining handlers still run.
func (b *Bus[T]) Emit(event string, data T) {
	b.mu.RLock()
	entries := b.handlers[event]
	b.mu.RUnlock()

	for _, e := range entries {
		b.invoke(event, e, data)
	}
}

func (b *Bus[T]) invoke(event string, e entry[T], data T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", event).
				Uint64("subscription", uint64(e.id)).
				Err(fmt.Errorf("%v", r)).
				Msg("event handler panicked")
		}
	}()
	e.handler(data)
}
