// Package bus provides the typed in-process event bus every adapter owns.
//
// Handlers are invoked synchronously on the posting goroutine, in subscriber
// FIFO order per event type, so a single emitter's post order is exactly the
// order every subscriber observes. Handlers must be non-blocking; suspending
// work belongs on the owner's task pool. Subscriptions carry an opaque tag so
// a component can revoke all of its handlers at shutdown.
package bus

import (
	"sync"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

// Handler consumes one event. The event and its payload must be treated as
// read-only; emitters publish deep copies where mutation is possible.
type Handler func(event *types.BrokerEvent)

type subscription struct {
	tag     string
	handler Handler
}

// Bus is a typed publish/subscribe hub. The zero value is not usable; call New.
type Bus struct {
	mu       sync.RWMutex
	subs     map[types.EventType][]*subscription
	released bool

	// inflight counts posts currently delivering, so Release can wait for
	// handler invocations to quiesce.
	inflight sync.WaitGroup
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[types.EventType][]*subscription)}
}

// Subscribe registers a handler for the given event types under a tag.
// The same handler may be registered for many types; it is invoked once per
// matching post per registration.
func (b *Bus) Subscribe(eventTypes []types.EventType, tag string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	for _, t := range eventTypes {
		b.subs[t] = append(b.subs[t], &subscription{tag: tag, handler: h})
	}
}

// SubscribeAll registers a handler for every event type under a tag.
func (b *Bus) SubscribeAll(tag string, h Handler) {
	b.Subscribe(types.AllEventTypes, tag, h)
}

// RemoveSubscribersByTag drops every subscription registered under tag.
func (b *Bus) RemoveSubscribersByTag(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, list := range b.subs {
		kept := list[:0]
		for _, s := range list {
			if s.tag != tag {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subs, t)
		} else {
			b.subs[t] = kept
		}
	}
}

// Post publishes an event to all subscribers of its type, synchronously and
// in subscription order. Posts after Release are dropped.
func (b *Bus) Post(eventType types.EventType, sourceID string, data any) {
	b.PostEvent(&types.BrokerEvent{Type: eventType, SourceID: sourceID, Data: data})
}

// PostEvent publishes a pre-built event.
func (b *Bus) PostEvent(event *types.BrokerEvent) {
	b.mu.RLock()
	if b.released {
		b.mu.RUnlock()
		return
	}
	b.inflight.Add(1)
	list := b.subs[event.Type]
	handlers := make([]Handler, len(list))
	for i, s := range list {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	defer b.inflight.Done()
	for _, h := range handlers {
		h(event)
	}
}

// Release drops all subscriptions, rejects further posts and waits for
// in-flight handler invocations to finish before returning.
func (b *Bus) Release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	b.subs = make(map[types.EventType][]*subscription)
	b.mu.Unlock()

	b.inflight.Wait()
}
