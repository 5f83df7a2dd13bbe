// Package bus is the in-process typed pub/sub used for cross-component
// fan-out. Publish invokes subscribers synchronously in registration
// order; a panicking subscriber is recovered and logged so it can never
// corrupt another subscriber or the publisher. There is no buffering or
// replay.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Well-known topics. Payload types are documented per topic; subscribers
// type-assert the payload they expect.
const (
	TopicRateUpdated          = "rate:updated"          // payload: RateUpdate
	TopicRateError            = "rate:error"            // payload: RateError
	TopicBridgeFilled         = "bridge:filled"         // payload: string (bridge-id)
	TopicBridgeError          = "bridge:error"          // payload: BridgeFault
	TopicUpstreamDisconnected = "upstream:disconnected" // payload: error
	TopicQuoteEvent           = "quote:event"           // payload: types.AuditEntry
	TopicSplitOpportunity     = "split:opportunity"     // payload: splitrouter.Opportunity
)

// Handler receives a published payload for a topic it subscribed to.
type Handler func(payload any)

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is a topic-keyed synchronous publisher. Subscriber lists are
// copy-on-write: Publish reads an immutable slice without holding the
// write lock.
type Bus struct {
	mu     sync.Mutex
	nextID atomic.Uint64
	topics map[string][]subscriber
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		topics: make(map[string][]subscriber),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers fn for topic and returns a subscription id usable
// with Unsubscribe.
func (b *Bus) Subscribe(topic string, fn Handler) uint64 {
	id := b.nextID.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.topics[topic]
	next := make([]subscriber, len(old)+1)
	copy(next, old)
	next[len(old)] = subscriber{id: id, fn: fn}
	b.topics[topic] = next

	return id
}

// Unsubscribe removes a subscription by id. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.topics[topic]
	next := make([]subscriber, 0, len(old))
	for _, s := range old {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.topics, topic)
		return
	}
	b.topics[topic] = next
}

// Publish synchronously invokes every subscriber of topic in registration
// order. A panic in one subscriber is recovered and logged; remaining
// subscribers still run and the publisher never observes the failure.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	subs := b.topics[topic]
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(topic, s, payload)
	}
}

func (b *Bus) invoke(topic string, s subscriber, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"topic", topic,
				"subscriber", s.id,
				"panic", r,
			)
		}
	}()
	s.fn(payload)
}

// RateUpdate is the payload for TopicRateUpdated.
type RateUpdate struct {
	SrcToken string
	DstToken string
}

// RateError is the payload for TopicRateError.
type RateError struct {
	SrcToken string
	DstToken string
	Reason   string
	Err      error
}

// BridgeFault is the payload for TopicBridgeError.
type BridgeFault struct {
	BridgeID string
	Err      error
}
