// Package bus implements the in-process message bus that routes
// conversational turns between channel adapters, bridges and the agent
// orchestrator. Delivery is synchronous fan-out: Publish returns once every
// subscriber callback has run. A panicking subscriber is logged and skipped;
// it never breaks the publisher or the remaining subscribers.
package bus

import (
	"log/slog"
	"sync"

	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

type inboundSub struct {
	id domain.Subscription
	fn func(domain.InboundMessage)
}

type outboundSub struct {
	id domain.Subscription
	fn func(domain.OutboundMessage)
}

type systemSub struct {
	id domain.Subscription
	fn func(domain.SystemEvent)
}

// InMemoryBus is the process-wide fan-out hub. It performs no reordering,
// batching or persistence: chunks for one chat arrive at subscribers in the
// order the producer published them.
type InMemoryBus struct {
	mu       sync.RWMutex
	nextID   domain.Subscription
	inbound  []inboundSub
	outbound []outboundSub
	system   []systemSub
	closed   bool
	logger   *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *InMemoryBus {
	return &InMemoryBus{logger: logger, nextID: 1}
}

func (b *InMemoryBus) PublishInbound(msg domain.InboundMessage) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Warn("publish to closed bus dropped", "channel", msg.Channel)
		return
	}
	subs := make([]inboundSub, len(b.inbound))
	copy(subs, b.inbound)
	b.mu.RUnlock()

	metrics.MessagesTotal.Inc()
	metrics.Collector.Counter("chatrelay_inbound_published_total", "Inbound messages published to the bus", "").Inc()
	for _, s := range subs {
		b.dispatch("inbound", s.id, func() { s.fn(msg) })
	}
}

func (b *InMemoryBus) PublishOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Warn("publish to closed bus dropped", "channel", msg.Channel)
		return
	}
	subs := make([]outboundSub, len(b.outbound))
	copy(subs, b.outbound)
	b.mu.RUnlock()

	metrics.Collector.Counter("chatrelay_outbound_published_total", "Outbound messages published to the bus", "").Inc()
	for _, s := range subs {
		b.dispatch("outbound", s.id, func() { s.fn(msg) })
	}
}

func (b *InMemoryBus) PublishSystem(evt domain.SystemEvent) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]systemSub, len(b.system))
	copy(subs, b.system)
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch("system", s.id, func() { s.fn(evt) })
	}
}

// dispatch runs one subscriber callback with panic isolation.
func (b *InMemoryBus) dispatch(kind string, id domain.Subscription, call func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.Collector.Counter("chatrelay_subscriber_panics_total", "Subscriber callbacks that panicked", "").Inc()
			b.logger.Error("bus subscriber panic", "kind", kind, "subscription", uint64(id), "panic", r)
		}
	}()
	call()
}

func (b *InMemoryBus) SubscribeInbound(fn func(domain.InboundMessage)) domain.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.inbound = append(b.inbound, inboundSub{id: id, fn: fn})
	return id
}

func (b *InMemoryBus) SubscribeOutbound(fn func(domain.OutboundMessage)) domain.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.outbound = append(b.outbound, outboundSub{id: id, fn: fn})
	return id
}

func (b *InMemoryBus) SubscribeSystem(fn func(domain.SystemEvent)) domain.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.system = append(b.system, systemSub{id: id, fn: fn})
	return id
}

// Unsubscribe removes a registration. Short-lived per-request bridges must
// call this in a defer so a crashed request does not leak its subscription.
func (b *InMemoryBus) Unsubscribe(sub domain.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.inbound {
		if s.id == sub {
			b.inbound = append(b.inbound[:i], b.inbound[i+1:]...)
			return
		}
	}
	for i, s := range b.outbound {
		if s.id == sub {
			b.outbound = append(b.outbound[:i], b.outbound[i+1:]...)
			return
		}
	}
	for i, s := range b.system {
		if s.id == sub {
			b.system = append(b.system[:i], b.system[i+1:]...)
			return
		}
	}
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.inbound = nil
	b.outbound = nil
	b.system = nil
}
