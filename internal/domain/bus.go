package domain

// Subscription identifies one bus registration for later removal.
type Subscription uint64

// MessageBus is the in-process fan-out hub between adapters, bridges and the
// agent orchestrator. Publish delivers synchronously to every subscriber of
// that event type; a failing subscriber is isolated and never blocks the
// others. Per-ChatID emission order is preserved because a single producer
// awaits each publish before emitting the next chunk; no ordering is
// guaranteed across ChatIDs.
type MessageBus interface {
	PublishInbound(msg InboundMessage)
	PublishOutbound(msg OutboundMessage)
	PublishSystem(evt SystemEvent)

	SubscribeInbound(fn func(InboundMessage)) Subscription
	SubscribeOutbound(fn func(OutboundMessage)) Subscription
	SubscribeSystem(fn func(SystemEvent)) Subscription
	Unsubscribe(sub Subscription)

	Close()
}
