// Package channel implements one adapter per chat platform plus the webhook
// and SSE bridges. Adapters translate between the platform's wire events and
// the bus's uniform message model; every outbound path goes through the
// per-chat streaming reconciler in stream.go.
package channel

import (
	"context"
	"log/slog"
	"sync/atomic"

	"chatrelay/internal/access"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

// base carries the state shared by all adapters: the channel tag, the bus
// handle, the lifecycle state and the sender allow-list.
type base struct {
	channel domain.Channel
	bus     domain.MessageBus
	logger  *slog.Logger
	state   atomic.Int32

	// Empty allow-list = allow all.
	allowFrom []string
	// gate, when set, decides admission for senders the allow-list does not
	// name. See SetGate.
	gate access.Gate
	// selfID is the adapter's own platform identity; inbound events from it
	// are self-echoes and dropped before publish.
	selfID string
}

func newBase(ch domain.Channel, allowFrom []string, logger *slog.Logger) base {
	return base{channel: ch, allowFrom: allowFrom, logger: logger}
}

func (b *base) Channel() domain.Channel { return b.channel }

func (b *base) State() domain.AdapterState {
	return domain.AdapterState(b.state.Load())
}

func (b *base) setState(s domain.AdapterState) {
	b.state.Store(int32(s))
}

// running reports whether background loops should keep going.
func (b *base) running() bool {
	return b.State() == domain.StateRunning
}

// SetGate installs a pairing gate consulted for senders the allow-list does
// not name. Call before Start.
func (b *base) SetGate(g access.Gate) {
	b.gate = g
}

// allowed applies the static allow-list, then the gate. The gate may consume
// the message text as a pairing exchange.
func (b *base) allowed(senderID, text string) bool {
	for _, id := range b.allowFrom {
		if id == senderID {
			return true
		}
	}
	if b.gate != nil {
		return b.gate.Admit(context.Background(), string(b.channel), senderID, text)
	}
	return len(b.allowFrom) == 0
}

// publishInbound forwards a received message to the bus after dropping
// self-echoes and unauthorized senders. All adapter inbound paths go
// through here.
func (b *base) publishInbound(msg domain.InboundMessage) {
	if b.selfID != "" && msg.SenderID == b.selfID {
		return
	}
	if !b.allowed(msg.SenderID, msg.Content) {
		metrics.Collector.Counter("chatrelay_inbound_rejected_total", "Inbound messages dropped by allow-list", `channel="`+string(b.channel)+`"`).Inc()
		b.logger.Warn("unauthorized sender dropped", "channel", b.channel, "sender", msg.SenderID)
		return
	}
	if b.bus == nil {
		b.logger.Warn("inbound before start dropped", "channel", b.channel)
		return
	}
	b.bus.PublishInbound(msg)
}
