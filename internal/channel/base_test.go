package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

// inboundSpy counts what actually reaches the bus.
type inboundSpy struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
}

func (s *inboundSpy) attach(b *bus.InMemoryBus) {
	b.SubscribeInbound(func(msg domain.InboundMessage) {
		s.mu.Lock()
		s.msgs = append(s.msgs, msg)
		s.mu.Unlock()
	})
}

func (s *inboundSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestBase_AllowListBlocksBeforePublish(t *testing.T) {
	b := bus.New(testLogger())
	spy := &inboundSpy{}
	spy.attach(b)

	adapter := newBase(domain.ChannelTelegram, []string{"42"}, testLogger())
	adapter.bus = b

	adapter.publishInbound(domain.InboundMessage{
		Channel: domain.ChannelTelegram, SenderID: "99", ChatID: "c", Content: "hi",
		Timestamp: time.Now(),
	})
	if got := spy.count(); got != 0 {
		t.Fatalf("unauthorized sender reached the bus, count = %d", got)
	}

	adapter.publishInbound(domain.InboundMessage{
		Channel: domain.ChannelTelegram, SenderID: "42", ChatID: "c", Content: "hi",
		Timestamp: time.Now(),
	})
	if got := spy.count(); got != 1 {
		t.Fatalf("authorized sender count = %d, want 1", got)
	}
}

func TestBase_EmptyAllowListAllowsEveryone(t *testing.T) {
	b := bus.New(testLogger())
	spy := &inboundSpy{}
	spy.attach(b)

	adapter := newBase(domain.ChannelDiscord, nil, testLogger())
	adapter.bus = b

	for _, sender := range []string{"a", "b", "c"} {
		adapter.publishInbound(domain.InboundMessage{
			Channel: domain.ChannelDiscord, SenderID: sender, ChatID: "c", Content: "x",
			Timestamp: time.Now(),
		})
	}
	if got := spy.count(); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
}

// stubGate admits fixed senders and records what it saw.
type stubGate struct {
	mu    sync.Mutex
	admit map[string]bool
	seen  []string
}

func (g *stubGate) Admit(_ context.Context, _, senderID, _ string) bool {
	g.mu.Lock()
	g.seen = append(g.seen, senderID)
	g.mu.Unlock()
	return g.admit[senderID]
}

func TestBase_GateDecidesForUnlistedSenders(t *testing.T) {
	b := bus.New(testLogger())
	spy := &inboundSpy{}
	spy.attach(b)

	gate := &stubGate{admit: map[string]bool{"paired": true}}
	adapter := newBase(domain.ChannelTelegram, []string{"42"}, testLogger())
	adapter.SetGate(gate)
	adapter.bus = b

	// Listed sender bypasses the gate.
	adapter.publishInbound(domain.InboundMessage{
		Channel: domain.ChannelTelegram, SenderID: "42", ChatID: "c", Content: "hi",
		Timestamp: time.Now(),
	})
	if len(gate.seen) != 0 {
		t.Fatalf("gate consulted for allow-listed sender: %v", gate.seen)
	}

	adapter.publishInbound(domain.InboundMessage{
		Channel: domain.ChannelTelegram, SenderID: "paired", ChatID: "c", Content: "hi",
		Timestamp: time.Now(),
	})
	adapter.publishInbound(domain.InboundMessage{
		Channel: domain.ChannelTelegram, SenderID: "stranger", ChatID: "c", Content: "hi",
		Timestamp: time.Now(),
	})

	if got := spy.count(); got != 2 {
		t.Fatalf("count = %d, want 2 (listed + paired)", got)
	}
	if len(gate.seen) != 2 {
		t.Fatalf("gate consultations = %v, want paired and stranger", gate.seen)
	}
}

func TestBase_SelfEchoDropped(t *testing.T) {
	b := bus.New(testLogger())
	spy := &inboundSpy{}
	spy.attach(b)

	adapter := newBase(domain.ChannelSlack, nil, testLogger())
	adapter.bus = b
	adapter.selfID = "UBOT"

	adapter.publishInbound(domain.InboundMessage{
		Channel: domain.ChannelSlack, SenderID: "UBOT", ChatID: "c", Content: "echo",
		Timestamp: time.Now(),
	})
	if got := spy.count(); got != 0 {
		t.Fatalf("self-echo reached the bus, count = %d", got)
	}
}

func TestBase_StateTransitions(t *testing.T) {
	adapter := newBase(domain.ChannelCLI, nil, testLogger())
	if got := adapter.State(); got != domain.StateNotStarted {
		t.Fatalf("initial state = %v, want not_started", got)
	}
	adapter.setState(domain.StateRunning)
	if !adapter.running() {
		t.Error("running() = false after StateRunning")
	}
	adapter.setState(domain.StateStopped)
	if adapter.running() {
		t.Error("running() = true after StateStopped")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 100); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short message split = %v", got)
	}

	long := "line one\nline two\nline three"
	chunks := splitMessage(long, 12)
	if len(chunks) < 2 {
		t.Fatalf("long message not split: %v", chunks)
	}
	var rejoined string
	for _, c := range chunks {
		if len(c) > 12 {
			t.Errorf("chunk %q exceeds limit", c)
		}
		rejoined += c
	}
	if rejoined != long {
		t.Errorf("rejoined = %q, want %q", rejoined, long)
	}
}
