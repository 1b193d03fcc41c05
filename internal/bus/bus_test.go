package bus

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"chatrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestBus_InboundFanOut(t *testing.T) {
	b := New(testLogger())

	var count int32
	b.SubscribeInbound(func(m domain.InboundMessage) { atomic.AddInt32(&count, 1) })
	b.SubscribeInbound(func(m domain.InboundMessage) { atomic.AddInt32(&count, 1) })

	b.PublishInbound(domain.InboundMessage{Channel: domain.ChannelCLI, Content: "hi"})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2 deliveries, got %d", count)
	}
}

func TestBus_PanicIsolation(t *testing.T) {
	b := New(testLogger())

	var after int32
	b.SubscribeOutbound(func(m domain.OutboundMessage) { panic("boom") })
	b.SubscribeOutbound(func(m domain.OutboundMessage) { atomic.AddInt32(&after, 1) })

	// Must not panic the publisher, and the second subscriber still runs.
	b.PublishOutbound(domain.OutboundMessage{ChatID: "c1", Content: "x"})

	if atomic.LoadInt32(&after) != 1 {
		t.Errorf("subscriber after panicking one not called: %d", after)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(testLogger())

	var count int32
	sub := b.SubscribeSystem(func(e domain.SystemEvent) { atomic.AddInt32(&count, 1) })

	b.PublishSystem(domain.SystemEvent{EventType: domain.EventThinking})
	b.Unsubscribe(sub)
	b.PublishSystem(domain.SystemEvent{EventType: domain.EventThinking})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestBus_ChunkOrderPerChat(t *testing.T) {
	b := New(testLogger())

	var mu sync.Mutex
	var got []string
	b.SubscribeOutbound(func(m domain.OutboundMessage) {
		mu.Lock()
		got = append(got, m.Content)
		mu.Unlock()
	})

	// Single producer awaits each publish before the next chunk.
	for _, c := range []string{"a", "b", "c"} {
		b.PublishOutbound(domain.OutboundMessage{ChatID: "c1", Content: c, IsStreamChunk: true})
	}

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("chunks out of order: %v", got)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := New(testLogger())

	var count int32
	b.SubscribeInbound(func(m domain.InboundMessage) { atomic.AddInt32(&count, 1) })
	b.Close()
	b.PublishInbound(domain.InboundMessage{Content: "dropped"})

	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("closed bus must not deliver, got %d", count)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New(testLogger())

	var count int32
	b.SubscribeInbound(func(m domain.InboundMessage) { atomic.AddInt32(&count, 1) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.PublishInbound(domain.InboundMessage{Channel: domain.ChannelWebhook})
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&count) != 200 {
		t.Errorf("expected 200 deliveries, got %d", count)
	}
}
