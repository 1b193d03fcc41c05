package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

func newTestWebhook(t *testing.T, slots ...WebhookSlot) (*Webhook, *bus.InMemoryBus) {
	t.Helper()
	b := bus.New(testLogger())
	w := NewWebhook(WebhookAdapterConfig{Slots: slots, Logger: testLogger()})
	if err := w.Start(context.Background(), b); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w, b
}

// echoAgent answers each inbound message with a streamed response on the
// same chat id, imitating the gateway's agent loop.
func echoAgent(b *bus.InMemoryBus, chunks ...string) {
	b.SubscribeInbound(func(msg domain.InboundMessage) {
		go func() {
			for _, c := range chunks {
				b.PublishOutbound(domain.OutboundMessage{
					Channel:       msg.Channel,
					ChatID:        msg.ChatID,
					Content:       c,
					IsStreamChunk: true,
				})
			}
			b.PublishOutbound(domain.OutboundMessage{
				Channel:     msg.Channel,
				ChatID:      msg.ChatID,
				IsStreamEnd: true,
			})
		}()
	})
}

func TestWebhook_SyncAssemblesStreamedResponse(t *testing.T) {
	slot := WebhookSlot{Name: "ci", Secret: "s3cret", SyncTimeout: 2 * time.Second}
	w, b := newTestWebhook(t, slot)
	echoAgent(b, "Hello ", "world", "!")

	result := w.HandleWebhook(context.Background(), slot,
		map[string]any{"content": "deploy finished"}, "req-1", true)

	if result.Status != "ok" {
		t.Fatalf("status = %q, want ok", result.Status)
	}
	if result.Response != "Hello world!" {
		t.Errorf("response = %q, want %q", result.Response, "Hello world!")
	}
	if n := w.PendingCount(); n != 0 {
		t.Errorf("pending after resolution = %d, want 0", n)
	}
}

func TestWebhook_AsyncReturnsAccepted(t *testing.T) {
	slot := WebhookSlot{Name: "ci", Secret: "s3cret"}
	w, b := newTestWebhook(t, slot)

	var mu sync.Mutex
	var got domain.InboundMessage
	b.SubscribeInbound(func(msg domain.InboundMessage) {
		mu.Lock()
		got = msg
		mu.Unlock()
	})

	result := w.HandleWebhook(context.Background(), slot,
		map[string]any{"content": "ping", "sender": "cron"}, "req-2", false)

	if result.Status != "accepted" {
		t.Fatalf("status = %q, want accepted", result.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.SenderID != "cron" {
		t.Errorf("sender = %q, want cron", got.SenderID)
	}
	if got.ChatID != "req-2" {
		t.Errorf("chat_id = %q, want req-2", got.ChatID)
	}
	if got.Metadata["webhook_name"] != "ci" {
		t.Errorf("webhook_name metadata = %q", got.Metadata["webhook_name"])
	}
}

func TestWebhook_SyncTimeoutLeavesNoPendingEntry(t *testing.T) {
	slot := WebhookSlot{Name: "ci", Secret: "s3cret", SyncTimeout: 50 * time.Millisecond}
	w, _ := newTestWebhook(t, slot)

	result := w.HandleWebhook(context.Background(), slot,
		map[string]any{"content": "no one answers"}, "req-3", true)

	if result.Status != "timeout" {
		t.Fatalf("status = %q, want timeout", result.Status)
	}
	if result.RequestID != "req-3" {
		t.Errorf("request_id = %q, want req-3", result.RequestID)
	}
	if n := w.PendingCount(); n != 0 {
		t.Errorf("pending after timeout = %d, want 0", n)
	}
}

func TestWebhook_LateResponseAfterTimeoutIsDropped(t *testing.T) {
	slot := WebhookSlot{Name: "ci", Secret: "s3cret", SyncTimeout: 30 * time.Millisecond}
	w, b := newTestWebhook(t, slot)

	result := w.HandleWebhook(context.Background(), slot,
		map[string]any{"content": "slow"}, "req-4", true)
	if result.Status != "timeout" {
		t.Fatalf("status = %q, want timeout", result.Status)
	}

	// The agent answers after the waiter gave up. Must not panic or block.
	b.PublishOutbound(domain.OutboundMessage{
		Channel: domain.ChannelWebhook,
		ChatID:  "req-4",
		Content: "too late",
	})
	if n := w.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestWebhook_DuplicateStreamEndResolvesOnce(t *testing.T) {
	slot := WebhookSlot{Name: "ci", Secret: "s3cret", SyncTimeout: 2 * time.Second}
	w, b := newTestWebhook(t, slot)

	b.SubscribeInbound(func(msg domain.InboundMessage) {
		go func() {
			b.PublishOutbound(domain.OutboundMessage{
				Channel: domain.ChannelWebhook, ChatID: msg.ChatID,
				Content: "answer", IsStreamChunk: true,
			})
			b.PublishOutbound(domain.OutboundMessage{
				Channel: domain.ChannelWebhook, ChatID: msg.ChatID, IsStreamEnd: true,
			})
			// Stray duplicate end.
			b.PublishOutbound(domain.OutboundMessage{
				Channel: domain.ChannelWebhook, ChatID: msg.ChatID, IsStreamEnd: true,
			})
		}()
	})

	result := w.HandleWebhook(context.Background(), slot,
		map[string]any{"content": "go"}, "req-5", true)
	if result.Status != "ok" || result.Response != "answer" {
		t.Fatalf("result = %+v, want ok/answer", result)
	}
}

func TestWebhook_ConcurrentSyncCallsKeepResponsesSeparate(t *testing.T) {
	slot := WebhookSlot{Name: "ci", Secret: "s3cret", SyncTimeout: 2 * time.Second}
	w, b := newTestWebhook(t, slot)

	// Answer each request with its own chat id as the response body.
	b.SubscribeInbound(func(msg domain.InboundMessage) {
		go func() {
			b.PublishOutbound(domain.OutboundMessage{
				Channel: domain.ChannelWebhook, ChatID: msg.ChatID,
				Content: "resp:" + msg.ChatID, IsStreamChunk: true,
			})
			b.PublishOutbound(domain.OutboundMessage{
				Channel: domain.ChannelWebhook, ChatID: msg.ChatID, IsStreamEnd: true,
			})
		}()
	})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("req-c%d", i)
			res := w.HandleWebhook(context.Background(), slot,
				map[string]any{"content": "x"}, id, true)
			if res.Status != "ok" || res.Response != "resp:"+id {
				errs <- fmt.Errorf("request %s got %+v", id, res)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestWebhook_RawBodyFallbackWhenNoContentField(t *testing.T) {
	slot := WebhookSlot{Name: "ci", Secret: "s3cret"}
	w, b := newTestWebhook(t, slot)

	var mu sync.Mutex
	var got string
	b.SubscribeInbound(func(msg domain.InboundMessage) {
		mu.Lock()
		got = msg.Content
		mu.Unlock()
	})

	w.HandleWebhook(context.Background(), slot,
		map[string]any{"build": "1234", "state": "green"}, "req-6", false)

	mu.Lock()
	defer mu.Unlock()
	if got == "" {
		t.Fatal("payload without content field was dropped")
	}
	for _, want := range []string{"1234", "green"} {
		if !strings.Contains(got, want) {
			t.Errorf("content %q missing %q", got, want)
		}
	}
}

func TestWebhook_Authorize(t *testing.T) {
	w := NewWebhook(WebhookAdapterConfig{Logger: testLogger()})
	slot := WebhookSlot{Name: "ci", Secret: "s3cret"}
	body := []byte(`{"content":"hi"}`)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	goodSig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	cases := []struct {
		name      string
		secret    string
		signature string
		want      bool
	}{
		{"exact secret", "s3cret", "", true},
		{"wrong secret", "nope", "", false},
		{"valid signature", "", goodSig, true},
		{"tampered signature", "", "sha256=deadbeef", false},
		{"no credentials", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := w.Authorize(slot, tc.secret, tc.signature, body); got != tc.want {
				t.Errorf("Authorize = %v, want %v", got, tc.want)
			}
		})
	}

	t.Run("slot without secret rejects everything", func(t *testing.T) {
		open := WebhookSlot{Name: "open"}
		if w.Authorize(open, "", "", body) {
			t.Error("slot with empty secret must not authorize")
		}
	})
}
