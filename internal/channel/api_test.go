package channel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

func newTestAPI(t *testing.T, slots ...WebhookSlot) (*API, *bus.InMemoryBus, *httptest.Server) {
	t.Helper()
	b := bus.New(testLogger())
	w := NewWebhook(WebhookAdapterConfig{Slots: slots, Logger: testLogger()})
	if err := w.Start(t.Context(), b); err != nil {
		t.Fatalf("webhook start: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	a := NewAPI(APIConfig{Webhook: w, Logger: testLogger(), Version: "test"})
	a.bus = b
	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)
	return a, b, srv
}

func TestAPI_Status(t *testing.T) {
	_, _, srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != "test" {
		t.Errorf("version = %v", body["version"])
	}
}

func TestAPI_ChatCollectsFullResponse(t *testing.T) {
	_, b, srv := newTestAPI(t)
	echoAgent(b, "Hello ", "world!")

	resp, err := http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"content":"hi","session_id":"s1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		SessionID string `json:"session_id"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Content != "Hello world!" {
		t.Errorf("content = %q, want %q", body.Content, "Hello world!")
	}
	if body.SessionID != "s1" {
		t.Errorf("session_id = %q, want s1", body.SessionID)
	}
}

func TestAPI_ChatReturnsNonStreamResponseAtDeadline(t *testing.T) {
	saved := chatWaitTimeout
	chatWaitTimeout = 200 * time.Millisecond
	defer func() { chatWaitTimeout = saved }()

	_, b, srv := newTestAPI(t)

	// Backend that answers with a single plain message and never signals
	// a stream end. The collect wait can only exit on its deadline.
	b.SubscribeInbound(func(msg domain.InboundMessage) {
		go b.PublishOutbound(domain.OutboundMessage{
			Channel: msg.Channel, ChatID: msg.ChatID,
			Content: "plain answer",
		})
	})

	resp, err := http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"content":"hi","session_id":"plain-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		SessionID string `json:"session_id"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Content != "plain answer" {
		t.Errorf("content = %q, want %q", body.Content, "plain answer")
	}
	if body.SessionID != "plain-1" {
		t.Errorf("session_id = %q, want plain-1", body.SessionID)
	}
}

func TestAPI_ChatTimesOutWithNoResponse(t *testing.T) {
	saved := chatWaitTimeout
	chatWaitTimeout = 100 * time.Millisecond
	defer func() { chatWaitTimeout = saved }()

	_, _, srv := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"content":"hi","session_id":"silent-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
}

func TestAPI_ChatRejectsEmptyContent(t *testing.T) {
	_, _, srv := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"content":"  "}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAPI_ChatStreamEmitsSSEFrames(t *testing.T) {
	_, b, srv := newTestAPI(t)

	b.SubscribeInbound(func(msg domain.InboundMessage) {
		go func() {
			b.PublishSystem(domain.SystemEvent{
				EventType: domain.EventToolStart,
				Metadata:  map[string]string{"chat_id": msg.ChatID, "tool": "exec"},
			})
			b.PublishOutbound(domain.OutboundMessage{
				Channel: msg.Channel, ChatID: msg.ChatID,
				Content: "partial", IsStreamChunk: true,
			})
			b.PublishOutbound(domain.OutboundMessage{
				Channel: msg.Channel, ChatID: msg.ChatID, IsStreamEnd: true,
			})
		}()
	})

	resp, err := http.Post(srv.URL+"/chat/stream", "application/json",
		strings.NewReader(`{"content":"run it","session_id":"sse-1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
			if name == "stream_end" {
				break
			}
		}
	}

	want := []string{"stream_start", "tool_start", "chunk", "stream_end"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestAPI_ChatStopCancelsActiveStream(t *testing.T) {
	_, b, srv := newTestAPI(t)

	// Agent that streams forever until the client goes away.
	b.SubscribeInbound(func(msg domain.InboundMessage) {
		go func() {
			for i := 0; i < 100; i++ {
				b.PublishOutbound(domain.OutboundMessage{
					Channel: msg.Channel, ChatID: msg.ChatID,
					Content: "tick ", IsStreamChunk: true,
				})
				time.Sleep(10 * time.Millisecond)
			}
		}()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.Post(srv.URL+"/chat/stream", "application/json",
			strings.NewReader(`{"content":"go","session_id":"stop-me"}`))
		if err != nil {
			return
		}
		defer resp.Body.Close()
		// Drain until the server ends the stream.
		buf := make([]byte, 4096)
		for {
			if _, err := resp.Body.Read(buf); err != nil {
				return
			}
		}
	}()

	// Give the stream time to register, then stop it.
	time.Sleep(100 * time.Millisecond)
	resp, err := http.Post(srv.URL+"/chat/stop", "application/json",
		strings.NewReader(`{"session_id":"stop-me"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after /chat/stop")
	}
}

func TestAPI_ChatStopUnknownSession(t *testing.T) {
	_, _, srv := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/chat/stop", "application/json",
		strings.NewReader(`{"session_id":"ghost"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAPI_WebhookEndpoint(t *testing.T) {
	slot := WebhookSlot{Name: "ci", Secret: "s3cret", SyncTimeout: 2 * time.Second}
	_, b, srv := newTestAPI(t, slot)
	echoAgent(b, "done")

	t.Run("async accepted", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook/inbound/ci",
			bytes.NewReader([]byte(`{"content":"build green"}`)))
		req.Header.Set("X-Webhook-Secret", "s3cret")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", resp.StatusCode)
		}
	})

	t.Run("sync returns response", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook/inbound/ci?wait=true",
			bytes.NewReader([]byte(`{"content":"build green"}`)))
		req.Header.Set("X-Webhook-Secret", "s3cret")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["response"] != "done" {
			t.Errorf("response = %q, want done", body["response"])
		}
	})

	t.Run("bad secret rejected before the bus", func(t *testing.T) {
		spy := &inboundSpy{}
		spy.attach(b)

		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook/inbound/ci",
			bytes.NewReader([]byte(`{"content":"evil"}`)))
		req.Header.Set("X-Webhook-Secret", "wrong")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
		if got := spy.count(); got != 0 {
			t.Errorf("unauthorized payload reached the bus, count = %d", got)
		}
	})

	t.Run("unknown slot", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/webhook/inbound/nope", "application/json",
			strings.NewReader(`{"content":"x"}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestAPI_RequireKey(t *testing.T) {
	b := bus.New(testLogger())
	w := NewWebhook(WebhookAdapterConfig{Logger: testLogger()})
	a := NewAPI(APIConfig{Webhook: w, APIKey: "topsecret", Logger: testLogger()})
	a.bus = b
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat/stop", "application/json",
		strings.NewReader(`{"session_id":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/chat/stop",
		strings.NewReader(`{"session_id":"x"}`))
	req.Header.Set("Authorization", "Bearer topsecret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("valid key status = %d, want 404 (no such session)", resp.StatusCode)
	}
}
