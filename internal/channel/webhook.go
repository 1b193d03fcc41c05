package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

const defaultSyncTimeout = 30 * time.Second

// WebhookSlot is a named, secret-protected inbound webhook configuration.
type WebhookSlot struct {
	Name        string
	Secret      string
	Description string
	SyncTimeout time.Duration
}

// WebhookResult is the outcome of one webhook call.
type WebhookResult struct {
	Status    string // "accepted" | "ok" | "timeout"
	RequestID string
	Response  string
}

// Webhook lets arbitrary external services (CI, cron scripts, automation
// platforms) push events into the agent via HTTP POST. Unlike the other
// adapters it maintains no platform connection: the API server calls
// HandleWebhook per request.
//
// In sync mode a one-shot future keyed by the request id is registered
// before publishing; when the agent's response for that chat id arrives on
// the bus, the future resolves and the HTTP handler returns the text.
type Webhook struct {
	base
	slots map[string]WebhookSlot

	mu      sync.Mutex
	pending map[string]chan string // request_id -> one-shot result
	buffers map[string][]string    // request_id -> accumulated chunks
	sub     domain.Subscription
}

type WebhookAdapterConfig struct {
	Slots  []WebhookSlot
	Logger *slog.Logger
}

func NewWebhook(cfg WebhookAdapterConfig) *Webhook {
	slots := make(map[string]WebhookSlot, len(cfg.Slots))
	for _, s := range cfg.Slots {
		if s.SyncTimeout <= 0 {
			s.SyncTimeout = defaultSyncTimeout
		}
		slots[s.Name] = s
	}
	return &Webhook{
		base:    newBase(domain.ChannelWebhook, nil, cfg.Logger),
		slots:   slots,
		pending: make(map[string]chan string),
		buffers: make(map[string][]string),
	}
}

// Slot returns the configuration for a named slot.
func (w *Webhook) Slot(name string) (WebhookSlot, bool) {
	s, ok := w.slots[name]
	return s, ok
}

func (w *Webhook) Start(ctx context.Context, bus domain.MessageBus) error {
	if w.State() == domain.StateRunning {
		return nil
	}
	w.setState(domain.StateStarting)
	w.bus = bus
	w.sub = bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel == domain.ChannelWebhook {
			w.Send(msg)
		}
	})
	w.setState(domain.StateRunning)
	w.logger.Info("webhook adapter started", "slots", len(w.slots))
	return nil
}

func (w *Webhook) Stop() error {
	w.setState(domain.StateStopping)
	if w.bus != nil {
		w.bus.Unsubscribe(w.sub)
	}
	w.mu.Lock()
	w.pending = make(map[string]chan string)
	w.buffers = make(map[string][]string)
	w.mu.Unlock()
	w.setState(domain.StateStopped)
	return nil
}

// Send captures outbound messages for sync-mode callers. A message with no
// pending future is an async call or one that already timed out — dropped
// with a debug log, not an error.
func (w *Webhook) Send(msg domain.OutboundMessage) {
	requestID := msg.ChatID

	w.mu.Lock()
	fut, waiting := w.pending[requestID]
	if !waiting {
		w.mu.Unlock()
		w.logger.Debug("webhook outbound with no waiter", "request_id", requestID)
		return
	}

	if msg.IsStreamChunk && !msg.IsStreamEnd {
		w.buffers[requestID] = append(w.buffers[requestID], msg.Content)
		w.mu.Unlock()
		return
	}

	var response string
	if msg.IsStreamEnd {
		chunks := w.buffers[requestID]
		for _, c := range chunks {
			response += c
		}
	} else {
		response = msg.Content
	}
	// Removing the future under the lock makes resolution exactly-once: a
	// stray duplicate stream end finds no pending entry and is a no-op.
	delete(w.pending, requestID)
	delete(w.buffers, requestID)
	w.mu.Unlock()

	fut <- response
}

// Authorize checks the slot secret: either an exact shared-secret header
// match or an HMAC-SHA256 signature ("sha256=<hex>") over the raw body.
func (w *Webhook) Authorize(slot WebhookSlot, secretHeader, signatureHeader string, rawBody []byte) bool {
	if slot.Secret == "" {
		return false
	}
	if secretHeader != "" &&
		subtle.ConstantTimeCompare([]byte(secretHeader), []byte(slot.Secret)) == 1 {
		return true
	}
	if signatureHeader != "" {
		mac := hmac.New(sha256.New, []byte(slot.Secret))
		mac.Write(rawBody)
		expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(expected), []byte(signatureHeader))
	}
	return false
}

// HandleWebhook normalizes one authenticated webhook payload into an
// InboundMessage and publishes it with chat_id = requestID, giving a strict
// 1:1 correlation between the HTTP call and the bus turn. In sync mode it
// waits up to the slot's timeout for the agent's response.
func (w *Webhook) HandleWebhook(ctx context.Context, slot WebhookSlot, body map[string]any, requestID string, sync bool) WebhookResult {
	content, ok := body["content"].(string)
	if !ok || content == "" {
		// Raw fallback: the entire body becomes the content. Payload is
		// never silently dropped.
		raw, err := json.Marshal(body)
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", body))
		}
		content = string(raw)
	}

	sender := fmt.Sprintf("webhook:%s", slot.Name)
	if s, ok := body["sender"].(string); ok && s != "" {
		sender = s
	}

	metadata := map[string]string{"webhook_name": slot.Name, "source": "webhook"}
	if extra, ok := body["metadata"].(map[string]any); ok {
		for k, v := range extra {
			metadata[k] = fmt.Sprintf("%v", v)
		}
	}

	msg := domain.InboundMessage{
		Channel:   domain.ChannelWebhook,
		SenderID:  sender,
		ChatID:    requestID,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}

	var fut chan string
	if sync {
		// Register the future before publishing so a fast response cannot
		// arrive before the waiter exists.
		fut = make(chan string, 1)
		w.mu.Lock()
		w.pending[requestID] = fut
		delete(w.buffers, requestID)
		w.mu.Unlock()
	}

	w.publishInbound(msg)

	if !sync {
		return WebhookResult{Status: "accepted", RequestID: requestID}
	}

	timer := time.NewTimer(slot.SyncTimeout)
	defer timer.Stop()
	select {
	case resp := <-fut:
		return WebhookResult{Status: "ok", RequestID: requestID, Response: resp}
	case <-ctx.Done():
	case <-timer.C:
	}

	// Timed out (or the caller went away). Clean up the pending entry, but
	// a response resolved concurrently with the timeout still wins.
	w.mu.Lock()
	_, stillPending := w.pending[requestID]
	delete(w.pending, requestID)
	delete(w.buffers, requestID)
	w.mu.Unlock()

	if !stillPending {
		select {
		case resp := <-fut:
			return WebhookResult{Status: "ok", RequestID: requestID, Response: resp}
		default:
		}
	}

	metrics.Collector.Counter("chatrelay_webhook_sync_timeouts_total", "Sync webhook waits that timed out", "").Inc()
	w.logger.Warn("sync webhook timed out", "slot", slot.Name, "request_id", requestID, "timeout", slot.SyncTimeout)
	return WebhookResult{Status: "timeout", RequestID: requestID}
}

// PendingCount reports the number of unresolved sync waits.
func (w *Webhook) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
