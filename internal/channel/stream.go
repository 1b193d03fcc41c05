package channel

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/format"
	"chatrelay/internal/metrics"
)

// editRateLimit is the minimum interval between edit-in-place calls for one
// chat while a response is streaming.
const editRateLimit = 1500 * time.Millisecond

// streamMode selects how an adapter reconciles the uniform chunk/stream-end
// sequence against its platform's capabilities.
type streamMode int

const (
	// bufferUntilEnd accumulates chunks and sends the full text once on
	// stream end.
	bufferUntilEnd streamMode = iota
	// editInPlace sends the first chunk as a new message, then rewrites that
	// message's body at most once per editRateLimit.
	editInPlace
)

// sendFunc posts a new platform message and returns its platform message id
// (empty when the platform has no usable id).
type sendFunc func(chatID, text string) (string, error)

// editFunc replaces the body of a previously sent platform message.
type editFunc func(chatID, msgID, text string) error

// streamEntry is the per-chat buffer state. Created on first chunk, deleted
// on stream end or adapter stop.
type streamEntry struct {
	buf      strings.Builder
	started  time.Time
	lastEdit time.Time
	msgID    string
}

// reconciler turns the bus's chunk stream into platform send/edit calls.
// Entries for different chats are independent; one mutex guards only the map
// bookkeeping. Platform failures are logged and never propagated, and the
// entry is cleared on stream end regardless of send success.
type reconciler struct {
	channel   domain.Channel
	mode      streamMode
	send      sendFunc
	edit      editFunc
	logger    *slog.Logger
	rateLimit time.Duration

	mu      sync.Mutex
	entries map[string]*streamEntry
}

func newReconciler(ch domain.Channel, mode streamMode, send sendFunc, edit editFunc, logger *slog.Logger) *reconciler {
	return &reconciler{
		channel:   ch,
		mode:      mode,
		send:      send,
		edit:      edit,
		logger:    logger,
		rateLimit: editRateLimit,
		entries:   make(map[string]*streamEntry),
	}
}

// Deliver is the outbound entry point for buffer and edit-in-place adapters.
func (r *reconciler) Deliver(msg domain.OutboundMessage) {
	switch {
	case msg.IsStreamChunk && !msg.IsStreamEnd:
		r.onChunk(msg.ChatID, msg.Content)
	case msg.IsStreamEnd:
		r.onStreamEnd(msg.ChatID)
	default:
		if strings.TrimSpace(msg.Content) != "" {
			r.sendText(msg.ChatID, msg.Content)
		}
	}
}

func (r *reconciler) onChunk(chatID, content string) {
	r.mu.Lock()
	entry, ok := r.entries[chatID]
	if !ok {
		entry = &streamEntry{started: time.Now()}
		r.entries[chatID] = entry
	}
	entry.buf.WriteString(content)

	if r.mode != editInPlace {
		r.mu.Unlock()
		return
	}

	now := time.Now()
	if !entry.lastEdit.IsZero() && now.Sub(entry.lastEdit) < r.rateLimit {
		r.mu.Unlock()
		return
	}
	entry.lastEdit = now
	text := entry.buf.String()
	msgID := entry.msgID
	r.mu.Unlock()

	if msgID != "" {
		r.editText(chatID, msgID, text)
		return
	}
	if id := r.sendText(chatID, text); id != "" {
		r.mu.Lock()
		// The entry may have been cleared by a racing stream end; only
		// record the id while the stream is still live.
		if e, ok := r.entries[chatID]; ok {
			e.msgID = id
		}
		r.mu.Unlock()
	}
}

func (r *reconciler) onStreamEnd(chatID string) {
	r.mu.Lock()
	entry, ok := r.entries[chatID]
	// Bookkeeping is cleared unconditionally, before any platform call.
	delete(r.entries, chatID)
	r.mu.Unlock()

	if !ok {
		return
	}
	metrics.StreamLatency.Observe(time.Since(entry.started).Seconds())
	text := entry.buf.String()
	if strings.TrimSpace(text) == "" {
		return
	}
	if r.mode == editInPlace && entry.msgID != "" {
		r.editText(chatID, entry.msgID, text)
		return
	}
	r.sendText(chatID, text)
}

// Reset drops all per-chat state. Called on adapter stop.
func (r *reconciler) Reset() {
	r.mu.Lock()
	r.entries = make(map[string]*streamEntry)
	r.mu.Unlock()
}

func (r *reconciler) sendText(chatID, text string) string {
	id, err := r.send(chatID, format.Convert(text, r.channel))
	if err != nil {
		r.logger.Error("platform send failed", "channel", r.channel, "chat", chatID, "err", err)
		return ""
	}
	metrics.Collector.Counter("chatrelay_platform_sends_total", "New platform messages sent", `channel="`+string(r.channel)+`"`).Inc()
	return id
}

func (r *reconciler) editText(chatID, msgID, text string) {
	if r.edit == nil {
		return
	}
	if err := r.edit(chatID, msgID, format.Convert(text, r.channel)); err != nil {
		r.logger.Error("platform edit failed", "channel", r.channel, "chat", chatID, "err", err)
		return
	}
	metrics.Collector.Counter("chatrelay_platform_edits_total", "Platform message edits", `channel="`+string(r.channel)+`"`).Inc()
}
