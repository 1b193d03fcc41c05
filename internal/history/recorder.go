package history

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"chatrelay/internal/domain"
)

// Recorder subscribes to the bus and writes turns into the store. Inbound
// messages are recorded as they arrive; streamed responses are assembled
// per chat and written once on stream end, so the transcript holds complete
// turns rather than chunk fragments.
type Recorder struct {
	store  *Store
	bus    domain.MessageBus
	logger *slog.Logger
	subs   []domain.Subscription

	mu      sync.Mutex
	partial map[string]*strings.Builder // channel+chat_id -> response so far
}

func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		logger:  logger,
		partial: make(map[string]*strings.Builder),
	}
}

func (r *Recorder) Start(ctx context.Context, bus domain.MessageBus) error {
	r.bus = bus
	r.subs = append(r.subs, bus.SubscribeInbound(func(msg domain.InboundMessage) {
		err := r.store.Append(ctx, Turn{
			Channel:   string(msg.Channel),
			ChatID:    msg.ChatID,
			Role:      "user",
			SenderID:  msg.SenderID,
			Content:   msg.Content,
			CreatedAt: msg.Timestamp,
		})
		if err != nil {
			r.logger.Warn("history append failed", "err", err)
		}
	}))
	r.subs = append(r.subs, bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		r.onOutbound(ctx, msg)
	}))
	return nil
}

func (r *Recorder) Stop() error {
	if r.bus != nil {
		for _, sub := range r.subs {
			r.bus.Unsubscribe(sub)
		}
	}
	r.subs = nil
	r.mu.Lock()
	r.partial = make(map[string]*strings.Builder)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) onOutbound(ctx context.Context, msg domain.OutboundMessage) {
	key := string(msg.Channel) + "\x00" + msg.ChatID

	switch {
	case msg.IsStreamChunk && !msg.IsStreamEnd:
		r.mu.Lock()
		buf, ok := r.partial[key]
		if !ok {
			buf = &strings.Builder{}
			r.partial[key] = buf
		}
		buf.WriteString(msg.Content)
		r.mu.Unlock()
		return

	case msg.IsStreamEnd:
		r.mu.Lock()
		buf, ok := r.partial[key]
		delete(r.partial, key)
		r.mu.Unlock()
		if !ok {
			return
		}
		r.append(ctx, msg, buf.String())

	default:
		if strings.TrimSpace(msg.Content) == "" {
			return
		}
		r.append(ctx, msg, msg.Content)
	}
}

func (r *Recorder) append(ctx context.Context, msg domain.OutboundMessage, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	err := r.store.Append(ctx, Turn{
		Channel: string(msg.Channel),
		ChatID:  msg.ChatID,
		Role:    "assistant",
		Content: content,
	})
	if err != nil {
		r.logger.Warn("history append failed", "err", err)
	}
}
