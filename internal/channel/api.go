package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"

	"github.com/google/uuid"
)

const (
	apiMaxBodySize = 1 << 20 // 1MB
	sseQueueSize   = 64
)

// chatWaitTimeout bounds the /chat collect wait. Variable so tests can
// shorten it.
var chatWaitTimeout = 120 * time.Second

/// API exposes the HTTP surface of the gateway: the inbound webhook slots,
// the synchronous and SSE chat bridges, status and metrics.
type API struct {
	host    string
	port    int
	apiKey  string
	bus     domain.MessageBus
	webhook *Webhook
	logger  *slog.Logger
	server  *http.Server
	version string

	// Extra routes registered by channel adapters before Start.
	mountsMu sync.Mutex
	mounts   map[string]http.Handler

	// Active SSE sessions, for /chat/stop cancellation.
	streamsMu sync.Mutex
	streams   map[string]chan struct{}
}

type APIConfig struct {
	Host    string
	Port    int
	APIKey  string
	Webhook *Webhook
	Logger  *slog.Logger
	Version string
}

func NewAPI(cfg APIConfig) *API {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8900
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &API{
		host:    cfg.Host,
		port:    cfg.Port,
		apiKey:  cfg.APIKey,
		webhook: cfg.Webhook,
		logger:  cfg.Logger,
		version: cfg.Version,
		mounts:  make(map[string]http.Handler),
		streams: make(map[string]chan struct{}),
	}
}

// Mount registers an adapter-owned route (platform webhooks such as
// WhatsApp, Teams or Google Chat). Must be called before Start.
func (a *API) Mount(pattern string, handler http.Handler) {
	a.mountsMu.Lock()
	a.mounts[pattern] = handler
	a.mountsMu.Unlock()
}

func (a *API) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/inbound/{slotName}", a.handleWebhook)
	mux.HandleFunc("POST /chat", a.requireKey(a.handleChat))
	mux.HandleFunc("POST /chat/stream", a.requireKey(a.handleChatStream))
	mux.HandleFunc("POST /chat/stop", a.requireKey(a.handleChatStop))
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.Handle("GET /metrics", metrics.Collector.Handler())

	a.mountsMu.Lock()
	for pattern, handler := range a.mounts {
		mux.Handle(pattern, handler)
	}
	a.mountsMu.Unlock()
	return mux
}

// Start runs the HTTP server until the context is cancelled.
func (a *API) Start(ctx context.Context, bus domain.MessageBus) error {
	a.bus = bus

	mux := a.routes()
	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	a.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	a.logger.Info("api server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

func (a *API) Stop() error {
	if a.server != nil {
		return a.server.Close()
	}
	return nil
}

// requireKey enforces the optional bearer API key.
func (a *API) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if a.apiKey == "" {
			next(rw, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.apiKey)) != 1 {
			writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			return
		}
		next(rw, r)
	}
}

// --- Webhook endpoint ---

func (a *API) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	slotName := r.PathValue("slotName")
	slot, ok := a.webhook.Slot(slotName)
	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "unknown webhook slot"})
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, apiMaxBodySize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "cannot read body"})
		return
	}
	defer r.Body.Close()

	// Auth happens before any bus activity.
	if !a.webhook.Authorize(slot, r.Header.Get("X-Webhook-Secret"), r.Header.Get("X-Webhook-Signature"), rawBody) {
		a.logger.Warn("webhook auth failed", "slot", slotName)
		writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "authentication failed"})
		return
	}

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	sync := r.URL.Query().Get("wait") == "true"
	requestID := uuid.NewString()

	result := a.webhook.HandleWebhook(r.Context(), slot, body, requestID, sync)

	switch result.Status {
	case "accepted":
		writeJSON(rw, http.StatusAccepted, map[string]string{
			"status":     result.Status,
			"request_id": result.RequestID,
		})
	case "ok":
		writeJSON(rw, http.StatusOK, map[string]string{
			"status":     result.Status,
			"request_id": result.RequestID,
			"response":   result.Response,
		})
	default:
		writeJSON(rw, http.StatusGatewayTimeout, map[string]string{
			"status":     result.Status,
			"request_id": result.RequestID,
		})
	}
}

// --- Chat bridges ---

type chatRequest struct {
	Content   string   `json:"content"`
	SessionID string   `json:"session_id,omitempty"`
	Media     []string `json:"media,omitempty"`
}

type sseEvent struct {
	Event string
	Data  map[string]any
}

// sessionBridge converts the bus's fire-and-forget pub/sub into an event
// queue for a single chat id. Outbound and system events are mapped onto the
// SSE frame vocabulary; everything else is filtered out.
type sessionBridge struct {
	chatID string
	queue  chan sseEvent
	bus    domain.MessageBus
	subs   []domain.Subscription
}

func newSessionBridge(bus domain.MessageBus, chatID string) *sessionBridge {
	return &sessionBridge{chatID: chatID, queue: make(chan sseEvent, sseQueueSize), bus: bus}
}

func (b *sessionBridge) start() {
	b.subs = append(b.subs, b.bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.ChatID != b.chatID {
			return
		}
		switch {
		case msg.IsStreamEnd:
			b.push(sseEvent{Event: "stream_end", Data: map[string]any{"session_id": b.chatID}})
		default:
			b.push(sseEvent{Event: "chunk", Data: map[string]any{"content": msg.Content, "type": "text"}})
		}
	}))
	b.subs = append(b.subs, b.bus.SubscribeSystem(func(evt domain.SystemEvent) {
		if id := evt.Metadata["chat_id"]; id != "" && id != b.chatID {
			return
		}
		switch evt.EventType {
		case domain.EventToolStart:
			b.push(sseEvent{Event: "tool_start", Data: map[string]any{"tool": evt.Metadata["tool"]}})
		case domain.EventToolResult:
			b.push(sseEvent{Event: "tool_result", Data: map[string]any{"tool": evt.Metadata["tool"], "output": evt.Content}})
		case domain.EventThinking:
			b.push(sseEvent{Event: "thinking", Data: map[string]any{"content": evt.Content}})
		case domain.EventError:
			b.push(sseEvent{Event: "error", Data: map[string]any{"detail": evt.Content}})
		}
	}))
}

// push never blocks bus dispatch: a slow SSE client drops frames instead of
// stalling other subscribers.
func (b *sessionBridge) push(evt sseEvent) {
	select {
	case b.queue <- evt:
	default:
	}
}

func (b *sessionBridge) stop() {
	for _, sub := range b.subs {
		b.bus.Unsubscribe(sub)
	}
	b.subs = nil
}

func (a *API) publishChat(req chatRequest, chatID string) {
	a.bus.PublishInbound(domain.InboundMessage{
		Channel:   domain.ChannelWebSocket,
		SenderID:  "api_client",
		ChatID:    chatID,
		Content:   req.Content,
		Media:     req.Media,
		Metadata:  map[string]string{"source": "rest_api"},
		Timestamp: time.Now(),
	})
}

// handleChat sends a message and returns the complete response once the
// stream ends (non-streaming clients).
func (a *API) handleChat(rw http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(rw, r)
	if !ok {
		return
	}
	chatID := req.SessionID
	if chatID == "" {
		chatID = "api:" + uuid.NewString()[:12]
	}

	bridge := newSessionBridge(a.bus, chatID)
	bridge.start()
	defer bridge.stop()

	a.publishChat(req, chatID)

	var parts []string
	timer := time.NewTimer(chatWaitTimeout)
	defer timer.Stop()
	for {
		select {
		case evt := <-bridge.queue:
			switch evt.Event {
			case "chunk":
				if s, ok := evt.Data["content"].(string); ok {
					parts = append(parts, s)
				}
			case "stream_end":
				writeJSON(rw, http.StatusOK, map[string]any{
					"session_id": chatID,
					"content":    strings.Join(parts, ""),
				})
				return
			case "error":
				writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": evt.Data["detail"]})
				return
			}
		case <-timer.C:
			// A backend may answer with a single non-stream message and no
			// stream end; the wait then only exits here. Return whatever was
			// collected rather than discarding a delivered response.
			if len(parts) > 0 {
				writeJSON(rw, http.StatusOK, map[string]any{
					"session_id": chatID,
					"content":    strings.Join(parts, ""),
				})
				return
			}
			writeJSON(rw, http.StatusGatewayTimeout, map[string]string{"error": "request timed out"})
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleChatStream sends a message and streams the response back as SSE
// frames: stream_start, chunk, tool_start, tool_result, thinking,
// stream_end, error.
func (a *API) handleChatStream(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "SSE not supported", http.StatusInternalServerError)
		return
	}
	req, ok := decodeChatRequest(rw, r)
	if !ok {
		return
	}
	chatID := req.SessionID
	if chatID == "" {
		chatID = "api:" + uuid.NewString()[:12]
	}

	cancel := make(chan struct{})
	a.streamsMu.Lock()
	a.streams[chatID] = cancel
	a.streamsMu.Unlock()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	bridge := newSessionBridge(a.bus, chatID)
	bridge.start()
	defer func() {
		bridge.stop()
		a.streamsMu.Lock()
		if c, ok := a.streams[chatID]; ok && c == cancel {
			delete(a.streams, chatID)
		}
		a.streamsMu.Unlock()
	}()

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.Header().Set("X-Accel-Buffering", "no")

	a.publishChat(req, chatID)

	writeSSE(rw, "stream_start", map[string]any{"session_id": chatID})
	flusher.Flush()

	for {
		select {
		case evt := <-bridge.queue:
			writeSSE(rw, evt.Event, evt.Data)
			flusher.Flush()
			if evt.Event == "stream_end" || evt.Event == "error" {
				return
			}
		case <-cancel:
			// Client-requested stop: abort the stream and unsubscribe. The
			// underlying agent run is not interrupted.
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (a *API) handleChatStop(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, apiMaxBodySize)).Decode(&req); err != nil || req.SessionID == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}

	a.streamsMu.Lock()
	cancel, ok := a.streams[req.SessionID]
	if ok {
		delete(a.streams, req.SessionID)
	}
	a.streamsMu.Unlock()

	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "no active stream for this session"})
		return
	}
	close(cancel)
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok", "session_id": req.SessionID})
}

func (a *API) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": a.version,
		"time":    time.Now().Format(time.RFC3339),
	})
}

// --- helpers ---

func decodeChatRequest(rw http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, apiMaxBodySize)).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return req, false
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return req, false
	}
	return req, true
}

func writeJSON(rw http.ResponseWriter, status int, body any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(body)
}

func writeSSE(rw http.ResponseWriter, event string, data map[string]any) {
	payload, _ := json.Marshal(data)
	fmt.Fprintf(rw, "event: %s\ndata: %s\n\n", event, payload)
}
