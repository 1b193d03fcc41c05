package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsFrame is one JSON message on the websocket wire, both directions.
type wsFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
}

// wsConn is one connected client. Writes are serialized per connection;
// gorilla connections do not allow concurrent writers.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// WebSocket implements domain.Adapter as a websocket server. Each client
// connection gets its own chat ID, and outbound stream chunks are relayed
// to the client the moment they arrive; the client renders progressively,
// so no buffering or edit reconciliation is needed.
type WebSocket struct {
	base
	host     string
	port     int
	server   *http.Server
	upgrader websocket.Upgrader
	sub      domain.Subscription

	mu    sync.Mutex
	conns map[string]*wsConn
}

type WebSocketConfig struct {
	Host      string
	Port      int
	AllowFrom []string
	Logger    *slog.Logger
}

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	port := cfg.Port
	if port == 0 {
		port = 8901
	}
	return &WebSocket{
		base:  newBase(domain.ChannelWebSocket, cfg.AllowFrom, cfg.Logger),
		host:  cfg.Host,
		port:  port,
		conns: make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (w *WebSocket) Start(ctx context.Context, bus domain.MessageBus) error {
	if w.State() == domain.StateRunning {
		return nil
	}
	w.setState(domain.StateStarting)
	w.bus = bus

	w.sub = bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel == domain.ChannelWebSocket {
			w.Send(msg)
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleUpgrade)
	w.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", w.host, w.port),
		Handler: mux,
	}

	go func() {
		w.logger.Info("websocket server listening", "addr", w.server.Addr)
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("websocket server failed", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		w.Stop()
	}()

	w.setState(domain.StateRunning)
	return nil
}

func (w *WebSocket) Stop() error {
	if w.State() == domain.StateStopped {
		return nil
	}
	w.setState(domain.StateStopping)
	if w.bus != nil {
		w.bus.Unsubscribe(w.sub)
	}
	w.mu.Lock()
	for _, c := range w.conns {
		c.conn.Close()
	}
	w.conns = make(map[string]*wsConn)
	w.mu.Unlock()

	var err error
	if w.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = w.server.Shutdown(shutdownCtx)
	}
	w.setState(domain.StateStopped)
	return err
}

// Send relays outbound messages to the owning connection immediately.
// Chunks become "chunk" frames, stream ends become "stream_end", and
// non-stream messages become "message".
func (w *WebSocket) Send(msg domain.OutboundMessage) {
	w.mu.Lock()
	c, ok := w.conns[msg.ChatID]
	w.mu.Unlock()
	if !ok {
		return
	}

	frame := wsFrame{Content: msg.Content}
	switch {
	case msg.IsStreamEnd:
		frame.Type = "stream_end"
	case msg.IsStreamChunk:
		frame.Type = "chunk"
	default:
		frame.Type = "message"
	}
	if err := c.writeJSON(frame); err != nil {
		w.logger.Warn("websocket write failed", "chat_id", msg.ChatID, "err", err)
	}
}

func (w *WebSocket) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	chatID := "ws-" + uuid.NewString()[:8]
	c := &wsConn{conn: conn}
	w.mu.Lock()
	w.conns[chatID] = c
	w.mu.Unlock()
	w.logger.Info("websocket client connected", "chat_id", chatID, "remote", r.RemoteAddr)

	c.writeJSON(wsFrame{Type: "connected", ChatID: chatID})
	go w.readLoop(chatID, c)
}

func (w *WebSocket) readLoop(chatID string, c *wsConn) {
	defer func() {
		w.mu.Lock()
		delete(w.conns, chatID)
		w.mu.Unlock()
		c.conn.Close()
		w.logger.Info("websocket client disconnected", "chat_id", chatID)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.writeJSON(wsFrame{Type: "error", Content: "invalid JSON"})
			continue
		}
		if frame.Type == "ping" {
			c.writeJSON(wsFrame{Type: "pong"})
			continue
		}
		content := strings.TrimSpace(frame.Content)
		if content == "" {
			continue
		}
		w.publishInbound(domain.InboundMessage{
			Channel:   domain.ChannelWebSocket,
			SenderID:  chatID,
			ChatID:    chatID,
			Content:   content,
			Timestamp: time.Now(),
		})
	}
}
