package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

// bridgeFrame is one NDJSON line exchanged with the local WhatsApp Web
// bridge process.
type bridgeFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id,omitempty"`
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
}

// WhatsAppPersonal implements domain.Adapter for personal WhatsApp accounts
// via a local whatsapp-web.js bridge. The bridge owns the browser session;
// we speak newline-delimited JSON to it over a TCP socket and reconnect
// with backoff if the bridge restarts.
type WhatsAppPersonal struct {
	base
	bridgeAddr string
	stream     *reconciler
	sub        domain.Subscription
	cancel     context.CancelFunc

	mu   sync.Mutex
	conn net.Conn
}

type WhatsAppPersonalConfig struct {
	BridgeAddr string
	AllowFrom  []string
	Logger     *slog.Logger
}

func NewWhatsAppPersonal(cfg WhatsAppPersonalConfig) *WhatsAppPersonal {
	addr := cfg.BridgeAddr
	if addr == "" {
		addr = "127.0.0.1:8790"
	}
	w := &WhatsAppPersonal{
		base:       newBase(domain.ChannelWhatsAppPersonal, cfg.AllowFrom, cfg.Logger),
		bridgeAddr: addr,
	}
	w.stream = newReconciler(domain.ChannelWhatsAppPersonal, bufferUntilEnd, w.sendText, nil, cfg.Logger)
	return w
}

func (w *WhatsAppPersonal) Start(ctx context.Context, bus domain.MessageBus) error {
	if w.State() == domain.StateRunning {
		return nil
	}
	w.setState(domain.StateStarting)
	w.bus = bus

	w.sub = bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel == domain.ChannelWhatsAppPersonal {
			w.Send(msg)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.connectLoop(runCtx)

	w.setState(domain.StateRunning)
	return nil
}

func (w *WhatsAppPersonal) Stop() error {
	if w.State() == domain.StateStopped {
		return nil
	}
	w.setState(domain.StateStopping)
	if w.cancel != nil {
		w.cancel()
	}
	if w.bus != nil {
		w.bus.Unsubscribe(w.sub)
	}
	w.stream.Reset()
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()
	w.setState(domain.StateStopped)
	return nil
}

func (w *WhatsAppPersonal) Send(msg domain.OutboundMessage) {
	w.stream.Deliver(msg)
}

// connectLoop keeps a live connection to the bridge, reconnecting with
// capped backoff while the adapter is running.
func (w *WhatsAppPersonal) connectLoop(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.DialTimeout("tcp", w.bridgeAddr, 5*time.Second)
		if err != nil {
			w.logger.Warn("whatsapp bridge unreachable", "addr", w.bridgeAddr, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		w.logger.Info("whatsapp bridge connected", "addr", w.bridgeAddr)

		w.readFrames(ctx, conn)

		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
		conn.Close()
	}
}

func (w *WhatsAppPersonal) readFrames(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var frame bridgeFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			w.logger.Warn("whatsapp bridge bad frame", "err", err)
			continue
		}
		switch frame.Type {
		case "message":
			content := strings.TrimSpace(frame.Text)
			if content == "" {
				continue
			}
			w.publishInbound(domain.InboundMessage{
				Channel:   domain.ChannelWhatsAppPersonal,
				SenderID:  frame.Sender,
				ChatID:    frame.ChatID,
				Content:   content,
				Timestamp: time.Now(),
			})
		case "error":
			w.logger.Warn("whatsapp bridge error", "detail", frame.Error)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		w.logger.Warn("whatsapp bridge read failed", "err", err)
	}
}

func (w *WhatsAppPersonal) sendText(chatID, text string) (string, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return "", fmt.Errorf("whatsapp bridge not connected")
	}

	data, err := json.Marshal(bridgeFrame{Type: "send", ChatID: chatID, Text: text})
	if err != nil {
		return "", err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return "", fmt.Errorf("whatsapp bridge write: %w", err)
	}
	return "", nil
}
