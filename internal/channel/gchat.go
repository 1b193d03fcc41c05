package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

// GoogleChat implements domain.Adapter for Google Chat. Inbound events
// arrive on a webhook mounted on the gateway HTTP server; replies go out
// through per-space incoming webhook URLs configured by the operator.
// Google Chat webhooks cannot edit, so streaming buffers until end.
type GoogleChat struct {
	base
	spaceWebhooks map[string]string
	allowSpaces   []string
	httpClient    *http.Client
	stream        *reconciler
	sub           domain.Subscription
}

type GoogleChatConfig struct {
	// SpaceWebhooks maps a space name (e.g. "spaces/AAAA") to its
	// incoming webhook URL.
	SpaceWebhooks map[string]string
	AllowSpaces   []string
	AllowFrom     []string
	Logger        *slog.Logger
}

func NewGoogleChat(cfg GoogleChatConfig) *GoogleChat {
	g := &GoogleChat{
		base:          newBase(domain.ChannelGoogleChat, cfg.AllowFrom, cfg.Logger),
		spaceWebhooks: cfg.SpaceWebhooks,
		allowSpaces:   cfg.AllowSpaces,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
	g.stream = newReconciler(domain.ChannelGoogleChat, bufferUntilEnd, g.sendText, nil, cfg.Logger)
	return g
}

func (g *GoogleChat) Start(ctx context.Context, bus domain.MessageBus) error {
	if g.State() == domain.StateRunning {
		return nil
	}
	g.setState(domain.StateStarting)
	g.bus = bus

	g.sub = bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel == domain.ChannelGoogleChat {
			g.Send(msg)
		}
	})

	g.setState(domain.StateRunning)
	g.logger.Info("google chat adapter ready", "spaces", len(g.spaceWebhooks))

	go func() {
		<-ctx.Done()
		g.Stop()
	}()
	return nil
}

func (g *GoogleChat) Stop() error {
	if g.State() == domain.StateStopped {
		return nil
	}
	g.setState(domain.StateStopping)
	if g.bus != nil {
		g.bus.Unsubscribe(g.sub)
	}
	g.stream.Reset()
	g.setState(domain.StateStopped)
	return nil
}

func (g *GoogleChat) Send(msg domain.OutboundMessage) {
	g.stream.Deliver(msg)
}

func (g *GoogleChat) spaceAllowed(space string) bool {
	if len(g.allowSpaces) == 0 {
		return true
	}
	for _, s := range g.allowSpaces {
		if s == space {
			return true
		}
	}
	return false
}

// Handler returns the Google Chat event endpoint. Mount it on the gateway
// HTTP server.
func (g *GoogleChat) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}

		var event struct {
			Type    string `json:"type"`
			Message struct {
				ArgumentText string `json:"argumentText"`
				Text         string `json:"text"`
			} `json:"message"`
			Space struct {
				Name string `json:"name"`
			} `json:"space"`
			User struct {
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
			} `json:"user"`
		}
		if err := json.Unmarshal(body, &event); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		// Chat expects a JSON body; an empty object means no card reply.
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprint(rw, "{}")

		if event.Type != "MESSAGE" {
			return
		}
		if !g.spaceAllowed(event.Space.Name) {
			g.logger.Warn("google chat message from unlisted space rejected",
				"space", event.Space.Name)
			return
		}
		content := strings.TrimSpace(event.Message.ArgumentText)
		if content == "" {
			content = strings.TrimSpace(event.Message.Text)
		}
		if content == "" {
			return
		}

		g.publishInbound(domain.InboundMessage{
			Channel:   domain.ChannelGoogleChat,
			SenderID:  event.User.Name,
			ChatID:    event.Space.Name,
			Content:   content,
			Metadata:  map[string]string{"sender_name": event.User.DisplayName},
			Timestamp: time.Now(),
		})
	}
}

func (g *GoogleChat) sendText(chatID, text string) (string, error) {
	webhook, ok := g.spaceWebhooks[chatID]
	if !ok {
		return "", fmt.Errorf("google chat: no webhook configured for space %s", chatID)
	}
	data, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", err
	}
	resp, err := g.httpClient.Post(webhook, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("google chat send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("google chat send: status %d: %s", resp.StatusCode, detail)
	}
	return "", nil
}
