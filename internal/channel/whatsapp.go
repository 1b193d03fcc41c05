package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

const whatsappGraphURL = "https://graph.facebook.com/v18.0"

// WhatsApp implements domain.Adapter over the WhatsApp Business Cloud API.
// Inbound messages arrive via a webhook mounted on the gateway's HTTP
// server; outbound text is buffered until stream end because the Cloud API
// has no message edit.
type WhatsApp struct {
	base
	accessToken   string
	phoneNumberID string
	verifyToken   string
	appSecret     string
	httpClient    *http.Client
	stream        *reconciler
	sub           domain.Subscription
}

type WhatsAppConfig struct {
	AccessToken   string
	PhoneNumberID string
	VerifyToken   string
	AppSecret     string
	AllowFrom     []string
	Logger        *slog.Logger
}

func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	w := &WhatsApp{
		base:          newBase(domain.ChannelWhatsApp, cfg.AllowFrom, cfg.Logger),
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		verifyToken:   cfg.VerifyToken,
		appSecret:     cfg.AppSecret,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
	w.stream = newReconciler(domain.ChannelWhatsApp, bufferUntilEnd, w.sendText, nil, cfg.Logger)
	return w
}

func (w *WhatsApp) Start(ctx context.Context, bus domain.MessageBus) error {
	if w.State() == domain.StateRunning {
		return nil
	}
	w.setState(domain.StateStarting)
	w.bus = bus

	w.sub = bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel == domain.ChannelWhatsApp {
			w.Send(msg)
		}
	})

	w.setState(domain.StateRunning)
	w.logger.Info("whatsapp adapter ready", "phone_number_id", w.phoneNumberID)

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

func (w *WhatsApp) Stop() error {
	if w.State() == domain.StateStopped {
		return nil
	}
	w.setState(domain.StateStopping)
	if w.bus != nil {
		w.bus.Unsubscribe(w.sub)
	}
	w.stream.Reset()
	w.setState(domain.StateStopped)
	return nil
}

func (w *WhatsApp) Send(msg domain.OutboundMessage) {
	w.stream.Deliver(msg)
}

// Handler returns the webhook handler Meta calls for verification (GET)
// and message delivery (POST). Mount it on the gateway HTTP server.
func (w *WhatsApp) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.handleVerify(rw, r)
		case http.MethodPost:
			w.handleInbound(rw, r)
		default:
			rw.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func (w *WhatsApp) handleVerify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == w.verifyToken {
		fmt.Fprint(rw, q.Get("hub.challenge"))
		return
	}
	rw.WriteHeader(http.StatusForbidden)
}

func (w *WhatsApp) handleInbound(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	if !w.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		w.logger.Warn("whatsapp webhook signature mismatch")
		rw.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload struct {
		Entry []struct {
			Changes []struct {
				Value struct {
					Messages []struct {
						From string `json:"from"`
						ID   string `json:"id"`
						Text struct {
							Body string `json:"body"`
						} `json:"text"`
						Type string `json:"type"`
					} `json:"messages"`
				} `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" {
					continue
				}
				content := strings.TrimSpace(msg.Text.Body)
				if content == "" {
					continue
				}
				w.publishInbound(domain.InboundMessage{
					Channel:   domain.ChannelWhatsApp,
					SenderID:  msg.From,
					ChatID:    msg.From,
					Content:   content,
					Metadata:  map[string]string{"message_id": msg.ID},
					Timestamp: time.Now(),
				})
			}
		}
	}
	rw.WriteHeader(http.StatusOK)
}

// verifySignature checks Meta's sha256 HMAC over the raw body. With no app
// secret configured the check is skipped.
func (w *WhatsApp) verifySignature(header string, body []byte) bool {
	if w.appSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(w.appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}

func (w *WhatsApp) sendText(chatID, text string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                chatID,
		"type":              "text",
		"text":              map[string]any{"body": text},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/messages", whatsappGraphURL, w.phoneNumberID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+w.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("whatsapp send: status %d: %s", resp.StatusCode, detail)
	}
	return "", nil
}
