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

const signalPollInterval = 2 * time.Second

// Signal implements domain.Adapter against the signal-cli REST API
// (bbernhard/signal-cli-rest-api). Messages are polled on a short
// interval; there is no edit, so outbound streaming buffers until end.
type Signal struct {
	base
	apiURL     string
	number     string
	httpClient *http.Client
	stream     *reconciler
	sub        domain.Subscription
	cancel     context.CancelFunc
}

type SignalConfig struct {
	APIURL    string
	Number    string
	AllowFrom []string
	Logger    *slog.Logger
}

func NewSignal(cfg SignalConfig) *Signal {
	url := strings.TrimRight(cfg.APIURL, "/")
	if url == "" {
		url = "http://127.0.0.1:8080"
	}
	s := &Signal{
		base:       newBase(domain.ChannelSignal, cfg.AllowFrom, cfg.Logger),
		apiURL:     url,
		number:     cfg.Number,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	s.selfID = cfg.Number
	s.stream = newReconciler(domain.ChannelSignal, bufferUntilEnd, s.sendText, nil, cfg.Logger)
	return s
}

func (s *Signal) Start(ctx context.Context, bus domain.MessageBus) error {
	if s.State() == domain.StateRunning {
		return nil
	}
	if s.number == "" {
		return fmt.Errorf("signal: number not configured")
	}
	s.setState(domain.StateStarting)
	s.bus = bus

	s.sub = bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel == domain.ChannelSignal {
			s.Send(msg)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.pollLoop(runCtx)

	s.setState(domain.StateRunning)
	s.logger.Info("signal adapter ready", "number", s.number, "api", s.apiURL)
	return nil
}

func (s *Signal) Stop() error {
	if s.State() == domain.StateStopped {
		return nil
	}
	s.setState(domain.StateStopping)
	if s.cancel != nil {
		s.cancel()
	}
	if s.bus != nil {
		s.bus.Unsubscribe(s.sub)
	}
	s.stream.Reset()
	s.setState(domain.StateStopped)
	return nil
}

func (s *Signal) Send(msg domain.OutboundMessage) {
	s.stream.Deliver(msg)
}

func (s *Signal) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.receive(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("signal receive failed", "err", err)
			}
		}
	}
}

func (s *Signal) receive(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1/receive/%s", s.apiURL, s.number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signal receive: status %d", resp.StatusCode)
	}

	var envelopes []struct {
		Envelope struct {
			Source      string `json:"source"`
			DataMessage struct {
				Message   string `json:"message"`
				GroupInfo *struct {
					GroupID string `json:"groupId"`
				} `json:"groupInfo"`
			} `json:"dataMessage"`
		} `json:"envelope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return fmt.Errorf("signal receive decode: %w", err)
	}

	for _, env := range envelopes {
		content := strings.TrimSpace(env.Envelope.DataMessage.Message)
		if content == "" {
			continue
		}
		chatID := env.Envelope.Source
		meta := map[string]string{}
		if gi := env.Envelope.DataMessage.GroupInfo; gi != nil && gi.GroupID != "" {
			chatID = "group." + gi.GroupID
			meta["group_id"] = gi.GroupID
		}
		s.publishInbound(domain.InboundMessage{
			Channel:   domain.ChannelSignal,
			SenderID:  env.Envelope.Source,
			ChatID:    chatID,
			Content:   content,
			Metadata:  meta,
			Timestamp: time.Now(),
		})
	}
	return nil
}

func (s *Signal) sendText(chatID, text string) (string, error) {
	recipient := chatID
	if gid, ok := strings.CutPrefix(chatID, "group."); ok {
		recipient = "group." + gid
	}
	payload := map[string]any{
		"message":    text,
		"number":     s.number,
		"recipients": []string{recipient},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, s.apiURL+"/v2/send", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("signal send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("signal send: status %d: %s", resp.StatusCode, detail)
	}
	return "", nil
}
