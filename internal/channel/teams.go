package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

// Teams implements domain.Adapter for Microsoft Teams via the Bot
// Framework. Inbound activities arrive on a webhook mounted on the gateway
// HTTP server; replies are posted back to the activity's service URL with
// an app-credential bearer token. Teams proactive edits are unreliable, so
// outbound streaming buffers until end.
type Teams struct {
	base
	appID       string
	appPassword string
	tenantID    string
	httpClient  *http.Client
	stream      *reconciler
	sub         domain.Subscription

	mu            sync.Mutex
	token         string
	tokenExpiry   time.Time
	conversations map[string]teamsConversation
}

// teamsConversation remembers where to post replies for a chat.
type teamsConversation struct {
	serviceURL string
	botID      string
}

type TeamsConfig struct {
	AppID       string
	AppPassword string
	TenantID    string
	AllowFrom   []string
	Logger      *slog.Logger
}

func NewTeams(cfg TeamsConfig) *Teams {
	t := &Teams{
		base:          newBase(domain.ChannelTeams, cfg.AllowFrom, cfg.Logger),
		appID:         cfg.AppID,
		appPassword:   cfg.AppPassword,
		tenantID:      cfg.TenantID,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		conversations: make(map[string]teamsConversation),
	}
	t.stream = newReconciler(domain.ChannelTeams, bufferUntilEnd, t.sendText, nil, cfg.Logger)
	return t
}

func (t *Teams) Start(ctx context.Context, bus domain.MessageBus) error {
	if t.State() == domain.StateRunning {
		return nil
	}
	t.setState(domain.StateStarting)
	t.bus = bus

	t.sub = bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel == domain.ChannelTeams {
			t.Send(msg)
		}
	})

	t.setState(domain.StateRunning)
	t.logger.Info("teams adapter ready", "app_id", t.appID)

	go func() {
		<-ctx.Done()
		t.Stop()
	}()
	return nil
}

func (t *Teams) Stop() error {
	if t.State() == domain.StateStopped {
		return nil
	}
	t.setState(domain.StateStopping)
	if t.bus != nil {
		t.bus.Unsubscribe(t.sub)
	}
	t.stream.Reset()
	t.setState(domain.StateStopped)
	return nil
}

func (t *Teams) Send(msg domain.OutboundMessage) {
	t.stream.Deliver(msg)
}

// Handler returns the Bot Framework messaging endpoint. Mount it on the
// gateway HTTP server.
func (t *Teams) Handler() http.HandlerFunc {
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

		var activity struct {
			Type         string `json:"type"`
			Text         string `json:"text"`
			ServiceURL   string `json:"serviceUrl"`
			Conversation struct {
				ID       string `json:"id"`
				TenantID string `json:"tenantId"`
			} `json:"conversation"`
			From struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"from"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
		}
		if err := json.Unmarshal(body, &activity); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		rw.WriteHeader(http.StatusOK)

		if activity.Type != "message" {
			return
		}
		if t.tenantID != "" && activity.Conversation.TenantID != t.tenantID {
			t.logger.Warn("teams message from foreign tenant rejected",
				"tenant", activity.Conversation.TenantID)
			return
		}
		content := strings.TrimSpace(stripMentions(activity.Text))
		if content == "" {
			return
		}

		t.mu.Lock()
		t.conversations[activity.Conversation.ID] = teamsConversation{
			serviceURL: strings.TrimRight(activity.ServiceURL, "/"),
			botID:      activity.Recipient.ID,
		}
		t.mu.Unlock()

		t.publishInbound(domain.InboundMessage{
			Channel:   domain.ChannelTeams,
			SenderID:  activity.From.ID,
			ChatID:    activity.Conversation.ID,
			Content:   content,
			Metadata:  map[string]string{"sender_name": activity.From.Name},
			Timestamp: time.Now(),
		})
	}
}

// stripMentions removes Bot Framework <at>...</at> mention tags.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<at>")
		if start < 0 {
			return text
		}
		end := strings.Index(text, "</at>")
		if end < 0 {
			return text
		}
		text = text[:start] + text[end+len("</at>"):]
	}
}

func (t *Teams) sendText(chatID, text string) (string, error) {
	t.mu.Lock()
	conv, ok := t.conversations[chatID]
	t.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("teams: no conversation state for %s", chatID)
	}

	token, err := t.accessToken()
	if err != nil {
		return "", err
	}

	activity := map[string]any{
		"type": "message",
		"text": text,
		"from": map[string]any{"id": conv.botID},
	}
	data, err := json.Marshal(activity)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities",
		conv.serviceURL, url.PathEscape(chatID))
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("teams send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("teams send: status %d: %s", resp.StatusCode, detail)
	}
	return "", nil
}

// accessToken returns a cached Bot Framework token, refreshing via the
// client-credentials grant when it is near expiry.
func (t *Teams) accessToken() (string, error) {
	t.mu.Lock()
	if t.token != "" && time.Until(t.tokenExpiry) > time.Minute {
		token := t.token
		t.mu.Unlock()
		return token, nil
	}
	t.mu.Unlock()

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {t.appID},
		"client_secret": {t.appPassword},
		"scope":         {"https://api.botframework.com/.default"},
	}
	resp, err := t.httpClient.PostForm(
		"https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token", form)
	if err != nil {
		return "", fmt.Errorf("teams token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("teams token: status %d: %s", resp.StatusCode, detail)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("teams token decode: %w", err)
	}

	t.mu.Lock()
	t.token = out.AccessToken
	t.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	t.mu.Unlock()
	return out.AccessToken, nil
}
