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
	"sync/atomic"
	"time"

	"chatrelay/internal/domain"

	"github.com/google/uuid"
)

// Matrix implements domain.Adapter over the Matrix client-server API using
// plain REST long-polling. Streaming uses edit-in-place via m.replace
// relations, which Matrix supports natively.
type Matrix struct {
	base
	homeserver  string
	accessToken string
	userID      string
	allowRooms  []string
	httpClient  *http.Client
	stream      *reconciler
	sub         domain.Subscription
	cancel      context.CancelFunc
	txnSeq      atomic.Uint64
}

type MatrixConfig struct {
	Homeserver  string
	AccessToken string
	UserID      string
	AllowRooms  []string
	AllowFrom   []string
	Logger      *slog.Logger
}

func NewMatrix(cfg MatrixConfig) *Matrix {
	m := &Matrix{
		base:        newBase(domain.ChannelMatrix, cfg.AllowFrom, cfg.Logger),
		homeserver:  strings.TrimRight(cfg.Homeserver, "/"),
		accessToken: cfg.AccessToken,
		userID:      cfg.UserID,
		allowRooms:  cfg.AllowRooms,
	}
	m.selfID = cfg.UserID
	m.httpClient = &http.Client{Timeout: 60 * time.Second}
	m.stream = newReconciler(domain.ChannelMatrix, editInPlace, m.sendNew, m.editMessage, cfg.Logger)
	return m
}

func (m *Matrix) Start(ctx context.Context, bus domain.MessageBus) error {
	if m.State() == domain.StateRunning {
		return nil
	}
	if m.homeserver == "" || m.accessToken == "" {
		return fmt.Errorf("matrix: homeserver and access_token required")
	}
	m.setState(domain.StateStarting)
	m.bus = bus

	// whoami both validates the token and fills in the user ID for
	// self-echo filtering when it is not configured.
	if uid, err := m.whoami(ctx); err != nil {
		m.setState(domain.StateNotStarted)
		m.logger.Error("matrix whoami failed", "err", err)
		return fmt.Errorf("matrix whoami: %w", err)
	} else if m.userID == "" {
		m.userID = uid
		m.selfID = uid
	}

	m.sub = bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel == domain.ChannelMatrix {
			m.Send(msg)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.syncLoop(runCtx)

	m.setState(domain.StateRunning)
	m.logger.Info("matrix adapter ready", "user", m.userID)
	return nil
}

func (m *Matrix) Stop() error {
	if m.State() == domain.StateStopped {
		return nil
	}
	m.setState(domain.StateStopping)
	if m.cancel != nil {
		m.cancel()
	}
	if m.bus != nil {
		m.bus.Unsubscribe(m.sub)
	}
	m.stream.Reset()
	m.setState(domain.StateStopped)
	return nil
}

func (m *Matrix) Send(msg domain.OutboundMessage) {
	m.stream.Deliver(msg)
}

func (m *Matrix) roomAllowed(roomID string) bool {
	if len(m.allowRooms) == 0 {
		return true
	}
	for _, r := range m.allowRooms {
		if r == roomID {
			return true
		}
	}
	return false
}

func (m *Matrix) whoami(ctx context.Context) (string, error) {
	var out struct {
		UserID string `json:"user_id"`
	}
	if err := m.get(ctx, "/_matrix/client/v3/account/whoami", nil, &out); err != nil {
		return "", err
	}
	return out.UserID, nil
}

// syncLoop long-polls /sync. The first response establishes the batch
// token; its backlog is discarded so restarts do not replay history.
func (m *Matrix) syncLoop(ctx context.Context) {
	var since string
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		params := url.Values{"timeout": {"30000"}}
		if since != "" {
			params.Set("since", since)
		}
		var resp matrixSyncResponse
		if err := m.get(ctx, "/_matrix/client/v3/sync", params, &resp); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("matrix sync failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		since = resp.NextBatch
		if first {
			first = false
			continue
		}
		m.handleSync(resp)
	}
}

type matrixSyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []struct {
					Type    string `json:"type"`
					Sender  string `json:"sender"`
					Content struct {
						MsgType string `json:"msgtype"`
						Body    string `json:"body"`
					} `json:"content"`
				} `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

func (m *Matrix) handleSync(resp matrixSyncResponse) {
	for roomID, room := range resp.Rooms.Join {
		if !m.roomAllowed(roomID) {
			continue
		}
		for _, ev := range room.Timeline.Events {
			if ev.Type != "m.room.message" || ev.Content.MsgType != "m.text" {
				continue
			}
			content := strings.TrimSpace(ev.Content.Body)
			if content == "" {
				continue
			}
			m.publishInbound(domain.InboundMessage{
				Channel:   domain.ChannelMatrix,
				SenderID:  ev.Sender,
				ChatID:    roomID,
				Content:   content,
				Timestamp: time.Now(),
			})
		}
	}
}

func (m *Matrix) sendNew(roomID, text string) (string, error) {
	content := map[string]any{"msgtype": "m.text", "body": text}
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := m.putEvent(roomID, content, &out); err != nil {
		return "", fmt.Errorf("matrix send: %w", err)
	}
	return out.EventID, nil
}

func (m *Matrix) editMessage(roomID, eventID, text string) error {
	content := map[string]any{
		"msgtype": "m.text",
		"body":    "* " + text,
		"m.new_content": map[string]any{
			"msgtype": "m.text",
			"body":    text,
		},
		"m.relates_to": map[string]any{
			"rel_type": "m.replace",
			"event_id": eventID,
		},
	}
	if err := m.putEvent(roomID, content, nil); err != nil {
		return fmt.Errorf("matrix edit: %w", err)
	}
	return nil
}

func (m *Matrix) putEvent(roomID string, content map[string]any, out any) error {
	txn := fmt.Sprintf("%s-%d", uuid.NewString()[:8], m.txnSeq.Add(1))
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID), txn)

	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, m.homeserver+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (m *Matrix) get(ctx context.Context, path string, params url.Values, out any) error {
	u := m.homeserver + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.accessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
