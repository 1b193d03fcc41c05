package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Adapter over Socket Mode. Slack's chat.update
// rate limits are too tight for streaming edits, so outbound text is
// buffered and posted once at stream end.
type Slack struct {
	base
	botToken string
	appToken string
	client   *slack.Client
	socket   *socketmode.Client
	stream   *reconciler
	sub      domain.Subscription
	cancel   context.CancelFunc
}

type SlackConfig struct {
	BotToken  string
	AppToken  string
	AllowFrom []string
	Logger    *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	s := &Slack{
		base:     newBase(domain.ChannelSlack, cfg.AllowFrom, cfg.Logger),
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
	}
	s.stream = newReconciler(domain.ChannelSlack, bufferUntilEnd, s.postMessage, nil, cfg.Logger)
	return s
}

func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	if s.State() == domain.StateRunning {
		return nil
	}
	s.setState(domain.StateStarting)
	s.bus = bus

	s.client = slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	auth, err := s.client.AuthTest()
	if err != nil {
		s.setState(domain.StateNotStarted)
		s.logger.Error("slack auth failed", "err", err)
		return fmt.Errorf("slack auth: %w", err)
	}
	s.selfID = auth.UserID
	s.logger.Info("slack bot connected", "user", auth.User)

	s.socket = socketmode.New(s.client)

	s.sub = bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel == domain.ChannelSlack {
			s.Send(msg)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.eventLoop(runCtx)
	go func() {
		if err := s.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error("slack socket stopped", "err", err)
		}
	}()

	s.setState(domain.StateRunning)
	return nil
}

func (s *Slack) Stop() error {
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

func (s *Slack) Send(msg domain.OutboundMessage) {
	if s.client == nil {
		return
	}
	s.stream.Deliver(msg)
}

func (s *Slack) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				s.socket.Ack(*evt.Request)
				s.handleEvent(apiEvent)
			case socketmode.EventTypeConnectionError:
				s.logger.Warn("slack connection error", "data", evt.Data)
			}
		}
	}
}

func (s *Slack) handleEvent(evt slackevents.EventsAPIEvent) {
	if evt.Type != slackevents.CallbackEvent {
		return
	}
	inner := evt.InnerEvent
	msg, ok := inner.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Ignore bot echoes and message edits.
	if msg.User == "" || msg.User == s.selfID || msg.BotID != "" || msg.SubType != "" {
		return
	}
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	s.publishInbound(domain.InboundMessage{
		Channel:   domain.ChannelSlack,
		SenderID:  msg.User,
		ChatID:    msg.Channel,
		Content:   content,
		Metadata:  map[string]string{"thread_ts": msg.ThreadTimeStamp},
		Timestamp: time.Now(),
	})
}

func (s *Slack) postMessage(chatID, text string) (string, error) {
	var lastTS string
	for _, piece := range splitMessage(text, slackMaxMsgLen) {
		_, ts, err := s.client.PostMessage(chatID, slack.MsgOptionText(piece, false))
		if err != nil {
			return "", fmt.Errorf("slack post: %w", err)
		}
		lastTS = ts
	}
	return lastTS, nil
}
