package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram implements domain.Adapter for the Telegram Bot API. Outbound
// streaming uses rate-limited edit-in-place: the first chunk becomes a real
// message, later chunks rewrite its body via editMessageText.
type Telegram struct {
	base
	token      string
	parseMode  string
	bot        *tgbotapi.BotAPI
	stream     *reconciler
	sub        domain.Subscription
	cancelPoll context.CancelFunc
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	var allowed []string
	for _, s := range cfg.AllowFrom {
		if s = strings.TrimSpace(s); s != "" {
			allowed = append(allowed, s)
		}
	}
	t := &Telegram{
		base:      newBase(domain.ChannelTelegram, allowed, cfg.Logger),
		token:     cfg.Token,
		parseMode: cfg.ParseMode,
	}
	t.stream = newReconciler(domain.ChannelTelegram, editInPlace, t.sendNew, t.editMessage, cfg.Logger)
	return t
}

// Start connects to Telegram and begins long-polling for updates. A
// connection failure is logged and leaves the adapter retryable; it never
// takes the process down.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	if t.State() == domain.StateRunning {
		return nil
	}
	t.setState(domain.StateStarting)
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		t.setState(domain.StateNotStarted)
		t.logger.Error("telegram connect failed", "err", err)
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.selfID = strconv.FormatInt(bot.Self.ID, 10)
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	t.sub = bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel == domain.ChannelTelegram {
			t.Send(msg)
		}
	})

	pollCtx, cancel := context.WithCancel(ctx)
	t.cancelPoll = cancel

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)
	t.setState(domain.StateRunning)

	go func() {
		for {
			select {
			case <-pollCtx.Done():
				bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				t.handleUpdate(update)
			}
		}
	}()
	return nil
}

func (t *Telegram) Stop() error {
	if t.State() != domain.StateRunning && t.State() != domain.StateStarting {
		t.setState(domain.StateStopped)
		return nil
	}
	t.setState(domain.StateStopping)
	if t.cancelPoll != nil {
		t.cancelPoll()
	}
	if t.bus != nil {
		t.bus.Unsubscribe(t.sub)
	}
	t.stream.Reset()
	t.setState(domain.StateStopped)
	return nil
}

// Send reconciles one outbound event against the live-edit stream state.
func (t *Telegram) Send(msg domain.OutboundMessage) {
	if t.bot == nil {
		return
	}
	t.stream.Deliver(msg)
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}
	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	chatID := update.Message.Chat.ID
	senderID := strconv.FormatInt(update.Message.From.ID, 10)

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)

	t.publishInbound(domain.InboundMessage{
		Channel:   domain.ChannelTelegram,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(chatID, 10),
		Content:   text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

// sendNew posts a new message and returns the platform message id of the
// last chunk sent (long texts are split at the platform limit).
func (t *Telegram) sendNew(chatID, text string) (string, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	var lastMsgID int
	for len(text) > 0 {
		piece := text
		if len(piece) > telegramMaxMsgLen {
			cut := strings.LastIndex(piece[:telegramMaxMsgLen], "\n")
			if cut < telegramMaxMsgLen/2 {
				cut = telegramMaxMsgLen
			}
			piece = text[:cut]
			text = text[cut:]
		} else {
			text = ""
		}
		msgID, err := t.sendChunk(id, piece)
		if err != nil {
			return "", err
		}
		lastMsgID = msgID
	}
	return strconv.Itoa(lastMsgID), nil
}

func (t *Telegram) editMessage(chatID, msgID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	mid, err := strconv.Atoi(msgID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", msgID, err)
	}
	if len(text) > telegramMaxMsgLen {
		text = text[:telegramMaxMsgLen]
	}
	edit := tgbotapi.NewEditMessageText(id, mid, text)
	edit.ParseMode = t.parseMode
	_, err = t.bot.Send(edit)
	if err != nil && strings.Contains(err.Error(), "can't parse entities") {
		// Markdown may be mid-token while streaming; retry without parse mode.
		plain := tgbotapi.NewEditMessageText(id, mid, text)
		_, err = t.bot.Send(plain)
	}
	// "message is not modified" just means the buffer grew by nothing
	// visible since the last edit.
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

// sendChunk sends one message with retry and rate-limit handling: Markdown
// first, plain-text fallback on parse errors, backoff on 429.
func (t *Telegram) sendChunk(chatID int64, text string) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		sent, err := t.bot.Send(msg)
		if err == nil {
			return sent.MessageID, nil
		}
		lastErr = err
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			time.Sleep(retryAfter)
			continue
		}

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
		}
	}
	return 0, fmt.Errorf("telegram send after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}
