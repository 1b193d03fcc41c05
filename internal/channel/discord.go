package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord implements domain.Adapter for Discord. Discord allows message
// edits without a rate penalty at our volumes, so outbound streaming uses
// edit-in-place like Matrix and Telegram.
type Discord struct {
	base
	token   string
	guildID string
	session *discordgo.Session
	stream  *reconciler
	sub     domain.Subscription
}

type DiscordConfig struct {
	Token     string
	GuildID   string
	AllowFrom []string
	Logger    *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	d := &Discord{
		base:    newBase(domain.ChannelDiscord, cfg.AllowFrom, cfg.Logger),
		token:   cfg.Token,
		guildID: cfg.GuildID,
	}
	d.stream = newReconciler(domain.ChannelDiscord, editInPlace, d.sendNew, d.editMessage, cfg.Logger)
	return d
}

// Start connects to the Discord gateway and begins listening.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	if d.State() == domain.StateRunning {
		return nil
	}
	d.setState(domain.StateStarting)
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		d.setState(domain.StateNotStarted)
		d.logger.Error("discord session failed", "err", err)
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.handleMessage(m)
	})

	if err := session.Open(); err != nil {
		d.setState(domain.StateNotStarted)
		d.logger.Error("discord connect failed", "err", err)
		return fmt.Errorf("discord connect: %w", err)
	}
	d.selfID = session.State.User.ID
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	d.sub = bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel == domain.ChannelDiscord {
			d.Send(msg)
		}
	})

	d.setState(domain.StateRunning)

	go func() {
		<-ctx.Done()
		d.Stop()
	}()
	return nil
}

func (d *Discord) Stop() error {
	if d.State() == domain.StateStopped {
		return nil
	}
	d.setState(domain.StateStopping)
	if d.bus != nil {
		d.bus.Unsubscribe(d.sub)
	}
	d.stream.Reset()
	var err error
	if d.session != nil {
		err = d.session.Close()
	}
	d.setState(domain.StateStopped)
	return err
}

func (d *Discord) Send(msg domain.OutboundMessage) {
	if d.session == nil {
		return
	}
	d.stream.Deliver(msg)
}

func (d *Discord) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	d.publishInbound(domain.InboundMessage{
		Channel:   domain.ChannelDiscord,
		SenderID:  m.Author.ID,
		ChatID:    m.ChannelID,
		Content:   content,
		Metadata:  map[string]string{"guild_id": m.GuildID},
		Timestamp: time.Now(),
	})
}

func (d *Discord) sendNew(chatID, text string) (string, error) {
	var lastID string
	for _, piece := range splitMessage(text, discordMaxMsgLen) {
		sent, err := d.session.ChannelMessageSend(chatID, piece)
		if err != nil {
			return "", fmt.Errorf("discord send: %w", err)
		}
		lastID = sent.ID
	}
	return lastID, nil
}

func (d *Discord) editMessage(chatID, msgID, text string) error {
	if len(text) > discordMaxMsgLen {
		text = text[:discordMaxMsgLen]
	}
	if _, err := d.session.ChannelMessageEdit(chatID, msgID, text); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

// splitMessage splits text into chunks that fit within the platform limit,
// preferring newline boundaries.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}
	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
