package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

const cliChatID = "cli"

// CLI implements domain.Adapter as an interactive terminal session. Chunks
// print as they arrive, so this is an immediate-class channel with no
// reconciliation.
type CLI struct {
	base
	in      io.Reader
	out     io.Writer
	sub     domain.Subscription
	cancel  context.CancelFunc
	midLine bool
}

type CLIConfig struct {
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
}

func NewCLI(cfg CLIConfig) *CLI {
	in := cfg.In
	if in == nil {
		in = os.Stdin
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	return &CLI{
		base: newBase(domain.ChannelCLI, nil, cfg.Logger),
		in:   in,
		out:  out,
	}
}

func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	if c.State() == domain.StateRunning {
		return nil
	}
	c.setState(domain.StateStarting)
	c.bus = bus

	c.sub = bus.SubscribeOutbound(func(msg domain.OutboundMessage) {
		if msg.Channel == domain.ChannelCLI {
			c.Send(msg)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.readLoop(runCtx)

	c.setState(domain.StateRunning)
	return nil
}

func (c *CLI) Stop() error {
	if c.State() == domain.StateStopped {
		return nil
	}
	c.setState(domain.StateStopping)
	if c.cancel != nil {
		c.cancel()
	}
	if c.bus != nil {
		c.bus.Unsubscribe(c.sub)
	}
	c.setState(domain.StateStopped)
	return nil
}

// Send prints outbound text straight to the terminal. Stream chunks are
// written without trailing newlines so the reply renders progressively.
func (c *CLI) Send(msg domain.OutboundMessage) {
	switch {
	case msg.IsStreamEnd:
		if c.midLine {
			fmt.Fprintln(c.out)
			c.midLine = false
		}
		c.prompt()
	case msg.IsStreamChunk:
		fmt.Fprint(c.out, msg.Content)
		c.midLine = true
	default:
		if msg.Content != "" {
			fmt.Fprintln(c.out, msg.Content)
		}
		c.prompt()
	}
}

func (c *CLI) prompt() {
	fmt.Fprint(c.out, "> ")
}

func (c *CLI) readLoop(ctx context.Context) {
	fmt.Fprintln(c.out, "chatrelay interactive session (type 'exit' to quit)")
	c.prompt()

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.prompt()
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Fprintln(c.out, "bye")
			if c.cancel != nil {
				c.cancel()
			}
			return
		}
		c.publishInbound(domain.InboundMessage{
			Channel:   domain.ChannelCLI,
			SenderID:  "local",
			ChatID:    cliChatID,
			Content:   line,
			Timestamp: time.Now(),
		})
	}
}
