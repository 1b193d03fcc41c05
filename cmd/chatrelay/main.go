package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/internal/access"
	"chatrelay/internal/bus"
	"chatrelay/internal/channel"
	"chatrelay/internal/config"
	"chatrelay/internal/domain"
	"chatrelay/internal/history"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "chatrelay: message gateway between chat platforms and an agent backend",
		Long:  "chatrelay routes conversational turns between chat front-ends (Telegram, Discord, Slack, Matrix, ...) and one agent backend over a uniform message bus.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.chatrelay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(historyCmd())

	daemon := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background service",
	}
	daemon.AddCommand(installDaemonCmd())
	daemon.AddCommand(uninstallDaemonCmd())
	root.AddCommand(daemon)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfigOrDefaults() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

func setupLogger(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	out := os.Stderr
	if cfg.General.LogFile != "" {
		if f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = f
		} else {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		}
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive terminal session against the echo responder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			setupLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			messageBus := bus.New(logger)
			defer messageBus.Close()
			startEchoResponder(messageBus)

			cli := channel.NewCLI(channel.CLIConfig{Logger: logger})
			if err := cli.Start(ctx, messageBus); err != nil {
				return err
			}
			<-ctx.Done()
			return cli.Stop()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			url := fmt.Sprintf("http://%s:%d/status", cfg.API.Host, cfg.API.Port)
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("gateway not reachable at %s: %w", url, err)
			}
			defer resp.Body.Close()
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return err
			}
			data, _ := json.MarshalIndent(body, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. api.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. api.port 9000)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [channel chat-id]",
		Short: "Browse stored conversation transcripts",
		Long:  "Without arguments, lists recently active chats. With a channel and chat id, prints that chat's recent turns.",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			if !cfg.History.Enabled {
				return fmt.Errorf("history is disabled in the config")
			}
			store, err := history.NewStore(cfg.History.DBPath, logger)
			if err != nil {
				return fmt.Errorf("history store: %w", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			if len(args) < 2 {
				chats, err := store.Chats(ctx, limit)
				if err != nil {
					return err
				}
				if len(chats) == 0 {
					fmt.Println("no stored conversations")
					return nil
				}
				for _, c := range chats {
					fmt.Printf("%-20s %-30s %s\n", c.Channel, c.ChatID, c.CreatedAt.Format(time.RFC3339))
				}
				return nil
			}

			turns, err := store.Recent(ctx, args[0], args[1], limit)
			if err != nil {
				return err
			}
			for _, t := range turns {
				fmt.Printf("[%s] %s: %s\n", t.CreatedAt.Format("2006-01-02 15:04"), t.Role, t.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}

func gatewayCmd() *cobra.Command {
	var echo bool
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (all enabled channels + HTTP API)",
		Long:  "Starts every enabled channel adapter, the webhook/SSE bridges and the HTTP API. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(echo)
		},
	}
	cmd.Flags().BoolVar(&echo, "echo", false, "run the built-in echo responder instead of an external backend")
	return cmd
}

func runGateway(echo bool) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(logger)

	var store *history.Store
	var recorder *history.Recorder
	if cfg.History.Enabled {
		store, err = history.NewStore(cfg.History.DBPath, logger)
		if err != nil {
			return fmt.Errorf("history store: %w", err)
		}
		defer store.Close()

		recorder = history.NewRecorder(store, logger)
		if err := recorder.Start(ctx, messageBus); err != nil {
			return fmt.Errorf("history recorder: %w", err)
		}
		go pruneLoop(ctx, store, cfg.History)
	}

	if echo {
		startEchoResponder(messageBus)
		logger.Info("echo responder enabled")
	}

	adapters := buildAdapters(cfg)

	if cfg.Pairing.Required {
		if store == nil {
			return fmt.Errorf("pairing requires the history store")
		}
		pairing, err := access.NewPairing(access.PairingConfig{
			Required: true,
			TTLDays:  cfg.Pairing.TTLDays,
			DB:       store.DB(),
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("pairing gate: %w", err)
		}
		for _, a := range adapters {
			// The local console is always trusted.
			if a.Channel() == domain.ChannelCLI {
				continue
			}
			if g, ok := a.(interface{ SetGate(access.Gate) }); ok {
				g.SetGate(pairing)
			}
		}
		logger.Info("pairing required for new senders", "code", pairing.Code())
	}

	for _, a := range adapters {
		adapter := a
		go func() {
			if err := adapter.Start(ctx, messageBus); err != nil {
				logger.Error("channel failed to start", "channel", adapter.Channel(), "err", err)
			}
		}()
		logger.Info("channel enabled", "channel", adapter.Channel())
	}

	webhook := channel.NewWebhook(channel.WebhookAdapterConfig{
		Slots:  webhookSlots(cfg),
		Logger: logger,
	})
	if err := webhook.Start(ctx, messageBus); err != nil {
		return fmt.Errorf("webhook adapter: %w", err)
	}

	api := channel.NewAPI(channel.APIConfig{
		Host:    cfg.API.Host,
		Port:    cfg.API.Port,
		APIKey:  cfg.API.APIKey,
		Webhook: webhook,
		Logger:  logger,
		Version: version,
	})
	mountPlatformWebhooks(api, cfg, adapters)

	errCh := make(chan error, 1)
	go func() {
		if err := api.Start(ctx, messageBus); err != nil {
			errCh <- err
		}
	}()

	logger.Info("gateway started", "addr", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down gateway...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, a := range adapters {
			a.Stop()
		}
		webhook.Stop()
		if recorder != nil {
			recorder.Stop()
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// buildAdapters constructs every enabled channel adapter from the config.
func buildAdapters(cfg *config.Config) []domain.Adapter {
	var adapters []domain.Adapter
	ch := cfg.Channels

	if ch.Telegram.Enabled && ch.Telegram.Token != "" {
		adapters = append(adapters, channel.NewTelegram(channel.TelegramConfig{
			Token:     ch.Telegram.Token,
			AllowFrom: ch.Telegram.AllowFrom,
			ParseMode: ch.Telegram.ParseMode,
			Logger:    logger,
		}))
	}
	if ch.Discord.Enabled && ch.Discord.Token != "" {
		adapters = append(adapters, channel.NewDiscord(channel.DiscordConfig{
			Token:     ch.Discord.Token,
			GuildID:   ch.Discord.GuildID,
			AllowFrom: ch.Discord.AllowFrom,
			Logger:    logger,
		}))
	}
	if ch.Slack.Enabled && ch.Slack.BotToken != "" {
		adapters = append(adapters, channel.NewSlack(channel.SlackConfig{
			BotToken:  ch.Slack.BotToken,
			AppToken:  ch.Slack.AppToken,
			AllowFrom: ch.Slack.AllowFrom,
			Logger:    logger,
		}))
	}
	if ch.WhatsApp.Enabled {
		adapters = append(adapters, channel.NewWhatsApp(channel.WhatsAppConfig{
			AccessToken:   ch.WhatsApp.AccessToken,
			PhoneNumberID: ch.WhatsApp.PhoneNumberID,
			VerifyToken:   ch.WhatsApp.VerifyToken,
			AppSecret:     ch.WhatsApp.AppSecret,
			AllowFrom:     ch.WhatsApp.AllowFrom,
			Logger:        logger,
		}))
	}
	if ch.WhatsAppPersonal.Enabled {
		adapters = append(adapters, channel.NewWhatsAppPersonal(channel.WhatsAppPersonalConfig{
			BridgeAddr: ch.WhatsAppPersonal.BridgeAddr,
			AllowFrom:  ch.WhatsAppPersonal.AllowFrom,
			Logger:     logger,
		}))
	}
	if ch.Signal.Enabled {
		adapters = append(adapters, channel.NewSignal(channel.SignalConfig{
			APIURL:    ch.Signal.APIURL,
			Number:    ch.Signal.Number,
			AllowFrom: ch.Signal.AllowFrom,
			Logger:    logger,
		}))
	}
	if ch.Matrix.Enabled {
		adapters = append(adapters, channel.NewMatrix(channel.MatrixConfig{
			Homeserver:  ch.Matrix.Homeserver,
			AccessToken: ch.Matrix.AccessToken,
			UserID:      ch.Matrix.UserID,
			AllowRooms:  ch.Matrix.AllowRooms,
			AllowFrom:   ch.Matrix.AllowFrom,
			Logger:      logger,
		}))
	}
	if ch.Teams.Enabled {
		adapters = append(adapters, channel.NewTeams(channel.TeamsConfig{
			AppID:       ch.Teams.AppID,
			AppPassword: ch.Teams.AppPassword,
			TenantID:    ch.Teams.TenantID,
			AllowFrom:   ch.Teams.AllowFrom,
			Logger:      logger,
		}))
	}
	if ch.GoogleChat.Enabled {
		adapters = append(adapters, channel.NewGoogleChat(channel.GoogleChatConfig{
			SpaceWebhooks: ch.GoogleChat.SpaceWebhooks,
			AllowSpaces:   ch.GoogleChat.AllowSpaces,
			AllowFrom:     ch.GoogleChat.AllowFrom,
			Logger:        logger,
		}))
	}
	if ch.WebSocket.Enabled {
		adapters = append(adapters, channel.NewWebSocket(channel.WebSocketConfig{
			Host:   ch.WebSocket.Host,
			Port:   ch.WebSocket.Port,
			Logger: logger,
		}))
	}
	if ch.CLI.Enabled {
		adapters = append(adapters, channel.NewCLI(channel.CLIConfig{Logger: logger}))
	}
	return adapters
}

func webhookSlots(cfg *config.Config) []channel.WebhookSlot {
	slots := make([]channel.WebhookSlot, 0, len(cfg.Webhooks))
	for _, s := range cfg.Webhooks {
		slots = append(slots, channel.WebhookSlot{
			Name:        s.Name,
			Secret:      s.Secret,
			Description: s.Description,
			SyncTimeout: time.Duration(s.SyncTimeoutSeconds) * time.Second,
		})
	}
	return slots
}

// mountPlatformWebhooks attaches the webhook-driven adapters' HTTP handlers
// onto the gateway API server.
func mountPlatformWebhooks(api *channel.API, cfg *config.Config, adapters []domain.Adapter) {
	for _, a := range adapters {
		switch ad := a.(type) {
		case *channel.WhatsApp:
			path := cfg.Channels.WhatsApp.WebhookPath
			if path == "" {
				path = "/webhook/whatsapp"
			}
			api.Mount(path, ad.Handler())
		case *channel.Teams:
			path := cfg.Channels.Teams.WebhookPath
			if path == "" {
				path = "/webhook/teams"
			}
			api.Mount(path, ad.Handler())
		case *channel.GoogleChat:
			path := cfg.Channels.GoogleChat.WebhookPath
			if path == "" {
				path = "/webhook/googlechat"
			}
			api.Mount(path, ad.Handler())
		}
	}
}

func pruneLoop(ctx context.Context, store *history.Store, cfg config.HistoryConfig) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx, cfg.RetentionDays, cfg.MaxPerChat); err != nil {
				logger.Warn("history prune failed", "err", err)
			}
		}
	}
}

// startEchoResponder wires a loopback backend: every inbound message is
// streamed back word by word. Useful for verifying adapter wiring without a
// real agent attached.
func startEchoResponder(b domain.MessageBus) {
	b.SubscribeInbound(func(msg domain.InboundMessage) {
		go func() {
			words := strings.Fields(msg.Content)
			for i, w := range words {
				chunk := w
				if i < len(words)-1 {
					chunk += " "
				}
				b.PublishOutbound(domain.OutboundMessage{
					Channel:       msg.Channel,
					ChatID:        msg.ChatID,
					Content:       chunk,
					IsStreamChunk: true,
				})
				time.Sleep(50 * time.Millisecond)
			}
			b.PublishOutbound(domain.OutboundMessage{
				Channel:     msg.Channel,
				ChatID:      msg.ChatID,
				IsStreamEnd: true,
			})
		}()
	})
}
