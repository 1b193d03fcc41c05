package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			WhatsApp: WhatsAppConfig{
				Enabled:     false,
				WebhookPath: "/webhook/whatsapp",
			},
			WhatsAppPersonal: WhatsAppPersonalConfig{
				Enabled:    false,
				BridgeAddr: "127.0.0.1:8790",
			},
			Signal: SignalConfig{
				Enabled: false,
				APIURL:  "http://127.0.0.1:8080",
			},
			Teams: TeamsConfig{
				Enabled:     false,
				WebhookPath: "/webhook/teams",
			},
			GoogleChat: GoogleChatConfig{
				Enabled:     false,
				WebhookPath: "/webhook/googlechat",
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8901,
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		History: HistoryConfig{
			Enabled:       true,
			DBPath:        "~/.chatrelay/history.db",
			MaxPerChat:    100,
			RetentionDays: 365,
		},
		Pairing: PairingConfig{
			Required: false,
			TTLDays:  30,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8900,
		},
	}
}
