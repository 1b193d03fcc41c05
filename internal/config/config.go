package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the chatrelay gateway.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Channels ChannelsConfig `json:"channels"`
	Webhooks []WebhookSlot  `json:"webhooks,omitempty"`
	History  HistoryConfig  `json:"history"`
	Pairing  PairingConfig  `json:"pairing"`
	API      APIConfig      `json:"api"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

type ChannelsConfig struct {
	Telegram         TelegramConfig         `json:"telegram"`
	Discord          DiscordConfig          `json:"discord,omitempty"`
	Slack            SlackConfig            `json:"slack,omitempty"`
	WhatsApp         WhatsAppConfig         `json:"whatsapp,omitempty"`
	WhatsAppPersonal WhatsAppPersonalConfig `json:"whatsappPersonal,omitempty"`
	Signal           SignalConfig           `json:"signal,omitempty"`
	Matrix           MatrixConfig           `json:"matrix,omitempty"`
	Teams            TeamsConfig            `json:"teams,omitempty"`
	GoogleChat       GoogleChatConfig       `json:"googleChat,omitempty"`
	WebSocket        WebSocketConfig        `json:"websocket"`
	CLI              CLIConfig              `json:"cli"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

type DiscordConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	GuildID   string         `json:"guildId,omitempty"` // optional: restrict to specific guild
	AllowFrom FlexStringList `json:"allowFrom,omitempty"`
}

type SlackConfig struct {
	Enabled   bool           `json:"enabled"`
	BotToken  string         `json:"botToken"`
	AppToken  string         `json:"appToken"` // required for Socket Mode
	AllowFrom FlexStringList `json:"allowFrom,omitempty"`
}

type WhatsAppConfig struct {
	Enabled       bool           `json:"enabled"`
	AppSecret     string         `json:"appSecret,omitempty"`
	AccessToken   string         `json:"accessToken,omitempty"`
	VerifyToken   string         `json:"verifyToken,omitempty"`
	PhoneNumberID string         `json:"phoneNumberId,omitempty"`
	WebhookPath   string         `json:"webhookPath,omitempty"`
	AllowFrom     FlexStringList `json:"allowFrom,omitempty"`
}

type WhatsAppPersonalConfig struct {
	Enabled    bool           `json:"enabled"`
	BridgeAddr string         `json:"bridgeAddr,omitempty"`
	AllowFrom  FlexStringList `json:"allowFrom,omitempty"`
}

type SignalConfig struct {
	Enabled   bool           `json:"enabled"`
	APIURL    string         `json:"apiUrl"`
	Number    string         `json:"number"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty"`
}

type MatrixConfig struct {
	Enabled     bool           `json:"enabled"`
	Homeserver  string         `json:"homeserver"`
	AccessToken string         `json:"accessToken"`
	UserID      string         `json:"userId,omitempty"`
	AllowRooms  FlexStringList `json:"allowRooms,omitempty"`
	AllowFrom   FlexStringList `json:"allowFrom,omitempty"`
}

type TeamsConfig struct {
	Enabled     bool           `json:"enabled"`
	AppID       string         `json:"appId"`
	AppPassword string         `json:"appPassword"`
	TenantID    string         `json:"tenantId,omitempty"`
	WebhookPath string         `json:"webhookPath,omitempty"`
	AllowFrom   FlexStringList `json:"allowFrom,omitempty"`
}

type GoogleChatConfig struct {
	Enabled       bool              `json:"enabled"`
	SpaceWebhooks map[string]string `json:"spaceWebhooks,omitempty"` // space name -> incoming webhook URL
	AllowSpaces   FlexStringList    `json:"allowSpaces,omitempty"`
	WebhookPath   string            `json:"webhookPath,omitempty"`
	AllowFrom     FlexStringList    `json:"allowFrom,omitempty"`
}

type WebSocketConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

// WebhookSlot configures one named inbound webhook endpoint.
type WebhookSlot struct {
	Name               string `json:"name"`
	Secret             string `json:"secret"`
	Description        string `json:"description,omitempty"`
	SyncTimeoutSeconds int    `json:"syncTimeoutSeconds,omitempty"`
}

// HistoryConfig configures the conversation transcript store.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	MaxPerChat    int    `json:"maxPerChat"`
	RetentionDays int    `json:"retentionDays"`
}

// PairingConfig configures the sender pairing gate. When required, senders
// not on a channel allow-list must submit the startup pairing code before
// their messages are routed.
type PairingConfig struct {
	Required bool `json:"required"`
	TTLDays  int  `json:"ttlDays,omitempty"`
}

// APIConfig configures the gateway HTTP server (webhooks, chat bridges,
// status, metrics).
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.chatrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrelay"
	}
	return filepath.Join(home, ".chatrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file, expands env var references and
// validates the result. YAML is detected by extension.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	// YAML goes through a JSON round-trip so both formats share the same
	// field tags and FlexStringList handling.
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
		data, err = json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("cannot convert config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.Channels.WebSocket.Port < 0 || cfg.Channels.WebSocket.Port > 65535 {
		errs = append(errs, "channels.websocket.port must be between 0 and 65535")
	}

	if cfg.History.Enabled {
		if cfg.History.MaxPerChat < 1 {
			errs = append(errs, "history.maxPerChat must be >= 1")
		}
		if cfg.History.RetentionDays < 1 {
			errs = append(errs, "history.retentionDays must be >= 1")
		}
	}

	if cfg.Pairing.Required && !cfg.History.Enabled {
		errs = append(errs, "pairing.required needs history.enabled (pairings are stored in the history database)")
	}

	seen := make(map[string]bool)
	for _, slot := range cfg.Webhooks {
		if slot.Name == "" {
			errs = append(errs, "webhooks: every slot needs a name")
			continue
		}
		if seen[slot.Name] {
			errs = append(errs, fmt.Sprintf("webhooks: duplicate slot name %q", slot.Name))
		}
		seen[slot.Name] = true
		if slot.Secret == "" {
			errs = append(errs, fmt.Sprintf("webhooks.%s: secret is required", slot.Name))
		}
	}

	if cfg.Channels.Matrix.Enabled && cfg.Channels.Matrix.Homeserver == "" {
		errs = append(errs, "channels.matrix.homeserver is required")
	}
	if cfg.Channels.Signal.Enabled && cfg.Channels.Signal.Number == "" {
		errs = append(errs, "channels.signal.number is required")
	}
	if cfg.Channels.Teams.Enabled && cfg.Channels.Teams.AppID == "" {
		errs = append(errs, "channels.teams.appId is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
