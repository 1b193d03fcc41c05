package domain

import "time"

// Channel identifies a chat platform or transport.
type Channel string

const (
	ChannelWebSocket        Channel = "websocket"
	ChannelDiscord          Channel = "discord"
	ChannelSlack            Channel = "slack"
	ChannelTelegram         Channel = "telegram"
	ChannelWhatsApp         Channel = "whatsapp"
	ChannelWhatsAppPersonal Channel = "whatsapp_personal"
	ChannelSignal           Channel = "signal"
	ChannelMatrix           Channel = "matrix"
	ChannelTeams            Channel = "teams"
	ChannelGoogleChat       Channel = "google_chat"
	ChannelWebhook          Channel = "webhook"
	ChannelCLI              Channel = "cli"
	ChannelSystem           Channel = "system"
)

// InboundMessage is a user turn received from a platform. Created once by an
// adapter on receipt of an external event and immutable after publish.
type InboundMessage struct {
	Channel   Channel
	SenderID  string
	ChatID    string
	Content   string
	Media     []string
	Metadata  map[string]string
	Timestamp time.Time
}

// OutboundMessage is one agent response, or one piece of a streamed response.
//
// A logical response is either a single message with both stream flags false,
// or N messages with IsStreamChunk set followed by exactly one terminal
// message with IsStreamEnd set (content may be empty). All messages of one
// logical response share a ChatID and are published in emission order.
type OutboundMessage struct {
	Channel       Channel
	ChatID        string
	Content       string
	IsStreamChunk bool
	IsStreamEnd   bool
	Metadata      map[string]string
}

// SystemEvent reports agent-internal progress (tool calls, thinking, errors).
// Delivered only to bridges (SSE, webhook), never to chat adapters.
type SystemEvent struct {
	EventType string
	Content   string
	Metadata  map[string]string
}

// Well-known SystemEvent types.
const (
	EventToolStart  = "tool_start"
	EventToolResult = "tool_result"
	EventThinking   = "thinking"
	EventError      = "error"
)
