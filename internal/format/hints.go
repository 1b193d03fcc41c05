package format

import "chatrelay/internal/domain"

// hints holds the one-sentence formatting instruction injected into the LLM
// system prompt per channel. Empty string means the channel renders standard
// Markdown and needs no hint.
var hints = map[domain.Channel]string{
	domain.ChannelWhatsApp: "Format: WhatsApp. Use *bold*, _italic_, ~strikethrough~, ```code```. " +
		"No headings, no links, no numbered lists. Keep it simple.",
	domain.ChannelWhatsAppPersonal: "Format: WhatsApp. Use *bold*, _italic_, ~strikethrough~, ```code```. " +
		"No headings, no links, no numbered lists. Keep it simple.",
	domain.ChannelSlack: "Format: Slack mrkdwn. Use *bold*, _italic_, ~strike~, `code`, ```code```. " +
		"Links: <url|text>. No headings — use *bold* on its own line.",
	domain.ChannelSignal:   "Format: plain text. No formatting marks. Use line breaks and spacing for structure.",
	domain.ChannelTelegram: "Format: Telegram Markdown. Use *bold*, _italic_, `code`, ```code```. Links: [text](url).",
	domain.ChannelTeams: "Format: Microsoft Teams. Use **bold**, _italic_, `code`, ```code```. " +
		"Links: [text](url). Headings work as standard Markdown.",
	domain.ChannelGoogleChat: "Format: Google Chat. Use *bold*, _italic_, ~strikethrough~, `code`. " +
		"No headings, no links. Keep it simple.",
}

// Hint returns the system-prompt formatting hint for a channel.
func Hint(channel domain.Channel) string {
	return hints[channel]
}
