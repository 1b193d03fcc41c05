// Package format converts the canonical Markdown emitted by the agent into
// each platform's native dialect. Conversion is pure and stateless, and never
// touches the inside of fenced code blocks: fences are extracted to
// placeholders first, the substitution passes run on the remaining text, and
// the fences are restored verbatim at the end. Pass order matters — rewriting
// bold before links would corrupt the link regex matches.
package format

import (
	"fmt"
	"regexp"
	"strings"

	"chatrelay/internal/domain"
)

var (
	codeBlockRe = regexp.MustCompile("```[\\s\\S]*?```")
	headingRe   = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	boldRe      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	linkRe      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	strikeRe    = regexp.MustCompile(`~~(.+?)~~`)
	fenceMarkRe = regexp.MustCompile("```\\w*\n?")
	// Matched after bold pairs are rewritten, so single asterisks are italic.
	italicRe = regexp.MustCompile(`\*([^*\n]+)\*`)
)

// Channels whose clients render standard Markdown unchanged.
var passthrough = map[domain.Channel]bool{
	domain.ChannelWebSocket: true,
	domain.ChannelDiscord:   true,
	domain.ChannelMatrix:    true,
	domain.ChannelTeams:     true,
	domain.ChannelCLI:       true,
	domain.ChannelWebhook:   true,
	domain.ChannelSystem:    true,
}

// Convert renders canonical Markdown into the native dialect of the given
// channel. Empty input always returns empty input; an unterminated fence is
// treated as ordinary text.
func Convert(text string, channel domain.Channel) string {
	if text == "" || passthrough[channel] {
		return text
	}

	switch channel {
	case domain.ChannelWhatsApp, domain.ChannelWhatsAppPersonal, domain.ChannelGoogleChat:
		return toSingleAsterisk(text)
	case domain.ChannelSlack:
		return toSlack(text)
	case domain.ChannelTelegram:
		return toTelegram(text)
	case domain.ChannelSignal:
		return toPlain(text)
	default:
		return toPlain(text)
	}
}

// extractCodeBlocks replaces each fenced block with a placeholder and
// returns the stripped text plus the original blocks.
func extractCodeBlocks(text string) (string, []string) {
	var blocks []string
	stripped := codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		blocks = append(blocks, m)
		return fmt.Sprintf("\x00CODE%d\x00", len(blocks)-1)
	})
	return stripped, blocks
}

func restoreCodeBlocks(text string, blocks []string) string {
	for i, block := range blocks {
		text = strings.Replace(text, fmt.Sprintf("\x00CODE%d\x00", i), block, 1)
	}
	return text
}

// toSingleAsterisk handles WhatsApp and Google Chat: headings collapse to a
// bold line, links become "text (url)", **bold** becomes *bold*,
// ~~strike~~ becomes ~strike~.
func toSingleAsterisk(text string) string {
	text, blocks := extractCodeBlocks(text)
	text = headingRe.ReplaceAllString(text, "*$1*")
	text = linkRe.ReplaceAllString(text, "$1 ($2)")
	text = boldRe.ReplaceAllString(text, "*$1*")
	text = strikeRe.ReplaceAllString(text, "~$1~")
	return restoreCodeBlocks(text, blocks)
}

// toSlack produces mrkdwn: links become <url|text>.
func toSlack(text string) string {
	text, blocks := extractCodeBlocks(text)
	text = headingRe.ReplaceAllString(text, "*$1*")
	text = linkRe.ReplaceAllString(text, "<$2|$1>")
	text = boldRe.ReplaceAllString(text, "*$1*")
	text = strikeRe.ReplaceAllString(text, "~$1~")
	return restoreCodeBlocks(text, blocks)
}

// toTelegram keeps [text](url) links, which Telegram renders, and strips
// strikethrough, which it does not.
func toTelegram(text string) string {
	text, blocks := extractCodeBlocks(text)
	text = headingRe.ReplaceAllString(text, "*$1*")
	text = boldRe.ReplaceAllString(text, "*$1*")
	text = strikeRe.ReplaceAllString(text, "$1")
	return restoreCodeBlocks(text, blocks)
}

// toPlain strips every marker: headings are upper-cased, fence delimiters
// removed with their content kept.
func toPlain(text string) string {
	text, blocks := extractCodeBlocks(text)
	text = headingRe.ReplaceAllStringFunc(text, func(m string) string {
		return strings.ToUpper(headingRe.ReplaceAllString(m, "$1"))
	})
	text = linkRe.ReplaceAllString(text, "$1 ($2)")
	text = boldRe.ReplaceAllString(text, "$1")
	text = italicRe.ReplaceAllString(text, "$1")
	text = strikeRe.ReplaceAllString(text, "$1")
	restored := restoreCodeBlocks(text, blocks)
	return fenceMarkRe.ReplaceAllString(restored, "")
}
