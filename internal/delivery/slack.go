package delivery

import (
	"encoding/json"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"geminibridge/internal/domain"
)

const (
	// SectionTextLimit is the per-section chunk size for text replies.
	SectionTextLimit = 2900
	maxSlackBlocks   = 50
	maxFallbackText  = 3000
)

// SlackMessage is a response_url message. slack.WebhookMessage omits false
// unfurl flags, so the payload is spelled out here.
type SlackMessage struct {
	ResponseType    string            `json:"response_type"`
	Text            string            `json:"text"`
	Blocks          []json.RawMessage `json:"blocks,omitempty"`
	Username        string            `json:"username,omitempty"`
	IconURL         string            `json:"icon_url,omitempty"`
	IconEmoji       string            `json:"icon_emoji,omitempty"`
	ThreadTS        string            `json:"thread_ts,omitempty"`
	UnfurlLinks     bool              `json:"unfurl_links"`
	UnfurlMedia     bool              `json:"unfurl_media"`
	ReplaceOriginal bool              `json:"replace_original"`
}

// Identity is how the bot presents itself in Slack.
type Identity struct {
	Name string
	Icon string // URL or :emoji:
}

// IsSlackURL reports whether rawURL points at slack.com or a subdomain.
func IsSlackURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "slack.com" || strings.HasSuffix(host, ".slack.com")
}

// FormatSlack builds the Slack message for res. Text replies are split into
// section blocks; failed results get a context footer naming the request.
func FormatSlack(res domain.Result, bot Identity, threadTS, requestID string) SlackMessage {
	msg := SlackMessage{
		ResponseType: "in_channel",
		Username:     bot.Name,
		ThreadTS:     threadTS,
	}
	if strings.HasPrefix(bot.Icon, "http://") || strings.HasPrefix(bot.Icon, "https://") {
		msg.IconURL = bot.Icon
	} else if bot.Icon != "" {
		msg.IconEmoji = bot.Icon
	}

	reply := res.ReplyText()
	msg.Text = truncate(reply, maxFallbackText)
	if len(res.Blocks) > 0 {
		msg.Blocks = res.Blocks
		return msg
	}

	var blocks []slack.Block
	for _, chunk := range SplitText(reply, SectionTextLimit) {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false), nil, nil))
	}
	if !res.OK && requestID != "" {
		if len(blocks) >= maxSlackBlocks {
			blocks = blocks[:maxSlackBlocks-1]
		}
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, "request `"+requestID+"`", false, false)))
	}
	if len(blocks) > maxSlackBlocks {
		blocks = blocks[:maxSlackBlocks]
	}
	msg.Blocks = rawBlocks(blocks)
	return msg
}

func rawBlocks(blocks []slack.Block) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(blocks))
	for _, b := range blocks {
		data, err := json.Marshal(b)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

// SplitText splits msg into chunks of at most maxLen bytes, preferring to
// cut after a newline in the second half of a chunk and never inside a
// UTF-8 sequence.
func SplitText(msg string, maxLen int) []string {
	if msg == "" {
		return nil
	}
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
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
