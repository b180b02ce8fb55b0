// Package delivery turns engine output into results and sends them to
// callers, either in place or to a callback URL.
package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"geminibridge/internal/domain"
	"geminibridge/internal/engine"
)

const (
	emptyReply        = "_(empty response)_"
	maxFailureExcerpt = 500
)

// Interpret maps the engine outcome for mode to a Result. In qa_blocks mode
// output that is not a JSON object with a non-empty blocks array is
// delivered as plain text.
func Interpret(mode domain.Mode, output string, err error) domain.Result {
	if err != nil {
		return domain.TextResult(false, FailureMessage(err))
	}
	if mode == domain.ModeQABlocks {
		if blocks, ok := ParseBlocks(output); ok {
			res := domain.TextResult(true, fallbackText(blocks, output))
			res.Blocks = blocks
			return res
		}
	}
	if strings.TrimSpace(output) == "" {
		return domain.TextResult(true, emptyReply)
	}
	return domain.TextResult(true, output)
}

// ParseBlocks extracts the blocks array from output, tolerating a
// surrounding code fence or stray prose.
func ParseBlocks(output string) ([]json.RawMessage, bool) {
	s := stripFence(strings.TrimSpace(output))
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	var envelope struct {
		Blocks []json.RawMessage `json:"blocks"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &envelope); err != nil {
		return nil, false
	}
	blocks := make([]json.RawMessage, 0, len(envelope.Blocks))
	for _, b := range envelope.Blocks {
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(b, &head) == nil && head.Type != "" {
			blocks = append(blocks, b)
		}
	}
	if len(blocks) == 0 {
		return nil, false
	}
	if len(blocks) > maxSlackBlocks {
		blocks = blocks[:maxSlackBlocks]
	}
	return blocks, true
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop the language tag line
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// fallbackText joins the header and section texts of blocks for clients
// that cannot render blocks.
func fallbackText(blocks []json.RawMessage, output string) string {
	var parts []string
	for _, b := range blocks {
		var blk struct {
			Type string `json:"type"`
			Text *struct {
				Text string `json:"text"`
			} `json:"text"`
		}
		if json.Unmarshal(b, &blk) != nil || blk.Text == nil {
			continue
		}
		if (blk.Type == "section" || blk.Type == "header") && blk.Text.Text != "" {
			parts = append(parts, blk.Text.Text)
		}
	}
	if len(parts) == 0 {
		return truncate(strings.TrimSpace(output), maxFallbackText)
	}
	return truncate(strings.Join(parts, "\n"), maxFallbackText)
}

// FailureMessage renders an engine error for the end user, with a hint on
// how to fix it.
func FailureMessage(err error) string {
	var engErr *engine.ReasoningEngineError
	if !errors.As(err, &engErr) {
		return fmt.Sprintf("❌ Error: %v", err)
	}
	switch engErr.Kind {
	case engine.KindTimeout:
		return fmt.Sprintf("⏱️ Gemini timed out after %s.\nTry a shorter request, or raise GEMINI_TIMEOUT_MS.", engErr.Timeout)
	case engine.KindCanceled:
		return fmt.Sprintf("🚫 Request canceled after %s before Gemini finished.", engErr.Elapsed.Round(time.Millisecond))
	case engine.KindNotFound:
		return fmt.Sprintf("❌ Gemini CLI not found (%s).\nInstall the CLI or set GEMINI_BIN to its path.", engErr.Bin)
	default:
		return fmt.Sprintf("❌ Gemini failed: %s\nCheck that the CLI is authenticated (run it once interactively or set GEMINI_API_KEY).",
			truncate(engErr.Error(), maxFailureExcerpt))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
