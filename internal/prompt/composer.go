// Package prompt builds the task prompt handed to the reasoning engine.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"geminibridge/internal/domain"
)

const (
	// MaxBlocks is the block count ceiling given to the engine in qa_blocks mode.
	MaxBlocks = 20
	// MaxBlockText is the per-section text ceiling in qa_blocks mode.
	MaxBlockText = 2900

	redacted = "[redacted]"
)

// Input is everything a prompt may be composed from.
type Input struct {
	Mode    domain.Mode
	Text    string // free text, with any transcripts already appended
	Context string
	Files   []domain.MaterializedFile
	Headers http.Header
	Body    map[string]any
	User    string
	Channel string
}

// Composer renders prompts. It holds only the preamble and the header
// allow-list, both fixed at construction, so Compose is a pure function of
// its input.
type Composer struct {
	preamble string
	allowed  map[string]bool
}

func NewComposer(preamble string, headerAllowlist []string) *Composer {
	allowed := make(map[string]bool, len(headerAllowlist))
	for _, h := range headerAllowlist {
		allowed[http.CanonicalHeaderKey(strings.TrimSpace(h))] = true
	}
	return &Composer{preamble: strings.TrimSpace(preamble), allowed: allowed}
}

// HasPreamble reports whether a system preamble is prepended.
func (c *Composer) HasPreamble() bool { return c.preamble != "" }

// Compose returns the prompt for in. Files are referenced by path only.
func (c *Composer) Compose(in Input) string {
	var task string
	switch in.Mode {
	case domain.ModeQA:
		task = c.composeQA(in)
	case domain.ModeQABlocks:
		task = c.composeQABlocks(in)
	default:
		task = c.composeOps(in)
	}
	if c.preamble == "" {
		return task
	}
	return "## System Instructions\n" + c.preamble + "\n\n## Task\n" + task
}

func (c *Composer) composeQA(in Input) string {
	var b strings.Builder
	b.WriteString(`You are a helpful assistant answering a question from a chat user.
Answer concisely and directly. Use short paragraphs or bullet points, and skip preamble.
If local files are listed below, read them from disk when they are relevant to the question.
`)
	writeQuestion(&b, in)
	writeManifest(&b, in.Files)
	return b.String()
}

func (c *Composer) composeQABlocks(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a helpful assistant answering a question from a chat user.
Reply with ONE JSON object and nothing else, of the form {"blocks":[...]}.
Rules:
- Allowed block types: section, header, divider, context, fields, actions.
- At most %d blocks.
- Each section text must be at most %d characters; use mrkdwn formatting.
- Header text is plain_text only.
- Do not write any prose, explanation or code fence outside the JSON object.
`, MaxBlocks, MaxBlockText)
	writeQuestion(&b, in)
	writeManifest(&b, in.Files)
	return b.String()
}

func (c *Composer) composeOps(in Input) string {
	var b strings.Builder
	b.WriteString(`You are an operations assistant handling an incoming webhook event.
Work out what the event is about, carry out any task it asks for using the local files if listed,
and reply with a short plain-text summary of what you found or did.
`)

	b.WriteString("\n### Request headers\n")
	writeFencedJSON(&b, c.redactHeaders(in.Headers))

	b.WriteString("\n### Request body\n")
	writeFencedJSON(&b, withoutPayloads(in.Body))

	writeManifest(&b, in.Files)

	if text := strings.TrimSpace(in.Text); text != "" {
		b.WriteString("\n### Notes\n")
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String()
}

func writeQuestion(b *strings.Builder, in Input) {
	if ctx := strings.TrimSpace(in.Context); ctx != "" {
		b.WriteString("\n### Context\n")
		b.WriteString(ctx)
		b.WriteByte('\n')
	}
	b.WriteString("\n### Question\n")
	if in.User != "" || in.Channel != "" {
		b.WriteString("Asked by ")
		b.WriteString(orDefault(in.User, "unknown user"))
		if in.Channel != "" {
			b.WriteString(" in #")
			b.WriteString(in.Channel)
		}
		b.WriteString(":\n")
	}
	b.WriteString(strings.TrimSpace(in.Text))
	b.WriteByte('\n')
}

func writeManifest(b *strings.Builder, files []domain.MaterializedFile) {
	if len(files) == 0 {
		return
	}
	b.WriteString("\n### Local files\n")
	b.WriteString("These files are saved on local disk; read them directly by path.\n")
	for _, f := range files {
		mime := orDefault(f.Mime, "application/octet-stream")
		fmt.Fprintf(b, "- %s (%s, %s)\n", f.Path, humanize.IBytes(uint64(f.Size)), mime)
	}
}

func writeFencedJSON(b *strings.Builder, v any) {
	b.WriteString("```json\n")
	b.WriteString(marshalIndent(v))
	b.WriteString("\n```\n")
}

// redactHeaders flattens h into a map with the values of headers
// outside the allow-list replaced.
func (c *Composer) redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := http.CanonicalHeaderKey(name)
		if c.allowed[key] {
			out[key] = strings.Join(values, ", ")
		} else {
			out[key] = redacted
		}
	}
	return out
}

// withoutPayloads returns body with attachment data replaced by a size
// note, so encoded file bytes never reach the prompt. body is not modified.
func withoutPayloads(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	list, ok := body["attachments"].([]any)
	if !ok {
		return out
	}
	stripped := make([]any, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			stripped[i] = item
			continue
		}
		entry := make(map[string]any, len(m))
		for k, v := range m {
			entry[k] = v
		}
		if data, ok := m["data_base64"].(string); ok {
			entry["data_base64"] = fmt.Sprintf("[%d base64 chars omitted]", len(data))
		}
		stripped[i] = entry
	}
	out["attachments"] = stripped
	return out
}

// marshalIndent renders v as indented JSON. encoding/json sorts map keys,
// which keeps output stable across runs.
func marshalIndent(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
	return strings.TrimRight(buf.String(), "\n")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// LoadPreamble reads the system preamble file. An empty path yields an
// empty preamble and no error.
func LoadPreamble(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
