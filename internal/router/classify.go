// Package router classifies incoming HTTP requests into domain events.
package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"geminibridge/internal/domain"
)

// ErrInvalidJSON is returned when a request declares a JSON content type but
// its body does not parse.
var ErrInvalidJSON = errors.New("invalid JSON payload")

// Config configures a Router.
type Config struct {
	// QABlocksDefault selects qa_blocks for chat events that name no mode.
	QABlocksDefault bool
}

// Router turns requests into events.
type Router struct {
	qaBlocksDefault bool
	newID           func() string
	now             func() time.Time
}

func New(cfg Config) *Router {
	return &Router{
		qaBlocksDefault: cfg.QABlocksDefault,
		newID:           uuid.NewString,
		now:             time.Now,
	}
}

// Classify builds the event for r, whose body has already been read into
// body. The returned event is not modified afterwards.
func (rt *Router) Classify(r *http.Request, body []byte) (domain.Event, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	ev := domain.Event{
		ID:         rt.newID(),
		Headers:    r.Header.Clone(),
		ReceivedAt: rt.now(),
	}

	if mediaType == "application/x-www-form-urlencoded" {
		if err := classifyForm(&ev, r, body); err != nil {
			return domain.Event{}, err
		}
		return ev, nil
	}

	query := r.URL.Query()
	ev.ForceAsync = queryForcesAsync(query.Get("async")) || preferAsync(r.Header)

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := decodeAll(dec, &decoded); err != nil {
		if isJSONMediaType(mediaType) {
			return domain.Event{}, ErrInvalidJSON
		}
		text := string(body)
		ev.Body = domain.RawBody{Text: text}
		ev.Mode = domain.ParseMode(query.Get("mode"))
		ev.Kind = domain.KindOpsEvent
		if ev.Mode != domain.ModeOps {
			ev.Kind = domain.KindChatEvent
			ev.Text = strings.TrimSpace(text)
		}
		return ev, nil
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		obj = map[string]any{"payload": decoded}
	}
	ev.Body = domain.JSONBody{Object: obj}

	slackObj, hasSlack := obj["slack"].(map[string]any)

	ev.Text = stringField(obj, "text")
	ev.Context = stringField(obj, "context")
	ev.User = firstNonEmpty(stringField(obj, "user"), stringField(obj, "user_name"), stringField(slackObj, "user"))
	ev.Channel = firstNonEmpty(stringField(obj, "channel"), stringField(obj, "channel_name"), stringField(slackObj, "channel"))
	ev.ThreadTS = firstNonEmpty(stringField(obj, "thread_ts"), stringField(slackObj, "thread_ts"))
	ev.ResponseURL = firstNonEmpty(stringField(obj, "response_url"), stringField(slackObj, "response_url"))
	ev.Attachments = attachments(obj["attachments"])
	ev.Timeout = timeoutHint(obj["timeout_ms"])

	if v, ok := obj["async"].(bool); ok && v {
		ev.ForceAsync = true
	}
	if v, ok := obj["sync"].(bool); ok && !v {
		ev.ForceAsync = true
	}

	switch {
	case stringField(obj, "mode") != "":
		ev.Mode = domain.ParseMode(stringField(obj, "mode"))
	case query.Get("mode") != "":
		ev.Mode = domain.ParseMode(query.Get("mode"))
	case hasSlack && rt.qaBlocksDefault:
		ev.Mode = domain.ModeQABlocks
	default:
		ev.Mode = domain.ModeOps
	}

	if hasSlack || ev.Mode == domain.ModeQA || ev.Mode == domain.ModeQABlocks {
		ev.Kind = domain.KindChatEvent
	} else {
		ev.Kind = domain.KindOpsEvent
	}
	return ev, nil
}

// classifyForm parses a Slack-style slash command.
func classifyForm(ev *domain.Event, r *http.Request, body []byte) error {
	req := r.Clone(r.Context())
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.Form, req.PostForm = nil, nil

	cmd, err := slack.SlashCommandParse(req)
	if err != nil {
		return fmt.Errorf("parse slash command: %w", err)
	}

	ev.Kind = domain.KindSlashCommand
	ev.Mode = domain.ModeQA
	ev.Body = domain.FormBody{Values: req.PostForm}
	ev.Text = strings.TrimSpace(cmd.Text)
	ev.User = firstNonEmpty(cmd.UserName, cmd.UserID)
	ev.Channel = firstNonEmpty(cmd.ChannelName, cmd.ChannelID)
	ev.ResponseURL = cmd.ResponseURL
	ev.ThreadTS = req.PostForm.Get("thread_ts")
	return nil
}

// decodeAll decodes exactly one JSON value and rejects trailing data.
func decodeAll(dec *json.Decoder, v *any) error {
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func isJSONMediaType(mt string) bool {
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func queryForcesAsync(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true"
}

func preferAsync(h http.Header) bool {
	for _, v := range h.Values("Prefer") {
		for _, pref := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(pref), "respond-async") {
				return true
			}
		}
	}
	return false
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// attachments extracts descriptors from the "attachments" array. Entries
// that are not objects are ignored.
func attachments(v any) []domain.AttachmentDescriptor {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]domain.AttachmentDescriptor, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		data, _ := m["data_base64"].(string)
		out = append(out, domain.AttachmentDescriptor{
			Filename:   stringField(m, "filename"),
			Mime:       stringField(m, "mime"),
			DataBase64: data,
		})
	}
	return out
}

// maxHintMS is the largest millisecond count representable as a Duration.
const maxHintMS = math.MaxInt64 / int64(time.Millisecond)

func timeoutHint(v any) time.Duration {
	var ms int64
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			ms = i
		} else if f, err := n.Float64(); err == nil && f > 0 {
			ms = maxHintMS
			if f < float64(maxHintMS) {
				ms = int64(f)
			}
		}
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err == nil || errors.Is(err, strconv.ErrRange) {
			ms = i
		}
	}
	if ms <= 0 {
		return 0
	}
	if ms > maxHintMS {
		ms = maxHintMS
	}
	return time.Duration(ms) * time.Millisecond
}
