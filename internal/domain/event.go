package domain

import (
	"net/http"
	"net/url"
	"time"
)

// EventKind identifies which intake path produced an Event.
type EventKind string

const (
	KindSlashCommand EventKind = "slash_command"
	KindChatEvent    EventKind = "chat_event"
	KindOpsEvent     EventKind = "ops_event"
)

// Mode selects the prompt shape.
type Mode string

const (
	ModeOps      Mode = ""
	ModeQA       Mode = "qa"
	ModeQABlocks Mode = "qa_blocks"
)

// ParseMode maps a caller-supplied mode string to a Mode. Unknown values
// fall back to the operational shape.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeQA:
		return ModeQA
	case ModeQABlocks:
		return ModeQABlocks
	default:
		return ModeOps
	}
}

func (m Mode) String() string {
	if m == ModeOps {
		return "ops"
	}
	return string(m)
}

// Body is the classified request body: exactly one of FormBody, JSONBody
// or RawBody.
type Body interface {
	isBody()
}

// FormBody is a form-encoded chat slash command.
type FormBody struct {
	Values url.Values
}

// JSONBody is a decoded JSON object. Non-object JSON values are wrapped
// under the "payload" key.
type JSONBody struct {
	Object map[string]any
}

// RawBody is a body that could not be decoded as JSON or form data.
type RawBody struct {
	Text string
}

func (FormBody) isBody() {}
func (JSONBody) isBody() {}
func (RawBody) isBody()  {}

// Event is a classified incoming request. It is not mutated after
// classification.
type Event struct {
	ID          string
	Kind        EventKind
	Body        Body
	Mode        Mode
	Text        string
	Context     string
	User        string
	Channel     string
	ThreadTS    string
	ResponseURL string
	ForceAsync  bool
	Timeout     time.Duration // caller hint; zero means server default
	Attachments []AttachmentDescriptor
	Headers     http.Header
	ReceivedAt  time.Time
}

// Async reports whether the result goes to a callback rather than the
// original connection.
func (e Event) Async() bool {
	return e.ResponseURL != "" || e.ForceAsync
}

// BodyMap returns the body as a JSON-friendly value for prompt rendering.
func (e Event) BodyMap() map[string]any {
	switch b := e.Body.(type) {
	case JSONBody:
		return b.Object
	case RawBody:
		return map[string]any{"raw": b.Text}
	case FormBody:
		m := make(map[string]any, len(b.Values))
		for k, v := range b.Values {
			if len(v) == 1 {
				m[k] = v[0]
			} else {
				m[k] = v
			}
		}
		return m
	default:
		return nil
	}
}
