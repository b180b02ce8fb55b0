package domain

import "encoding/json"

// Result is the transport-independent outcome of the reasoning step.
type Result struct {
	OK     bool              `json:"ok"`
	Reply  *string           `json:"reply"`
	Blocks []json.RawMessage `json:"blocks"`
}

// TextResult builds a Result carrying only a reply string.
func TextResult(ok bool, reply string) Result {
	return Result{OK: ok, Reply: &reply}
}

// ReplyText returns the reply or an empty string.
func (r Result) ReplyText() string {
	if r.Reply == nil {
		return ""
	}
	return *r.Reply
}

// State is a step of the per-request pipeline.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateClassified State = "CLASSIFIED"
	StateEnriched   State = "ENRICHED"
	StatePrompted   State = "PROMPTED"
	StateInvoked    State = "INVOKED"
	StateDelivered  State = "DELIVERED"
)
