package metrics

import "fmt"

// Bridge is the set of metrics recorded by the request pipeline.
type Bridge struct {
	reg *Registry

	InFlight           *Gauge
	AsyncJobs          *Gauge
	InvalidJSON        *Counter
	AttachmentsStored  *Counter
	AttachmentsDropped *Counter
	EngineLatency      *Histogram
	TranscribeLatency  *Histogram
}

func NewBridge() *Bridge {
	reg := NewRegistry("geminibridge_")
	return &Bridge{
		reg:                reg,
		InFlight:           reg.Gauge("requests_in_flight", "Requests currently being processed", ""),
		AsyncJobs:          reg.Gauge("async_jobs_running", "Background jobs currently running", ""),
		InvalidJSON:        reg.Counter("invalid_json_total", "Requests rejected as invalid JSON", ""),
		AttachmentsStored:  reg.Counter("attachments_stored_total", "Attachments written to disk", ""),
		AttachmentsDropped: reg.Counter("attachments_dropped_total", "Attachments dropped by limits or errors", ""),
		EngineLatency: reg.Histogram("engine_duration_seconds", "Reasoning engine run time in seconds", "",
			[]float64{1, 5, 10, 30, 60, 90, 120, 300}),
		TranscribeLatency: reg.Histogram("transcribe_duration_seconds", "Transcription run time in seconds", "",
			[]float64{5, 30, 60, 120, 300, 600, 900}),
	}
}

// Registry exposes the underlying registry.
func (b *Bridge) Registry() *Registry { return b.reg }

// Request counts a classified request by event kind.
func (b *Bridge) Request(kind string) *Counter {
	return b.reg.Counter("requests_total", "Requests received by event kind", label("kind", kind))
}

// EngineRun counts reasoning engine outcomes: ok, timeout, canceled, not_found, failed.
func (b *Bridge) EngineRun(result string) *Counter {
	return b.reg.Counter("engine_runs_total", "Reasoning engine invocations by result", label("result", result))
}

// Transcription counts transcription outcomes: ok or failed.
func (b *Bridge) Transcription(result string) *Counter {
	return b.reg.Counter("transcriptions_total", "Audio transcriptions by result", label("result", result))
}

// Delivery counts deliveries by path (sync, callback, log) and result.
func (b *Bridge) Delivery(path, result string) *Counter {
	return b.reg.Counter("deliveries_total", "Result deliveries by path and result",
		label("path", path)+","+label("result", result))
}

func label(name, value string) string {
	return fmt.Sprintf("%s=%q", name, value)
}
