// Package pipeline runs a classified event through enrichment, prompt
// composition, the reasoning engine and delivery.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"geminibridge/internal/attachment"
	"geminibridge/internal/delivery"
	"geminibridge/internal/domain"
	"geminibridge/internal/engine"
	"geminibridge/internal/metrics"
	"geminibridge/internal/prompt"
	"geminibridge/internal/transcribe"
	"geminibridge/internal/workdir"
)

// Engine runs the reasoning engine.
type Engine interface {
	Run(ctx context.Context, dir, prompt string, timeout time.Duration) (string, error)
}

// Transcriber turns audio files into transcripts.
type Transcriber interface {
	TranscribeAll(ctx context.Context, files []domain.MaterializedFile) []domain.Transcript
}

// Deliverer posts a result to an event's callback URL.
type Deliverer interface {
	Deliver(ctx context.Context, ev domain.Event, res domain.Result) error
}

// Config wires a Pipeline.
type Config struct {
	WorkDir      *workdir.Manager
	Materializer *attachment.Materializer
	Transcriber  Transcriber
	Composer     *prompt.Composer
	Engine       Engine
	Deliverer    Deliverer
	Jobs         *Jobs
	Metrics      *metrics.Bridge
	Logger       *slog.Logger
	LogTruncate  int // max logged reply length for log-only delivery
}

// Pipeline processes events. Steps run strictly in order for each event;
// events are independent of each other.
type Pipeline struct {
	workdir      *workdir.Manager
	materializer *attachment.Materializer
	transcriber  Transcriber
	composer     *prompt.Composer
	engine       Engine
	deliverer    Deliverer
	jobs         *Jobs
	metrics      *metrics.Bridge
	logger       *slog.Logger
	logTruncate  int
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewBridge()
	}
	if cfg.LogTruncate <= 0 {
		cfg.LogTruncate = 800
	}
	if cfg.Jobs == nil {
		cfg.Jobs = NewJobs(cfg.Logger, cfg.Metrics.AsyncJobs)
	}
	return &Pipeline{
		workdir:      cfg.WorkDir,
		materializer: cfg.Materializer,
		transcriber:  cfg.Transcriber,
		composer:     cfg.Composer,
		engine:       cfg.Engine,
		deliverer:    cfg.Deliverer,
		jobs:         cfg.Jobs,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With("component", "pipeline"),
		logTruncate:  cfg.LogTruncate,
	}
}

// Jobs returns the background job tracker.
func (p *Pipeline) Jobs() *Jobs { return p.jobs }

// Metrics returns the pipeline metrics.
func (p *Pipeline) Metrics() *metrics.Bridge { return p.metrics }

// Transition logs a state change for ev.
func (p *Pipeline) Transition(ev domain.Event, state domain.State, args ...any) {
	attrs := append([]any{"request_id", ev.ID, "state", string(state)}, args...)
	p.logger.Info("request state", attrs...)
}

// Process enriches ev, composes the prompt, runs the engine and interprets
// its output. Enrichment failures degrade the prompt; only engine failures
// make the result not ok.
func (p *Pipeline) Process(ctx context.Context, ev domain.Event) domain.Result {
	dir := p.requestDir(ev)

	files := p.materialize(ctx, dir, ev)
	transcripts := p.transcribe(ctx, files)
	text := transcribe.AppendTranscripts(ev.Text, transcripts)
	p.Transition(ev, domain.StateEnriched, "files", len(files), "transcripts", len(transcripts))

	promptText := p.composer.Compose(prompt.Input{
		Mode:    ev.Mode,
		Text:    text,
		Context: ev.Context,
		Files:   files,
		Headers: ev.Headers,
		Body:    ev.BodyMap(),
		User:    ev.User,
		Channel: ev.Channel,
	})
	p.Transition(ev, domain.StatePrompted, "mode", ev.Mode.String(), "prompt_len", len(promptText))

	start := time.Now()
	output, err := p.engine.Run(ctx, dir, promptText, ev.Timeout)
	p.metrics.EngineLatency.ObserveSince(start)
	p.metrics.EngineRun(engineResult(err)).Inc()
	p.Transition(ev, domain.StateInvoked, "ok", err == nil, "elapsed", time.Since(start))

	return delivery.Interpret(ev.Mode, output, err)
}

// Dispatch processes ev in the background and delivers the result to its
// callback URL. Without a callback URL the result is only logged.
func (p *Pipeline) Dispatch(ev domain.Event) {
	p.jobs.Submit(ev.ID, func(ctx context.Context) error {
		res := p.Process(ctx, ev)

		if ev.ResponseURL == "" {
			p.metrics.Delivery("log", "ok").Inc()
			p.Transition(ev, domain.StateDelivered, "path", "log", "ok", res.OK, "reply", truncate(res.ReplyText(), p.logTruncate))
			return nil
		}

		err := p.deliverer.Deliver(ctx, ev, res)
		if err != nil {
			p.metrics.Delivery("callback", "error").Inc()
			p.logger.Warn("callback delivery failed", "request_id", ev.ID, "err", err)
		} else {
			p.metrics.Delivery("callback", "ok").Inc()
		}
		p.Transition(ev, domain.StateDelivered, "path", "callback", "ok", res.OK, "delivered", err == nil)
		return err
	})
}

func (p *Pipeline) requestDir(ev domain.Event) string {
	if p.workdir == nil {
		return ""
	}
	dir, err := p.workdir.NewRequestDir(ev.ID)
	if err != nil {
		p.logger.Warn("request dir unavailable, using work dir", "request_id", ev.ID, "err", err)
		return p.workdir.Base()
	}
	return dir
}

func (p *Pipeline) materialize(ctx context.Context, dir string, ev domain.Event) []domain.MaterializedFile {
	if len(ev.Attachments) == 0 || p.materializer == nil || dir == "" {
		return nil
	}
	files := p.materializer.Materialize(ctx, dir, ev.Attachments)
	p.metrics.AttachmentsStored.Add(int64(len(files)))
	p.metrics.AttachmentsDropped.Add(int64(len(ev.Attachments) - len(files)))
	return files
}

func (p *Pipeline) transcribe(ctx context.Context, files []domain.MaterializedFile) []domain.Transcript {
	if len(files) == 0 || p.transcriber == nil {
		return nil
	}
	start := time.Now()
	transcripts := p.transcriber.TranscribeAll(ctx, files)
	if len(transcripts) > 0 {
		p.metrics.TranscribeLatency.ObserveSince(start)
	}
	for _, t := range transcripts {
		if t.OK() {
			p.metrics.Transcription("ok").Inc()
		} else {
			p.metrics.Transcription("failed").Inc()
		}
	}
	return transcripts
}

func engineResult(err error) string {
	if err == nil {
		return "ok"
	}
	var engErr *engine.ReasoningEngineError
	if errors.As(err, &engErr) {
		return string(engErr.Kind)
	}
	return "failed"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
