// Package server is the HTTP front door: health check, event intake and
// optional metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"geminibridge/internal/domain"
	"geminibridge/internal/pipeline"
	"geminibridge/internal/router"
)

const (
	invalidJSONReply = "❌ Invalid JSON payload."
	slashAckText     = "Working on it…"
)

// Config configures a Server.
type Config struct {
	Addr           string
	MaxBodyBytes   int64
	ShutdownGrace  time.Duration
	LogHeaders     bool
	LogBody        bool
	LogTruncate    int
	MetricsEnabled bool
	Router         *router.Router
	Pipeline       *pipeline.Pipeline
	Logger         *slog.Logger
}

// Server serves /health, /event and optionally /metrics.
type Server struct {
	addr           string
	maxBodyBytes   int64
	grace          time.Duration
	logHeaders     bool
	logBody        bool
	logTruncate    int
	metricsEnabled bool
	router         *router.Router
	pipeline       *pipeline.Pipeline
	logger         *slog.Logger
	httpServer     *http.Server
}

func New(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.LogTruncate <= 0 {
		cfg.LogTruncate = 800
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		addr:           cfg.Addr,
		maxBodyBytes:   cfg.MaxBodyBytes,
		grace:          cfg.ShutdownGrace,
		logHeaders:     cfg.LogHeaders,
		logBody:        cfg.LogBody,
		logTruncate:    cfg.LogTruncate,
		metricsEnabled: cfg.MetricsEnabled,
		router:         cfg.Router,
		pipeline:       cfg.Pipeline,
		logger:         cfg.Logger.With("component", "server"),
	}
}

// Handler returns the request handler. Anything other than the known
// routes is answered with 404 "Not found".
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			io.WriteString(w, "ok")
		case r.URL.Path == "/event" && r.Method == http.MethodPost:
			s.handleEvent(w, r)
		case r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.metricsEnabled:
			s.pipeline.Metrics().Registry().Handler()(w, r)
		default:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, "Not found")
		}
	})
}

// Run serves until ctx is done, then shuts down: stop accepting, let
// in-flight requests and background jobs finish, and force-close after the
// grace period.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http server starting", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down", "grace", s.grace)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
		defer cancel()

		var errs []error
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.httpServer.Close()
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := s.pipeline.Jobs().Wait(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("background jobs: %w", err))
		}
		if len(errs) > 0 {
			s.logger.Warn("forced shutdown after grace period")
		}
		return errors.Join(errs...)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	m := s.pipeline.Metrics()
	m.InFlight.Inc()
	defer m.InFlight.Dec()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.logger.Warn("request body too large", "limit", s.maxBodyBytes)
			writeJSON(w, http.StatusRequestEntityTooLarge, domain.TextResult(false, "❌ Payload too large."))
			return
		}
		s.logger.Warn("failed to read request body", "err", err)
		writeJSON(w, http.StatusBadRequest, domain.TextResult(false, "❌ Could not read request body."))
		return
	}
	s.logReceived(r, body)

	ev, err := s.router.Classify(r, body)
	if err != nil {
		if errors.Is(err, router.ErrInvalidJSON) {
			m.InvalidJSON.Inc()
			s.logger.Warn("invalid JSON payload", "content_type", r.Header.Get("Content-Type"), "bytes", len(body))
			writeJSON(w, http.StatusOK, domain.TextResult(false, invalidJSONReply))
			return
		}
		s.logger.Warn("request classification failed", "err", err)
		writeJSON(w, http.StatusOK, domain.TextResult(false, "❌ Could not parse request: "+err.Error()))
		return
	}
	m.Request(string(ev.Kind)).Inc()
	s.pipeline.Transition(ev, domain.StateClassified,
		"kind", ev.Kind,
		"mode", ev.Mode.String(),
		"async", ev.Async(),
		"attachments", len(ev.Attachments),
	)

	switch {
	case ev.Kind == domain.KindSlashCommand:
		writeJSON(w, http.StatusOK, map[string]string{
			"response_type": "ephemeral",
			"text":          slashAckText,
		})
		flush(w)
		s.pipeline.Dispatch(ev)
	case ev.Async():
		writeJSON(w, http.StatusAccepted, map[string]any{
			"ok":     true,
			"status": "accepted",
			"note":   "Processing asynchronously",
		})
		flush(w)
		s.pipeline.Dispatch(ev)
	default:
		res := s.pipeline.Process(r.Context(), ev)
		writeJSON(w, http.StatusOK, res)
		m.Delivery("sync", "ok").Inc()
		s.pipeline.Transition(ev, domain.StateDelivered, "path", "sync", "ok", res.OK)
	}
}

func (s *Server) logReceived(r *http.Request, body []byte) {
	attrs := []any{
		"state", string(domain.StateReceived),
		"method", r.Method,
		"path", r.URL.Path,
		"content_type", r.Header.Get("Content-Type"),
		"bytes", len(body),
		"remote", r.RemoteAddr,
	}
	if s.logHeaders {
		attrs = append(attrs, "headers", s.truncate(formatHeaders(r.Header)))
	}
	if s.logBody {
		attrs = append(attrs, "body", s.truncate(string(body)))
	}
	s.logger.Info("request received", attrs...)
}

func (s *Server) truncate(v string) string {
	r := []rune(v)
	if len(r) <= s.logTruncate {
		return v
	}
	return string(r[:s.logTruncate]) + fmt.Sprintf("… (%d more chars)", len(r)-s.logTruncate)
}

func formatHeaders(h http.Header) string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(strings.Join(h[name], ", "))
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
