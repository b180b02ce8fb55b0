package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"geminibridge/internal/domain"
)

const defaultPostTimeout = 30 * time.Second

// NewHTTPClient returns a pooled client for callback posts.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultPostTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// PosterConfig configures a Poster.
type PosterConfig struct {
	Bot    Identity
	Client *http.Client
	Logger *slog.Logger
}

// Poster delivers results to callback URLs. Each delivery is a single
// attempt; failures are returned for logging and never retried.
type Poster struct {
	bot    Identity
	client *http.Client
	logger *slog.Logger
}

func NewPoster(cfg PosterConfig) *Poster {
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(defaultPostTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poster{
		bot:    cfg.Bot,
		client: cfg.Client,
		logger: cfg.Logger.With("component", "delivery"),
	}
}

// Payload returns the body posted to ev's callback: a Slack message for
// Slack hosts, otherwise the Result itself.
func (p *Poster) Payload(ev domain.Event, res domain.Result) any {
	if IsSlackURL(ev.ResponseURL) {
		return FormatSlack(res, p.bot, ev.ThreadTS, ev.ID)
	}
	return res
}

// Deliver posts res to ev.ResponseURL once. The response body is drained
// and discarded.
func (p *Poster) Deliver(ctx context.Context, ev domain.Event, res domain.Result) error {
	if ev.ResponseURL == "" {
		return fmt.Errorf("no callback URL")
	}
	body, err := json.Marshal(p.Payload(ev, res))
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ev.ResponseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback post: %w", err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	p.logger.Info("callback delivered",
		"request_id", ev.ID,
		"status", resp.StatusCode,
		"slack", IsSlackURL(ev.ResponseURL),
		"bytes", len(body),
		"elapsed", time.Since(start),
	)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
