// Package engine runs the external reasoning CLI on a composed prompt.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultTimeout   = 90 * time.Second
	maxStderrExcerpt = 2000
)

// ErrorKind classifies a ReasoningEngineError.
type ErrorKind string

const (
	KindTimeout  ErrorKind = "timeout"
	KindCanceled ErrorKind = "canceled"
	KindNotFound ErrorKind = "not_found"
	KindFailed   ErrorKind = "failed"
)

// ReasoningEngineError is returned for every unsuccessful invocation.
type ReasoningEngineError struct {
	Kind     ErrorKind
	Bin      string
	Stderr   string
	ExitCode int
	Timeout  time.Duration
	Elapsed  time.Duration
	Err      error
}

func (e *ReasoningEngineError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("reasoning engine timed out after %s", e.Timeout)
	case KindCanceled:
		return fmt.Sprintf("reasoning engine canceled after %s", e.Elapsed.Round(time.Millisecond))
	case KindNotFound:
		return fmt.Sprintf("reasoning engine not found: %s", e.Bin)
	}
	if e.Stderr != "" {
		return e.Stderr
	}
	if e.ExitCode != 0 {
		return fmt.Sprintf("exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "reasoning engine failed"
}

func (e *ReasoningEngineError) Unwrap() error { return e.Err }

// Config configures an Invoker.
type Config struct {
	Bin            string
	Flags          []string // fixed flags placed before the prompt
	APIKey         string   // exported to the child as GEMINI_API_KEY when set
	Timeout        time.Duration
	MaxConcurrency int
	Logger         *slog.Logger
}

// Invoker runs the reasoning CLI, at most MaxConcurrency at a time.
type Invoker struct {
	bin     string
	flags   []string
	apiKey  string
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

func NewInvoker(cfg Config) *Invoker {
	if cfg.Bin == "" {
		cfg.Bin = "gemini"
	}
	if cfg.Flags == nil {
		cfg.Flags = []string{"--yolo", "--prompt"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Invoker{
		bin:     cfg.Bin,
		flags:   append([]string(nil), cfg.Flags...),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:  cfg.Logger.With("component", "engine"),
	}
}

// EffectiveTimeout clamps a caller hint to the configured timeout. A zero
// or negative hint means the configured timeout.
func (i *Invoker) EffectiveTimeout(hint time.Duration) time.Duration {
	if hint <= 0 || hint > i.timeout {
		return i.timeout
	}
	return hint
}

// interrupted classifies a run stopped by its context. Only expiry of the
// invocation's own deadline is a timeout; anything the caller cancels,
// such as a disconnected client or shutdown, is reported as canceled.
func (i *Invoker) interrupted(parent, ctx context.Context, timeout, elapsed time.Duration) *ReasoningEngineError {
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		i.logger.Warn("engine timed out", "elapsed", elapsed, "timeout", timeout)
		return &ReasoningEngineError{Kind: KindTimeout, Bin: i.bin, Timeout: timeout, Elapsed: elapsed, Err: ctx.Err()}
	}
	i.logger.Warn("engine canceled", "elapsed", elapsed, "err", parent.Err())
	return &ReasoningEngineError{Kind: KindCanceled, Bin: i.bin, Timeout: timeout, Elapsed: elapsed, Err: parent.Err()}
}

// Run executes the engine once with prompt as its final argument, in dir.
// The timeout covers both waiting for a free slot and the run itself.
// Errors are always *ReasoningEngineError.
func (i *Invoker) Run(ctx context.Context, dir, prompt string, timeout time.Duration) (string, error) {
	timeout = i.EffectiveTimeout(timeout)
	parent := ctx
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	queued := time.Now()
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return "", i.interrupted(parent, ctx, timeout, time.Since(queued))
	}
	defer i.sem.Release(1)

	args := append(append([]string(nil), i.flags...), prompt)
	cmd := exec.CommandContext(ctx, i.bin, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second
	if i.apiKey != "" {
		cmd.Env = append(os.Environ(), "GEMINI_API_KEY="+i.apiKey)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	i.logger.Debug("engine starting", "bin", i.bin, "dir", dir, "prompt_len", len(prompt), "timeout", timeout)

	err := cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return "", &ReasoningEngineError{Kind: KindNotFound, Bin: i.bin, Err: err}
		}
		if ctx.Err() != nil {
			return "", i.interrupted(parent, ctx, timeout, elapsed)
		}
		engErr := &ReasoningEngineError{
			Kind:   KindFailed,
			Bin:    i.bin,
			Stderr: excerpt(stderr.String()),
			Err:    err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			engErr.ExitCode = exitErr.ExitCode()
		}
		i.logger.Warn("engine failed", "exit_code", engErr.ExitCode, "elapsed", elapsed)
		return "", engErr
	}

	out := strings.TrimSpace(stdout.String())
	i.logger.Info("engine finished", "elapsed", elapsed, "output_len", len(out))
	return out, nil
}

// excerpt trims s and keeps its tail, where CLIs put the actual error.
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderrExcerpt {
		return s
	}
	return "…" + s[len(s)-maxStderrExcerpt:]
}
