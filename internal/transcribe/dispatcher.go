// Package transcribe runs the external speech-to-text engine on audio
// attachments and folds the results into the request text.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"geminibridge/internal/domain"
)

const defaultTimeout = 15 * time.Minute

// AudioExtensions lists the file extensions handed to the engine.
var AudioExtensions = map[string]bool{
	".m4a": true, ".mp3": true, ".wav": true, ".ogg": true,
	".flac": true, ".aiff": true, ".wma": true, ".aac": true,
}

// IsAudio reports whether name has a recognized audio extension.
func IsAudio(name string) bool {
	return AudioExtensions[strings.ToLower(filepath.Ext(name))]
}

// Config configures a Dispatcher.
type Config struct {
	Resolver ExecutableResolver
	Model    string // e.g. "base", "small", "large-v3"
	Language string // optional ISO-639-1 code
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Dispatcher transcribes audio files one at a time.
type Dispatcher struct {
	resolver ExecutableResolver
	model    string
	language string
	timeout  time.Duration
	logger   *slog.Logger
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Resolver == nil {
		cfg.Resolver = PathResolver{}
	}
	if cfg.Model == "" {
		cfg.Model = "base"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		resolver: cfg.Resolver,
		model:    cfg.Model,
		language: cfg.Language,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With("component", "transcribe"),
	}
}

// TranscribeAll transcribes every audio file in files, sequentially. Files
// that are not audio produce no outcome. Failures are recorded on the
// returned transcripts, never returned as errors.
func (d *Dispatcher) TranscribeAll(ctx context.Context, files []domain.MaterializedFile) []domain.Transcript {
	var out []domain.Transcript
	var bin string
	var resolveErr error
	resolved := false

	for _, f := range files {
		if !IsAudio(f.Name) {
			continue
		}
		if !resolved {
			bin, resolveErr = d.resolver.Resolve(ctx)
			resolved = true
			if resolveErr != nil {
				d.logger.Warn("transcription engine unavailable", "err", resolveErr)
			}
		}
		if resolveErr != nil {
			out = append(out, domain.Transcript{File: f, Err: ErrNotFound})
			continue
		}

		text, err := d.run(ctx, bin, f)
		if err != nil {
			d.logger.Warn("transcription failed", "file", f.Name, "err", err)
		} else {
			d.logger.Info("transcription complete", "file", f.Name, "text_len", len(text))
		}
		out = append(out, domain.Transcript{File: f, Text: text, Err: err})
	}
	return out
}

func (d *Dispatcher) run(ctx context.Context, bin string, f domain.MaterializedFile) (string, error) {
	workDir := filepath.Dir(f.Path)
	outDir, err := os.MkdirTemp(workDir, ".transcript-*")
	if err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	args := []string{f.Path,
		"--model", d.model,
		"--output_format", "txt",
		"--output_dir", outDir,
	}
	if d.language != "" {
		args = append(args, "--language", d.language)
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = workDir
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("canceled: %w", ctx.Err())
		}
		if runCtx.Err() != nil {
			return "", fmt.Errorf("timed out after %s", d.timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s", lastLine(msg))
		}
		return "", fmt.Errorf("exit: %w", err)
	}

	stem := strings.TrimSuffix(f.Name, filepath.Ext(f.Name))
	data, err := os.ReadFile(filepath.Join(outDir, stem+".txt"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", errors.New("engine produced no transcript file")
		}
		return "", fmt.Errorf("read transcript: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("empty transcript")
	}
	d.logger.Debug("transcript read", "file", f.Name, "duration", time.Since(start))
	return text, nil
}

// AppendTranscripts returns text followed by one section per transcript:
// the transcript body on success, a warning line on failure.
func AppendTranscripts(text string, transcripts []domain.Transcript) string {
	var b strings.Builder
	b.WriteString(text)
	for _, t := range transcripts {
		name := t.File.OriginalName
		if name == "" {
			name = t.File.Name
		}
		if t.OK() {
			fmt.Fprintf(&b, "\n\nAudio Transcript from %s:\n%s", name, t.Text)
			continue
		}
		reason := "unknown error"
		if t.Err != nil {
			reason = t.Err.Error()
		}
		fmt.Fprintf(&b, "\n\n⚠️ Unable to transcribe %s: %s", name, reason)
	}
	return b.String()
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
