package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg with values from environment variables. Empty
// values are ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("HOST", &cfg.Server.Host)
	e.int("PORT", &cfg.Server.Port)
	e.int64("MAX_BODY_BYTES", &cfg.Server.MaxBodyBytes)
	e.duration("SHUTDOWN_GRACE", &cfg.Server.ShutdownGrace)

	e.str("BOT_NAME", &cfg.Bot.Name)
	e.str("BOT_ICON", &cfg.Bot.Icon)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.int("LOG_TRUNCATE", &cfg.Log.Truncate)
	e.bool("LOG_HEADERS", &cfg.Log.Headers)
	e.bool("LOG_BODY", &cfg.Log.Body)

	e.int("ATTACH_MAX_FILES", &cfg.Attachments.MaxFiles)
	e.int64("ATTACH_MAX_BYTES", &cfg.Attachments.MaxBytes)

	e.str("GEMINI_BIN", &cfg.Gemini.Bin)
	e.list("GEMINI_FLAGS", " ", &cfg.Gemini.Flags)
	e.str("GEMINI_API_KEY", &cfg.Gemini.APIKey)
	e.int("GEMINI_TIMEOUT_MS", &cfg.Gemini.TimeoutMS)
	e.int("GEMINI_MAX_CONCURRENCY", &cfg.Gemini.MaxConcurrency)

	e.str("WHISPER_BIN", &cfg.Whisper.Bin)
	e.str("WHISPER_VENV", &cfg.Whisper.Venv)
	e.str("WHISPER_MODEL", &cfg.Whisper.Model)
	e.str("WHISPER_LANGUAGE", &cfg.Whisper.Language)
	e.int("WHISPER_TIMEOUT_MS", &cfg.Whisper.TimeoutMS)

	e.str("SYSTEM_PROMPT_FILE", &cfg.Prompt.SystemPromptFile)
	e.bool("QA_BLOCKS_DEFAULT", &cfg.Prompt.QABlocksDefault)
	e.list("PROMPT_HEADER_ALLOWLIST", ",", &cfg.Prompt.HeaderAllowlist)

	e.str("WORK_DIR", &cfg.Work.Dir)
	e.duration("WORK_RETENTION", &cfg.Work.Retention)
	e.str("WORK_REAP_SCHEDULE", &cfg.Work.ReapSchedule)

	e.bool("METRICS_ENABLED", &cfg.Metrics.Enabled)

	if len(e.errs) > 0 {
		return fmt.Errorf("invalid environment:\n  - %s", strings.Join(e.errs, "\n  - "))
	}
	return nil
}

type envReader struct {
	lookup LookupFunc
	errs   []string
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) int64(key string, dst *int64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

// bool accepts 1/0, true/false, yes/no, on/off.
func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = d
}

func (e *envReader) list(key, sep string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
