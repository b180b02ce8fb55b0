package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, Validate(Defaults()))
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	assert.Error(t, Validate(cfg), "port 0")

	cfg.Server.Port = 70000
	assert.Error(t, Validate(cfg), "port > 65535")
}

func TestValidate_GeminiTimeoutTooLow(t *testing.T) {
	cfg := Defaults()
	cfg.Gemini.TimeoutMS = 10
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TimeoutMS")
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.Log.Level = "verbose"
	assert.Error(t, Validate(cfg))
}

func TestValidate_BotIcon(t *testing.T) {
	for _, icon := range []string{"", ":robot_face:", "https://example.com/icon.png"} {
		cfg := Defaults()
		cfg.Bot.Icon = icon
		assert.NoError(t, Validate(cfg), "icon %q", icon)
	}

	cfg := Defaults()
	cfg.Bot.Icon = "robot"
	assert.Error(t, Validate(cfg), "bare icon name")
}

func TestValidate_EmptyFlags(t *testing.T) {
	cfg := Defaults()
	cfg.Gemini.Flags = nil
	assert.Error(t, Validate(cfg))
}

// --- ApplyEnv ---

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := Defaults()
	err := ApplyEnv(cfg, mapLookup(map[string]string{
		"PORT":                    "9000",
		"ATTACH_MAX_FILES":        "3",
		"ATTACH_MAX_BYTES":        "1024",
		"LOG_BODY":                "1",
		"QA_BLOCKS_DEFAULT":       "true",
		"GEMINI_FLAGS":            "--yolo  -p",
		"WORK_RETENTION":          "2h",
		"PROMPT_HEADER_ALLOWLIST": "X-One, X-Two",
		"BOT_NAME":                "   ",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Attachments.MaxFiles)
	assert.Equal(t, int64(1024), cfg.Attachments.MaxBytes)
	assert.True(t, cfg.Log.Body)
	assert.True(t, cfg.Prompt.QABlocksDefault)
	assert.Equal(t, []string{"--yolo", "-p"}, cfg.Gemini.Flags)
	assert.Equal(t, 2*time.Hour, cfg.Work.Retention)
	assert.Equal(t, []string{"X-One", "X-Two"}, cfg.Prompt.HeaderAllowlist)
	assert.Equal(t, "Gemini", cfg.Bot.Name, "blank BOT_NAME should be ignored")
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	cfg := Defaults()
	err := ApplyEnv(cfg, mapLookup(map[string]string{
		"PORT":           "eighty",
		"LOG_HEADERS":    "maybe",
		"WORK_RETENTION": "forever",
	}))
	require.Error(t, err)
	for _, key := range []string{"PORT", "LOG_HEADERS", "WORK_RETENTION"} {
		assert.Contains(t, err.Error(), key)
	}
}

// --- Load ---

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv("BRIDGE_TEST_NAME", "From YAML Env")
	yml := `
server:
  port: 8800
bot:
  name: ${BRIDGE_TEST_NAME}
gemini:
  timeoutMs: 5000
work:
  dir: ` + dir + `
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("GEMINI_TIMEOUT_MS", "7000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8800, cfg.Server.Port)
	assert.Equal(t, "From YAML Env", cfg.Bot.Name)
	assert.Equal(t, 7*time.Second, cfg.GeminiTimeout(), "env should override yaml")
	assert.Equal(t, 6, cfg.Attachments.MaxFiles, "defaults should survive")
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("BOT_ICON=https://example.com/bot.png\n"), 0o644))
	t.Setenv("BOT_ICON", "")
	os.Unsetenv("BOT_ICON")
	t.Setenv("WORK_DIR", dir)

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/bot.png", cfg.Bot.Icon)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not: a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestExpandEnvVars_Default(t *testing.T) {
	os.Unsetenv("BRIDGE_UNSET_VAR")
	got := ExpandEnvVars("a=${BRIDGE_UNSET_VAR:-fallback} b=${BRIDGE_UNSET_VAR}")
	assert.Equal(t, "a=fallback b=${BRIDGE_UNSET_VAR}", got)
}

// --- Sanitize ---

func TestSanitize_MasksAPIKey(t *testing.T) {
	cfg := Defaults()
	cfg.Gemini.APIKey = "AIzaSyA-1234567890abcdef"

	sanitized := Sanitize(cfg)
	assert.Equal(t, "AIza****cdef", sanitized.Gemini.APIKey)
	assert.Equal(t, "AIzaSyA-1234567890abcdef", cfg.Gemini.APIKey, "original config should not be modified")
}
