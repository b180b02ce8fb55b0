package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the immutable process-wide configuration snapshot. It is built
// once at startup and shared by pointer; nothing mutates it afterwards.
type Config struct {
	Server      ServerConfig     `yaml:"server" json:"server"`
	Bot         BotConfig        `yaml:"bot" json:"bot"`
	Log         LogConfig        `yaml:"log" json:"log"`
	Attachments AttachmentConfig `yaml:"attachments" json:"attachments"`
	Gemini      GeminiConfig     `yaml:"gemini" json:"gemini"`
	Whisper     WhisperConfig    `yaml:"whisper" json:"whisper"`
	Prompt      PromptConfig     `yaml:"prompt" json:"prompt"`
	Work        WorkConfig       `yaml:"work" json:"work"`
	Metrics     MetricsConfig    `yaml:"metrics" json:"metrics"`
}

type ServerConfig struct {
	Host          string        `yaml:"host" json:"host"`
	Port          int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	MaxBodyBytes  int64         `yaml:"maxBodyBytes" json:"maxBodyBytes" validate:"min=1024"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace" json:"shutdownGrace" validate:"min=0"`
}

// BotConfig controls how replies appear when delivered as Slack messages.
type BotConfig struct {
	Name string `yaml:"name" json:"name"`
	Icon string `yaml:"icon" json:"icon"` // URL or :emoji:
}

type LogConfig struct {
	Level    string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Truncate int    `yaml:"truncate" json:"truncate" validate:"min=0"`
	Headers  bool   `yaml:"headers" json:"headers"`
	Body     bool   `yaml:"body" json:"body"`
}

type AttachmentConfig struct {
	MaxFiles int   `yaml:"maxFiles" json:"maxFiles" validate:"min=0,max=100"`
	MaxBytes int64 `yaml:"maxBytes" json:"maxBytes" validate:"min=1"`
}

type GeminiConfig struct {
	Bin            string   `yaml:"bin" json:"bin" validate:"required"`
	Flags          []string `yaml:"flags" json:"flags"`
	APIKey         string   `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	TimeoutMS      int      `yaml:"timeoutMs" json:"timeoutMs" validate:"min=1000"`
	MaxConcurrency int      `yaml:"maxConcurrency" json:"maxConcurrency" validate:"min=1,max=64"`
}

type WhisperConfig struct {
	Bin       string `yaml:"bin" json:"bin"`
	Venv      string `yaml:"venv" json:"venv"`
	Model     string `yaml:"model" json:"model"`
	Language  string `yaml:"language" json:"language"`
	TimeoutMS int    `yaml:"timeoutMs" json:"timeoutMs" validate:"min=1000"`
}

type PromptConfig struct {
	SystemPromptFile string   `yaml:"systemPromptFile" json:"systemPromptFile"`
	QABlocksDefault  bool     `yaml:"qaBlocksDefault" json:"qaBlocksDefault"`
	HeaderAllowlist  []string `yaml:"headerAllowlist" json:"headerAllowlist"`
}

type WorkConfig struct {
	Dir          string        `yaml:"dir" json:"dir" validate:"required"`
	Retention    time.Duration `yaml:"retention" json:"retention" validate:"min=0"`
	ReapSchedule string        `yaml:"reapSchedule" json:"reapSchedule"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// GeminiTimeout returns the reasoning engine timeout.
func (c *Config) GeminiTimeout() time.Duration {
	return time.Duration(c.Gemini.TimeoutMS) * time.Millisecond
}

// WhisperTimeout returns the transcription engine timeout.
func (c *Config) WhisperTimeout() time.Duration {
	return time.Duration(c.Whisper.TimeoutMS) * time.Millisecond
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Load builds the configuration snapshot: defaults, then the optional YAML
// file, then .env files, then process environment variables.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := Defaults()
	if path != "" {
		path = ExpandPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
		data = []byte(ExpandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.Work.Dir = ExpandPath(cfg.Work.Dir)
	cfg.Whisper.Bin = ExpandPath(cfg.Whisper.Bin)
	cfg.Whisper.Venv = ExpandPath(cfg.Whisper.Venv)
	cfg.Prompt.SystemPromptFile = ExpandPath(cfg.Prompt.SystemPromptFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// loadEnvFiles loads dotenv files without overwriting variables that are
// already set. Missing files are skipped.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			if fe.Param() != "" {
				errs = append(errs, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			} else {
				errs = append(errs, fmt.Sprintf("%s is %s", fe.Namespace(), fe.Tag()))
			}
		}
	}

	if cfg.Bot.Icon != "" && !strings.HasPrefix(cfg.Bot.Icon, "http://") &&
		!strings.HasPrefix(cfg.Bot.Icon, "https://") && !isEmojiName(cfg.Bot.Icon) {
		errs = append(errs, "bot.icon must be a URL or an :emoji: name")
	}
	if len(cfg.Gemini.Flags) == 0 {
		errs = append(errs, "gemini.flags must include at least the prompt flag")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isEmojiName(s string) bool {
	return len(s) > 2 && strings.HasPrefix(s, ":") && strings.HasSuffix(s, ":")
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
