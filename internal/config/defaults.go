package config

import "time"

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8765,
			MaxBodyBytes:  64 << 20,
			ShutdownGrace: 10 * time.Second,
		},
		Bot: BotConfig{
			Name: "Gemini",
			Icon: ":robot_face:",
		},
		Log: LogConfig{
			Level:    "info",
			Truncate: 800,
		},
		Attachments: AttachmentConfig{
			MaxFiles: 6,
			MaxBytes: 20 << 20,
		},
		Gemini: GeminiConfig{
			Bin:            "gemini",
			Flags:          []string{"--yolo", "--prompt"},
			TimeoutMS:      90_000,
			MaxConcurrency: 4,
		},
		Whisper: WhisperConfig{
			Model:     "base",
			TimeoutMS: 900_000,
		},
		Prompt: PromptConfig{
			HeaderAllowlist: []string{"Content-Type", "User-Agent", "X-GitHub-Event", "X-Request-Id"},
		},
		Work: WorkConfig{
			Dir:          "~/.geminibridge/work",
			Retention:    24 * time.Hour,
			ReapSchedule: "@every 1h",
		},
	}
}
