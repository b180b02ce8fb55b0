package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"geminibridge/internal/attachment"
	"geminibridge/internal/config"
	"geminibridge/internal/delivery"
	"geminibridge/internal/engine"
	"geminibridge/internal/metrics"
	"geminibridge/internal/pipeline"
	"geminibridge/internal/prompt"
	"geminibridge/internal/router"
	"geminibridge/internal/server"
	"geminibridge/internal/transcribe"
	"geminibridge/internal/workdir"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			if err := a.reaper.Start(ctx); err != nil {
				return err
			}
			return a.server.Run(ctx)
		},
	}
}

// app holds the wired components of a running bridge.
type app struct {
	server   *server.Server
	pipeline *pipeline.Pipeline
	reaper   *workdir.Reaper
}

// newApp wires every component from cfg. Only an unusable work directory
// is fatal; a missing preamble or transcription engine is logged and the
// bridge runs without them.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	wd, err := workdir.NewManager(cfg.Work.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("work dir: %w", err)
	}

	preamble, err := prompt.LoadPreamble(cfg.Prompt.SystemPromptFile)
	if err != nil {
		logger.Warn("system prompt unavailable, continuing without it", "path", cfg.Prompt.SystemPromptFile, "err", err)
		preamble = ""
	}

	resolver := transcribe.PathResolver{
		Override: cfg.Whisper.Bin,
		Venv:     cfg.Whisper.Venv,
	}
	if path, err := resolver.Resolve(context.Background()); err != nil {
		logger.Warn("transcription engine not found; audio attachments will carry a warning", "err", err)
	} else {
		logger.Info("transcription engine", "path", path)
	}

	m := metrics.NewBridge()
	p := pipeline.New(pipeline.Config{
		WorkDir: wd,
		Materializer: attachment.NewMaterializer(attachment.Config{
			MaxFiles: cfg.Attachments.MaxFiles,
			MaxBytes: cfg.Attachments.MaxBytes,
			Logger:   logger,
		}),
		Transcriber: transcribe.NewDispatcher(transcribe.Config{
			Resolver: resolver,
			Model:    cfg.Whisper.Model,
			Language: cfg.Whisper.Language,
			Timeout:  cfg.WhisperTimeout(),
			Logger:   logger,
		}),
		Composer: prompt.NewComposer(preamble, cfg.Prompt.HeaderAllowlist),
		Engine: engine.NewInvoker(engine.Config{
			Bin:            cfg.Gemini.Bin,
			Flags:          cfg.Gemini.Flags,
			APIKey:         cfg.Gemini.APIKey,
			Timeout:        cfg.GeminiTimeout(),
			MaxConcurrency: cfg.Gemini.MaxConcurrency,
			Logger:         logger,
		}),
		Deliverer: delivery.NewPoster(delivery.PosterConfig{
			Bot:    delivery.Identity{Name: cfg.Bot.Name, Icon: cfg.Bot.Icon},
			Logger: logger,
		}),
		Metrics:     m,
		Logger:      logger,
		LogTruncate: cfg.Log.Truncate,
	})

	srv := server.New(server.Config{
		Addr:           cfg.Addr(),
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		ShutdownGrace:  cfg.Server.ShutdownGrace,
		LogHeaders:     cfg.Log.Headers,
		LogBody:        cfg.Log.Body,
		LogTruncate:    cfg.Log.Truncate,
		MetricsEnabled: cfg.Metrics.Enabled,
		Router:         router.New(router.Config{QABlocksDefault: cfg.Prompt.QABlocksDefault}),
		Pipeline:       p,
		Logger:         logger,
	})

	return &app{
		server:   srv,
		pipeline: p,
		reaper:   workdir.NewReaper(wd, cfg.Work.ReapSchedule, cfg.Work.Retention),
	}, nil
}
