// Package workdir manages the per-request directories that hold
// materialized attachments and transcripts, and reaps old ones.
package workdir

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Manager creates request directories under a base directory.
type Manager struct {
	base   string
	logger *slog.Logger
}

func NewManager(base string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir %s: %w", base, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir %s: %w", abs, err)
	}
	return &Manager{base: abs, logger: logger.With("component", "workdir")}, nil
}

// Base returns the absolute base directory.
func (m *Manager) Base() string { return m.base }

// NewRequestDir creates an empty directory for one request. An empty id
// gets a fresh uuid.
func (m *Manager) NewRequestDir(id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	dir := filepath.Join(m.base, filepath.Base(id))
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("create request dir: %w", err)
	}
	return dir, nil
}

// Reap removes request directories last modified before now-maxAge and
// returns how many were removed.
func (m *Manager) Reap(now time.Time, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		return 0, fmt.Errorf("read work dir: %w", err)
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.base, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("failed to remove request dir", "path", path, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Reaper periodically removes expired request directories.
type Reaper struct {
	manager  *Manager
	maxAge   time.Duration
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewReaper(m *Manager, schedule string, maxAge time.Duration) *Reaper {
	if schedule == "" {
		schedule = "@every 1h"
	}
	return &Reaper{
		manager:  m,
		maxAge:   maxAge,
		schedule: schedule,
		logger:   m.logger,
	}
}

// Start schedules the reaper and stops it when ctx is done. A zero maxAge
// disables reaping.
func (r *Reaper) Start(ctx context.Context) error {
	if r.maxAge <= 0 {
		r.logger.Info("work dir reaper disabled")
		return nil
	}
	r.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := r.cron.AddFunc(r.schedule, r.RunOnce); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.logger.Info("work dir reaper started", "schedule", r.schedule, "retention", r.maxAge)

	go func() {
		<-ctx.Done()
		<-r.cron.Stop().Done()
	}()
	return nil
}

// RunOnce performs a single reap pass.
func (r *Reaper) RunOnce() {
	n, err := r.manager.Reap(time.Now(), r.maxAge)
	if err != nil {
		r.logger.Warn("work dir reap failed", "err", err)
		return
	}
	if n > 0 {
		r.logger.Info("reaped request dirs", "count", n, "older_than", humanize.Time(time.Now().Add(-r.maxAge)))
	}
}
