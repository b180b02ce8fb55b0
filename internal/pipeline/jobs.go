package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"geminibridge/internal/metrics"
)

// JobStatus is the state of a background job.
type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Job is a snapshot of one background request.
type Job struct {
	ID        string
	Status    JobStatus
	Error     string
	StartedAt time.Time
	DoneAt    time.Time
}

// Jobs runs asynchronous requests on their own goroutines, detached from
// the originating HTTP request, and lets shutdown wait for them.
type Jobs struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*Job

	gauge  *metrics.Gauge
	logger *slog.Logger
}

func NewJobs(logger *slog.Logger, gauge *metrics.Gauge) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Jobs{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*Job),
		gauge:  gauge,
		logger: logger.With("component", "jobs"),
	}
}

// Submit runs fn in the background under the tracker's context. Finished
// jobs are forgotten once they have been done for a minute.
func (j *Jobs) Submit(id string, fn func(ctx context.Context) error) {
	job := &Job{ID: id, Status: JobRunning, StartedAt: time.Now()}
	j.mu.Lock()
	j.jobs[id] = job
	j.mu.Unlock()

	j.wg.Add(1)
	if j.gauge != nil {
		j.gauge.Inc()
	}
	go func() {
		defer j.wg.Done()
		if j.gauge != nil {
			defer j.gauge.Dec()
		}

		err := fn(j.ctx)

		j.mu.Lock()
		job.DoneAt = time.Now()
		if err != nil {
			job.Status = JobFailed
			job.Error = err.Error()
		} else {
			job.Status = JobComplete
		}
		j.mu.Unlock()

		if err != nil {
			j.logger.Warn("background job failed", "request_id", id, "err", err)
		} else {
			j.logger.Debug("background job completed", "request_id", id, "elapsed", job.DoneAt.Sub(job.StartedAt))
		}
		j.clean(time.Minute)
	}()
}

// Running returns the number of jobs still in progress.
func (j *Jobs) Running() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, job := range j.jobs {
		if job.Status == JobRunning {
			n++
		}
	}
	return n
}

// Wait blocks until every submitted job has finished or ctx is done. When
// ctx expires first, running jobs are cancelled and ctx.Err is returned.
func (j *Jobs) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		j.logger.Warn("cancelling unfinished background jobs", "running", j.Running())
		j.cancel()
		return ctx.Err()
	}
}

func (j *Jobs) clean(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	j.mu.Lock()
	defer j.mu.Unlock()
	for id, job := range j.jobs {
		if job.Status != JobRunning && job.DoneAt.Before(cutoff) {
			delete(j.jobs, id)
		}
	}
}
