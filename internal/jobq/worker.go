package jobq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/groblegark/pulse/internal/model"
	"github.com/groblegark/pulse/internal/store"
)

// HandlerFunc processes one job payload. Returning an error schedules a
// retry until the attempt budget is exhausted.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// WorkerConfig tunes the polling worker. Zero values take the defaults.
type WorkerConfig struct {
	PollInterval time.Duration // default 500ms
	BatchSize    int           // default 20
	MaxAttempts  int           // default 3
	RetryDelay   time.Duration // default 30s
}

// Worker polls the jobs outbox and dispatches due jobs to handlers.
type Worker struct {
	store    store.Store
	logger   *slog.Logger
	cfg      WorkerConfig
	handlers map[string]HandlerFunc

	stop chan struct{}
	done chan struct{}
}

// NewWorker creates a Worker; register handlers with Handle before Start.
func NewWorker(s store.Store, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	return &Worker{
		store:    s,
		logger:   logger,
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Handle registers the handler for a job name, replacing any previous one.
func (w *Worker) Handle(name string, fn HandlerFunc) {
	w.handlers[name] = fn
}

// Start runs the polling loop until Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the polling loop and waits for the current pass to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// RunOnce processes one batch of due jobs. Exposed for tests and for callers
// that drive the queue manually.
func (w *Worker) RunOnce(ctx context.Context) {
	now := time.Now().UTC()
	jobs, err := w.store.DueJobs(ctx, now, w.cfg.BatchSize)
	if err != nil {
		w.logger.Warn("polling jobs failed", "error", err)
		return
	}
	for _, job := range jobs {
		w.dispatch(ctx, job)
	}
}

func (w *Worker) dispatch(ctx context.Context, job *model.Job) {
	handler, ok := w.handlers[job.Name]
	if !ok {
		w.fail(ctx, job, fmt.Errorf("no handler registered for %q", job.Name))
		return
	}
	if err := handler(ctx, job.Payload); err != nil {
		w.fail(ctx, job, err)
		return
	}
	if err := w.store.MarkJobDone(ctx, job.ID); err != nil {
		w.logger.Warn("marking job done failed", "job", job.Name, "id", job.ID, "error", err)
	}
}

func (w *Worker) fail(ctx context.Context, job *model.Job, jobErr error) {
	if job.Attempts+1 >= w.cfg.MaxAttempts {
		w.logger.Error("job exhausted retries", "job", job.Name, "id", job.ID, "attempts", job.Attempts+1, "error", jobErr)
		if err := w.store.MarkJobFailed(ctx, job.ID, jobErr.Error(), job.RunAt); err != nil {
			w.logger.Warn("recording job failure", "id", job.ID, "error", err)
		}
		if err := w.store.MarkJobDone(ctx, job.ID); err != nil {
			w.logger.Warn("retiring failed job", "id", job.ID, "error", err)
		}
		return
	}
	w.logger.Warn("job failed, scheduling retry", "job", job.Name, "id", job.ID, "attempt", job.Attempts+1, "error", jobErr)
	retryAt := time.Now().UTC().Add(w.cfg.RetryDelay)
	if err := w.store.MarkJobFailed(ctx, job.ID, jobErr.Error(), retryAt); err != nil {
		w.logger.Warn("scheduling job retry", "id", job.ID, "error", err)
	}
}
