package store

import (
	"context"
	"time"

	"github.com/groblegark/pulse/internal/model"
)

// Store defines the persistence interface for the event platform.
type Store interface {
	// Task events (append-only span rows)
	InsertTaskEvents(ctx context.Context, events []*model.TaskEvent) error
	QueryTaskEvents(ctx context.Context, filter model.TaskEventFilter) ([]*model.TaskEvent, error)
	TraceSpans(ctx context.Context, traceID string) ([]*model.TaskEvent, error) // ordered by start_time ascending
	TaskEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.TaskEvent, error)
	DeleteTaskEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Event records
	CreateEventRecord(ctx context.Context, rec *model.EventRecord) error
	GetEventRecord(ctx context.Context, id string) (*model.EventRecord, error)
	FindEventRecord(ctx context.Context, eventID, environmentID string) (*model.EventRecord, error)
	UpdateEventRecord(ctx context.Context, rec *model.EventRecord) error

	// Queues and dispatchers
	GetQueueBySlug(ctx context.Context, projectID, slug string) (*model.Queue, error)
	GetQueueSteps(ctx context.Context, queueID string) ([]*model.PipelineStep, error)
	GetDispatcher(ctx context.Context, id string) (*model.EventDispatcher, error)
	GetDispatcherSteps(ctx context.Context, dispatcherID string) ([]*model.PipelineStep, error)
	GetPipelineStep(ctx context.Context, id string) (*model.PipelineStep, error)

	// Pipeline runs
	CreatePipelineRun(ctx context.Context, run *model.PipelineRun) error
	GetPipelineRun(ctx context.Context, id string) (*model.PipelineRun, error)
	UpdatePipelineRun(ctx context.Context, run *model.PipelineRun) error

	// External accounts
	UpsertExternalAccount(ctx context.Context, acct *model.ExternalAccount) (*model.ExternalAccount, error)

	// Jobs outbox
	EnqueueJob(ctx context.Context, job *model.Job) error
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*model.Job, error)
	MarkJobDone(ctx context.Context, id int64) error
	MarkJobFailed(ctx context.Context, id int64, errMsg string, retryAt time.Time) error

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
