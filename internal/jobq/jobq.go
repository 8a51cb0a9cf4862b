// Package jobq is the outbox-backed worker queue. Jobs are rows in the jobs
// table, written through the same store handle (and therefore the same
// transaction) as the state they follow from; a Worker polls due rows and
// dispatches them to registered handlers. Delivery is at-least-once: handlers
// must be idempotent.
package jobq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/groblegark/pulse/internal/model"
	"github.com/groblegark/pulse/internal/store"
)

// Job names recognized by the platform.
const (
	JobCreatePipeline   = "createPipeline"
	JobRunPipeline      = "runPipeline"
	JobDeliverEvent     = "deliverEvent"
	JobInvokeDispatcher = "events.invokeDispatcher"
)

// CreatePipelinePayload asks for a new pipeline run over an event record.
type CreatePipelinePayload struct {
	Type          model.PipelineType `json:"type"`
	QueueID       string             `json:"queue_id,omitempty"`
	DispatcherID  string             `json:"dispatcher_id,omitempty"`
	EventRecordID string             `json:"event_record_id"`
}

// RunPipelinePayload advances one pipeline run by one step.
type RunPipelinePayload struct {
	ID string `json:"id"`
}

// DeliverEventPayload hands an event record to the delivery subsystem.
type DeliverEventPayload struct {
	ID string `json:"id"`
}

// InvokeDispatcherPayload hands a pipeline output to a dispatcher.
type InvokeDispatcherPayload struct {
	ID            string `json:"id"`
	EventRecordID string `json:"event_record_id"`
}

// Options control scheduling of an enqueued job.
type Options struct {
	// RunAt is the earliest execution time; zero means now.
	RunAt time.Time

	// JobKey deduplicates against pending jobs with the same key.
	JobKey string
}

// Enqueue writes a job through s. Passing a transaction-scoped store makes
// the enqueue commit atomically with the caller's writes.
func Enqueue(ctx context.Context, s store.Store, name string, payload any, opts Options) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}
	now := time.Now().UTC()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	job := &model.Job{
		Name:      name,
		Payload:   data,
		JobKey:    opts.JobKey,
		RunAt:     runAt,
		CreatedAt: now,
	}
	if err := s.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	return nil
}
