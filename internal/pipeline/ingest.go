package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/groblegark/pulse/internal/idgen"
	"github.com/groblegark/pulse/internal/jobq"
	"github.com/groblegark/pulse/internal/model"
	"github.com/groblegark/pulse/internal/store"
)

// Environment scopes inbound events to a project environment.
type Environment struct {
	ID        string
	ProjectID string
}

// RawEvent is the client-supplied event content.
type RawEvent struct {
	EventID     string
	Name        string
	Payload     any
	PayloadType string
	Context     any

	// Timestamp defaults to receipt time.
	Timestamp time.Time
}

// SendOptions control scheduling and routing of an inbound event.
type SendOptions struct {
	// DeliverAt is the earliest delivery time; it wins over DeliverAfter.
	DeliverAt time.Time

	// DeliverAfter delays delivery relative to receipt.
	DeliverAfter time.Duration

	// QueueSlug routes the event through the project's queue of that slug.
	QueueSlug string

	// AccountID identifies the end-user account the event belongs to.
	AccountID string
}

// Ingest is the inbound event path: it persists event records, resolves
// their queue, and enqueues pipeline or delivery work.
type Ingest struct {
	store  store.Store
	logger *slog.Logger
}

// NewIngest creates an Ingest over the given store.
func NewIngest(s store.Store, logger *slog.Logger) *Ingest {
	return &Ingest{store: s, logger: logger}
}

// Send persists one inbound event and routes it. Resending an (eventID,
// environment) pair that already exists updates the stored row only while
// its scheduled delivery is still at least the update window away; otherwise
// the existing row is returned unchanged.
func (i *Ingest) Send(ctx context.Context, env Environment, raw RawEvent, opts SendOptions, sourceContext any, source string) (*model.EventRecord, error) {
	now := time.Now().UTC()

	var deliverAt time.Time
	switch {
	case !opts.DeliverAt.IsZero():
		deliverAt = opts.DeliverAt
	case opts.DeliverAfter > 0:
		deliverAt = now.Add(opts.DeliverAfter)
	}

	var queue *model.Queue
	if opts.QueueSlug != "" {
		q, err := i.store.GetQueueBySlug(ctx, env.ProjectID, opts.QueueSlug)
		if err != nil {
			return nil, fmt.Errorf("resolve queue %q: %w", opts.QueueSlug, err)
		}
		queue = q
	}

	var accountID string
	if opts.AccountID != "" {
		id, err := idgen.Generate("acct_")
		if err != nil {
			return nil, err
		}
		acct, err := i.store.UpsertExternalAccount(ctx, &model.ExternalAccount{
			ID:            id,
			EnvironmentID: env.ID,
			Identifier:    opts.AccountID,
			CreatedAt:     now,
		})
		if err != nil {
			return nil, fmt.Errorf("upsert external account: %w", err)
		}
		accountID = acct.ID
	}

	var rec *model.EventRecord
	err := i.store.RunInTransaction(ctx, func(tx store.Store) error {
		existing, err := tx.FindEventRecord(ctx, raw.EventID, env.ID)
		if err != nil && !errors.Is(err, model.ErrMissingEntity) {
			return fmt.Errorf("find event record: %w", err)
		}

		if existing != nil {
			// Past the update window the record is final.
			if existing.DeliverAt.IsZero() || existing.DeliverAt.Before(now.Add(model.EventRecordUpdateWindow)) {
				rec = existing
				return nil
			}
			existing.Payload = raw.Payload
			existing.PayloadType = raw.PayloadType
			existing.Context = raw.Context
			if accountID != "" {
				existing.ExternalAccountID = accountID
			}
			if queue != nil {
				existing.QueueID = queue.ID
			}
			existing.DeliverAt = deliverAt
			existing.UpdatedAt = now
			if err := tx.UpdateEventRecord(ctx, existing); err != nil {
				return fmt.Errorf("update event record: %w", err)
			}
			rec = existing
			return i.route(ctx, tx, rec, queue)
		}

		id, err := idgen.Generate("evr_")
		if err != nil {
			return err
		}
		timestamp := raw.Timestamp
		if timestamp.IsZero() {
			timestamp = now
		}
		rec = &model.EventRecord{
			ID:                         id,
			EventID:                    raw.EventID,
			EnvironmentID:              env.ID,
			ProjectID:                  env.ProjectID,
			Name:                       raw.Name,
			Source:                     source,
			Payload:                    raw.Payload,
			PayloadType:                raw.PayloadType,
			Context:                    raw.Context,
			SourceContext:              sourceContext,
			Timestamp:                  timestamp,
			ExternalAccountID:          accountID,
			ShouldProcessQueuePipeline: true,
			DeliverAt:                  deliverAt,
			CreatedAt:                  now,
			UpdatedAt:                  now,
		}
		if queue != nil {
			rec.QueueID = queue.ID
		}
		if err := tx.CreateEventRecord(ctx, rec); err != nil {
			return fmt.Errorf("create event record: %w", err)
		}
		return i.route(ctx, tx, rec, queue)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// route enqueues the follow-up for a written record: a pipeline when its
// queue has steps, direct delivery otherwise. The jobKeys keep resends from
// enqueueing a second pipeline or delivery for the same record.
func (i *Ingest) route(ctx context.Context, tx store.Store, rec *model.EventRecord, queue *model.Queue) error {
	if queue != nil {
		steps, err := tx.GetQueueSteps(ctx, queue.ID)
		if err != nil {
			return fmt.Errorf("load queue steps: %w", err)
		}
		if len(steps) > 0 {
			payload := jobq.CreatePipelinePayload{
				Type:          model.PipelineTypeQueue,
				QueueID:       queue.ID,
				EventRecordID: rec.ID,
			}
			return jobq.Enqueue(ctx, tx, jobq.JobCreatePipeline, payload, jobq.Options{JobKey: "pipeline:" + rec.ID})
		}
	}
	payload := jobq.DeliverEventPayload{ID: rec.ID}
	opts := jobq.Options{RunAt: rec.DeliverAt, JobKey: "event:" + rec.ID}
	return jobq.Enqueue(ctx, tx, jobq.JobDeliverEvent, payload, opts)
}
