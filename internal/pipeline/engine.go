// Package pipeline executes queue and dispatcher pipelines over event
// records. The engine runs one step per worker invocation inside a single
// transaction, re-enqueueing itself until the run finalizes.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/groblegark/pulse/internal/filter"
	"github.com/groblegark/pulse/internal/idgen"
	"github.com/groblegark/pulse/internal/jobq"
	"github.com/groblegark/pulse/internal/model"
	"github.com/groblegark/pulse/internal/store"
)

// stepTimeout bounds one transactional step execution.
const stepTimeout = 10 * time.Second

// Engine advances pipeline runs one step at a time.
type Engine struct {
	store  store.Store
	logger *slog.Logger
}

// NewEngine creates an Engine over the given store.
func NewEngine(s store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: s, logger: logger}
}

// RegisterHandlers wires the engine's jobs into a worker. Delivery and
// dispatcher invocation are owned by other subsystems and registered
// separately.
func (e *Engine) RegisterHandlers(w *jobq.Worker) {
	w.Handle(jobq.JobCreatePipeline, func(ctx context.Context, raw json.RawMessage) error {
		var p jobq.CreatePipelinePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode createPipeline payload: %w", err)
		}
		assetID := p.QueueID
		if p.Type == model.PipelineTypeDispatcher {
			assetID = p.DispatcherID
		}
		_, err := e.CreatePipeline(ctx, p.Type, p.EventRecordID, assetID)
		return err
	})
	w.Handle(jobq.JobRunPipeline, func(ctx context.Context, raw json.RawMessage) error {
		var p jobq.RunPipelinePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode runPipeline payload: %w", err)
		}
		return e.RunPipeline(ctx, p.ID)
	})
}

// CreatePipeline snapshots the asset's step ids into a new PENDING run whose
// output starts as the input event's payload, and enqueues the first
// runPipeline invocation atomically with the run row.
func (e *Engine) CreatePipeline(ctx context.Context, typ model.PipelineType, eventRecordID, assetID string) (*model.PipelineRun, error) {
	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	var run *model.PipelineRun
	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		rec, err := tx.GetEventRecord(ctx, eventRecordID)
		if err != nil {
			return fmt.Errorf("load input event: %w", err)
		}

		var (
			steps    []*model.PipelineStep
			metadata model.RunMetadata
		)
		switch typ {
		case model.PipelineTypeQueue:
			steps, err = tx.GetQueueSteps(ctx, assetID)
			metadata.QueueID = assetID
		case model.PipelineTypeDispatcher:
			steps, err = tx.GetDispatcherSteps(ctx, assetID)
			metadata.DispatcherID = assetID
		default:
			return fmt.Errorf("unknown pipeline type %q", typ)
		}
		if err != nil {
			return fmt.Errorf("load pipeline steps: %w", err)
		}
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].Position < steps[j].Position })
		stepIDs := make([]string, len(steps))
		for i, s := range steps {
			stepIDs[i] = s.ID
		}

		id, err := idgen.Generate("run_")
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		cursor := 0
		run = &model.PipelineRun{
			ID:            id,
			Type:          typ,
			Status:        model.RunStatusPending,
			StepIDs:       stepIDs,
			NextStepIndex: &cursor,
			InputEventID:  rec.ID,
			Output:        rec.Payload,
			Metadata:      metadata,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.CreatePipelineRun(ctx, run); err != nil {
			return fmt.Errorf("create pipeline run: %w", err)
		}
		return jobq.Enqueue(ctx, tx, jobq.JobRunPipeline, jobq.RunPipelinePayload{ID: run.ID}, jobq.Options{})
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("pipeline run created", "run", run.ID, "type", typ, "steps", len(run.StepIDs))
	return run, nil
}

// RunPipeline executes the run's current step in one transaction. Step-level
// failures persist a FAILURE row and commit; only infrastructure errors
// escape (and retry through the worker).
func (e *Engine) RunPipeline(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	return e.store.RunInTransaction(ctx, func(tx store.Store) error {
		run, err := tx.GetPipelineRun(ctx, id)
		if err != nil {
			return fmt.Errorf("load pipeline run: %w", err)
		}
		if run.Status.Terminal() || run.NextStepIndex == nil {
			return nil
		}
		cursor := *run.NextStepIndex
		if cursor < 0 || cursor >= len(run.StepIDs) {
			return e.finalize(ctx, tx, run)
		}

		step, err := tx.GetPipelineStep(ctx, run.StepIDs[cursor])
		if err != nil {
			return fmt.Errorf("load pipeline step: %w", err)
		}
		if stepErr := executeStep(step, run.Output); stepErr != nil {
			return e.failRun(ctx, tx, run, stepErr)
		}

		// Advance only when a next step exists; otherwise finalize now.
		if cursor+1 < len(run.StepIDs) {
			next := cursor + 1
			run.Status = model.RunStatusStarted
			run.NextStepIndex = &next
			run.UpdatedAt = time.Now().UTC()
			if err := tx.UpdatePipelineRun(ctx, run); err != nil {
				return fmt.Errorf("advance pipeline run: %w", err)
			}
			return jobq.Enqueue(ctx, tx, jobq.JobRunPipeline, jobq.RunPipelinePayload{ID: run.ID}, jobq.Options{})
		}
		return e.finalize(ctx, tx, run)
	})
}

// executeStep applies one step to the run's current output. A nil return
// means the step passed.
func executeStep(step *model.PipelineStep, output any) error {
	switch step.Type {
	case model.StepTypeFilter:
		f, err := filter.Parse(step.Config)
		if err != nil {
			return err
		}
		doc, _ := output.(map[string]any)
		if !f.Match(doc) {
			return model.ErrFilterMismatch
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", model.ErrUnsupportedStep, step.Type)
	}
}

// finalize marks the run SUCCESS, writes its output event record, and
// enqueues the follow-up job for the run's owner.
func (e *Engine) finalize(ctx context.Context, tx store.Store, run *model.PipelineRun) error {
	in, err := tx.GetEventRecord(ctx, run.InputEventID)
	if err != nil {
		return fmt.Errorf("load input event: %w", err)
	}

	id, err := idgen.Generate("evr_")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	out := &model.EventRecord{
		ID:                id,
		EventID:           in.EventID + ":pipeline:" + run.ID,
		EnvironmentID:     in.EnvironmentID,
		ProjectID:         in.ProjectID,
		Name:              in.Name,
		Source:            in.Source,
		Payload:           run.Output,
		PayloadType:       in.PayloadType,
		Context:           in.Context,
		SourceContext:     in.SourceContext,
		Timestamp:         now,
		QueueID:           in.QueueID,
		ExternalAccountID: in.ExternalAccountID,

		// The output has been through its pipeline already.
		ShouldProcessQueuePipeline:      false,
		ShouldProcessDispatcherPipeline: in.ShouldProcessDispatcherPipeline && run.Type != model.PipelineTypeDispatcher,

		DeliverAt:           in.DeliverAt,
		PipelineOutputRunID: run.ID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := tx.CreateEventRecord(ctx, out); err != nil {
		return fmt.Errorf("create pipeline output event: %w", err)
	}

	run.Status = model.RunStatusSuccess
	run.NextStepIndex = nil
	run.UpdatedAt = now
	if err := tx.UpdatePipelineRun(ctx, run); err != nil {
		return fmt.Errorf("finalize pipeline run: %w", err)
	}

	switch run.Type {
	case model.PipelineTypeDispatcher:
		payload := jobq.InvokeDispatcherPayload{ID: run.Metadata.DispatcherID, EventRecordID: out.ID}
		return jobq.Enqueue(ctx, tx, jobq.JobInvokeDispatcher, payload, jobq.Options{})
	default:
		payload := jobq.DeliverEventPayload{ID: out.ID}
		opts := jobq.Options{RunAt: out.DeliverAt, JobKey: "event:" + out.ID}
		return jobq.Enqueue(ctx, tx, jobq.JobDeliverEvent, payload, opts)
	}
}

// failRun persists the step failure on the run. The nil return commits the
// FAILURE row instead of retrying the job.
func (e *Engine) failRun(ctx context.Context, tx store.Store, run *model.PipelineRun, stepErr error) error {
	run.Status = model.RunStatusFailure
	run.NextStepIndex = nil
	run.Error = stepErr.Error()
	run.UpdatedAt = time.Now().UTC()
	if err := tx.UpdatePipelineRun(ctx, run); err != nil {
		return fmt.Errorf("record pipeline failure: %w", err)
	}
	e.logger.Warn("pipeline run failed", "run", run.ID, "error", stepErr)
	return nil
}
