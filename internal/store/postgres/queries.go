package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/groblegark/pulse/internal/model"
)

// taskEventColumns is the column list used for SELECT statements on the
// task_events table.
const taskEventColumns = `id, run_id, environment_id, trace_id, span_id, parent_id,
	message, is_partial, is_cancelled, is_error, status, start_time, duration,
	properties, metadata, style, payload, payload_type, output, output_type,
	events, links, created_at`

// eventRecordColumns is the column list for SELECTs on event_records.
const eventRecordColumns = `id, event_id, environment_id, project_id, name, source,
	payload, payload_type, context, source_context, timestamp, queue_id,
	external_account_id, should_process_queue_pipeline,
	should_process_dispatcher_pipeline, deliver_at, pipeline_output_run_id,
	created_at, updated_at`

// pipelineRunColumns is the column list for SELECTs on pipeline_runs.
const pipelineRunColumns = `id, type, status, step_ids, next_step_index,
	input_event_id, output, metadata, error, created_at, updated_at`

// jobColumns is the column list for SELECTs on jobs.
const jobColumns = `id, name, payload, job_key, run_at, attempts, last_error, created_at, done_at`

// stepColumns is the shared column list for both pipeline step tables.
const stepColumns = `id, key, type, config, position`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// translateError maps driver-level errors to domain errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", model.ErrDuplicateKey, pqErr.Constraint)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrMissingEntity
	}
	return err
}

func queryInsertTaskEvents(ctx context.Context, db executor, events []*model.TaskEvent) error {
	for _, e := range events {
		_, err := db.ExecContext(ctx, `
			INSERT INTO task_events (
				id, run_id, environment_id, trace_id, span_id, parent_id,
				message, is_partial, is_cancelled, is_error, status, start_time, duration,
				properties, metadata, style, payload, payload_type, output, output_type,
				events, links, created_at
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10, $11, $12, $13,
				$14, $15, $16, $17, $18, $19, $20,
				$21, $22, $23
			)`,
			e.ID,
			e.RunID,
			nullString(e.EnvironmentID),
			e.TraceID,
			e.SpanID,
			nullString(e.ParentID),
			e.Message,
			e.IsPartial,
			e.IsCancelled,
			e.IsError,
			string(e.Status),
			e.StartTime,
			e.Duration,
			jsonbBytes(e.Properties),
			jsonbBytes(e.Metadata),
			jsonbBytes(e.Style),
			jsonbBytes(e.Payload),
			nullString(e.PayloadType),
			jsonbBytes(e.Output),
			nullString(e.OutputType),
			jsonbBytes(e.Events),
			jsonbBytes(e.Links),
			e.CreatedAt,
		)
		if err != nil {
			return translateError(err)
		}
	}
	return nil
}

func queryTaskEvents(ctx context.Context, db executor, filter model.TaskEventFilter) ([]*model.TaskEvent, error) {
	query := `SELECT ` + taskEventColumns + ` FROM task_events WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.RunID != "" {
		query += ` AND run_id = ` + arg(filter.RunID)
	}
	if filter.TraceID != "" {
		query += ` AND trace_id = ` + arg(filter.TraceID)
	}
	if filter.SpanID != "" {
		query += ` AND span_id = ` + arg(filter.SpanID)
	}
	if len(filter.SpanIDs) > 0 {
		query += ` AND span_id = ANY(` + arg(pq.Array(filter.SpanIDs)) + `)`
	}
	if filter.EnvironmentID != "" {
		query += ` AND environment_id = ` + arg(filter.EnvironmentID)
	}
	query += ` ORDER BY start_time ASC, created_at ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskEvents(rows)
}

func queryTraceSpans(ctx context.Context, db executor, traceID string) ([]*model.TaskEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+taskEventColumns+` FROM task_events
		WHERE trace_id = $1
		ORDER BY start_time ASC, created_at ASC`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskEvents(rows)
}

func queryTaskEventsBefore(ctx context.Context, db executor, cutoff time.Time, limit int) ([]*model.TaskEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+taskEventColumns+` FROM task_events
		WHERE created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTaskEvents(rows)
}

func queryDeleteTaskEventsBefore(ctx context.Context, db executor, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func queryCreateEventRecord(ctx context.Context, db executor, r *model.EventRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO event_records (
			id, event_id, environment_id, project_id, name, source,
			payload, payload_type, context, source_context, timestamp, queue_id,
			external_account_id, should_process_queue_pipeline,
			should_process_dispatcher_pipeline, deliver_at, pipeline_output_run_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19
		)`,
		r.ID,
		r.EventID,
		r.EnvironmentID,
		r.ProjectID,
		r.Name,
		nullString(r.Source),
		jsonbBytes(r.Payload),
		nullString(r.PayloadType),
		jsonbBytes(r.Context),
		jsonbBytes(r.SourceContext),
		r.Timestamp,
		nullString(r.QueueID),
		nullString(r.ExternalAccountID),
		r.ShouldProcessQueuePipeline,
		r.ShouldProcessDispatcherPipeline,
		nullTime(r.DeliverAt),
		nullString(r.PipelineOutputRunID),
		r.CreatedAt,
		r.UpdatedAt,
	)
	return translateError(err)
}

func queryGetEventRecord(ctx context.Context, db executor, id string) (*model.EventRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+eventRecordColumns+` FROM event_records WHERE id = $1`, id)
	r, err := scanEventRecord(row)
	if err != nil {
		return nil, translateError(err)
	}
	return r, nil
}

func queryFindEventRecord(ctx context.Context, db executor, eventID, environmentID string) (*model.EventRecord, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+eventRecordColumns+` FROM event_records
		WHERE event_id = $1 AND environment_id = $2`, eventID, environmentID)
	r, err := scanEventRecord(row)
	if err != nil {
		return nil, translateError(err)
	}
	return r, nil
}

func queryUpdateEventRecord(ctx context.Context, db executor, r *model.EventRecord) error {
	_, err := db.ExecContext(ctx, `
		UPDATE event_records SET
			payload = $2, payload_type = $3, context = $4, queue_id = $5,
			external_account_id = $6, deliver_at = $7, pipeline_output_run_id = $8,
			updated_at = $9
		WHERE id = $1`,
		r.ID,
		jsonbBytes(r.Payload),
		nullString(r.PayloadType),
		jsonbBytes(r.Context),
		nullString(r.QueueID),
		nullString(r.ExternalAccountID),
		nullTime(r.DeliverAt),
		nullString(r.PipelineOutputRunID),
		r.UpdatedAt,
	)
	return translateError(err)
}

func queryGetQueueBySlug(ctx context.Context, db executor, projectID, slug string) (*model.Queue, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, project_id, slug, name, created_at FROM queues
		WHERE project_id = $1 AND slug = $2`, projectID, slug)
	q, err := scanQueue(row)
	if err != nil {
		return nil, translateError(err)
	}
	return q, nil
}

func queryGetQueueSteps(ctx context.Context, db executor, queueID string) ([]*model.PipelineStep, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM queue_pipeline_steps
		WHERE queue_id = $1 ORDER BY position ASC`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

func queryGetDispatcher(ctx context.Context, db executor, id string) (*model.EventDispatcher, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, project_id, slug, enabled, created_at FROM event_dispatchers
		WHERE id = $1`, id)
	d, err := scanDispatcher(row)
	if err != nil {
		return nil, translateError(err)
	}
	return d, nil
}

func queryGetDispatcherSteps(ctx context.Context, db executor, dispatcherID string) ([]*model.PipelineStep, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM event_dispatcher_pipeline_steps
		WHERE dispatcher_id = $1 ORDER BY position ASC`, dispatcherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

// queryGetPipelineStep looks a step up across both owning tables; step ids
// are globally unique so at most one table has the row.
func queryGetPipelineStep(ctx context.Context, db executor, id string) (*model.PipelineStep, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM queue_pipeline_steps WHERE id = $1
		UNION ALL
		SELECT `+stepColumns+` FROM event_dispatcher_pipeline_steps WHERE id = $1`, id)
	s, err := scanStep(row)
	if err != nil {
		return nil, translateError(err)
	}
	return s, nil
}

func queryCreatePipelineRun(ctx context.Context, db executor, run *model.PipelineRun) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (
			id, type, status, step_ids, next_step_index, input_event_id,
			output, metadata, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID,
		string(run.Type),
		string(run.Status),
		jsonbBytes(run.StepIDs),
		nullIntPtr(run.NextStepIndex),
		run.InputEventID,
		jsonbBytes(run.Output),
		jsonbBytes(run.Metadata),
		nullString(run.Error),
		run.CreatedAt,
		run.UpdatedAt,
	)
	return translateError(err)
}

func queryGetPipelineRun(ctx context.Context, db executor, id string) (*model.PipelineRun, error) {
	row := db.QueryRowContext(ctx, `SELECT `+pipelineRunColumns+` FROM pipeline_runs WHERE id = $1`, id)
	run, err := scanPipelineRun(row)
	if err != nil {
		return nil, translateError(err)
	}
	return run, nil
}

func queryUpdatePipelineRun(ctx context.Context, db executor, run *model.PipelineRun) error {
	_, err := db.ExecContext(ctx, `
		UPDATE pipeline_runs SET
			status = $2, next_step_index = $3, output = $4, error = $5, updated_at = $6
		WHERE id = $1`,
		run.ID,
		string(run.Status),
		nullIntPtr(run.NextStepIndex),
		jsonbBytes(run.Output),
		nullString(run.Error),
		run.UpdatedAt,
	)
	return translateError(err)
}

func queryUpsertExternalAccount(ctx context.Context, db executor, a *model.ExternalAccount) (*model.ExternalAccount, error) {
	row := db.QueryRowContext(ctx, `
		INSERT INTO external_accounts (id, environment_id, identifier, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (environment_id, identifier)
		DO UPDATE SET identifier = EXCLUDED.identifier
		RETURNING id, environment_id, identifier, created_at`,
		a.ID, a.EnvironmentID, a.Identifier, a.CreatedAt)
	return scanExternalAccount(row)
}

// queryEnqueueJob inserts an outbox job. A pending job with the same job_key
// wins: the new row is silently discarded and the job id stays zero.
func queryEnqueueJob(ctx context.Context, db executor, job *model.Job) error {
	row := db.QueryRowContext(ctx, `
		INSERT INTO jobs (name, payload, job_key, run_at, attempts, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (job_key) WHERE done_at IS NULL DO NOTHING
		RETURNING id`,
		job.Name, jsonbBytes(job.Payload), nullString(job.JobKey), job.RunAt, job.CreatedAt)
	if err := row.Scan(&job.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil // deduplicated by job_key
		}
		return translateError(err)
	}
	return nil
}

func queryDueJobs(ctx context.Context, db executor, now time.Time, limit int) ([]*model.Job, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE done_at IS NULL AND run_at <= $1
		ORDER BY run_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func queryMarkJobDone(ctx context.Context, db executor, id int64) error {
	_, err := db.ExecContext(ctx, `UPDATE jobs SET done_at = NOW() WHERE id = $1`, id)
	return err
}

func queryMarkJobFailed(ctx context.Context, db executor, id int64, errMsg string, retryAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE jobs SET attempts = attempts + 1, last_error = $2, run_at = $3
		WHERE id = $1`, id, errMsg, retryAt)
	return err
}
