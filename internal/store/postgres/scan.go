package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/groblegark/pulse/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// nullString converts an empty string to a SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts the zero time to a SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// nullIntPtr converts a nil *int to a SQL NULL.
func nullIntPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// jsonbBytes marshals a value for a JSONB column; nil stays NULL.
func jsonbBytes(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalMap(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func unmarshalAny(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}

// scanTaskEvent scans a single row into a model.TaskEvent. The row must
// contain columns in the order defined by taskEventColumns.
func scanTaskEvent(row scannable) (*model.TaskEvent, error) {
	var e model.TaskEvent
	var (
		environmentID sql.NullString
		parentID      sql.NullString
		payloadType   sql.NullString
		outputType    sql.NullString
		properties    []byte
		metadata      []byte
		style         []byte
		payload       []byte
		output        []byte
		spanEvents    []byte
		links         []byte
	)

	err := row.Scan(
		&e.ID,
		&e.RunID,
		&environmentID,
		&e.TraceID,
		&e.SpanID,
		&parentID,
		&e.Message,
		&e.IsPartial,
		&e.IsCancelled,
		&e.IsError,
		&e.Status,
		&e.StartTime,
		&e.Duration,
		&properties,
		&metadata,
		&style,
		&payload,
		&payloadType,
		&output,
		&outputType,
		&spanEvents,
		&links,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.EnvironmentID = environmentID.String
	e.ParentID = parentID.String
	e.PayloadType = payloadType.String
	e.OutputType = outputType.String
	e.Properties = unmarshalMap(properties)
	e.Metadata = unmarshalMap(metadata)
	e.Style = unmarshalMap(style)
	e.Payload = unmarshalAny(payload)
	e.Output = unmarshalAny(output)
	if len(spanEvents) > 0 {
		_ = json.Unmarshal(spanEvents, &e.Events)
	}
	if len(links) > 0 {
		_ = json.Unmarshal(links, &e.Links)
	}
	return &e, nil
}

func scanTaskEvents(rows *sql.Rows) ([]*model.TaskEvent, error) {
	var out []*model.TaskEvent
	for rows.Next() {
		e, err := scanTaskEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// scanEventRecord scans a row in eventRecordColumns order.
func scanEventRecord(row scannable) (*model.EventRecord, error) {
	var r model.EventRecord
	var (
		source        sql.NullString
		payload       []byte
		payloadType   sql.NullString
		contextJSON   []byte
		sourceContext []byte
		queueID       sql.NullString
		accountID     sql.NullString
		deliverAt     sql.NullTime
		outputRunID   sql.NullString
	)

	err := row.Scan(
		&r.ID,
		&r.EventID,
		&r.EnvironmentID,
		&r.ProjectID,
		&r.Name,
		&source,
		&payload,
		&payloadType,
		&contextJSON,
		&sourceContext,
		&r.Timestamp,
		&queueID,
		&accountID,
		&r.ShouldProcessQueuePipeline,
		&r.ShouldProcessDispatcherPipeline,
		&deliverAt,
		&outputRunID,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Source = source.String
	r.Payload = unmarshalAny(payload)
	r.PayloadType = payloadType.String
	r.Context = unmarshalAny(contextJSON)
	r.SourceContext = unmarshalAny(sourceContext)
	r.QueueID = queueID.String
	r.ExternalAccountID = accountID.String
	r.DeliverAt = deliverAt.Time
	r.PipelineOutputRunID = outputRunID.String
	return &r, nil
}

func scanQueue(row scannable) (*model.Queue, error) {
	var q model.Queue
	var name sql.NullString
	if err := row.Scan(&q.ID, &q.ProjectID, &q.Slug, &name, &q.CreatedAt); err != nil {
		return nil, err
	}
	q.Name = name.String
	return &q, nil
}

func scanDispatcher(row scannable) (*model.EventDispatcher, error) {
	var d model.EventDispatcher
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Slug, &d.Enabled, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// scanStep scans a row in stepColumns order.
func scanStep(row scannable) (*model.PipelineStep, error) {
	var s model.PipelineStep
	var config []byte
	if err := row.Scan(&s.ID, &s.Key, &s.Type, &config, &s.Position); err != nil {
		return nil, err
	}
	s.Config = json.RawMessage(config)
	return &s, nil
}

func scanSteps(rows *sql.Rows) ([]*model.PipelineStep, error) {
	var out []*model.PipelineStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// scanPipelineRun scans a row in pipelineRunColumns order.
func scanPipelineRun(row scannable) (*model.PipelineRun, error) {
	var run model.PipelineRun
	var (
		stepIDs   []byte
		nextIndex sql.NullInt64
		output    []byte
		metadata  []byte
		runErr    sql.NullString
	)

	err := row.Scan(
		&run.ID,
		&run.Type,
		&run.Status,
		&stepIDs,
		&nextIndex,
		&run.InputEventID,
		&output,
		&metadata,
		&runErr,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(stepIDs) > 0 {
		_ = json.Unmarshal(stepIDs, &run.StepIDs)
	}
	if nextIndex.Valid {
		n := int(nextIndex.Int64)
		run.NextStepIndex = &n
	}
	run.Output = unmarshalAny(output)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &run.Metadata)
	}
	run.Error = runErr.String
	return &run, nil
}

// scanJob scans a row in jobColumns order.
func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var (
		payload   []byte
		jobKey    sql.NullString
		lastError sql.NullString
		doneAt    sql.NullTime
	)

	err := row.Scan(&j.ID, &j.Name, &payload, &jobKey, &j.RunAt, &j.Attempts, &lastError, &j.CreatedAt, &doneAt)
	if err != nil {
		return nil, err
	}

	j.Payload = json.RawMessage(payload)
	j.JobKey = jobKey.String
	j.LastError = lastError.String
	if doneAt.Valid {
		t := doneAt.Time
		j.DoneAt = &t
	}
	return &j, nil
}

func scanExternalAccount(row scannable) (*model.ExternalAccount, error) {
	var a model.ExternalAccount
	if err := row.Scan(&a.ID, &a.EnvironmentID, &a.Identifier, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
