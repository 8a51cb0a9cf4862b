package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/groblegark/pulse/internal/model"
	"github.com/groblegark/pulse/internal/store"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

// taskEventCols is the column list for scanTaskEvent results.
var taskEventCols = []string{
	"id", "run_id", "environment_id", "trace_id", "span_id", "parent_id",
	"message", "is_partial", "is_cancelled", "is_error", "status", "start_time", "duration",
	"properties", "metadata", "style", "payload", "payload_type", "output", "output_type",
	"events", "links", "created_at",
}

// eventRecordCols is the column list for scanEventRecord results.
var eventRecordCols = []string{
	"id", "event_id", "environment_id", "project_id", "name", "source",
	"payload", "payload_type", "context", "source_context", "timestamp", "queue_id",
	"external_account_id", "should_process_queue_pipeline",
	"should_process_dispatcher_pipeline", "deliver_at", "pipeline_output_run_id",
	"created_at", "updated_at",
}

// pipelineRunCols is the column list for scanPipelineRun results.
var pipelineRunCols = []string{
	"id", "type", "status", "step_ids", "next_step_index",
	"input_event_id", "output", "metadata", "error", "created_at", "updated_at",
}

// jobCols is the column list for scanJob results.
var jobCols = []string{
	"id", "name", "payload", "job_key", "run_at", "attempts", "last_error", "created_at", "done_at",
}

var stepCols = []string{"id", "key", "type", "config", "position"}

// addTaskEventRow adds a minimal span row to a sqlmock.Rows.
func addTaskEventRow(rows *sqlmock.Rows, id, runID, traceID, spanID string, now time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, runID, nil, traceID, spanID, nil,
		"work", false, false, false, "OK", now.UnixNano(), int64(1000),
		nil, nil, nil, nil, nil, nil, nil,
		nil, nil, now,
	)
}

func TestScanHelpers(t *testing.T) {
	// nullString
	if nullString("") != nil {
		t.Error("nullString(\"\") should be nil")
	}
	if nullString("hello") != "hello" {
		t.Errorf("nullString(\"hello\") = %v", nullString("hello"))
	}

	// nullTime
	if nullTime(time.Time{}) != nil {
		t.Error("nullTime(zero) should be nil")
	}
	now := time.Now()
	if nullTime(now) == nil {
		t.Error("nullTime(now) should not be nil")
	}

	// nullIntPtr
	if nullIntPtr(nil) != nil {
		t.Error("nullIntPtr(nil) should be nil")
	}
	n := 3
	if nullIntPtr(&n) != 3 {
		t.Errorf("nullIntPtr(&3) = %v", nullIntPtr(&n))
	}

	// jsonbBytes
	if jsonbBytes(nil) != nil {
		t.Error("jsonbBytes(nil) should be nil")
	}
	b, ok := jsonbBytes(map[string]any{"key": "value"}).([]byte)
	if !ok || string(b) != `{"key":"value"}` {
		t.Errorf("jsonbBytes = %v", jsonbBytes(map[string]any{"key": "value"}))
	}

	// unmarshalMap / unmarshalAny
	if unmarshalMap(nil) != nil {
		t.Error("unmarshalMap(nil) should be nil")
	}
	m := unmarshalMap([]byte(`{"a":1}`))
	if m["a"] != 1.0 {
		t.Errorf("unmarshalMap = %v", m)
	}
	if unmarshalAny([]byte(`"x"`)) != "x" {
		t.Errorf("unmarshalAny = %v", unmarshalAny([]byte(`"x"`)))
	}
}

func TestTranslateError(t *testing.T) {
	if translateError(nil) != nil {
		t.Error("translateError(nil) should be nil")
	}
	dup := translateError(&pq.Error{Code: "23505", Constraint: "event_records_event_id_environment_id_key"})
	if !errors.Is(dup, model.ErrDuplicateKey) {
		t.Errorf("23505 translated to %v, want ErrDuplicateKey", dup)
	}
	if err := translateError(sql.ErrNoRows); !errors.Is(err, model.ErrMissingEntity) {
		t.Errorf("ErrNoRows translated to %v, want ErrMissingEntity", err)
	}
	passthrough := errors.New("connection reset")
	if translateError(passthrough) != passthrough {
		t.Error("unrelated errors should pass through unchanged")
	}
}

func TestQueryInsertTaskEvents(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	events := []*model.TaskEvent{
		{
			ID: "evt_1", RunID: "run_1", TraceID: "trace1", SpanID: "span1",
			Message: "work", IsPartial: true, Status: model.SpanStatusOK,
			StartTime: now.UnixNano(), CreatedAt: now,
		},
		{
			ID: "evt_2", RunID: "run_1", TraceID: "trace1", SpanID: "span1",
			Message: "work", Status: model.SpanStatusOK,
			StartTime: now.UnixNano(), Duration: 1000, CreatedAt: now,
			Output: map[string]any{"n": 1}, OutputType: "application/json",
		},
	}

	mock.ExpectExec("INSERT INTO task_events").
		WithArgs(
			"evt_1", "run_1", nil, "trace1", "span1", nil,
			"work", true, false, false, "OK", now.UnixNano(), int64(0),
			nil, nil, nil, nil, nil, nil, nil,
			nil, nil, now,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO task_events").
		WithArgs(
			"evt_2", "run_1", nil, "trace1", "span1", nil,
			"work", false, false, false, "OK", now.UnixNano(), int64(1000),
			nil, nil, nil, nil, nil, []byte(`{"n":1}`), "application/json",
			nil, nil, now,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := queryInsertTaskEvents(context.Background(), db, events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueryTaskEvents(t *testing.T) {
	now := time.Now().UTC()

	for _, tc := range []struct {
		name      string
		filter    model.TaskEventFilter
		queryPat  string
		args      []driver.Value
		wantCount int
	}{
		{
			name:      "NoFilter",
			filter:    model.TaskEventFilter{},
			queryPat:  "SELECT .+ FROM task_events WHERE 1=1 ORDER BY start_time ASC, created_at ASC",
			wantCount: 2,
		},
		{
			name:      "ByRunID",
			filter:    model.TaskEventFilter{RunID: "run_1"},
			queryPat:  "SELECT .+ FROM task_events WHERE 1=1 AND run_id = \\$1 ORDER BY",
			args:      []driver.Value{"run_1"},
			wantCount: 1,
		},
		{
			name:      "ByTraceID",
			filter:    model.TaskEventFilter{TraceID: "trace1"},
			queryPat:  "SELECT .+ FROM task_events WHERE 1=1 AND trace_id = \\$1 ORDER BY",
			args:      []driver.Value{"trace1"},
			wantCount: 1,
		},
		{
			name:      "BySpanID",
			filter:    model.TaskEventFilter{SpanID: "span1"},
			queryPat:  "SELECT .+ FROM task_events WHERE 1=1 AND span_id = \\$1 ORDER BY",
			args:      []driver.Value{"span1"},
			wantCount: 1,
		},
		{
			name:      "BySpanIDs",
			filter:    model.TaskEventFilter{SpanIDs: []string{"span1", "span2"}},
			queryPat:  "SELECT .+ FROM task_events WHERE 1=1 AND span_id = ANY\\(\\$1\\) ORDER BY",
			args:      []driver.Value{pq.Array([]string{"span1", "span2"})},
			wantCount: 2,
		},
		{
			name:      "ByEnvironment",
			filter:    model.TaskEventFilter{EnvironmentID: "env_1"},
			queryPat:  "SELECT .+ FROM task_events WHERE 1=1 AND environment_id = \\$1 ORDER BY",
			args:      []driver.Value{"env_1"},
			wantCount: 1,
		},
		{
			name:      "Combined",
			filter:    model.TaskEventFilter{TraceID: "trace1", SpanID: "span1"},
			queryPat:  "SELECT .+ FROM task_events WHERE 1=1 AND trace_id = \\$1 AND span_id = \\$2 ORDER BY",
			args:      []driver.Value{"trace1", "span1"},
			wantCount: 1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			eq := mock.ExpectQuery(tc.queryPat)
			if len(tc.args) > 0 {
				eq.WithArgs(tc.args...)
			}
			rows := sqlmock.NewRows(taskEventCols)
			for i := range tc.wantCount {
				addTaskEventRow(rows, fmt.Sprintf("evt_%d", i+1), "run_1", "trace1", "span1", now)
			}
			eq.WillReturnRows(rows)

			events, err := queryTaskEvents(context.Background(), db, tc.filter)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(events) != tc.wantCount {
				t.Fatalf("expected %d events, got %d", tc.wantCount, len(events))
			}
		})
	}
}

func TestQueryTraceSpans(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(taskEventCols)
	addTaskEventRow(rows, "evt_1", "run_1", "trace1", "span1", now)
	addTaskEventRow(rows, "evt_2", "run_1", "trace1", "span2", now)
	mock.ExpectQuery("SELECT .+ FROM task_events WHERE trace_id = \\$1 ORDER BY start_time ASC, created_at ASC").
		WithArgs("trace1").WillReturnRows(rows)

	spans, err := queryTraceSpans(context.Background(), db, "trace1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].SpanID != "span1" || spans[1].SpanID != "span2" {
		t.Fatalf("got span ids %q, %q", spans[0].SpanID, spans[1].SpanID)
	}
}

func TestQueryTaskEventsBefore(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	cutoff := now.Add(-7 * 24 * time.Hour)

	rows := sqlmock.NewRows(taskEventCols)
	addTaskEventRow(rows, "evt_old", "run_1", "trace1", "span1", cutoff.Add(-time.Hour))
	mock.ExpectQuery("SELECT .+ FROM task_events WHERE created_at < \\$1 ORDER BY created_at ASC LIMIT \\$2").
		WithArgs(cutoff, 500).WillReturnRows(rows)

	events, err := queryTaskEventsBefore(context.Background(), db, cutoff, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].ID != "evt_old" {
		t.Fatalf("got %d events", len(events))
	}
}

func TestQueryDeleteTaskEventsBefore(t *testing.T) {
	db, mock := newMockDB(t)
	cutoff := time.Now().UTC()
	mock.ExpectExec("DELETE FROM task_events WHERE created_at < \\$1").
		WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := queryDeleteTaskEventsBefore(context.Background(), db, cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Fatalf("expected 42 rows deleted, got %d", n)
	}
}

func TestQueryCreateEventRecord(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	rec := &model.EventRecord{
		ID: "evr_1", EventID: "e1", EnvironmentID: "env_1", ProjectID: "proj_1",
		Name: "order.created", Source: "api",
		Payload: map[string]any{"foo": "ok"}, Timestamp: now,
		ShouldProcessQueuePipeline: true,
		CreatedAt:                  now, UpdatedAt: now,
	}
	mock.ExpectExec("INSERT INTO event_records").
		WithArgs(
			"evr_1", "e1", "env_1", "proj_1", "order.created", "api",
			[]byte(`{"foo":"ok"}`), nil, nil, nil, now, nil,
			nil, true, false, nil, nil,
			now, now,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := queryCreateEventRecord(context.Background(), db, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueryCreateEventRecord_Duplicate(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	rec := &model.EventRecord{
		ID: "evr_1", EventID: "e1", EnvironmentID: "env_1", ProjectID: "proj_1",
		Name: "n", Timestamp: now, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectExec("INSERT INTO event_records").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "event_records_event_id_environment_id_key"})

	err := queryCreateEventRecord(context.Background(), db, rec)
	if !errors.Is(err, model.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestQueryGetEventRecord(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	deliverAt := now.Add(time.Minute)

	rows := sqlmock.NewRows(eventRecordCols).AddRow(
		"evr_1", "e1", "env_1", "proj_1", "order.created", "api",
		[]byte(`{"foo":"ok"}`), nil, nil, nil, now, "q_1",
		nil, true, true, deliverAt, nil,
		now, now,
	)
	mock.ExpectQuery("SELECT .+ FROM event_records WHERE id = \\$1").
		WithArgs("evr_1").WillReturnRows(rows)

	rec, err := queryGetEventRecord(context.Background(), db, "evr_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.EventID != "e1" || rec.QueueID != "q_1" {
		t.Fatalf("got event_id=%q queue_id=%q", rec.EventID, rec.QueueID)
	}
	payload, _ := rec.Payload.(map[string]any)
	if payload["foo"] != "ok" {
		t.Fatalf("got payload=%v", rec.Payload)
	}
	if !rec.DeliverAt.Equal(deliverAt) {
		t.Fatalf("got deliver_at=%v", rec.DeliverAt)
	}
}

func TestQueryGetEventRecord_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT .+ FROM event_records WHERE id = \\$1").
		WithArgs("nonexistent").WillReturnError(sql.ErrNoRows)

	_, err := queryGetEventRecord(context.Background(), db, "nonexistent")
	if !errors.Is(err, model.ErrMissingEntity) {
		t.Fatalf("expected ErrMissingEntity, got %v", err)
	}
}

func TestQueryFindEventRecord(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(eventRecordCols).AddRow(
		"evr_1", "e1", "env_1", "proj_1", "n", nil,
		nil, nil, nil, nil, now, nil,
		nil, true, true, nil, nil,
		now, now,
	)
	mock.ExpectQuery("SELECT .+ FROM event_records WHERE event_id = \\$1 AND environment_id = \\$2").
		WithArgs("e1", "env_1").WillReturnRows(rows)

	rec, err := queryFindEventRecord(context.Background(), db, "e1", "env_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != "evr_1" {
		t.Fatalf("got id=%q", rec.ID)
	}
	if rec.DeliverAt != (time.Time{}) {
		t.Fatalf("expected zero deliver_at, got %v", rec.DeliverAt)
	}
}

func TestQueryUpdateEventRecord(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	rec := &model.EventRecord{
		ID:      "evr_1",
		Payload: map[string]any{"v": 2},
		QueueID: "q_1", ExternalAccountID: "acct_1",
		DeliverAt: now.Add(time.Minute), UpdatedAt: now,
	}
	mock.ExpectExec("UPDATE event_records SET").
		WithArgs("evr_1", []byte(`{"v":2}`), nil, nil, "q_1", "acct_1", rec.DeliverAt, nil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := queryUpdateEventRecord(context.Background(), db, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueryGetQueueBySlug(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "project_id", "slug", "name", "created_at"}).
		AddRow("q_1", "proj_1", "orders", "Orders", now)
	mock.ExpectQuery("SELECT .+ FROM queues WHERE project_id = \\$1 AND slug = \\$2").
		WithArgs("proj_1", "orders").WillReturnRows(rows)

	q, err := queryGetQueueBySlug(context.Background(), db, "proj_1", "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.ID != "q_1" || q.Name != "Orders" {
		t.Fatalf("got id=%q name=%q", q.ID, q.Name)
	}
}

func TestQueryGetQueueBySlug_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT .+ FROM queues WHERE project_id = \\$1 AND slug = \\$2").
		WithArgs("proj_1", "nope").WillReturnError(sql.ErrNoRows)

	_, err := queryGetQueueBySlug(context.Background(), db, "proj_1", "nope")
	if !errors.Is(err, model.ErrMissingEntity) {
		t.Fatalf("expected ErrMissingEntity, got %v", err)
	}
}

func TestQueryGetQueueSteps(t *testing.T) {
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows(stepCols).
		AddRow("step_1", "match", "FILTER", []byte(`{"foo":["ok"]}`), 0).
		AddRow("step_2", "narrow", "FILTER", []byte(`{"n":[{"$gt":10}]}`), 1)
	mock.ExpectQuery("SELECT .+ FROM queue_pipeline_steps WHERE queue_id = \\$1 ORDER BY position ASC").
		WithArgs("q_1").WillReturnRows(rows)

	steps, err := queryGetQueueSteps(context.Background(), db, "q_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Key != "match" || steps[1].Position != 1 {
		t.Fatalf("got key=%q position=%d", steps[0].Key, steps[1].Position)
	}
	if string(steps[0].Config) != `{"foo":["ok"]}` {
		t.Fatalf("got config=%s", steps[0].Config)
	}
}

func TestQueryGetDispatcher(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "project_id", "slug", "enabled", "created_at"}).
		AddRow("d_1", "proj_1", "notify", true, now)
	mock.ExpectQuery("SELECT .+ FROM event_dispatchers WHERE id = \\$1").
		WithArgs("d_1").WillReturnRows(rows)

	d, err := queryGetDispatcher(context.Background(), db, "d_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Slug != "notify" || !d.Enabled {
		t.Fatalf("got slug=%q enabled=%v", d.Slug, d.Enabled)
	}
}

func TestQueryGetDispatcherSteps(t *testing.T) {
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows(stepCols).
		AddRow("step_1", "match", "FILTER", []byte(`{}`), 0)
	mock.ExpectQuery("SELECT .+ FROM event_dispatcher_pipeline_steps WHERE dispatcher_id = \\$1 ORDER BY position ASC").
		WithArgs("d_1").WillReturnRows(rows)

	steps, err := queryGetDispatcherSteps(context.Background(), db, "d_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(steps) != 1 || steps[0].ID != "step_1" {
		t.Fatalf("got %d steps", len(steps))
	}
}

func TestQueryGetPipelineStep(t *testing.T) {
	db, mock := newMockDB(t)

	rows := sqlmock.NewRows(stepCols).
		AddRow("step_1", "match", "FILTER", []byte(`{"foo":["ok"]}`), 0)
	mock.ExpectQuery("SELECT .+ FROM queue_pipeline_steps WHERE id = \\$1 UNION ALL SELECT .+ FROM event_dispatcher_pipeline_steps WHERE id = \\$1").
		WithArgs("step_1").WillReturnRows(rows)

	step, err := queryGetPipelineStep(context.Background(), db, "step_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.Type != model.StepTypeFilter {
		t.Fatalf("got type=%q", step.Type)
	}
}

func TestQueryGetPipelineStep_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT .+ FROM queue_pipeline_steps WHERE id = \\$1 UNION ALL").
		WithArgs("nonexistent").WillReturnError(sql.ErrNoRows)

	_, err := queryGetPipelineStep(context.Background(), db, "nonexistent")
	if !errors.Is(err, model.ErrMissingEntity) {
		t.Fatalf("expected ErrMissingEntity, got %v", err)
	}
}

func TestQueryCreatePipelineRun(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	cursor := 0
	run := &model.PipelineRun{
		ID: "plr_1", Type: model.PipelineTypeQueue, Status: model.RunStatusPending,
		StepIDs: []string{"step_1", "step_2"}, NextStepIndex: &cursor,
		InputEventID: "evr_1", Output: map[string]any{"foo": "ok"},
		Metadata:  model.RunMetadata{QueueID: "q_1"},
		CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectExec("INSERT INTO pipeline_runs").
		WithArgs(
			"plr_1", "QUEUE", "PENDING", []byte(`["step_1","step_2"]`), 0,
			"evr_1", []byte(`{"foo":"ok"}`), []byte(`{"queue_id":"q_1"}`), nil,
			now, now,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := queryCreatePipelineRun(context.Background(), db, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueryGetPipelineRun(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(pipelineRunCols).AddRow(
		"plr_1", "DISPATCHER", "STARTED", []byte(`["step_1","step_2"]`), int64(1),
		"evr_1", []byte(`{"foo":"ok"}`), []byte(`{"dispatcher_id":"d_1"}`), nil,
		now, now,
	)
	mock.ExpectQuery("SELECT .+ FROM pipeline_runs WHERE id = \\$1").
		WithArgs("plr_1").WillReturnRows(rows)

	run, err := queryGetPipelineRun(context.Background(), db, "plr_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Type != model.PipelineTypeDispatcher || run.Status != model.RunStatusStarted {
		t.Fatalf("got type=%q status=%q", run.Type, run.Status)
	}
	if len(run.StepIDs) != 2 || run.StepIDs[1] != "step_2" {
		t.Fatalf("got step_ids=%v", run.StepIDs)
	}
	if run.NextStepIndex == nil || *run.NextStepIndex != 1 {
		t.Fatalf("got next_step_index=%v", run.NextStepIndex)
	}
	if run.Metadata.DispatcherID != "d_1" {
		t.Fatalf("got metadata=%+v", run.Metadata)
	}
}

func TestQueryGetPipelineRun_Terminal(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(pipelineRunCols).AddRow(
		"plr_1", "QUEUE", "FAILURE", []byte(`["step_1"]`), nil,
		"evr_1", nil, []byte(`{"queue_id":"q_1"}`), "Data does not match filter",
		now, now,
	)
	mock.ExpectQuery("SELECT .+ FROM pipeline_runs WHERE id = \\$1").
		WithArgs("plr_1").WillReturnRows(rows)

	run, err := queryGetPipelineRun(context.Background(), db, "plr_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.NextStepIndex != nil {
		t.Fatalf("terminal run should have nil cursor, got %v", *run.NextStepIndex)
	}
	if run.Error != "Data does not match filter" {
		t.Fatalf("got error=%q", run.Error)
	}
}

func TestQueryUpdatePipelineRun(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	run := &model.PipelineRun{
		ID: "plr_1", Status: model.RunStatusSuccess,
		Output: map[string]any{"foo": "ok"}, UpdatedAt: now,
	}
	mock.ExpectExec("UPDATE pipeline_runs SET").
		WithArgs("plr_1", "SUCCESS", nil, []byte(`{"foo":"ok"}`), nil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := queryUpdatePipelineRun(context.Background(), db, run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueryUpsertExternalAccount(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	acct := &model.ExternalAccount{ID: "acct_new", EnvironmentID: "env_1", Identifier: "user-42", CreatedAt: now}

	// The conflict path returns the previously stored row.
	mock.ExpectQuery("INSERT INTO external_accounts .+ ON CONFLICT \\(environment_id, identifier\\)").
		WithArgs("acct_new", "env_1", "user-42", now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "environment_id", "identifier", "created_at"}).
			AddRow("acct_old", "env_1", "user-42", now.Add(-time.Hour)))

	got, err := queryUpsertExternalAccount(context.Background(), db, acct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "acct_old" {
		t.Fatalf("expected the stored row back, got id=%q", got.ID)
	}
}

func TestQueryEnqueueJob(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	job := &model.Job{
		Name: "deliverEvent", Payload: json.RawMessage(`{"id":"evr_1"}`),
		JobKey: "event:evr_1", RunAt: now, CreatedAt: now,
	}
	mock.ExpectQuery("INSERT INTO jobs .+ ON CONFLICT \\(job_key\\) WHERE done_at IS NULL DO NOTHING RETURNING id").
		WithArgs("deliverEvent", []byte(`{"id":"evr_1"}`), "event:evr_1", now, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	if err := queryEnqueueJob(context.Background(), db, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ID != 7 {
		t.Fatalf("expected id=7, got %d", job.ID)
	}
}

func TestQueryEnqueueJob_Dedup(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	job := &model.Job{
		Name: "deliverEvent", Payload: json.RawMessage(`{"id":"evr_1"}`),
		JobKey: "event:evr_1", RunAt: now, CreatedAt: now,
	}

	// DO NOTHING yields no row; the enqueue is a silent no-op.
	mock.ExpectQuery("INSERT INTO jobs").
		WithArgs("deliverEvent", []byte(`{"id":"evr_1"}`), "event:evr_1", now, now).
		WillReturnError(sql.ErrNoRows)

	if err := queryEnqueueJob(context.Background(), db, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ID != 0 {
		t.Fatalf("deduplicated job should keep id=0, got %d", job.ID)
	}
}

func TestQueryDueJobs(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(jobCols).
		AddRow(int64(1), "runPipeline", []byte(`{"id":"plr_1"}`), nil, now.Add(-time.Minute), 0, nil, now.Add(-time.Minute), nil).
		AddRow(int64(2), "deliverEvent", []byte(`{"id":"evr_1"}`), "event:evr_1", now, 1, "downstream down", now, nil)
	mock.ExpectQuery("SELECT .+ FROM jobs WHERE done_at IS NULL AND run_at <= \\$1 ORDER BY run_at ASC LIMIT \\$2").
		WithArgs(now, 50).WillReturnRows(rows)

	jobs, err := queryDueJobs(context.Background(), db, now, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].Name != "runPipeline" || jobs[1].JobKey != "event:evr_1" {
		t.Fatalf("got names %q, job_key %q", jobs[0].Name, jobs[1].JobKey)
	}
	if jobs[1].Attempts != 1 || jobs[1].LastError != "downstream down" {
		t.Fatalf("got attempts=%d last_error=%q", jobs[1].Attempts, jobs[1].LastError)
	}
}

func TestQueryMarkJobDone(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("UPDATE jobs SET done_at = NOW\\(\\) WHERE id = \\$1").
		WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))

	if err := queryMarkJobDone(context.Background(), db, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueryMarkJobFailed(t *testing.T) {
	db, mock := newMockDB(t)
	retryAt := time.Now().UTC().Add(30 * time.Second)
	mock.ExpectExec("UPDATE jobs SET attempts = attempts \\+ 1, last_error = \\$2, run_at = \\$3 WHERE id = \\$1").
		WithArgs(int64(7), "downstream down", retryAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := queryMarkJobFailed(context.Background(), db, 7, "downstream down", retryAt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunInTransaction_Commit(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET done_at = NOW\\(\\) WHERE id = \\$1").
		WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.RunInTransaction(context.Background(), func(tx store.Store) error {
		return tx.MarkJobDone(context.Background(), 1)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunInTransaction_Rollback(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.RunInTransaction(context.Background(), func(tx store.Store) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the callback error back, got %v", err)
	}
}
