package model

import (
	"time"
)

// SpanStatus is the recorded outcome of a span.
type SpanStatus string

const (
	SpanStatusOK    SpanStatus = "OK"
	SpanStatusError SpanStatus = "ERROR"
)

// Well-known span-event names recorded inside a TaskEvent.
const (
	SpanEventCancellation = "cancellation"
	SpanEventException    = "exception"
)

// PrivateAttributePrefix marks flattened attribute keys that are internal to
// the platform and hidden from hydrated span views.
const PrivateAttributePrefix = "$."

// ProjectDirAttribute holds the absolute project directory used to rewrite
// stack-trace paths into project-relative form.
const ProjectDirAttribute = "$.projectDir"

// TaskEvent is a single span row. Rows are append-only: completing a partial
// span inserts a new row with the same (trace_id, span_id) rather than
// updating in place. Query paths deduplicate, preferring completed rows.
type TaskEvent struct {
	ID            string `json:"id"`
	RunID         string `json:"run_id"`
	EnvironmentID string `json:"environment_id,omitempty"`

	TraceID  string `json:"trace_id"`
	SpanID   string `json:"span_id"`
	ParentID string `json:"parent_id,omitempty"` // empty = root

	Message string `json:"message"`

	IsPartial   bool       `json:"is_partial"`
	IsCancelled bool       `json:"is_cancelled"`
	IsError     bool       `json:"is_error"`
	Status      SpanStatus `json:"status"`

	// StartTime is nanoseconds since the Unix epoch; Duration is nanoseconds
	// (zero while the span is partial).
	StartTime int64 `json:"start_time"`
	Duration  int64 `json:"duration"`

	Properties map[string]any `json:"properties,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Style      map[string]any `json:"style,omitempty"`

	Payload     any    `json:"payload,omitempty"`
	PayloadType string `json:"payload_type,omitempty"`
	Output      any    `json:"output,omitempty"`
	OutputType  string `json:"output_type,omitempty"`

	Events []SpanEvent `json:"events,omitempty"`
	Links  []SpanLink  `json:"links,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SpanEvent is a point-in-time event recorded inside a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Time       time.Time      `json:"time"`
	Properties map[string]any `json:"properties,omitempty"`
}

// SpanLink references a span outside the current trace tree.
type SpanLink struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// CancellationTime returns the time of the span's "cancellation" event, or
// the zero time if none was recorded.
func (e *TaskEvent) CancellationTime() time.Time {
	for _, ev := range e.Events {
		if ev.Name == SpanEventCancellation {
			return ev.Time
		}
	}
	return time.Time{}
}

// TaskEventFilter holds criteria for querying task event rows.
type TaskEventFilter struct {
	RunID         string   `json:"run_id,omitempty"`
	TraceID       string   `json:"trace_id,omitempty"`
	SpanID        string   `json:"span_id,omitempty"`
	SpanIDs       []string `json:"span_ids,omitempty"`
	EnvironmentID string   `json:"environment_id,omitempty"`
}
