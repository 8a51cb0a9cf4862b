package model

import (
	"time"
)

// EventRecord is a persisted inbound event. Rows are immutable after create
// except for payload/context/queue/deliver_at, which the ingest path may
// rewrite while the record is still inside its update window.
type EventRecord struct {
	ID            string `json:"id"`
	EventID       string `json:"event_id"` // client-supplied; unique with environment_id
	EnvironmentID string `json:"environment_id"`
	ProjectID     string `json:"project_id"`

	Name          string `json:"name"`
	Source        string `json:"source,omitempty"`
	Payload       any    `json:"payload,omitempty"`
	PayloadType   string `json:"payload_type,omitempty"`
	Context       any    `json:"context,omitempty"`
	SourceContext any    `json:"source_context,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	QueueID                         string `json:"queue_id,omitempty"`
	ExternalAccountID               string `json:"external_account_id,omitempty"`
	ShouldProcessQueuePipeline      bool   `json:"should_process_queue_pipeline"`
	ShouldProcessDispatcherPipeline bool   `json:"should_process_dispatcher_pipeline"`

	// DeliverAt is the earliest delivery time; the zero time means immediate.
	DeliverAt time.Time `json:"deliver_at,omitempty"`

	// PipelineOutputRunID links an output record back to the pipeline run
	// that produced it.
	PipelineOutputRunID string `json:"pipeline_output_run_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventRecordUpdateWindow is how close to its scheduled delivery an event
// record may still be rewritten by a resend of the same (event_id,
// environment_id).
const EventRecordUpdateWindow = 5 * time.Second

// ExternalAccount identifies an end-user account on whose behalf events are
// sent, keyed by (environment_id, identifier).
type ExternalAccount struct {
	ID            string    `json:"id"`
	EnvironmentID string    `json:"environment_id"`
	Identifier    string    `json:"identifier"`
	CreatedAt     time.Time `json:"created_at"`
}
