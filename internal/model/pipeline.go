package model

import (
	"encoding/json"
	"time"
)

// PipelineType distinguishes the two owners of a pipeline: a queue routes its
// output to delivery, a dispatcher invokes the dispatcher subsystem.
type PipelineType string

const (
	PipelineTypeQueue      PipelineType = "QUEUE"
	PipelineTypeDispatcher PipelineType = "DISPATCHER"
)

// PipelineStepType is the kind of a pipeline step.
type PipelineStepType string

const (
	StepTypeFilter  PipelineStepType = "FILTER"
	StepTypeWebhook PipelineStepType = "WEBHOOK" // reserved, not executable
)

// PipelineStep is a declarative unit applied in order to an event's payload.
// Key is unique within the owning queue or dispatcher.
type PipelineStep struct {
	ID       string           `json:"id"`
	Key      string           `json:"key"`
	Type     PipelineStepType `json:"type"`
	Config   json.RawMessage  `json:"config"`
	Position int              `json:"position"`
}

// Queue is a named, ordered list of pipeline steps, addressed by
// (project_id, slug).
type Queue struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventDispatcher owns a pipeline whose output is handed to the dispatcher
// subsystem instead of delivery.
type EventDispatcher struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Slug      string    `json:"slug"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// PipelineRunStatus is the lifecycle state of a pipeline run.
type PipelineRunStatus string

const (
	RunStatusPending PipelineRunStatus = "PENDING"
	RunStatusStarted PipelineRunStatus = "STARTED"
	RunStatusSuccess PipelineRunStatus = "SUCCESS"
	RunStatusFailure PipelineRunStatus = "FAILURE"
)

// Terminal reports whether the status admits no further step execution.
func (s PipelineRunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailure
}

// RunMetadata carries the owning queue or dispatcher id through a run.
type RunMetadata struct {
	QueueID      string `json:"queue_id,omitempty"`
	DispatcherID string `json:"dispatcher_id,omitempty"`
}

// PipelineRun is one execution instance of a step list against one input
// event record. StepIDs is a snapshot taken at creation and never changes.
// NextStepIndex is nil exactly when the run is terminal.
type PipelineRun struct {
	ID            string            `json:"id"`
	Type          PipelineType      `json:"type"`
	Status        PipelineRunStatus `json:"status"`
	StepIDs       []string          `json:"step_ids"`
	NextStepIndex *int              `json:"next_step_index,omitempty"`
	InputEventID  string            `json:"input_event_id"`
	Output        any               `json:"output,omitempty"`
	Metadata      RunMetadata       `json:"metadata"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
