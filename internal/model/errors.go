package model

import "errors"

// Domain errors surfaced by the public API. Infrastructure errors wrap these
// where a semantic cause is known; callers match with errors.Is.
var (
	// ErrInvalidFilter means a filter document was rejected by the schema.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrFilterMismatch means an event payload did not satisfy a pipeline
	// step's filter. The message is persisted verbatim on failed runs.
	ErrFilterMismatch = errors.New("Data does not match filter")

	// ErrUnsupportedStep means a pipeline step has a type the engine cannot
	// execute (including the reserved WEBHOOK type).
	ErrUnsupportedStep = errors.New("unsupported pipeline step type")

	// ErrMissingEntity means a referenced queue, dispatcher, event record or
	// run does not exist.
	ErrMissingEntity = errors.New("entity not found")

	// ErrMissingRunID means span synthesis was attempted without a run id.
	ErrMissingRunID = errors.New("run id is required")

	// ErrDuplicateKey is a unique-constraint violation, e.g. on
	// (event_id, environment_id) or (project_id, slug).
	ErrDuplicateKey = errors.New("duplicate key")
)
