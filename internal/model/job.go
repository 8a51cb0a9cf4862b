package model

import (
	"encoding/json"
	"time"
)

// Job is a row in the jobs outbox. Jobs are written in the same transaction
// as the state they follow from and picked up by the jobq worker once due.
type Job struct {
	ID      int64           `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`

	// JobKey deduplicates pending jobs; enqueueing a second job with the
	// same key while one is pending keeps the first.
	JobKey string `json:"job_key,omitempty"`

	RunAt     time.Time  `json:"run_at"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DoneAt    *time.Time `json:"done_at,omitempty"`
}
