// Package output provides JSONL output for scheduler records.
//
// Output is structured as typed record envelopes containing jobs, workers
// and lifecycle events. Each line is a self-contained JSON object that can
// be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/HarrisonFulford/cacheout/pkg/model"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: cacheout.<type>.v<version>
const (
	// TypeJob identifies job listing records.
	TypeJob = "cacheout.job.v1"

	// TypeWorker identifies worker listing records.
	TypeWorker = "cacheout.worker.v1"

	// TypeJobEvent identifies lifecycle events for a single job.
	TypeJobEvent = "cacheout.job_event.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "cacheout.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "cacheout.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// Source names the emitter, typically the server base URL or "serve".
	Source string `json:"source"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobEvent is the payload of a TypeJobEvent record.
type JobEvent struct {
	Event string          `json:"event"`
	JobID string          `json:"job_id"`
	State model.JobStatus `json:"state"`

	WorkerID     string       `json:"worker_id,omitempty"`
	BuyerID      string       `json:"buyer_id,omitempty"`
	Cost         model.Amount `json:"cost"`
	RequeueCount int          `json:"requeue_count"`
	ErrorMessage string       `json:"error_message,omitempty"`

	// Duration is the run time in milliseconds, when start and end are known.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// Event names.
const (
	EventFinished = "finished"
)

// NewFinishedEvent builds the event for a job that reached a terminal state.
func NewFinishedEvent(job model.Job) *JobEvent {
	ev := &JobEvent{
		Event:        EventFinished,
		JobID:        job.JobID,
		State:        job.Status,
		WorkerID:     job.Worker(),
		BuyerID:      job.BuyerID,
		Cost:         job.Cost,
		RequeueCount: job.RequeueCount,
		ErrorMessage: job.ErrorMessage,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		ev.DurationMs = job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
	}
	return ev
}

// SummaryRecord is the data payload for a final listing summary.
type SummaryRecord struct {
	Jobs    int                     `json:"jobs"`
	Workers int                     `json:"workers"`
	ByState map[model.JobStatus]int `json:"by_state,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
