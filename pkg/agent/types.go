package agent

import "time"

// RunState is the local outcome of one job execution.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateRunning     RunState = "running"
	RunStateCompleted   RunState = "completed"
	RunStateFailed      RunState = "failed"
	RunStateInterrupted RunState = "interrupted"
	RunStateUnknown     RunState = "unknown"
)

// Record is the persistent record written to job.json for every job this
// agent ran.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	JobID    string   `json:"job_id"`
	Title    string   `json:"title,omitempty"`
	WorkerID string   `json:"worker_id"`
	Server   string   `json:"server,omitempty"`
	State    RunState `json:"state"`
	Command  string   `json:"command,omitempty"`
	PID      int      `json:"pid,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Error    string   `json:"error,omitempty"`

	// Reported records whether the outcome reached the server.
	Reported bool `json:"reported"`

	ReceivedAt time.Time  `json:"received_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	StdoutPath string     `json:"stdout_path,omitempty"`
	StderrPath string     `json:"stderr_path,omitempty"`
}
