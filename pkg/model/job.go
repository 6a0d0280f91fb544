// Package model defines the scheduler's shared records: jobs, workers,
// ledger accounts, and the error taxonomy every component reports through.
package model

import (
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a submitted job.
//
// NOTE: These values are persisted by every store backend and appear on the
// wire; they are part of the stable contract.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Valid reports whether s is one of the known job states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted out of s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransitionTo reports whether the state machine allows s -> next.
//
//	pending -> running
//	running -> completed | failed | pending (requeue)
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning
	case JobRunning:
		return next == JobCompleted || next == JobFailed || next == JobPending
	}
	return false
}

// ParseJobStatus parses a case-insensitive job state.
func ParseJobStatus(raw string) (JobStatus, bool) {
	s := JobStatus(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Job is the durable record of a buyer submission.
type Job struct {
	JobID          string         `json:"job_id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Code           string         `json:"code"`
	Command        string         `json:"command"`
	Priority       int            `json:"priority"`
	RequiredCores  int            `json:"required_cores"`
	RequiredRAMMB  int            `json:"required_ram_mb"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	BuyerID        string         `json:"buyer_id"`
	Status         JobStatus      `json:"status"`
	AssignedWorker *string        `json:"assigned_worker,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Cost           Amount         `json:"cost"`
	Result         string         `json:"result,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	RequeueCount   int            `json:"requeue_count"`

	// Seq is the store-assigned insertion sequence. It breaks created_at ties
	// so FIFO order within a priority band is exact.
	Seq int64 `json:"-"`
}

// Worker returns the assigned worker id, or "" when unassigned.
func (j *Job) Worker() string {
	if j == nil || j.AssignedWorker == nil {
		return ""
	}
	return *j.AssignedWorker
}

// Clone returns a deep copy so stores can hand out records without sharing
// mutable state with their callers.
func (j Job) Clone() Job {
	out := j
	if j.AssignedWorker != nil {
		w := *j.AssignedWorker
		out.AssignedWorker = &w
	}
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	if j.Parameters != nil {
		out.Parameters = make(map[string]any, len(j.Parameters))
		for k, v := range j.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// JobSpec is the buyer-supplied part of a job.
type JobSpec struct {
	Title         string
	Description   string
	Code          string
	Command       string
	Priority      int
	RequiredCores int
	RequiredRAMMB int
	Parameters    map[string]any
	BuyerID       string
}

// JobFilter narrows List results. Zero-valued fields match everything.
type JobFilter struct {
	Status   JobStatus
	WorkerID string
	BuyerID  string

	// TitleGlob is a doublestar pattern matched against the job title.
	TitleGlob string
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
