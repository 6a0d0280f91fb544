package model

import (
	"strings"
	"time"
)

// WorkerStatus is the availability of a registered worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Valid reports whether s is one of the known worker states.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerIdle, WorkerBusy, WorkerOffline:
		return true
	}
	return false
}

// ParseWorkerStatus parses a case-insensitive worker state.
func ParseWorkerStatus(raw string) (WorkerStatus, bool) {
	s := WorkerStatus(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Worker is a compute node known to the registry.
type Worker struct {
	WorkerID     string       `json:"worker_id"`
	Hostname     string       `json:"hostname"`
	CPUCores     int          `json:"cpu_cores"`
	RAMMB        int          `json:"ram_mb"`
	Status       WorkerStatus `json:"status"`
	LastSeen     time.Time    `json:"last_seen"`
	RegisteredAt time.Time    `json:"registered_at"`

	// CurrentJob is the running job this worker owns; empty unless busy.
	CurrentJob string `json:"current_job,omitempty"`

	// Accepting records whether the worker declared itself available when it
	// registered. A worker the liveness sweep took offline returns to idle on
	// its next poll only when Accepting is set.
	Accepting bool `json:"accepting"`
}

// Fits reports whether the worker's declared capacity covers the job.
func (w Worker) Fits(j Job) bool {
	return j.RequiredCores <= w.CPUCores && j.RequiredRAMMB <= w.RAMMB
}

// Registration is the caller-supplied part of a worker record.
type Registration struct {
	WorkerID string
	Hostname string
	CPUCores int
	RAMMB    int
	Status   WorkerStatus
}

// Account is a ledger balance for a buyer or worker.
type Account struct {
	AccountID string    `json:"account_id"`
	Credits   Amount    `json:"credits"`
	UpdatedAt time.Time `json:"updated_at"`
}
