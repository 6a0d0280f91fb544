// Package jobstore owns job records: validation on create, filtered listing,
// and state transitions checked against the lifecycle state machine.
//
// Jobs are never deleted; terminal jobs stay as history.
package jobstore

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/store"
)

// DefaultTitle is used when a submission has no title.
const DefaultTitle = "Unnamed Job"

// Limits bounds what a submission may request.
type Limits struct {
	PriorityMin int
	PriorityMax int
	MaxCores    int
	MaxRAMMB    int
}

// DefaultLimits matches the dashboard's priority map (high=1, medium=3,
// low=5) with headroom on both sides.
func DefaultLimits() Limits {
	return Limits{
		PriorityMin: 0,
		PriorityMax: 10,
		MaxCores:    256,
		MaxRAMMB:    1 << 20,
	}
}

// Store creates and transitions jobs inside store transactions.
type Store struct {
	limits Limits
}

// New returns a job store enforcing limits.
func New(limits Limits) *Store {
	return &Store{limits: limits}
}

// Limits returns the configured submission bounds.
func (s *Store) Limits() Limits {
	return s.limits
}

// Validate checks a submission without touching state.
func (s *Store) Validate(spec model.JobSpec) error {
	const op = "submit"
	if strings.TrimSpace(spec.BuyerID) == "" {
		return model.Invalid(op, "buyer_id is required")
	}
	if spec.RequiredCores <= 0 {
		return model.Invalid(op, "required_cores must be positive, got %d", spec.RequiredCores)
	}
	if spec.RequiredRAMMB <= 0 {
		return model.Invalid(op, "required_ram_mb must be positive, got %d", spec.RequiredRAMMB)
	}
	if s.limits.MaxCores > 0 && spec.RequiredCores > s.limits.MaxCores {
		return model.Invalid(op, "required_cores %d exceeds limit %d", spec.RequiredCores, s.limits.MaxCores)
	}
	if s.limits.MaxRAMMB > 0 && spec.RequiredRAMMB > s.limits.MaxRAMMB {
		return model.Invalid(op, "required_ram_mb %d exceeds limit %d", spec.RequiredRAMMB, s.limits.MaxRAMMB)
	}
	if spec.Priority < s.limits.PriorityMin || spec.Priority > s.limits.PriorityMax {
		return model.Invalid(op, "priority %d is outside [%d, %d]", spec.Priority, s.limits.PriorityMin, s.limits.PriorityMax)
	}
	return nil
}

// Create validates spec and persists it as a pending job.
func (s *Store) Create(tx store.Tx, id string, spec model.JobSpec, cost model.Amount, now time.Time) (model.Job, error) {
	if err := s.Validate(spec); err != nil {
		return model.Job{}, err
	}
	if strings.TrimSpace(id) == "" {
		return model.Job{}, fmt.Errorf("job id is required")
	}

	title := strings.TrimSpace(spec.Title)
	if title == "" {
		title = DefaultTitle
	}

	job := model.Job{
		JobID:         id,
		Title:         title,
		Description:   spec.Description,
		Code:          spec.Code,
		Command:       spec.Command,
		Priority:      spec.Priority,
		RequiredCores: spec.RequiredCores,
		RequiredRAMMB: spec.RequiredRAMMB,
		Parameters:    spec.Parameters,
		BuyerID:       strings.TrimSpace(spec.BuyerID),
		Status:        model.JobPending,
		CreatedAt:     now.UTC(),
		Cost:          cost,
	}
	job = job.Clone()
	if err := tx.PutJob(&job); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// Get returns one job.
func Get(tx store.Tx, id string) (model.Job, error) {
	return tx.Job(id)
}

// List returns jobs matching filter, ordered by priority and then by
// insertion order.
func List(tx store.Tx, filter model.JobFilter) ([]model.Job, error) {
	if filter.TitleGlob != "" && !doublestar.ValidatePattern(filter.TitleGlob) {
		return nil, model.Invalid("list", "invalid title pattern %q", filter.TitleGlob)
	}

	jobs, err := tx.Jobs(filter.Status)
	if err != nil {
		return nil, err
	}

	out := jobs[:0]
	for _, j := range jobs {
		if filter.WorkerID != "" && j.Worker() != filter.WorkerID {
			continue
		}
		if filter.BuyerID != "" && j.BuyerID != filter.BuyerID {
			continue
		}
		if filter.TitleGlob != "" {
			ok, _ := doublestar.Match(filter.TitleGlob, j.Title)
			if !ok {
				continue
			}
		}
		out = append(out, j)
	}

	sort.SliceStable(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority < out[k].Priority
		}
		return out[i].Seq < out[k].Seq
	})
	return out, nil
}

// Fields are the values a transition sets alongside the new status.
type Fields struct {
	// Worker is required for pending -> running.
	Worker string

	// Result is recorded on completion.
	Result string

	// Error is recorded on failure.
	Error string

	// At stamps started_at or completed_at.
	At time.Time
}

// Transition moves a job to next and applies the field rules for that edge:
//
//	-> running   sets assigned_worker and started_at
//	-> pending   clears assigned_worker and started_at, counts a requeue
//	-> terminal  sets completed_at and result or error_message
//
// Illegal edges fail with model.ErrConflict and change nothing.
func Transition(tx store.Tx, id string, next model.JobStatus, f Fields) (model.Job, error) {
	job, err := tx.Job(id)
	if err != nil {
		return model.Job{}, err
	}
	if !job.Status.CanTransitionTo(next) {
		return model.Job{}, model.Errorf(model.ErrConflict, "transition", "job", id,
			"cannot move from %s to %s", job.Status, next)
	}

	at := f.At.UTC()
	switch next {
	case model.JobRunning:
		if f.Worker == "" {
			return model.Job{}, fmt.Errorf("transition job %s: worker is required to start", id)
		}
		w := f.Worker
		job.AssignedWorker = &w
		job.StartedAt = &at
	case model.JobPending:
		job.AssignedWorker = nil
		job.StartedAt = nil
		job.RequeueCount++
	case model.JobCompleted:
		job.CompletedAt = &at
		job.Result = f.Result
	case model.JobFailed:
		job.CompletedAt = &at
		job.ErrorMessage = f.Error
	}
	job.Status = next

	if err := tx.PutJob(&job); err != nil {
		return model.Job{}, err
	}
	return job, nil
}
