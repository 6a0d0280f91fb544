// Package lifecycle is the scheduler's control plane. It composes the job
// store, worker registry, ledger and matcher into the operations the API
// exposes, and enforces the job state machine:
//
//	pending -> running -> completed | failed
//	running -> pending   (worker lost, requeue budget left)
//	running -> failed    (worker lost, budget exhausted; or job timeout)
//
// Every operation that touches more than one record runs in a single
// store.Update, so a submission debit never outlives its job and a payout
// never happens without the completion it pays for.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HarrisonFulford/cacheout/pkg/jobstore"
	"github.com/HarrisonFulford/cacheout/pkg/ledger"
	"github.com/HarrisonFulford/cacheout/pkg/matcher"
	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/registry"
	"github.com/HarrisonFulford/cacheout/pkg/store"
)

// Observer is notified after a job reaches a terminal state and the
// transition has committed.
type Observer interface {
	JobFinished(ctx context.Context, job model.Job)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, job model.Job)

// JobFinished implements Observer.
func (f ObserverFunc) JobFinished(ctx context.Context, job model.Job) { f(ctx, job) }

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides time.Now. Tests use it to drive the sweep.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the controller logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithIDGenerator overrides job id generation (uuid v4 by default).
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithObserver registers an observer for terminal jobs.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// Controller runs scheduler operations over a store.
type Controller struct {
	store  store.Store
	cfg    Config
	jobs   *jobstore.Store
	ledger *ledger.Ledger

	now       func() time.Time
	newID     func() string
	log       *zap.Logger
	observers []Observer
}

// New returns a controller over st.
func New(st store.Store, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		store: st,
		cfg:   cfg,
		jobs:  jobstore.New(cfg.Limits),
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ledger = ledger.New(c.now)
	return c
}

// Config returns the controller configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Submit validates spec, reserves its cost from the buyer and persists a
// pending job. Nothing is written if any step fails.
func (c *Controller) Submit(ctx context.Context, spec model.JobSpec) (model.Job, error) {
	if err := c.jobs.Validate(spec); err != nil {
		return model.Job{}, err
	}
	cost := ledger.Cost(spec.RequiredCores, spec.RequiredRAMMB)
	id := c.newID()
	now := c.now()

	var job model.Job
	err := c.store.Update(ctx, func(tx store.Tx) error {
		if err := c.ledger.Reserve(tx, strings.TrimSpace(spec.BuyerID), cost); err != nil {
			return err
		}
		var err error
		job, err = c.jobs.Create(tx, id, spec, cost, now)
		return err
	})
	if err != nil {
		return model.Job{}, err
	}

	c.log.Info("job submitted",
		zap.String("job_id", job.JobID),
		zap.String("buyer_id", job.BuyerID),
		zap.Int("priority", job.Priority),
		zap.Stringer("cost", job.Cost),
	)
	return job, nil
}

// RegisterWorker creates or refreshes a worker. A worker that declares
// itself offline while owning a running job loses that job as if it had
// disconnected.
func (c *Controller) RegisterWorker(ctx context.Context, reg model.Registration) (model.Worker, error) {
	now := c.now()
	var (
		w        model.Worker
		finished []model.Job
	)
	err := c.store.Update(ctx, func(tx store.Tx) error {
		finished = nil
		var (
			dropped string
			err     error
		)
		w, dropped, err = registry.Register(tx, reg, now)
		if err != nil {
			return err
		}
		if dropped == "" {
			return nil
		}
		job, lost, err := c.loseJob(tx, dropped, w.WorkerID, "worker went offline", now)
		if err != nil {
			return err
		}
		if lost && job.Status.Terminal() {
			finished = append(finished, job)
		}
		return nil
	})
	if err != nil {
		return model.Worker{}, err
	}

	c.log.Info("worker registered",
		zap.String("worker_id", w.WorkerID),
		zap.String("status", string(w.Status)),
		zap.Int("cpu_cores", w.CPUCores),
		zap.Int("ram_mb", w.RAMMB),
	)
	c.notify(ctx, finished)
	return w, nil
}

// UnregisterWorker removes a worker. A running job it owned is requeued or,
// with the requeue budget spent, failed.
func (c *Controller) UnregisterWorker(ctx context.Context, workerID string) error {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return model.Invalid("unregister", "worker_id is required")
	}
	now := c.now()
	var finished []model.Job
	err := c.store.Update(ctx, func(tx store.Tx) error {
		finished = nil
		w, err := registry.Unregister(tx, workerID)
		if err != nil {
			return err
		}
		if w.CurrentJob == "" {
			return nil
		}
		job, lost, err := c.loseJob(tx, w.CurrentJob, workerID, "worker unregistered", now)
		if err != nil {
			return err
		}
		if lost && job.Status.Terminal() {
			finished = append(finished, job)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.log.Info("worker unregistered", zap.String("worker_id", workerID))
	c.notify(ctx, finished)
	return nil
}

// Poll refreshes the worker's liveness and hands it a job. A busy worker
// gets its current job back. When nothing fits the result wraps
// model.ErrNoTask.
func (c *Controller) Poll(ctx context.Context, workerID string) (model.Job, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return model.Job{}, model.Invalid("poll", "worker_id is required")
	}
	now := c.now()

	var (
		job     model.Job
		matched bool
		resumed bool
	)
	err := c.store.Update(ctx, func(tx store.Tx) error {
		matched, resumed = false, false

		w, err := registry.Touch(tx, workerID, now)
		if err != nil {
			return err
		}

		if w.CurrentJob != "" {
			current, err := tx.Job(w.CurrentJob)
			if err == nil && current.Status == model.JobRunning && current.Worker() == workerID {
				job, resumed = current, true
				return nil
			}
			if err != nil && !model.IsNotFound(err) {
				return err
			}
			w.CurrentJob = ""
			w.Status = model.WorkerIdle
			if err := tx.PutWorker(w); err != nil {
				return err
			}
		}

		if w.Status != model.WorkerIdle {
			return nil
		}

		pending, err := tx.Jobs(model.JobPending)
		if err != nil {
			return err
		}
		next, ok := matcher.Select(pending, w)
		if !ok {
			return nil
		}

		job, err = jobstore.Transition(tx, next.JobID, model.JobRunning, jobstore.Fields{Worker: workerID, At: now})
		if err != nil {
			return err
		}
		if err := registry.Bind(tx, w, job.JobID); err != nil {
			return err
		}
		matched = true
		return nil
	})
	if err != nil {
		return model.Job{}, err
	}

	switch {
	case resumed:
		return job, nil
	case matched:
		c.log.Info("job dispatched",
			zap.String("job_id", job.JobID),
			zap.String("worker_id", workerID),
			zap.Int("requeue_count", job.RequeueCount),
		)
		return job, nil
	}
	return model.Job{}, &model.OpError{Op: "poll", Entity: "worker", ID: workerID, Err: model.ErrNoTask}
}

// Report is a worker's outcome for a running job.
type Report struct {
	JobID string

	// WorkerID, when set, must match the job's assigned worker.
	WorkerID string

	// Status is completed or failed.
	Status model.JobStatus

	Result string
	Error  string
}

// Report records a job outcome, pays the worker on completion and returns
// the worker to idle. The first terminal report wins; later ones fail with
// model.ErrConflict.
func (c *Controller) Report(ctx context.Context, r Report) (model.Job, error) {
	const op = "report"
	r.JobID = strings.TrimSpace(r.JobID)
	r.WorkerID = strings.TrimSpace(r.WorkerID)
	if r.JobID == "" {
		return model.Job{}, model.Invalid(op, "job_id is required")
	}
	if r.Status != model.JobCompleted && r.Status != model.JobFailed {
		return model.Job{}, model.Invalid(op, "status must be completed or failed, got %q", r.Status)
	}
	now := c.now()

	var job model.Job
	err := c.store.Update(ctx, func(tx store.Tx) error {
		current, err := tx.Job(r.JobID)
		if err != nil {
			return err
		}
		if current.Status != model.JobRunning {
			return model.Errorf(model.ErrConflict, op, "job", r.JobID, "job is %s", current.Status)
		}
		owner := current.Worker()
		if r.WorkerID != "" && r.WorkerID != owner {
			return model.Errorf(model.ErrConflict, op, "job", r.JobID,
				"job is assigned to %s, not %s", owner, r.WorkerID)
		}

		fields := jobstore.Fields{At: now, Result: r.Result, Error: r.Error}
		job, err = jobstore.Transition(tx, r.JobID, r.Status, fields)
		if err != nil {
			return err
		}
		if r.Status == model.JobCompleted {
			if err := c.ledger.Payout(tx, owner, job.Cost); err != nil {
				return err
			}
		}
		return registry.Release(tx, owner, job.JobID)
	})
	if err != nil {
		return model.Job{}, err
	}

	fields := []zap.Field{
		zap.String("job_id", job.JobID),
		zap.String("worker_id", job.Worker()),
		zap.String("status", string(job.Status)),
	}
	if job.Status == model.JobCompleted {
		c.log.Info("job completed", append(fields, zap.Stringer("payout", job.Cost))...)
	} else {
		c.log.Warn("job failed", append(fields, zap.String("error", job.ErrorMessage))...)
	}
	c.notify(ctx, []model.Job{job})
	return job, nil
}

// Job returns one job.
func (c *Controller) Job(ctx context.Context, id string) (model.Job, error) {
	var job model.Job
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		job, err = jobstore.Get(tx, strings.TrimSpace(id))
		return err
	})
	return job, err
}

// Jobs lists jobs matching filter.
func (c *Controller) Jobs(ctx context.Context, filter model.JobFilter) ([]model.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, model.Invalid("list", "unknown status %q", filter.Status)
	}
	var jobs []model.Job
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		jobs, err = jobstore.List(tx, filter)
		return err
	})
	return jobs, err
}

// Workers lists every registered worker.
func (c *Controller) Workers(ctx context.Context) ([]model.Worker, error) {
	var workers []model.Worker
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		workers, err = registry.List(tx)
		return err
	})
	return workers, err
}

// Balance returns an account balance; unknown accounts read as zero.
func (c *Controller) Balance(ctx context.Context, accountID string) (model.Amount, error) {
	var bal model.Amount
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		bal, err = c.ledger.Balance(tx, strings.TrimSpace(accountID))
		return err
	})
	return bal, err
}

// Grant deposits credits and returns the new balance.
func (c *Controller) Grant(ctx context.Context, accountID string, amount model.Amount) (model.Amount, error) {
	accountID = strings.TrimSpace(accountID)
	var bal model.Amount
	err := c.store.Update(ctx, func(tx store.Tx) error {
		var err error
		bal, err = c.ledger.Grant(tx, accountID, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	c.log.Info("credits granted",
		zap.String("account_id", accountID),
		zap.Stringer("amount", amount),
		zap.Stringer("balance", bal),
	)
	return bal, nil
}

// Quote prices a job shape with the settlement formula.
func (c *Controller) Quote(cores, ramMB int) (ledger.Breakdown, error) {
	spec := model.JobSpec{BuyerID: "quote", RequiredCores: cores, RequiredRAMMB: ramMB, Priority: c.cfg.Limits.PriorityMin}
	if err := c.jobs.Validate(spec); err != nil {
		return ledger.Breakdown{}, err
	}
	return ledger.Quote(cores, ramMB), nil
}

// SweepResult lists what one sweep changed.
type SweepResult struct {
	Offline  []string `json:"offline,omitempty"`
	Requeued []string `json:"requeued,omitempty"`
	Failed   []string `json:"failed,omitempty"`
	TimedOut []string `json:"timed_out,omitempty"`
}

// Empty reports whether the sweep changed nothing.
func (r SweepResult) Empty() bool {
	return len(r.Offline) == 0 && len(r.Requeued) == 0 && len(r.Failed) == 0 && len(r.TimedOut) == 0
}

// Sweep takes silent workers offline, recovers the jobs they owned and
// fails running jobs past the job timeout.
func (c *Controller) Sweep(ctx context.Context) (SweepResult, error) {
	now := c.now()
	var (
		res      SweepResult
		finished []model.Job
	)
	err := c.store.Update(ctx, func(tx store.Tx) error {
		res, finished = SweepResult{}, nil

		stale, err := registry.Stale(tx, now, c.cfg.LivenessTimeout)
		if err != nil {
			return err
		}
		for _, w := range stale {
			owned, err := registry.MarkOffline(tx, w.WorkerID)
			if err != nil {
				return err
			}
			res.Offline = append(res.Offline, w.WorkerID)
			if owned == "" {
				continue
			}
			job, lost, err := c.loseJob(tx, owned, w.WorkerID, "worker liveness timeout", now)
			if err != nil {
				return err
			}
			if !lost {
				continue
			}
			if job.Status.Terminal() {
				res.Failed = append(res.Failed, job.JobID)
				finished = append(finished, job)
			} else {
				res.Requeued = append(res.Requeued, job.JobID)
			}
		}

		if c.cfg.JobTimeout <= 0 {
			return nil
		}
		running, err := tx.Jobs(model.JobRunning)
		if err != nil {
			return err
		}
		for _, j := range running {
			if j.StartedAt == nil || now.Sub(*j.StartedAt) <= c.cfg.JobTimeout {
				continue
			}
			owner := j.Worker()
			job, err := jobstore.Transition(tx, j.JobID, model.JobFailed, jobstore.Fields{
				At:    now,
				Error: fmt.Sprintf("job timed out after %s", c.cfg.JobTimeout),
			})
			if err != nil {
				return err
			}
			if err := registry.Release(tx, owner, j.JobID); err != nil {
				return err
			}
			res.TimedOut = append(res.TimedOut, job.JobID)
			finished = append(finished, job)
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}

	if !res.Empty() {
		c.log.Info("liveness sweep",
			zap.Strings("offline", res.Offline),
			zap.Strings("requeued", res.Requeued),
			zap.Strings("failed", res.Failed),
			zap.Strings("timed_out", res.TimedOut),
		)
	}
	c.notify(ctx, finished)
	return res, nil
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.log.Error("liveness sweep failed", zap.Error(err))
			}
		}
	}
}

// loseJob handles a running job whose worker went away. The job is
// requeued while budget remains, otherwise failed with
// ErrWorkerUnavailable. lost is false when the job is no longer running on
// workerID and nothing changed.
func (c *Controller) loseJob(tx store.Tx, jobID, workerID, reason string, now time.Time) (model.Job, bool, error) {
	job, err := tx.Job(jobID)
	if err != nil {
		if model.IsNotFound(err) {
			return model.Job{}, false, nil
		}
		return model.Job{}, false, err
	}
	if job.Status != model.JobRunning || job.Worker() != workerID {
		return job, false, nil
	}

	if job.RequeueCount < c.cfg.MaxRequeues {
		job, err = jobstore.Transition(tx, jobID, model.JobPending, jobstore.Fields{At: now})
		if err != nil {
			return model.Job{}, false, err
		}
		c.log.Warn("job requeued",
			zap.String("job_id", jobID),
			zap.String("worker_id", workerID),
			zap.String("reason", reason),
			zap.Int("requeue_count", job.RequeueCount),
		)
		return job, true, nil
	}

	msg := fmt.Sprintf("%s: %s after %d requeues", model.ErrWorkerUnavailable, reason, job.RequeueCount)
	job, err = jobstore.Transition(tx, jobID, model.JobFailed, jobstore.Fields{At: now, Error: msg})
	if err != nil {
		return model.Job{}, false, err
	}
	c.log.Warn("job failed: requeue budget exhausted",
		zap.String("job_id", jobID),
		zap.String("worker_id", workerID),
		zap.String("reason", reason),
	)
	return job, true, nil
}

func (c *Controller) notify(ctx context.Context, jobs []model.Job) {
	for _, job := range jobs {
		for _, o := range c.observers {
			o.JobFinished(ctx, job)
		}
	}
}
