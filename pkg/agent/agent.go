// Package agent is the worker side of the scheduler: it registers with a
// server, polls for jobs, runs them as shell commands and reports results.
//
// One agent runs one job at a time. While a job runs the agent keeps polling
// as a heartbeat; the server answers a busy worker's poll with the job it
// already owns, so the heartbeat also detects a job the server took back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HarrisonFulford/cacheout/pkg/api"
	"github.com/HarrisonFulford/cacheout/pkg/model"
)

// DefaultPollInterval matches the seller dashboard's refresh cadence.
const DefaultPollInterval = 3 * time.Second

// API is the slice of the scheduler client the agent needs.
type API interface {
	Register(ctx context.Context, req api.RegisterRequest) error
	Unregister(ctx context.Context, workerID string) error
	Poll(ctx context.Context, workerID string) (*model.Job, error)
	Report(ctx context.Context, req api.StatusRequest) error
}

// Config configures an Agent.
type Config struct {
	WorkerID string
	Hostname string
	CPUCores int
	RAMMB    int

	// PollInterval paces polls and heartbeats.
	PollInterval time.Duration

	// JobTimeout bounds each execution locally. Zero disables it.
	JobTimeout time.Duration

	// HistoryDir holds per-job records and logs.
	HistoryDir string

	// Shell overrides DefaultShell.
	Shell string

	// Server is recorded in job history for operator clarity.
	Server string

	// MaxJobs stops the agent after that many jobs. Zero runs until ctx ends.
	MaxJobs int
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.WorkerID) == "" {
		return fmt.Errorf("worker id is required")
	}
	if c.CPUCores <= 0 {
		return fmt.Errorf("cpu cores must be positive, got %d", c.CPUCores)
	}
	if c.RAMMB <= 0 {
		return fmt.Errorf("ram must be positive, got %d MB", c.RAMMB)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative")
	}
	if strings.TrimSpace(c.HistoryDir) == "" {
		return fmt.Errorf("history dir is required")
	}
	return nil
}

// Agent is a polling worker.
type Agent struct {
	cfg  Config
	api  API
	exec *Executor
	log  *zap.Logger
}

// New returns an agent. A nil logger disables logging.
func New(cfg Config, client API, logger *zap.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ex := NewExecutor(NewHistory(cfg.HistoryDir), cfg.WorkerID, cfg.Server)
	if cfg.Shell != "" {
		ex.shell = cfg.Shell
	}

	return &Agent{
		cfg:  cfg,
		api:  client,
		exec: ex,
		log:  logger.With(zap.String("worker_id", cfg.WorkerID)),
	}, nil
}

// History returns the agent's local job history.
func (a *Agent) History() *History {
	return a.exec.History()
}

// Run registers, then polls and executes jobs until ctx is cancelled or
// MaxJobs is reached. It unregisters before returning; a job interrupted by
// shutdown is therefore requeued by the server.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	defer a.unregister()

	limiter := rate.NewLimiter(rate.Every(a.cfg.PollInterval), 1)
	done := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		job, err := a.api.Poll(ctx, a.cfg.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if model.IsNotFound(err) {
				a.log.Warn("server does not know this worker, registering again")
				if err := a.register(ctx); err != nil && ctx.Err() == nil {
					a.log.Warn("re-register failed", zap.Error(err))
				}
				continue
			}
			a.log.Warn("poll failed", zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}

		if err := a.execute(ctx, *job); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn("job execution failed", zap.String("job_id", job.JobID), zap.Error(err))
		}

		done++
		if a.cfg.MaxJobs > 0 && done >= a.cfg.MaxJobs {
			a.log.Info("job limit reached", zap.Int("jobs", done))
			return nil
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	err := a.api.Register(ctx, api.RegisterRequest{
		WorkerID: a.cfg.WorkerID,
		Hostname: a.cfg.Hostname,
		CPUCores: a.cfg.CPUCores,
		RAMMB:    a.cfg.RAMMB,
		Status:   string(model.WorkerIdle),
	})
	if err != nil {
		return fmt.Errorf("register worker %s: %w", a.cfg.WorkerID, err)
	}
	a.log.Info("worker registered",
		zap.String("hostname", a.cfg.Hostname),
		zap.Int("cpu_cores", a.cfg.CPUCores),
		zap.Int("ram_mb", a.cfg.RAMMB),
	)
	return nil
}

func (a *Agent) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.api.Unregister(ctx, a.cfg.WorkerID); err != nil {
		a.log.Warn("unregister failed", zap.Error(err))
		return
	}
	a.log.Info("worker unregistered")
}

// errReclaimed marks a job the server no longer assigns to this worker.
var errReclaimed = errors.New("job reclaimed by server")

func (a *Agent) execute(ctx context.Context, job model.Job) error {
	log := a.log.With(zap.String("job_id", job.JobID))
	log.Info("job started", zap.String("title", job.Title))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		a.heartbeat(runCtx, job.JobID, cancel)
	}()

	out, err := a.exec.Run(runCtx, job, a.cfg.JobTimeout)
	cancel(nil)
	<-hbDone

	if err != nil {
		if errors.Is(context.Cause(runCtx), errReclaimed) && ctx.Err() == nil {
			log.Warn("job reclaimed by server, result discarded")
			return nil
		}
		return err
	}

	reportCtx, cancelReport := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelReport()
	err = a.api.Report(reportCtx, api.StatusRequest{
		JobID:        job.JobID,
		WorkerID:     a.cfg.WorkerID,
		Status:       string(out.Status),
		Result:       out.Result,
		ErrorMessage: out.Error,
	})
	if err != nil {
		if model.IsConflict(err) || model.IsNotFound(err) {
			log.Warn("report rejected", zap.Error(err))
			return nil
		}
		return fmt.Errorf("report job %s: %w", job.JobID, err)
	}
	if err := a.exec.MarkReported(job.JobID); err != nil {
		log.Debug("history update failed", zap.Error(err))
	}
	log.Info("job finished", zap.String("status", string(out.Status)))
	return nil
}

// heartbeat polls while a job runs. When a poll comes back with no job or a
// different job, the server has taken this one back and execution stops.
func (a *Agent) heartbeat(ctx context.Context, jobID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		job, err := a.api.Poll(ctx, a.cfg.WorkerID)
		if err != nil {
			if ctx.Err() == nil {
				a.log.Debug("heartbeat failed", zap.Error(err))
			}
			if !model.IsNotFound(err) {
				continue
			}
			job = nil
		}
		if job == nil || job.JobID != jobID {
			if job != nil {
				a.log.Warn("server assigned a different job during heartbeat",
					zap.String("job_id", jobID),
					zap.String("other_job_id", job.JobID),
				)
			}
			cancel(errReclaimed)
			return
		}
	}
}
