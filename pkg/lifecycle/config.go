package lifecycle

import (
	"fmt"
	"time"

	"github.com/HarrisonFulford/cacheout/pkg/jobstore"
)

// Config tunes the controller's failure handling.
type Config struct {
	// MaxRequeues is how many times a job may return to pending after losing
	// its worker before it is failed with ErrWorkerUnavailable.
	MaxRequeues int

	// LivenessTimeout is how long a worker may go without polling before the
	// sweep takes it offline.
	LivenessTimeout time.Duration

	// SweepInterval is the period of the background sweep started by Run.
	SweepInterval time.Duration

	// JobTimeout fails running jobs older than this. Zero disables it.
	JobTimeout time.Duration

	Limits jobstore.Limits
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequeues:     3,
		LivenessTimeout: 30 * time.Second,
		SweepInterval:   5 * time.Second,
		Limits:          jobstore.DefaultLimits(),
	}
}

// Validate checks the config for values the controller cannot run with.
func (c Config) Validate() error {
	if c.MaxRequeues < 0 {
		return fmt.Errorf("max_requeues must not be negative, got %d", c.MaxRequeues)
	}
	if c.LivenessTimeout <= 0 {
		return fmt.Errorf("liveness_timeout must be positive, got %s", c.LivenessTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("job_timeout must not be negative, got %s", c.JobTimeout)
	}
	if c.Limits.PriorityMin > c.Limits.PriorityMax {
		return fmt.Errorf("priority_min %d is above priority_max %d", c.Limits.PriorityMin, c.Limits.PriorityMax)
	}
	return nil
}
