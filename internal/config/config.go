// Package config loads cacheout configuration from defaults, an optional
// cacheout.yaml, CACHEOUT_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/HarrisonFulford/cacheout/internal/observability"
	"github.com/HarrisonFulford/cacheout/pkg/archive"
	"github.com/HarrisonFulford/cacheout/pkg/jobstore"
	"github.com/HarrisonFulford/cacheout/pkg/lifecycle"
	"github.com/HarrisonFulford/cacheout/pkg/scriptgen"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreBolt   = "bolt"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	ScriptGen ScriptGenConfig `mapstructure:"scriptgen" yaml:"scriptgen"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig selects the server logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// AuthConfig holds API credentials.
type AuthConfig struct {
	// AdminToken guards submit, grant and script generation. Empty rejects
	// every privileged request.
	AdminToken string `mapstructure:"admin_token" yaml:"admin_token"`
}

// SchedulerConfig tunes the lifecycle controller.
type SchedulerConfig struct {
	MaxRequeues     int           `mapstructure:"max_requeues" yaml:"max_requeues"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout" yaml:"liveness_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	JobTimeout      time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	MaxCores        int           `mapstructure:"max_cores" yaml:"max_cores"`
	MaxRAMMB        int           `mapstructure:"max_ram_mb" yaml:"max_ram_mb"`
	PriorityMin     int           `mapstructure:"priority_min" yaml:"priority_min"`
	PriorityMax     int           `mapstructure:"priority_max" yaml:"priority_max"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	// Driver is memory, sqlite or bolt.
	Driver string `mapstructure:"driver" yaml:"driver"`

	// Path is the database file (sqlite, bolt) or the snapshot file
	// (memory). Empty means the app data directory for sqlite and bolt and
	// no snapshot for memory.
	Path string `mapstructure:"path" yaml:"path"`

	// URL and AuthToken select a remote libsql database for the sqlite
	// driver.
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
}

// ArchiveConfig enables the S3 archive of finished jobs.
type ArchiveConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Bucket          string        `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string        `mapstructure:"prefix" yaml:"prefix"`
	Region          string        `mapstructure:"region" yaml:"region"`
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	Profile         string        `mapstructure:"profile" yaml:"profile"`
	AccessKeyID     string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	ForcePathStyle  bool          `mapstructure:"force_path_style" yaml:"force_path_style"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// ScriptGenConfig configures the natural-language script generator.
type ScriptGenConfig struct {
	Endpoint  string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey    string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// AgentConfig holds worker agent defaults. Flags on `worker run` override
// them.
type AgentConfig struct {
	Server       string        `mapstructure:"server" yaml:"server"`
	WorkerID     string        `mapstructure:"worker_id" yaml:"worker_id"`
	CPUCores     int           `mapstructure:"cpu_cores" yaml:"cpu_cores"`
	RAMMB        int           `mapstructure:"ram_mb" yaml:"ram_mb"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	HistoryDir   string        `mapstructure:"history_dir" yaml:"history_dir"`
}

// Validate reports the first setting the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if _, err := observability.NewLogger(c.Logging.Level, c.Logging.Profile); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite, StoreBolt:
	default:
		return fmt.Errorf("store.driver must be %s, %s or %s, got %q", StoreMemory, StoreSQLite, StoreBolt, c.Store.Driver)
	}
	if c.Store.URL != "" && c.Store.Driver != StoreSQLite {
		return fmt.Errorf("store.url requires the %s driver", StoreSQLite)
	}
	if err := c.Lifecycle().Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if c.Archive.Enabled {
		cfg := c.ArchiveSettings()
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Lifecycle converts the scheduler section into controller settings.
func (c *Config) Lifecycle() lifecycle.Config {
	return lifecycle.Config{
		MaxRequeues:     c.Scheduler.MaxRequeues,
		LivenessTimeout: c.Scheduler.LivenessTimeout,
		SweepInterval:   c.Scheduler.SweepInterval,
		JobTimeout:      c.Scheduler.JobTimeout,
		Limits: jobstore.Limits{
			PriorityMin: c.Scheduler.PriorityMin,
			PriorityMax: c.Scheduler.PriorityMax,
			MaxCores:    c.Scheduler.MaxCores,
			MaxRAMMB:    c.Scheduler.MaxRAMMB,
		},
	}
}

// ArchiveSettings converts the archive section.
func (c *Config) ArchiveSettings() archive.Config {
	return archive.Config{
		Bucket:          strings.TrimSpace(c.Archive.Bucket),
		Prefix:          c.Archive.Prefix,
		Region:          c.Archive.Region,
		Endpoint:        c.Archive.Endpoint,
		Profile:         c.Archive.Profile,
		AccessKeyID:     c.Archive.AccessKeyID,
		SecretAccessKey: c.Archive.SecretAccessKey,
		ForcePathStyle:  c.Archive.ForcePathStyle,
		QueueSize:       c.Archive.QueueSize,
	}
}

// ScriptGenSettings converts the scriptgen section; submission limits bound
// the generated estimates.
func (c *Config) ScriptGenSettings() scriptgen.Config {
	cfg := scriptgen.DefaultConfig()
	cfg.Endpoint = strings.TrimSpace(c.ScriptGen.Endpoint)
	cfg.APIKey = c.ScriptGen.APIKey
	if c.ScriptGen.Timeout > 0 {
		cfg.Timeout = c.ScriptGen.Timeout
	}
	cfg.RateLimit = c.ScriptGen.RateLimit
	cfg.MaxCores = c.Scheduler.MaxCores
	cfg.MaxRAMMB = c.Scheduler.MaxRAMMB
	return cfg
}
