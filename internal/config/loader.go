package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/HarrisonFulford/cacheout/internal/observability"
	"github.com/HarrisonFulford/cacheout/pkg/archive"
	"github.com/HarrisonFulford/cacheout/pkg/jobstore"
	"github.com/HarrisonFulford/cacheout/pkg/lifecycle"
)

// AppIdentity names the binary, its config directory and its env prefix.
type AppIdentity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity is the identity Load uses unless SetIdentity ran.
var DefaultIdentity = AppIdentity{
	BinaryName: "cacheout",
	ConfigName: "cacheout",
	EnvPrefix:  "CACHEOUT_",
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// SetIdentity overrides DefaultIdentity for subsequent loads.
func SetIdentity(id AppIdentity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

// Identity returns the active identity.
func Identity() AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return DefaultIdentity
	}
	return *appIdentity
}

// SetConfigFile pins the config file instead of searching for one. An empty
// path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

// envKeys are the keys bound to short environment names. Every other key is
// reachable by its full path, e.g. CACHEOUT_SCHEDULER_MAX_REQUEUES.
var envKeys = map[string]string{
	"HOST":             "server.host",
	"PORT":             "server.port",
	"READ_TIMEOUT":     "server.read_timeout",
	"WRITE_TIMEOUT":    "server.write_timeout",
	"IDLE_TIMEOUT":     "server.idle_timeout",
	"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
	"LOG_LEVEL":        "logging.level",
	"LOG_PROFILE":      "logging.profile",
	"ADMIN_TOKEN":      "auth.admin_token",
	"STORE_DRIVER":     "store.driver",
	"STORE_PATH":       "store.path",
	"STORE_URL":        "store.url",
	"STORE_AUTH_TOKEN": "store.auth_token",
	"ARCHIVE_BUCKET":   "archive.bucket",
	"SCRIPTGEN_URL":    "scriptgen.endpoint",
	"SCRIPTGEN_KEY":    "scriptgen.api_key",
	"SERVER":           "agent.server",
	"WORKER_ID":        "agent.worker_id",
}

// Load builds the configuration, stores it for GetConfig and returns it.
// Each override map is nested like the YAML file; later maps win.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName(Identity().ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// UsedConfigFile reports the file Load would read, if any.
func UsedConfigFile() string {
	v := viper.New()
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()
	if explicit != "" {
		return explicit
	}
	v.SetConfigName(Identity().ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// DataDir is where the default store and agent history live.
func DataDir() string {
	return gfconfig.GetAppDataDir(Identity().ConfigName)
}

func setDefaults(v *viper.Viper) {
	lc := lifecycle.DefaultConfig()
	limits := jobstore.DefaultLimits()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", observability.ProfileStructured)

	v.SetDefault("auth.admin_token", "")

	v.SetDefault("scheduler.max_requeues", lc.MaxRequeues)
	v.SetDefault("scheduler.liveness_timeout", lc.LivenessTimeout)
	v.SetDefault("scheduler.sweep_interval", lc.SweepInterval)
	v.SetDefault("scheduler.job_timeout", lc.JobTimeout)
	v.SetDefault("scheduler.max_cores", limits.MaxCores)
	v.SetDefault("scheduler.max_ram_mb", limits.MaxRAMMB)
	v.SetDefault("scheduler.priority_min", limits.PriorityMin)
	v.SetDefault("scheduler.priority_max", limits.PriorityMax)

	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "cacheout/")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.force_path_style", false)
	v.SetDefault("archive.queue_size", archive.DefaultQueueSize)
	v.SetDefault("archive.drain_timeout", 10*time.Second)

	v.SetDefault("scriptgen.endpoint", "")
	v.SetDefault("scriptgen.api_key", "")
	v.SetDefault("scriptgen.timeout", 30*time.Second)
	v.SetDefault("scriptgen.rate_limit", 2.0)

	v.SetDefault("agent.server", "http://localhost:8080")
	v.SetDefault("agent.worker_id", "")
	v.SetDefault("agent.cpu_cores", 0)
	v.SetDefault("agent.ram_mb", 0)
	v.SetDefault("agent.poll_interval", 3*time.Second)
	v.SetDefault("agent.job_timeout", time.Duration(0))
	v.SetDefault("agent.history_dir", "")
}

// allKeys lists every config key, for env binding.
func allKeys() []string {
	v := viper.New()
	setDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

// getEnvSpecs returns the env bindings for the active identity: the short
// names in envKeys plus PREFIX_SECTION_KEY for every key.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return nil
	}

	short := make([]string, 0, len(envKeys))
	for name := range envKeys {
		short = append(short, name)
	}
	sort.Strings(short)

	specs := make([]EnvSpec, 0, len(envKeys)+32)
	for _, name := range short {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + name, Path: envKeys[name]})
	}
	for _, key := range allKeys() {
		name := id.EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		specs = append(specs, EnvSpec{Name: name, Path: key})
	}
	return specs
}

// getUserConfigPaths returns the directories searched for cacheout.yaml
// after the working directory.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return nil
	}

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+id.ConfigName))
	}
	return paths
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToLower(strings.TrimSpace(c.Logging.Profile))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Server.Host = strings.TrimSpace(c.Server.Host)
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
