package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HarrisonFulford/cacheout/internal/config"
	"github.com/HarrisonFulford/cacheout/internal/observability"
	"github.com/HarrisonFulford/cacheout/internal/server"
	"github.com/HarrisonFulford/cacheout/internal/server/handlers"
	"github.com/HarrisonFulford/cacheout/pkg/archive"
	"github.com/HarrisonFulford/cacheout/pkg/lifecycle"
	"github.com/HarrisonFulford/cacheout/pkg/output"
	"github.com/HarrisonFulford/cacheout/pkg/scriptgen"
	"github.com/HarrisonFulford/cacheout/pkg/store"
	"github.com/HarrisonFulford/cacheout/pkg/store/boltstore"
	"github.com/HarrisonFulford/cacheout/pkg/store/memstore"
	"github.com/HarrisonFulford/cacheout/pkg/store/sqlstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler API server",
	Long: `Run the scheduler: the HTTP API, the liveness sweep and, when enabled,
the S3 archive of finished jobs.

State lives in the configured store (sqlite by default, under the app data
directory). Settings come from cacheout.yaml, CACHEOUT_* environment
variables and the flags below, in increasing precedence.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Listen host (default from config: localhost)")
	serveCmd.Flags().Int("port", 0, "Listen port (default from config: 8080)")
	serveCmd.Flags().String("store", "", "Store driver: memory, sqlite or bolt")
	serveCmd.Flags().String("store-path", "", "Store file (database or memory snapshot)")
	serveCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().String("events", "", "Append finished-job events as JSONL to this file ('-' for stdout)")
}

// serveOverrides collects explicitly set flags as config overrides.
func serveOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	set := func(section, key string, val any) {
		m, ok := out[section].(map[string]any)
		if !ok {
			m = map[string]any{}
			out[section] = m
		}
		m[key] = val
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		v, _ := flags.GetString("host")
		set("server", "host", v)
	}
	if flags.Changed("port") {
		v, _ := flags.GetInt("port")
		set("server", "port", v)
	}
	if flags.Changed("store") {
		v, _ := flags.GetString("store")
		set("store", "driver", v)
	}
	if flags.Changed("store-path") {
		v, _ := flags.GetString("store-path")
		set("store", "path", v)
	}
	if flags.Changed("log-level") {
		v, _ := flags.GetString("log-level")
		set("logging", "level", v)
	}
	if f := cmd.Flag("admin-token"); f != nil && f.Changed {
		set("auth", "admin_token", f.Value.String())
	}
	return out
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(ctx, serveOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitConfigInvalid, "load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return exitError(foundry.ExitConfigInvalid, "invalid config", err)
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitConfigInvalid, "logger", err)
	}
	defer func() { _ = logger.Sync() }()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return exitError(foundry.ExitFailure, "open store", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	opts := []lifecycle.Option{lifecycle.WithLogger(logger.Named("lifecycle"))}

	var uploader *archive.Uploader
	if cfg.Archive.Enabled {
		s3, err := archive.NewS3(ctx, cfg.ArchiveSettings())
		if err != nil {
			return exitError(foundry.ExitFailure, "archive", err)
		}
		uploader = archive.NewUploader(s3, cfg.Archive.QueueSize, logger.Named("archive"))
		opts = append(opts, lifecycle.WithObserver(uploader))
	}

	if path, _ := cmd.Flags().GetString("events"); path != "" {
		events, closeEvents, err := openEvents(path, logger)
		if err != nil {
			return exitError(foundry.ExitFailure, "events", err)
		}
		defer closeEvents()
		opts = append(opts, lifecycle.WithObserver(events))
	}

	controller := lifecycle.New(st, cfg.Lifecycle(), opts...)

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	id := config.Identity()
	hm.RegisterChecker("signals", signalHealthChecker{})
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
	hm.RegisterChecker("store", storeHealthChecker{store: st})

	srvOpts := []server.Option{
		server.WithScheduler(controller),
		server.WithAdminToken(cfg.Auth.AdminToken),
		server.WithLogger(logger.Named("http")),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
	}
	if cfg.ScriptGen.Endpoint != "" {
		gen := scriptgen.New(cfg.ScriptGenSettings(), &http.Client{Timeout: cfg.ScriptGen.Timeout}, logger.Named("scriptgen"))
		srvOpts = append(srvOpts, server.WithGenerator(gen))
	}
	if cfg.Auth.AdminToken == "" {
		logger.Warn("no admin token configured; submit, grant and script generation will reject every request")
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port, srvOpts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = controller.Run(runCtx)
	}()
	if uploader != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uploader.Run(runCtx, cfg.Archive.DrainTimeout)
		}()
	}

	logger.Info("scheduler starting",
		zap.String("addr", srv.Addr()),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("archive", uploader != nil),
		zap.String("version", versionInfo.Version),
	)

	err = srv.Start(runCtx)
	cancel()
	wg.Wait()
	if err != nil {
		return exitError(foundry.ExitFailure, "server", err)
	}
	logger.Info("scheduler stopped")
	return nil
}

// openStore builds the configured backend. sqlite and bolt default to a file
// under the app data directory.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		if cfg.Path == "" {
			return memstore.New(), nil
		}
		return memstore.Open(cfg.Path)
	case config.StoreSQLite:
		path := cfg.Path
		if path == "" && cfg.URL == "" {
			path = filepath.Join(config.DataDir(), "cacheout.db")
		}
		return sqlstore.Open(ctx, sqlstore.Config{Path: path, URL: cfg.URL, AuthToken: cfg.AuthToken})
	case config.StoreBolt:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(config.DataDir(), "cacheout.bolt")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		return boltstore.Open(path)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func openEvents(path string, logger *zap.Logger) (*output.JSONLWriter, func(), error) {
	if path == "-" {
		w := output.NewJSONLWriter(os.Stdout, "serve").WithLogger(logger)
		return w, func() { _ = w.Close() }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	w := output.NewJSONLWriter(f, "serve").WithLogger(logger)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

// signalHealthChecker reports the process as able to receive signals. It
// exists so /health always lists at least one live check.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// storeHealthChecker fails readiness when the store cannot serve a read.
type storeHealthChecker struct {
	store store.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("store not configured")
	}
	return c.store.View(ctx, func(tx store.Tx) error {
		_, err := tx.Workers()
		return err
	})
}
