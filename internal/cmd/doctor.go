package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HarrisonFulford/cacheout/internal/config"
	"github.com/HarrisonFulford/cacheout/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the local installation and, when a server is
configured, on the scheduler it points at.

Examples:
  cacheout doctor
  cacheout doctor --server http://sched:8080
  cacheout doctor --skip-store`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().Bool("skip-store", false, "Do not open the configured store")
	doctorCmd.Flags().Bool("skip-server", false, "Do not contact the scheduler")
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")

	var cfg *config.Config
	checks := []doctorCheck{
		{"Go version", func(context.Context) (string, error) {
			v := runtime.Version()
			if v < "go1.23" {
				return v, fmt.Errorf("%s is older than go1.23", v)
			}
			return v, nil
		}},
		{"Gofulmen", func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Gofulmen == "" {
				return "", fmt.Errorf("gofulmen version unavailable")
			}
			return "v" + v.Gofulmen + " (crucible v" + v.Crucible + ")", nil
		}},
		{"configuration", func(ctx context.Context) (string, error) {
			var err error
			cfg, err = config.Load(ctx)
			if err != nil {
				return "", err
			}
			if err := cfg.Validate(); err != nil {
				return "", err
			}
			file := config.UsedConfigFile()
			if file == "" {
				file = "defaults and environment"
			}
			return file, nil
		}},
		{"data directory", func(context.Context) (string, error) {
			dir := config.DataDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return dir, err
			}
			tmp, err := os.CreateTemp(dir, ".doctor-*")
			if err != nil {
				return dir, fmt.Errorf("not writable: %w", err)
			}
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return dir, nil
		}},
	}

	if skip, _ := cmd.Flags().GetBool("skip-store"); !skip {
		checks = append(checks, doctorCheck{"store", func(ctx context.Context) (string, error) {
			if cfg == nil {
				return "", fmt.Errorf("configuration did not load")
			}
			st, err := openStore(ctx, cfg.Store)
			if err != nil {
				return cfg.Store.Driver, err
			}
			defer func() { _ = st.Close() }()
			return cfg.Store.Driver, storeHealthChecker{store: st}.CheckHealth(ctx)
		}})
	}
	if skip, _ := cmd.Flags().GetBool("skip-server"); !skip {
		checks = append(checks, doctorCheck{"scheduler", func(ctx context.Context) (string, error) {
			return checkServer(ctx, viper.GetString("client.server"))
		}})
	}
	checks = append(checks, doctorCheck{"archive credentials", func(ctx context.Context) (string, error) {
		if cfg == nil || !cfg.Archive.Enabled {
			return "archive disabled", nil
		}
		return checkAWSCredentials(ctx, cfg.Archive.Profile)
	}})

	failed := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			log.Error(prefix+" ❌ "+err.Error(), zap.String("check", c.name), zap.String("detail", detail))
			continue
		}
		log.Info(prefix+" ✅ "+detail, zap.String("check", c.name))
	}

	log.Info("")
	if failed > 0 {
		log.Warn(fmt.Sprintf("⚠️  %d check(s) failed. Review the output above for details.", failed))
		return exitError(foundry.ExitExternalServiceUnavailable, "doctor", fmt.Errorf("%d check(s) failed", failed))
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

// checkServer calls the liveness endpoint of a running scheduler.
func checkServer(ctx context.Context, server string) (string, error) {
	server = strings.TrimRight(strings.TrimSpace(server), "/")
	if server == "" {
		return "", fmt.Errorf("no server configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/health/live", nil)
	if err != nil {
		return server, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return server, fmt.Errorf("unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return server, fmt.Errorf("liveness returned %s", resp.Status)
	}
	return server, nil
}

func checkAWSCredentials(ctx context.Context, profile string) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("cannot load AWS config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return maskAccessKey(creds.AccessKeyID) + " from " + source, nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
