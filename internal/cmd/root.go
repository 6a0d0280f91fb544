// Package cmd implements the cacheout command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HarrisonFulford/cacheout/internal/config"
	"github.com/HarrisonFulford/cacheout/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with linker-injected build values.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var appIdentity *config.AppIdentity

// GetAppIdentity returns the identity installed by the root command, or nil
// before it ran.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "cacheout",
	Short: "Compute marketplace scheduler",
	Long: `cacheout matches buyers' compute jobs to sellers' idle machines.

Run 'cacheout serve' for the scheduler, 'cacheout worker run' on each
machine that sells capacity, and the client commands (submit, jobs,
workers, credits, quote) against a running server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./cacheout.yaml, then the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("server", "", "Scheduler base URL (env CACHEOUT_SERVER)")
	rootCmd.PersistentFlags().String("admin-token", "", "Admin token for privileged calls (env CACHEOUT_ADMIN_TOKEN)")
	rootCmd.PersistentFlags().Duration("timeout", 0, "HTTP timeout for client commands")

	_ = viper.BindPFlag("client.server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("client.admin_token", rootCmd.PersistentFlags().Lookup("admin-token"))
	_ = viper.BindPFlag("client.timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindEnv("client.server", "CACHEOUT_SERVER")
	_ = viper.BindEnv("client.admin_token", "CACHEOUT_ADMIN_TOKEN")
	_ = viper.BindEnv("client.timeout", "CACHEOUT_CLIENT_TIMEOUT")
}

// setDefaults seeds the global viper instance the client commands read.
// Server-side settings live in internal/config.
func setDefaults() {
	viper.SetDefault("client.server", "http://localhost:8080")
	viper.SetDefault("client.admin_token", "")
	viper.SetDefault("client.timeout", "30s")
	viper.SetDefault("output.json", false)
}

func initConfig() error {
	id := config.DefaultIdentity
	appIdentity = &id
	config.SetIdentity(id)
	config.SetConfigFile(cfgFile)

	observability.InitCLILogger(id.BinaryName, verbose)
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return foundry.ExitSuccess
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)

	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	if strings.HasPrefix(err.Error(), "unknown command") || strings.Contains(err.Error(), "flag") {
		return foundry.ExitInvalidArgument
	}
	return foundry.ExitFailure
}

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

// exitError tags err with a foundry exit code for Execute.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, err: fmt.Errorf("%s: %w (exit code %d)", message, err, code)}
}

// ExitWithCode logs and terminates immediately. Reserved for failures where
// unwinding through cobra is not possible.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(msg, zap.Error(err), zap.Int("exit_code", code))
	os.Exit(code)
}
