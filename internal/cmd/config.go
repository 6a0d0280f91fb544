package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/HarrisonFulford/cacheout/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration as YAML",
	Long: `Print the configuration serve and worker would run with: defaults,
cacheout.yaml and CACHEOUT_* environment variables merged. Secrets are
redacted unless --show-secrets is given.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file and data directory in use",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().Bool("show-secrets", false, "Print tokens and keys in clear")
}

const redacted = "<redacted>"

func redactConfig(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Auth.AdminToken)
	mask(&cfg.Store.AuthToken)
	mask(&cfg.Archive.SecretAccessKey)
	mask(&cfg.ScriptGen.APIKey)
	return cfg
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitConfigInvalid, "load config", err)
	}
	out := *cfg
	if show, _ := cmd.Flags().GetBool("show-secrets"); !show {
		out = redactConfig(out)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return exitError(foundry.ExitFileWriteError, "write output", err)
	}
	return enc.Close()
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	file := config.UsedConfigFile()
	if file == "" {
		file = "-"
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "config_file=%s\n", file)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "data_dir=%s\n", config.DataDir())
	return nil
}
