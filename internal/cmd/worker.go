package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HarrisonFulford/cacheout/internal/config"
	"github.com/HarrisonFulford/cacheout/internal/observability"
	"github.com/HarrisonFulford/cacheout/pkg/agent"
	"github.com/HarrisonFulford/cacheout/pkg/client"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Sell this machine's capacity to a scheduler",
	Long: `Run a polling worker agent and inspect the jobs it ran.

The agent registers with the scheduler, polls for a job every few seconds,
runs it with the local shell and reports the result. Every job leaves a
record and its logs under the history directory:

  <history>/<job_id>/job.json
  <history>/<job_id>/stdout.log
  <history>/<job_id>/stderr.log`,
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Register and run jobs until interrupted",
	Long: `Register with the scheduler and run jobs until interrupted.

On SIGINT/SIGTERM the agent unregisters; a job it was running is requeued
by the scheduler.

Examples:
  cacheout worker run --worker-id gpu-box --cores 8 --ram 16384
  CACHEOUT_SERVER=http://sched:8080 cacheout worker run --ram 4096`,
	Args: cobra.NoArgs,
	RunE: runWorkerRun,
}

var workerHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect jobs this worker ran",
}

var workerHistoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local job records",
	Args:  cobra.NoArgs,
	RunE:  runWorkerHistoryList,
}

var workerHistoryStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show one local job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerHistoryStatus,
}

var workerHistoryLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show a job's output",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerHistoryLogs,
}

var workerHistoryGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old finished job records",
	Args:  cobra.NoArgs,
	RunE:  runWorkerHistoryGC,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunCmd)
	workerCmd.AddCommand(workerHistoryCmd)
	workerHistoryCmd.AddCommand(workerHistoryListCmd)
	workerHistoryCmd.AddCommand(workerHistoryStatusCmd)
	workerHistoryCmd.AddCommand(workerHistoryLogsCmd)
	workerHistoryCmd.AddCommand(workerHistoryGCCmd)

	workerCmd.PersistentFlags().String("worker-id", "", "Worker id (default: config agent.worker_id, then hostname)")
	workerCmd.PersistentFlags().String("history-dir", "", "Job history directory (default: <data dir>/agent/<worker-id>)")

	workerRunCmd.Flags().Int("cores", 0, "Declared CPU cores (default: config agent.cpu_cores, then all CPUs)")
	workerRunCmd.Flags().Int("ram", 0, "Declared RAM in MB (default: config agent.ram_mb)")
	workerRunCmd.Flags().Duration("poll-interval", 0, "Poll interval (default: config agent.poll_interval)")
	workerRunCmd.Flags().Duration("job-timeout", 0, "Kill jobs running longer than this (0 = config agent.job_timeout)")
	workerRunCmd.Flags().Int("max-jobs", 0, "Exit after this many jobs (0 = run until interrupted)")
	workerRunCmd.Flags().String("shell", "", "Shell used to run job commands (default: "+agent.DefaultShell+")")

	workerHistoryListCmd.Flags().Bool("json", false, "Output as JSON")
	workerHistoryStatusCmd.Flags().Bool("json", false, "Output as JSON")
	workerHistoryLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	workerHistoryLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = no tail)")
	workerHistoryGCCmd.Flags().String("max-age", "168h", "Delete finished jobs older than this duration")
	workerHistoryGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	workerHistoryGCCmd.Flags().Bool("json", false, "Output as JSON")
}

// agentSettings merges config file, env and flags into an agent config.
func agentSettings(cmd *cobra.Command, cfg *config.Config) agent.Config {
	ac := agent.Config{
		WorkerID:     cfg.Agent.WorkerID,
		CPUCores:     cfg.Agent.CPUCores,
		RAMMB:        cfg.Agent.RAMMB,
		PollInterval: cfg.Agent.PollInterval,
		JobTimeout:   cfg.Agent.JobTimeout,
		HistoryDir:   cfg.Agent.HistoryDir,
		Server:       cfg.Agent.Server,
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("worker-id"); strings.TrimSpace(v) != "" {
		ac.WorkerID = strings.TrimSpace(v)
	}
	if v, _ := flags.GetString("history-dir"); strings.TrimSpace(v) != "" {
		ac.HistoryDir = strings.TrimSpace(v)
	}
	if f := cmd.Flag("server"); f != nil && f.Changed {
		ac.Server = f.Value.String()
	}
	if flags.Lookup("cores") != nil {
		if v, _ := flags.GetInt("cores"); v > 0 {
			ac.CPUCores = v
		}
		if v, _ := flags.GetInt("ram"); v > 0 {
			ac.RAMMB = v
		}
		if v, _ := flags.GetDuration("poll-interval"); v > 0 {
			ac.PollInterval = v
		}
		if v, _ := flags.GetDuration("job-timeout"); v > 0 {
			ac.JobTimeout = v
		}
		ac.MaxJobs, _ = flags.GetInt("max-jobs")
		ac.Shell, _ = flags.GetString("shell")
	}

	if ac.WorkerID == "" {
		ac.WorkerID, _ = os.Hostname()
	}
	if ac.CPUCores <= 0 {
		ac.CPUCores = runtime.NumCPU()
	}
	if ac.HistoryDir == "" {
		ac.HistoryDir = filepath.Join(config.DataDir(), "agent", ac.WorkerID)
	}
	return ac
}

func loadAgentConfig(cmd *cobra.Command) (agent.Config, error) {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return agent.Config{}, exitError(foundry.ExitConfigInvalid, "load config", err)
	}
	return agentSettings(cmd, cfg), nil
}

func runWorkerRun(cmd *cobra.Command, _ []string) error {
	ac, err := loadAgentConfig(cmd)
	if err != nil {
		return err
	}
	if err := ac.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "worker config", err)
	}

	c, err := client.New(ac.Server, client.WithHTTPClient(&http.Client{Timeout: client.DefaultTimeout}))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "server", err)
	}

	logger := observability.CLILogger.Named("agent")
	a, err := agent.New(ac, c, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "worker config", err)
	}

	logger.Info("worker starting",
		zap.String("server", ac.Server),
		zap.String("worker_id", ac.WorkerID),
		zap.String("history_dir", ac.HistoryDir),
	)
	if err := a.Run(cmd.Context()); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "worker", err)
	}
	if cmd.Context().Err() != nil {
		return exitError(foundry.ExitSignalInt, "worker interrupted", cmd.Context().Err())
	}
	return nil
}

func workerHistory(cmd *cobra.Command) (*agent.History, error) {
	ac, err := loadAgentConfig(cmd)
	if err != nil {
		return nil, err
	}
	return agent.NewHistory(ac.HistoryDir), nil
}

func runWorkerHistoryList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	h, err := workerHistory(cmd)
	if err != nil {
		return err
	}
	records, err := h.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "read history", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, records)
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	tw := newTable()
	_, _ = fmt.Fprintln(tw, "JOB ID\tTITLE\tSTATE\tEXIT\tREPORTED\tSTARTED\tENDED")
	for _, r := range records {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			shortJobID(r.JobID), dash(r.Title), r.State, exit, r.Reported,
			formatTime(r.StartedAt), formatTime(r.EndedAt))
	}
	return tw.Flush()
}

func runWorkerHistoryStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	h, err := workerHistory(cmd)
	if err != nil {
		return err
	}
	id, err := resolveHistoryID(h, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "job", err)
	}
	rec, err := h.Get(id)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "read job", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, rec)
	}
	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	if rec.Title != "" {
		_, _ = fmt.Fprintf(out, "title=%s\n", rec.Title)
	}
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(out, "reported=%t\n", rec.Reported)
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(out, "exit_code=%d\n", *rec.ExitCode)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	if rec.Command != "" {
		_, _ = fmt.Fprintf(out, "command=%s\n", rec.Command)
	}
	_, _ = fmt.Fprintf(out, "received_at=%s\n", rec.ReceivedAt.UTC().Format(time.RFC3339))
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", formatTime(rec.StartedAt))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", formatTime(rec.EndedAt))
	}
	return nil
}

func runWorkerHistoryLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	if stream == "" {
		stream = "stdout"
	}
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}

	h, err := workerHistory(cmd)
	if err != nil {
		return err
	}
	id, err := resolveHistoryID(h, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "job", err)
	}
	rec, err := h.Get(id)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "read job", err)
	}

	stdoutPath := rec.StdoutPath
	if stdoutPath == "" {
		stdoutPath = h.StdoutPath(rec.JobID)
	}
	stderrPath := rec.StderrPath
	if stderrPath == "" {
		stderrPath = h.StderrPath(rec.JobID)
	}

	out := cmd.OutOrStdout()
	switch stream {
	case "stdout":
		return printLogTail(out, stdoutPath, tailN)
	case "stderr":
		return printLogTail(out, stderrPath, tailN)
	case "both":
		if err := printLogTail(out, stdoutPath, tailN); err != nil {
			return err
		}
		return printLogTail(out, stderrPath, tailN)
	}
	return exitError(foundry.ExitInvalidArgument, "stream",
		fmt.Errorf("invalid --stream %q (expected stdout, stderr, or both)", stream))
}

type historyGCResult struct {
	Deleted     int    `json:"deleted"`
	WouldDelete int    `json:"would_delete"`
	DryRun      bool   `json:"dry_run"`
	MaxAge      string `json:"max_age"`
}

func runWorkerHistoryGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAge, err := time.ParseDuration(strings.TrimSpace(maxAgeStr))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "max-age", fmt.Errorf("--max-age must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	h, err := workerHistory(cmd)
	if err != nil {
		return err
	}
	records, err := h.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "read history", err)
	}

	n, err := pruneHistory(h, records, time.Now().UTC(), maxAge, dryRun)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "gc", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		res := historyGCResult{DryRun: dryRun, MaxAge: maxAgeStr}
		if dryRun {
			res.WouldDelete = n
		} else {
			res.Deleted = n
		}
		return printJSON(out, res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", n)
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", n)
	return nil
}

// pruneHistory removes finished records that ended more than maxAge before
// now. Running records are never touched.
func pruneHistory(h *agent.History, records []agent.Record, now time.Time, maxAge time.Duration, dryRun bool) (int, error) {
	n := 0
	for _, r := range records {
		if r.EndedAt == nil || now.Sub(r.EndedAt.UTC()) <= maxAge {
			continue
		}
		if r.State == agent.RunStateRunning {
			continue
		}
		if !dryRun {
			if err := os.RemoveAll(h.JobDir(r.JobID)); err != nil {
				return n, fmt.Errorf("remove job dir: %w", err)
			}
		}
		n++
	}
	return n, nil
}

// resolveHistoryID accepts a full job id or an unambiguous prefix, so the
// short ids printed by `history list` work.
func resolveHistoryID(h *agent.History, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}
	if _, err := h.Get(input); err == nil {
		return input, nil
	}

	records, err := h.List()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, r := range records {
		if strings.HasPrefix(r.JobID, input) {
			matches = append(matches, r.JobID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("job not found: %s", input)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job_id", len(matches))
}
