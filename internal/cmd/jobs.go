package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/output"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs on the scheduler",
}

var (
	jobsListStatus string
	jobsListWorker string
	jobsListBuyer  string
	jobsListTitle  string
	jobsListJSON   bool
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs in submission order.

--title takes a glob (e.g. 'render-*' or '**/nightly'). --json emits one
cacheout.job.v1 JSONL record per job followed by a cacheout.summary.v1
record.`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

var jobsStatusJSON bool

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "Filter by status (pending, running, completed, failed)")
	jobsListCmd.Flags().StringVar(&jobsListWorker, "worker", "", "Filter by assigned worker")
	jobsListCmd.Flags().StringVar(&jobsListBuyer, "buyer", "", "Filter by buyer")
	jobsListCmd.Flags().StringVar(&jobsListTitle, "title", "", "Filter by title glob")
	jobsListCmd.Flags().BoolVar(&jobsListJSON, "json", false, "Output JSONL records")

	jobsStatusCmd.Flags().BoolVar(&jobsStatusJSON, "json", false, "Output JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	filter := model.JobFilter{
		WorkerID:  strings.TrimSpace(jobsListWorker),
		BuyerID:   strings.TrimSpace(jobsListBuyer),
		TitleGlob: strings.TrimSpace(jobsListTitle),
	}
	if jobsListStatus != "" {
		s, ok := model.ParseJobStatus(jobsListStatus)
		if !ok {
			return exitError(foundry.ExitInvalidArgument, "status", fmt.Errorf("unknown status %q", jobsListStatus))
		}
		filter.Status = s
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	jobs, err := c.Jobs(cmd.Context(), filter)
	if err != nil {
		return apiError("list jobs", err)
	}

	if jobsListJSON {
		w := output.NewJSONLWriter(cmd.OutOrStdout(), c.BaseURL())
		defer func() { _ = w.Close() }()
		sum := &output.SummaryRecord{Jobs: len(jobs), ByState: map[model.JobStatus]int{}}
		for i := range jobs {
			if err := w.WriteJob(cmd.Context(), &jobs[i]); err != nil {
				return exitError(foundry.ExitFileWriteError, "write output", err)
			}
			sum.ByState[jobs[i].Status]++
		}
		if err := w.WriteSummary(cmd.Context(), sum); err != nil {
			return exitError(foundry.ExitFileWriteError, "write output", err)
		}
		return nil
	}

	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
		return nil
	}

	tw := newTable()
	_, _ = fmt.Fprintln(tw, "JOB_ID\tSTATUS\tPRIORITY\tCORES\tRAM_MB\tCOST\tBUYER\tWORKER\tTITLE")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			j.JobID, j.Status, j.Priority, j.RequiredCores, j.RequiredRAMMB,
			j.Cost, dash(j.BuyerID), dash(j.Worker()), dash(j.Title))
	}
	return tw.Flush()
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	job, err := c.Job(cmd.Context(), args[0])
	if err != nil {
		return apiError("job status", err)
	}

	if jobsStatusJSON {
		return printJSON(cmd.OutOrStdout(), job)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "job_id=%s\n", job.JobID)
	_, _ = fmt.Fprintf(out, "status=%s\n", job.Status)
	_, _ = fmt.Fprintf(out, "title=%q\n", job.Title)
	_, _ = fmt.Fprintf(out, "buyer=%s\n", dash(job.BuyerID))
	_, _ = fmt.Fprintf(out, "worker=%s\n", dash(job.Worker()))
	_, _ = fmt.Fprintf(out, "priority=%d cores=%d ram_mb=%d cost=%s\n", job.Priority, job.RequiredCores, job.RequiredRAMMB, job.Cost)
	_, _ = fmt.Fprintf(out, "created_at=%s\n", formatTime(&job.CreatedAt))
	_, _ = fmt.Fprintf(out, "started_at=%s\n", formatTime(job.StartedAt))
	_, _ = fmt.Fprintf(out, "completed_at=%s\n", formatTime(job.CompletedAt))
	_, _ = fmt.Fprintf(out, "requeue_count=%d\n", job.RequeueCount)
	if job.ErrorMessage != "" {
		_, _ = fmt.Fprintf(out, "error=%q\n", job.ErrorMessage)
	}
	if job.Result != "" {
		_, _ = fmt.Fprintln(out, "result:")
		_, _ = fmt.Fprintln(out, strings.TrimRight(job.Result, "\n"))
	}
	return nil
}
