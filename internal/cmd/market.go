package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/output"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect registered workers",
}

var workersListJSON bool

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	Args:  cobra.NoArgs,
	RunE:  runWorkersList,
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Read and grant account credits",
}

var creditsGetCmd = &cobra.Command{
	Use:   "get <account-id>",
	Short: "Show an account balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsGet,
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <account-id> <amount>",
	Short: "Add credits to an account (admin)",
	Long: `Add credits to an account. The amount is rounded to the cent.

Example:
  cacheout credits grant acme 50.00`,
	Args: cobra.ExactArgs(2),
	RunE: runCreditsGrant,
}

var (
	quoteCores int
	quoteRAMMB int
	quoteJSON  bool
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Show the cost of a job shape",
	Args:  cobra.NoArgs,
	RunE:  runQuote,
}

var generateJSON bool

var generateCmd = &cobra.Command{
	Use:   "generate <description>",
	Short: "Draft a job script from a plain-language description (admin)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGenerate,
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersListCmd)
	workersListCmd.Flags().BoolVar(&workersListJSON, "json", false, "Output JSONL records")

	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsGetCmd)
	creditsCmd.AddCommand(creditsGrantCmd)

	rootCmd.AddCommand(quoteCmd)
	quoteCmd.Flags().IntVar(&quoteCores, "cores", 1, "CPU cores")
	quoteCmd.Flags().IntVar(&quoteRAMMB, "ram", 1024, "RAM in MB")
	quoteCmd.Flags().BoolVar(&quoteJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().BoolVar(&generateJSON, "json", false, "Output JSON")
}

func runWorkersList(cmd *cobra.Command, _ []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	workers, err := c.Workers(cmd.Context())
	if err != nil {
		return apiError("list workers", err)
	}

	if workersListJSON {
		w := output.NewJSONLWriter(cmd.OutOrStdout(), c.BaseURL())
		defer func() { _ = w.Close() }()
		for i := range workers {
			if err := w.WriteWorker(cmd.Context(), &workers[i]); err != nil {
				return exitError(foundry.ExitFileWriteError, "write output", err)
			}
		}
		return w.WriteSummary(cmd.Context(), &output.SummaryRecord{Workers: len(workers)})
	}

	if len(workers) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No workers registered.")
		return nil
	}
	tw := newTable()
	_, _ = fmt.Fprintln(tw, "WORKER_ID\tSTATUS\tCORES\tRAM_MB\tCURRENT_JOB\tLAST_SEEN\tHOSTNAME")
	for _, w := range workers {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			w.WorkerID, w.Status, w.CPUCores, w.RAMMB, dash(w.CurrentJob), formatTime(&w.LastSeen), dash(w.Hostname))
	}
	return tw.Flush()
}

func runCreditsGet(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	bal, err := c.Credits(cmd.Context(), args[0])
	if err != nil {
		return apiError("credits", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "account=%s credits=%s\n", args[0], bal)
	return nil
}

func runCreditsGrant(cmd *cobra.Command, args []string) error {
	amount, err := model.ParseAmount(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "amount", err)
	}
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	bal, err := c.Grant(cmd.Context(), args[0], amount)
	if err != nil {
		return apiError("grant", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "account=%s granted=%s credits=%s\n", args[0], amount, bal)
	return nil
}

func runQuote(cmd *cobra.Command, _ []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	q, err := c.Quote(cmd.Context(), quoteCores, quoteRAMMB)
	if err != nil {
		return apiError("quote", err)
	}
	if quoteJSON {
		return printJSON(cmd.OutOrStdout(), q)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "base=%s cores=%s ram=%s cost=%s\n", q.Base, q.Cores, q.RAM, q.Total)
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	s, err := c.Generate(cmd.Context(), strings.Join(args, " "))
	if err != nil {
		return apiError("generate", err)
	}
	if generateJSON {
		return printJSON(cmd.OutOrStdout(), s)
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "# %s\n", strings.ReplaceAll(strings.TrimSpace(s.Explanation), "\n", "\n# "))
	_, _ = fmt.Fprintf(out, "# estimated: cores=%d ram_mb=%d minutes=%d\n", s.EstimatedCores, s.EstimatedRAM, s.EstimatedDuration)
	_, _ = fmt.Fprintln(out, strings.TrimRight(s.Script, "\n"))
	return nil
}
