package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/HarrisonFulford/cacheout/pkg/api"
	"github.com/HarrisonFulford/cacheout/pkg/manifest"
	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/scriptgen"
)

// promptTitleLen bounds the title derived from a --prompt.
const promptTitleLen = 60

var (
	submitFile        string
	submitTitle       string
	submitDescription string
	submitCommand     string
	submitCode        string
	submitCodeFile    string
	submitPrompt      string
	submitPriority    int
	submitCores       int
	submitRAMMB       int
	submitBuyer       string
	submitParams      []string
	submitJSON        bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit jobs to the scheduler",
	Long: `Submit one job from flags, or every job in a manifest file.

With --prompt the scheduler drafts the script and its core and RAM
estimates; --cores and --ram still win when given.

The buyer is charged the job's quoted cost at submission. Submitting
requires the admin token.

Examples:
  cacheout submit --buyer acme --cores 4 --ram 8192 --command "./render.sh"
  cacheout submit --buyer acme --code-file train.sh --param epochs=10
  cacheout submit --buyer acme --prompt "resize every png under ./in to 512px"
  cacheout submit --file jobs.yaml
  cat jobs.yaml | cacheout submit --file -`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Job manifest (YAML or JSON, '-' for stdin)")
	submitCmd.Flags().StringVar(&submitTitle, "title", "", "Job title")
	submitCmd.Flags().StringVar(&submitDescription, "description", "", "Job description")
	submitCmd.Flags().StringVar(&submitCommand, "command", "", "Shell command to run")
	submitCmd.Flags().StringVar(&submitCode, "code", "", "Script body to run")
	submitCmd.Flags().StringVar(&submitCodeFile, "code-file", "", "Read the script body from a file")
	submitCmd.Flags().StringVar(&submitPrompt, "prompt", "", "Draft the job script from a natural-language prompt")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "Priority (lower runs first)")
	submitCmd.Flags().IntVar(&submitCores, "cores", manifest.DefaultCores, "Required CPU cores")
	submitCmd.Flags().IntVar(&submitRAMMB, "ram", manifest.DefaultRAMMB, "Required RAM in MB")
	submitCmd.Flags().StringVar(&submitBuyer, "buyer", "", "Buyer account id")
	submitCmd.Flags().StringArrayVar(&submitParams, "param", nil, "Job parameter key=value (repeatable; JSON values are decoded)")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Output JSON")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}

	specs, err := submitSpecs(cmd, c)
	if err != nil {
		return err
	}

	type submitted struct {
		Title string `json:"title,omitempty"`
		JobID string `json:"job_id"`
	}
	var out []submitted
	for i, spec := range specs {
		id, err := c.Submit(cmd.Context(), submitRequest(spec))
		if err != nil {
			if len(specs) > 1 {
				return apiError(fmt.Sprintf("submit job %d of %d", i+1, len(specs)), err)
			}
			return apiError("submit", err)
		}
		out = append(out, submitted{Title: spec.Title, JobID: id})
	}

	if submitJSON {
		return printJSON(cmd.OutOrStdout(), out)
	}
	for _, s := range out {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s title=%q\n", s.JobID, s.Title)
	}
	return nil
}

func submitSpecs(cmd *cobra.Command, gen scriptgen.Generator) ([]model.JobSpec, error) {
	if submitPrompt != "" {
		if submitFile != "" || submitCommand != "" || submitCode != "" || submitCodeFile != "" {
			return nil, exitError(foundry.ExitInvalidArgument, "submit", fmt.Errorf("--prompt cannot be combined with --file, --command, --code or --code-file"))
		}
		return promptSpecs(cmd, gen)
	}

	if submitFile != "" {
		var (
			m   *manifest.Manifest
			err error
		)
		if submitFile == "-" {
			m, err = manifest.LoadFromReader(cmd.InOrStdin(), "stdin.yaml")
		} else {
			m, err = manifest.Load(submitFile)
		}
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "manifest", err)
		}
		m.SetDefaultBuyer(submitBuyer)
		if err := m.Check(); err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "manifest", err)
		}
		return m.Specs(), nil
	}

	code := submitCode
	if submitCodeFile != "" {
		if code != "" {
			return nil, exitError(foundry.ExitInvalidArgument, "submit", fmt.Errorf("--code and --code-file are mutually exclusive"))
		}
		raw, err := os.ReadFile(submitCodeFile)
		if err != nil {
			return nil, exitError(foundry.ExitFileReadError, "read code file", err)
		}
		code = string(raw)
	}
	if strings.TrimSpace(code) == "" && strings.TrimSpace(submitCommand) == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "submit", fmt.Errorf("one of --command, --code, --code-file or --file is required"))
	}

	params, err := parseParams(submitParams)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "param", err)
	}

	return []model.JobSpec{{
		Title:         submitTitle,
		Description:   submitDescription,
		Code:          code,
		Command:       submitCommand,
		Priority:      submitPriority,
		RequiredCores: submitCores,
		RequiredRAMMB: submitRAMMB,
		Parameters:    params,
		BuyerID:       submitBuyer,
	}}, nil
}

func promptSpecs(cmd *cobra.Command, gen scriptgen.Generator) ([]model.JobSpec, error) {
	params, err := parseParams(submitParams)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "param", err)
	}

	s, err := gen.Generate(cmd.Context(), submitPrompt)
	if err != nil {
		return nil, apiError("generate", err)
	}

	flags := cmd.Flags()
	base := model.JobSpec{
		Title:         submitTitle,
		Description:   submitDescription,
		Priority:      submitPriority,
		RequiredCores: submitCores,
		RequiredRAMMB: submitRAMMB,
		Parameters:    params,
		BuyerID:       submitBuyer,
	}
	return []model.JobSpec{suggestionSpec(base, submitPrompt, s, flags.Changed("cores"), flags.Changed("ram"))}, nil
}

// suggestionSpec fills base from a generated suggestion. The script becomes
// the job code and the estimates size the job unless keepCores or keepRAM
// say the caller set them explicitly.
func suggestionSpec(base model.JobSpec, prompt string, s scriptgen.Suggestion, keepCores, keepRAM bool) model.JobSpec {
	s = s.Clamp(0, 0)
	spec := base
	spec.Code = s.Script
	spec.Command = ""
	if !keepCores {
		spec.RequiredCores = s.EstimatedCores
	}
	if !keepRAM {
		spec.RequiredRAMMB = s.EstimatedRAM
	}
	if spec.Title == "" {
		spec.Title = promptTitle(prompt)
	}
	if spec.Description == "" {
		spec.Description = s.Explanation
	}
	return spec
}

func promptTitle(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	if r := []rune(title); len(r) > promptTitleLen {
		title = strings.TrimSpace(string(r[:promptTitleLen])) + "..."
	}
	return title
}

// parseParams turns key=value pairs into a parameter map. Values that parse
// as JSON keep their JSON type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func submitRequest(spec model.JobSpec) api.SubmitRequest {
	return api.SubmitRequest{
		Title:         spec.Title,
		Description:   spec.Description,
		Code:          spec.Code,
		Command:       spec.Command,
		Priority:      spec.Priority,
		RequiredCores: spec.RequiredCores,
		RequiredRAMMB: spec.RequiredRAMMB,
		Parameters:    api.Parameters(spec.Parameters),
		BuyerID:       spec.BuyerID,
	}
}
