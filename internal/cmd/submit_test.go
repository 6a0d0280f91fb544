package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HarrisonFulford/cacheout/pkg/manifest"
	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/scriptgen"
)

type fakeGenerator struct {
	suggestion scriptgen.Suggestion
	err        error
	prompts    []string
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (scriptgen.Suggestion, error) {
	g.prompts = append(g.prompts, prompt)
	return g.suggestion, g.err
}

// resetSubmitFlags restores the submit globals after a test and returns a
// command carrying only the sizing flags, so Changed reflects the test's Set
// calls alone.
func resetSubmitFlags(t *testing.T) *cobra.Command {
	t.Helper()
	t.Cleanup(func() {
		submitFile, submitTitle, submitDescription = "", "", ""
		submitCommand, submitCode, submitCodeFile, submitPrompt = "", "", "", ""
		submitPriority, submitBuyer, submitParams = 0, "", nil
		submitCores, submitRAMMB = manifest.DefaultCores, manifest.DefaultRAMMB
	})

	cmd := &cobra.Command{Use: "submit"}
	cmd.Flags().IntVar(&submitCores, "cores", manifest.DefaultCores, "")
	cmd.Flags().IntVar(&submitRAMMB, "ram", manifest.DefaultRAMMB, "")
	cmd.SetContext(context.Background())
	return cmd
}

func TestSuggestionSpec(t *testing.T) {
	base := model.JobSpec{
		Priority:      3,
		RequiredCores: manifest.DefaultCores,
		RequiredRAMMB: manifest.DefaultRAMMB,
		BuyerID:       "acme",
	}
	s := scriptgen.Suggestion{
		Script:         "convert in.png -resize 512 out.png",
		Explanation:    "resizes one image",
		EstimatedCores: 4,
		EstimatedRAM:   2048,
	}

	tests := []struct {
		name      string
		base      model.JobSpec
		prompt    string
		s         scriptgen.Suggestion
		keepCores bool
		keepRAM   bool
		wantCores int
		wantRAM   int
		wantTitle string
		wantDesc  string
	}{
		{
			name:      "estimates size the job",
			base:      base,
			prompt:    "resize   the\nimage",
			s:         s,
			wantCores: 4,
			wantRAM:   2048,
			wantTitle: "resize the image",
			wantDesc:  "resizes one image",
		},
		{
			name:      "explicit cores win",
			base:      func() model.JobSpec { b := base; b.RequiredCores = 16; return b }(),
			prompt:    "resize",
			s:         s,
			keepCores: true,
			wantCores: 16,
			wantRAM:   2048,
			wantTitle: "resize",
			wantDesc:  "resizes one image",
		},
		{
			name:      "explicit ram and title win",
			base:      func() model.JobSpec { b := base; b.RequiredRAMMB = 512; b.Title = "thumbs"; b.Description = "mine"; return b }(),
			prompt:    "resize",
			s:         s,
			keepRAM:   true,
			wantCores: 4,
			wantRAM:   512,
			wantTitle: "thumbs",
			wantDesc:  "mine",
		},
		{
			name:      "zero estimates floor at one",
			base:      base,
			prompt:    "noop",
			s:         scriptgen.Suggestion{Script: "true"},
			wantCores: 1,
			wantRAM:   1,
			wantTitle: "noop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := suggestionSpec(tt.base, tt.prompt, tt.s, tt.keepCores, tt.keepRAM)
			assert.Equal(t, tt.s.Script, got.Code)
			assert.Empty(t, got.Command)
			assert.Equal(t, tt.wantCores, got.RequiredCores)
			assert.Equal(t, tt.wantRAM, got.RequiredRAMMB)
			assert.Equal(t, tt.wantTitle, got.Title)
			assert.Equal(t, tt.wantDesc, got.Description)
			assert.Equal(t, 3, got.Priority)
			assert.Equal(t, "acme", got.BuyerID)

			req := submitRequest(got)
			assert.Equal(t, tt.s.Script, req.Code)
			assert.Equal(t, tt.wantCores, req.RequiredCores)
			assert.Equal(t, tt.wantRAM, req.RequiredRAMMB)
		})
	}
}

func TestPromptTitle(t *testing.T) {
	long := "train a small model on every csv file in the data directory and write metrics"
	got := promptTitle(long)
	assert.Equal(t, "train a small model on every csv file in the data directory...", got)
	assert.LessOrEqual(t, len([]rune(got)), promptTitleLen+3)
	assert.Equal(t, "short one", promptTitle("  short\tone "))
}

func TestSubmitSpecsPrompt(t *testing.T) {
	cmd := resetSubmitFlags(t)
	submitPrompt = "resize every png"
	submitBuyer = "acme"
	submitParams = []string{"size=512"}
	require.NoError(t, cmd.Flags().Set("ram", "1024"))

	gen := &fakeGenerator{suggestion: scriptgen.Suggestion{Script: "./resize.sh", EstimatedCores: 2, EstimatedRAM: 4096}}
	specs, err := submitSpecs(cmd, gen)
	require.NoError(t, err)
	require.Len(t, specs, 1)

	assert.Equal(t, []string{"resize every png"}, gen.prompts)
	assert.Equal(t, "./resize.sh", specs[0].Code)
	assert.Equal(t, 2, specs[0].RequiredCores)
	assert.Equal(t, 1024, specs[0].RequiredRAMMB, "--ram overrides the estimate")
	assert.Equal(t, "acme", specs[0].BuyerID)
	assert.Equal(t, float64(512), specs[0].Parameters["size"])
}

func TestSubmitSpecsPromptErrors(t *testing.T) {
	t.Run("conflicting source", func(t *testing.T) {
		cmd := resetSubmitFlags(t)
		submitPrompt = "resize"
		submitCommand = "./resize.sh"

		gen := &fakeGenerator{}
		_, err := submitSpecs(cmd, gen)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--prompt cannot be combined")
		assert.Empty(t, gen.prompts, "generator not called")
	})

	t.Run("generator unavailable", func(t *testing.T) {
		cmd := resetSubmitFlags(t)
		submitPrompt = "resize"

		_, err := submitSpecs(cmd, &fakeGenerator{err: scriptgen.ErrUnavailable})
		require.Error(t, err)
		assert.True(t, errors.Is(err, scriptgen.ErrUnavailable))
	})
}
