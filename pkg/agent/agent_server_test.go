package agent_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HarrisonFulford/cacheout/internal/server"
	"github.com/HarrisonFulford/cacheout/pkg/agent"
	"github.com/HarrisonFulford/cacheout/pkg/api"
	"github.com/HarrisonFulford/cacheout/pkg/client"
	"github.com/HarrisonFulford/cacheout/pkg/lifecycle"
	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/store/memstore"
)

func TestAgentAgainstScheduler(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ctrl := lifecycle.New(memstore.New(), lifecycle.DefaultConfig())
	srv := httptest.NewServer(server.New("127.0.0.1", 0,
		server.WithScheduler(ctrl),
		server.WithAdminToken("tok"),
	).Handler())
	defer srv.Close()

	c, err := client.New(srv.URL, client.WithAdminToken("tok"))
	require.NoError(t, err)

	_, err = c.Grant(ctx, "acme", model.Cents(5000))
	require.NoError(t, err)
	okID, err := c.Submit(ctx, api.SubmitRequest{Title: "greet", Command: "echo hello", Priority: 1, RequiredCores: 1, RequiredRAMMB: 512, BuyerID: "acme"})
	require.NoError(t, err)
	badID, err := c.Submit(ctx, api.SubmitRequest{Title: "boom", Code: "echo oops >&2\nexit 3", Priority: 2, RequiredCores: 1, RequiredRAMMB: 512, BuyerID: "acme"})
	require.NoError(t, err)
	tooBigID, err := c.Submit(ctx, api.SubmitRequest{Title: "huge", Command: "true", Priority: 0, RequiredCores: 64, RequiredRAMMB: 512, BuyerID: "acme"})
	require.NoError(t, err)

	a, err := agent.New(agent.Config{
		WorkerID:     "w1",
		CPUCores:     2,
		RAMMB:        2048,
		PollInterval: 10 * time.Millisecond,
		HistoryDir:   filepath.Join(t.TempDir(), "history"),
		Server:       srv.URL,
		MaxJobs:      2,
	}, c, nil)
	require.NoError(t, err)
	require.NoError(t, a.Run(ctx))

	ok, err := c.Job(ctx, okID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, ok.Status)
	assert.Equal(t, "hello", ok.Result)
	assert.Equal(t, "w1", ok.Worker())

	bad, err := c.Job(ctx, badID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, bad.Status)
	assert.Contains(t, bad.ErrorMessage, "oops")

	big, err := c.Job(ctx, tooBigID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, big.Status, "never fits a two core worker")

	earned, err := c.Credits(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, ok.Cost, earned, "only the completed job pays out")

	workers, err := c.Workers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers, "agent unregisters on exit")

	records, err := a.History().List()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
