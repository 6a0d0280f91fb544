// Package storetest is a conformance suite every store.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/store"
)

// Opener returns a fresh, empty store.
type Opener func(t *testing.T) store.Store

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("JobRoundTrip", func(t *testing.T) { testJobRoundTrip(t, open(t)) })
	t.Run("JobsInsertionOrder", func(t *testing.T) { testJobsInsertionOrder(t, open(t)) })
	t.Run("WorkersSortedAndDeleted", func(t *testing.T) { testWorkers(t, open(t)) })
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("ReadOnlyView", func(t *testing.T) { testReadOnly(t, open(t)) })
	t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, open(t)) })
}

// SampleJob returns a fully-populated job.
func SampleJob(id string) model.Job {
	w := "worker-1"
	started := t0.Add(time.Second)
	return model.Job{
		JobID:          id,
		Title:          "render " + id,
		Description:    "frames 1-24",
		Code:           "print('hi')",
		Command:        "python main.py",
		Priority:       3,
		RequiredCores:  4,
		RequiredRAMMB:  8192,
		Parameters:     map[string]any{"frames": float64(24), "codec": "h264"},
		BuyerID:        "buyer-1",
		Status:         model.JobRunning,
		AssignedWorker: &w,
		CreatedAt:      t0,
		StartedAt:      &started,
		Cost:           180,
		RequeueCount:   1,
	}
}

func testJobRoundTrip(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer func() { _ = st.Close() }()

	job := SampleJob("job-1")
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return tx.PutJob(&job) }))
	assert.NotZero(t, job.Seq)

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		got, err := tx.Job("job-1")
		require.NoError(t, err)
		assert.Equal(t, job, got)

		_, err = tx.Job("missing")
		assert.True(t, model.IsNotFound(err))
		return nil
	}))

	// Updating keeps the sequence and clears nullable columns.
	seq := job.Seq
	job.AssignedWorker = nil
	job.StartedAt = nil
	job.Status = model.JobPending
	job.Parameters = nil
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return tx.PutJob(&job) }))
	assert.Equal(t, seq, job.Seq)

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		got, err := tx.Job("job-1")
		require.NoError(t, err)
		assert.Nil(t, got.AssignedWorker)
		assert.Nil(t, got.StartedAt)
		assert.Equal(t, model.JobPending, got.Status)
		assert.Empty(t, got.Parameters)
		return nil
	}))
}

func testJobsInsertionOrder(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer func() { _ = st.Close() }()

	ids := []string{"c", "a", "b", "d"}
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		for i, id := range ids {
			j := SampleJob(id)
			j.AssignedWorker = nil
			j.StartedAt = nil
			j.Status = model.JobPending
			if i%2 == 1 {
				j.Status = model.JobCompleted
			}
			if err := tx.PutJob(&j); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		all, err := tx.Jobs("")
		require.NoError(t, err)
		assert.Equal(t, ids, jobIDs(all))

		pending, err := tx.Jobs(model.JobPending)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, jobIDs(pending))
		return nil
	}))
}

func testWorkers(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer func() { _ = st.Close() }()

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		for _, id := range []string{"w3", "w1", "w2"} {
			w := model.Worker{
				WorkerID:     id,
				Hostname:     id + ".local",
				CPUCores:     4,
				RAMMB:        8192,
				Status:       model.WorkerIdle,
				LastSeen:     t0,
				RegisteredAt: t0,
				Accepting:    true,
			}
			if id == "w2" {
				w.Status = model.WorkerBusy
				w.CurrentJob = "job-1"
			}
			if err := tx.PutWorker(w); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.DeleteWorker("w3"))
		assert.True(t, model.IsNotFound(tx.DeleteWorker("w3")))

		workers, err := tx.Workers()
		require.NoError(t, err)
		assert.Equal(t, []string{"w1", "w2"}, workerIDs(workers))
		return nil
	}))

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		w, err := tx.Worker("w2")
		require.NoError(t, err)
		assert.Equal(t, model.WorkerBusy, w.Status)
		assert.Equal(t, "job-1", w.CurrentJob)
		assert.True(t, w.Accepting)
		assert.Equal(t, t0, w.LastSeen)

		_, err = tx.Worker("w3")
		assert.True(t, model.IsNotFound(err))
		return nil
	}))
}

func testAccounts(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer func() { _ = st.Close() }()

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.PutAccount(model.Account{AccountID: "buyer", Credits: -25, UpdatedAt: t0})
	}))
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		a, err := tx.Account("buyer")
		require.NoError(t, err)
		assert.Equal(t, model.Amount(-25), a.Credits)
		assert.Equal(t, t0, a.UpdatedAt)

		_, err = tx.Account("nobody")
		assert.True(t, model.IsNotFound(err))
		return nil
	}))
}

func testRollback(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer func() { _ = st.Close() }()

	boom := errors.New("boom")
	err := st.Update(ctx, func(tx store.Tx) error {
		j := SampleJob("job-1")
		require.NoError(t, tx.PutJob(&j))
		require.NoError(t, tx.PutAccount(model.Account{AccountID: "buyer", Credits: 100, UpdatedAt: t0}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		_, err := tx.Job("job-1")
		assert.True(t, model.IsNotFound(err))
		_, err = tx.Account("buyer")
		assert.True(t, model.IsNotFound(err))
		jobs, err := tx.Jobs("")
		require.NoError(t, err)
		assert.Empty(t, jobs)
		return nil
	}))
}

func testReadOnly(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer func() { _ = st.Close() }()

	err := st.View(ctx, func(tx store.Tx) error {
		j := SampleJob("job-1")
		return tx.PutJob(&j)
	})
	assert.ErrorIs(t, err, store.ErrReadOnly)
}

func testReadYourWrites(t *testing.T, st store.Store) {
	ctx := context.Background()
	defer func() { _ = st.Close() }()

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		j := SampleJob("job-1")
		require.NoError(t, tx.PutJob(&j))

		got, err := tx.Job("job-1")
		require.NoError(t, err)
		assert.Equal(t, j.Seq, got.Seq)

		running, err := tx.Jobs(model.JobRunning)
		require.NoError(t, err)
		assert.Len(t, running, 1)
		return nil
	}))
}

func jobIDs(jobs []model.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.JobID)
	}
	return out
}

func workerIDs(workers []model.Worker) []string {
	out := make([]string, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.WorkerID)
	}
	return out
}
