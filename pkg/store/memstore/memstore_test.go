package memstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/store"
	"github.com/HarrisonFulford/cacheout/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestConformanceWithSnapshot(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		st, err := Open(filepath.Join(t.TempDir(), "state.json"))
		require.NoError(t, err)
		return st
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	st, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, st.SnapshotPath())

	first := storetest.SampleJob("job-1")
	second := storetest.SampleJob("job-2")
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutJob(&first); err != nil {
			return err
		}
		if err := tx.PutJob(&second); err != nil {
			return err
		}
		if err := tx.PutWorker(model.Worker{WorkerID: "w1", CPUCores: 2, RAMMB: 1024, Status: model.WorkerIdle, LastSeen: seen, Accepting: true}); err != nil {
			return err
		}
		return tx.PutAccount(model.Account{AccountID: "buyer-1", Credits: 4820, UpdatedAt: seen})
	}))
	require.NoError(t, st.Close())

	reopened, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, reopened.View(ctx, func(tx store.Tx) error {
		got, err := tx.Job("job-1")
		require.NoError(t, err)
		assert.Equal(t, first, got)

		jobs, err := tx.Jobs("")
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "job-2", jobs[1].JobID)

		w, err := tx.Worker("w1")
		require.NoError(t, err)
		assert.True(t, w.Accepting)
		assert.Equal(t, seen, w.LastSeen)

		a, err := tx.Account("buyer-1")
		require.NoError(t, err)
		assert.Equal(t, "48.20", a.Credits.String())
		return nil
	}))

	// New jobs continue the sequence after a restart.
	third := storetest.SampleJob("job-3")
	require.NoError(t, reopened.Update(ctx, func(tx store.Tx) error { return tx.PutJob(&third) }))
	assert.Greater(t, third.Seq, second.Seq)
}

func TestOpenMissingAndEmptySnapshot(t *testing.T) {
	dir := t.TempDir()

	st, err := Open(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	require.NoError(t, st.View(context.Background(), func(tx store.Tx) error {
		jobs, err := tx.Jobs("")
		require.NoError(t, err)
		assert.Empty(t, jobs)
		return nil
	}))

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))
	_, err = Open(empty)
	require.NoError(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = Open(bad)
	assert.Error(t, err)

	future := filepath.Join(dir, "future.json")
	require.NoError(t, os.WriteFile(future, []byte(`{"version": 99}`), 0o600))
	_, err = Open(future)
	assert.Error(t, err)
}

func TestFailedUpdateDoesNotTouchSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(path)
	require.NoError(t, err)

	err = st.Update(ctx, func(tx store.Tx) error {
		j := storetest.SampleJob("job-1")
		_ = tx.PutJob(&j)
		return model.Invalid("test", "rejected")
	})
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestClosedStore(t *testing.T) {
	st := New()
	require.NoError(t, st.Close())
	assert.Error(t, st.View(context.Background(), func(store.Tx) error { return nil }))
	assert.Error(t, st.Update(context.Background(), func(store.Tx) error { return nil }))
}

func TestCancelledContext(t *testing.T) {
	st := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, st.Update(ctx, func(store.Tx) error { return nil }), context.Canceled)
}
