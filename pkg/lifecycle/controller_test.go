package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/store"
	"github.com/HarrisonFulford/cacheout/pkg/store/boltstore"
	"github.com/HarrisonFulford/cacheout/pkg/store/memstore"
	"github.com/HarrisonFulford/cacheout/pkg/store/sqlstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backend struct {
	name string
	open func(t *testing.T) store.Store
}

var backends = []backend{
	{
		name: "memstore",
		open: func(t *testing.T) store.Store { return memstore.New() },
	},
	{
		name: "sqlstore",
		open: func(t *testing.T) store.Store {
			st, err := sqlstore.Open(context.Background(), sqlstore.Config{Path: filepath.Join(t.TempDir(), "state.db")})
			require.NoError(t, err)
			return st
		},
	},
	{
		name: "boltstore",
		open: func(t *testing.T) store.Store {
			st, err := boltstore.Open(filepath.Join(t.TempDir(), "state.bolt"))
			require.NoError(t, err)
			return st
		},
	},
}

type harness struct {
	*Controller
	clock    *fakeClock
	finished []model.Job
	mu       sync.Mutex
}

func newHarness(t *testing.T, b backend, mutate ...func(*Config)) *harness {
	t.Helper()
	st := b.open(t)
	t.Cleanup(func() { _ = st.Close() })

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{clock: newFakeClock()}
	h.Controller = New(st, cfg,
		WithClock(h.clock.Now),
		WithObserver(ObserverFunc(func(_ context.Context, job model.Job) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.finished = append(h.finished, job)
		})),
	)
	return h
}

func (h *harness) finishedJobs() []model.Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Job(nil), h.finished...)
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) { fn(t, b) })
	}
}

func spec(buyer string, priority, cores, ram int) model.JobSpec {
	return model.JobSpec{
		Title:         "job",
		Command:       "true",
		BuyerID:       buyer,
		Priority:      priority,
		RequiredCores: cores,
		RequiredRAMMB: ram,
	}
}

func register(t *testing.T, h *harness, id string, cores, ram int) {
	t.Helper()
	_, err := h.RegisterWorker(context.Background(), model.Registration{
		WorkerID: id, Hostname: id + ".local", CPUCores: cores, RAMMB: ram, Status: model.WorkerIdle,
	})
	require.NoError(t, err)
}

func fund(t *testing.T, h *harness, account string, amount model.Amount) {
	t.Helper()
	_, err := h.Grant(context.Background(), account, amount)
	require.NoError(t, err)
}

func TestScenario_SubmitDispatchComplete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b)
		fund(t, h, "buyer", 5000)

		job, err := h.Submit(ctx, spec("buyer", 3, 4, 8192))
		require.NoError(t, err)
		assert.Equal(t, model.Amount(180), job.Cost)
		assert.Equal(t, model.JobPending, job.Status)

		bal, err := h.Balance(ctx, "buyer")
		require.NoError(t, err)
		assert.Equal(t, "48.20", bal.String())

		register(t, h, "small", 2, 4096)
		_, err = h.Poll(ctx, "small")
		require.ErrorIs(t, err, model.ErrNoTask)

		got, err := h.Job(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobPending, got.Status)

		register(t, h, "big", 8, 16384)
		h.clock.Advance(time.Second)
		running, err := h.Poll(ctx, "big")
		require.NoError(t, err)
		assert.Equal(t, job.JobID, running.JobID)
		assert.Equal(t, model.JobRunning, running.Status)
		assert.Equal(t, "big", running.Worker())
		require.NotNil(t, running.StartedAt)

		workers, err := h.Workers(ctx)
		require.NoError(t, err)
		byID := map[string]model.Worker{}
		for _, w := range workers {
			byID[w.WorkerID] = w
		}
		assert.Equal(t, model.WorkerBusy, byID["big"].Status)
		assert.Equal(t, job.JobID, byID["big"].CurrentJob)
		assert.Equal(t, model.WorkerIdle, byID["small"].Status)

		done, err := h.Report(ctx, Report{JobID: job.JobID, WorkerID: "big", Status: model.JobCompleted, Result: "ok"})
		require.NoError(t, err)
		assert.Equal(t, model.JobCompleted, done.Status)
		assert.Equal(t, "big", done.Worker())
		require.NotNil(t, done.CompletedAt)

		payout, err := h.Balance(ctx, "big")
		require.NoError(t, err)
		assert.Equal(t, job.Cost, payout)

		workers, err = h.Workers(ctx)
		require.NoError(t, err)
		for _, w := range workers {
			assert.Equal(t, model.WorkerIdle, w.Status, w.WorkerID)
		}

		require.Len(t, h.finishedJobs(), 1)
		assert.Equal(t, job.JobID, h.finishedJobs()[0].JobID)
	})
}

func TestScenario_InsufficientCredits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b)
		fund(t, h, "buyer", 100)

		_, err := h.Submit(ctx, spec("buyer", 3, 4, 8192))
		require.Error(t, err)
		assert.True(t, model.IsInsufficientCredits(err))

		jobs, err := h.Jobs(ctx, model.JobFilter{})
		require.NoError(t, err)
		assert.Empty(t, jobs)

		bal, err := h.Balance(ctx, "buyer")
		require.NoError(t, err)
		assert.Equal(t, model.Amount(100), bal)
	})
}

func TestSubmitValidationLeavesNoState(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b)
		fund(t, h, "buyer", 1000)

		_, err := h.Submit(ctx, spec("buyer", 3, 0, 1024))
		require.Error(t, err)
		assert.True(t, model.IsValidation(err))

		bal, err := h.Balance(ctx, "buyer")
		require.NoError(t, err)
		assert.Equal(t, model.Amount(1000), bal)
	})
}

func TestFIFOWithinPriority(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b)
		fund(t, h, "buyer", 10000)

		ids := map[string]string{}
		for _, s := range []struct {
			name     string
			priority int
		}{{"A", 1}, {"B", 1}, {"C", 0}} {
			sp := spec("buyer", s.priority, 1, 512)
			sp.Title = s.name
			job, err := h.Submit(ctx, sp)
			require.NoError(t, err)
			ids[job.JobID] = s.name
			h.clock.Advance(time.Second)
		}

		register(t, h, "w1", 4, 4096)
		var order []string
		for i := 0; i < 3; i++ {
			job, err := h.Poll(ctx, "w1")
			require.NoError(t, err)
			order = append(order, ids[job.JobID])
			_, err = h.Report(ctx, Report{JobID: job.JobID, Status: model.JobCompleted})
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"C", "A", "B"}, order)

		_, err := h.Poll(ctx, "w1")
		assert.ErrorIs(t, err, model.ErrNoTask)
	})
}

func TestFIFOWithIdenticalTimestamps(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b)
		fund(t, h, "buyer", 10000)

		var want []string
		for i := 0; i < 5; i++ {
			job, err := h.Submit(ctx, spec("buyer", 2, 1, 512))
			require.NoError(t, err)
			want = append(want, job.JobID)
		}

		register(t, h, "w1", 1, 512)
		var got []string
		for range want {
			job, err := h.Poll(ctx, "w1")
			require.NoError(t, err)
			got = append(got, job.JobID)
			_, err = h.Report(ctx, Report{JobID: job.JobID, Status: model.JobFailed, Error: "boom"})
			require.NoError(t, err)
		}
		assert.Equal(t, want, got)
	})
}

func TestPollIsIdempotentForBusyWorker(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b)
		fund(t, h, "buyer", 10000)

		first, err := h.Submit(ctx, spec("buyer", 1, 1, 512))
		require.NoError(t, err)
		_, err = h.Submit(ctx, spec("buyer", 1, 1, 512))
		require.NoError(t, err)

		register(t, h, "w1", 2, 2048)
		a, err := h.Poll(ctx, "w1")
		require.NoError(t, err)
		b2, err := h.Poll(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, first.JobID, a.JobID)
		assert.Equal(t, a.JobID, b2.JobID)

		running, err := h.Jobs(ctx, model.JobFilter{Status: model.JobRunning})
		require.NoError(t, err)
		assert.Len(t, running, 1)
	})
}

func TestPollUnknownWorker(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		h := newHarness(t, b)
		_, err := h.Poll(context.Background(), "ghost")
		require.Error(t, err)
		assert.True(t, model.IsNotFound(err))
		assert.False(t, errors.Is(err, model.ErrNoTask))
	})
}

func TestConcurrentPollingIsExclusive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b)
		fund(t, h, "buyer", 100000)

		const jobs, workers = 10, 25
		for i := 0; i < jobs; i++ {
			_, err := h.Submit(ctx, spec("buyer", i%3, 1, 512))
			require.NoError(t, err)
		}
		for i := 0; i < workers; i++ {
			register(t, h, fmt.Sprintf("w%02d", i), 2, 2048)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			assigned = map[string][]string{}
			errs     []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				job, err := h.Poll(ctx, id)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if !errors.Is(err, model.ErrNoTask) {
						errs = append(errs, err)
					}
					return
				}
				assigned[job.JobID] = append(assigned[job.JobID], id)
			}(fmt.Sprintf("w%02d", i))
		}
		wg.Wait()

		require.Empty(t, errs)
		assert.Len(t, assigned, jobs)
		for jobID, ws := range assigned {
			assert.Len(t, ws, 1, "job %s bound to %v", jobID, ws)
		}

		all, err := h.Jobs(ctx, model.JobFilter{})
		require.NoError(t, err)
		for _, j := range all {
			assert.Equal(t, model.JobRunning, j.Status)
			require.NotNil(t, j.AssignedWorker)
			assert.Equal(t, assigned[j.JobID][0], j.Worker())
		}
	})
}

func TestConcurrentReportsFirstWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b)
		fund(t, h, "buyer", 1000)

		job, err := h.Submit(ctx, spec("buyer", 1, 1, 512))
		require.NoError(t, err)
		register(t, h, "w1", 1, 512)
		_, err = h.Poll(ctx, "w1")
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok        int
			conflicts int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				status := model.JobCompleted
				if i%2 == 1 {
					status = model.JobFailed
				}
				_, err := h.Report(ctx, Report{JobID: job.JobID, Status: status})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case model.IsConflict(err):
					conflicts++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, ok)
		assert.Equal(t, 7, conflicts)
	})
}

func TestReportErrors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b)
		fund(t, h, "buyer", 1000)

		job, err := h.Submit(ctx, spec("buyer", 1, 1, 512))
		require.NoError(t, err)

		_, err = h.Report(ctx, Report{JobID: job.JobID, Status: model.JobCompleted})
		assert.True(t, model.IsConflict(err), "pending job cannot complete")

		_, err = h.Report(ctx, Report{JobID: "missing", Status: model.JobCompleted})
		assert.True(t, model.IsNotFound(err))

		_, err = h.Report(ctx, Report{JobID: job.JobID, Status: model.JobRunning})
		assert.True(t, model.IsValidation(err))

		register(t, h, "w1", 1, 512)
		_, err = h.Poll(ctx, "w1")
		require.NoError(t, err)

		_, err = h.Report(ctx, Report{JobID: job.JobID, WorkerID: "w2", Status: model.JobCompleted})
		assert.True(t, model.IsConflict(err), "wrong worker")

		failed, err := h.Report(ctx, Report{JobID: job.JobID, WorkerID: "w1", Status: model.JobFailed, Error: "exit 1"})
		require.NoError(t, err)
		assert.Equal(t, "exit 1", failed.ErrorMessage)

		bal, err := h.Balance(ctx, "w1")
		require.NoError(t, err)
		assert.Zero(t, bal, "failed jobs pay nothing")

		buyer, err := h.Balance(ctx, "buyer")
		require.NoError(t, err)
		assert.Equal(t, model.Amount(1000)-job.Cost, buyer, "reservation is not refunded")
	})
}

func TestUnregisterRequeuesThenFails(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b, func(c *Config) { c.MaxRequeues = 2 })
		fund(t, h, "buyer", 1000)

		job, err := h.Submit(ctx, spec("buyer", 1, 1, 512))
		require.NoError(t, err)

		for attempt := 0; attempt <= 2; attempt++ {
			id := fmt.Sprintf("w%d", attempt)
			register(t, h, id, 1, 512)
			got, err := h.Poll(ctx, id)
			require.NoError(t, err)
			require.Equal(t, job.JobID, got.JobID)
			require.NoError(t, h.UnregisterWorker(ctx, id))

			cur, err := h.Job(ctx, job.JobID)
			require.NoError(t, err)
			if attempt < 2 {
				assert.Equal(t, model.JobPending, cur.Status)
				assert.Nil(t, cur.AssignedWorker)
				assert.Nil(t, cur.StartedAt)
				assert.Equal(t, attempt+1, cur.RequeueCount)
				continue
			}
			assert.Equal(t, model.JobFailed, cur.Status)
			assert.Contains(t, cur.ErrorMessage, model.ErrWorkerUnavailable.Error())
			assert.Equal(t, id, cur.Worker())
			require.NotNil(t, cur.CompletedAt)
		}

		require.Len(t, h.finishedJobs(), 1)

		workers, err := h.Workers(ctx)
		require.NoError(t, err)
		assert.Empty(t, workers)

		err = h.UnregisterWorker(ctx, "w0")
		assert.True(t, model.IsNotFound(err))
	})
}

func TestSweepTakesSilentWorkersOffline(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b)
		fund(t, h, "buyer", 1000)

		job, err := h.Submit(ctx, spec("buyer", 1, 1, 512))
		require.NoError(t, err)
		register(t, h, "quiet", 1, 512)
		register(t, h, "chatty", 1, 512)
		_, err = h.Poll(ctx, "quiet")
		require.NoError(t, err)

		h.clock.Advance(20 * time.Second)
		_, err = h.Poll(ctx, "chatty")
		require.ErrorIs(t, err, model.ErrNoTask)

		h.clock.Advance(15 * time.Second)
		res, err := h.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"quiet"}, res.Offline)
		assert.Equal(t, []string{job.JobID}, res.Requeued)

		cur, err := h.Job(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobPending, cur.Status)

		got, err := h.Poll(ctx, "chatty")
		require.NoError(t, err)
		assert.Equal(t, job.JobID, got.JobID)

		// A late report from the lost worker is rejected.
		_, err = h.Report(ctx, Report{JobID: job.JobID, WorkerID: "quiet", Status: model.JobCompleted})
		assert.True(t, model.IsConflict(err))

		// The lost worker comes back idle on its next poll and finds nothing.
		_, err = h.Poll(ctx, "quiet")
		require.ErrorIs(t, err, model.ErrNoTask)
		workers, err := h.Workers(ctx)
		require.NoError(t, err)
		for _, w := range workers {
			if w.WorkerID == "quiet" {
				assert.Equal(t, model.WorkerIdle, w.Status)
			}
		}

		res, err = h.Sweep(ctx)
		require.NoError(t, err)
		assert.True(t, res.Empty())
	})
}

func TestSweepJobTimeout(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b, func(c *Config) {
			c.JobTimeout = time.Minute
			c.LivenessTimeout = time.Hour
		})
		fund(t, h, "buyer", 1000)

		job, err := h.Submit(ctx, spec("buyer", 1, 1, 512))
		require.NoError(t, err)
		register(t, h, "w1", 1, 512)
		_, err = h.Poll(ctx, "w1")
		require.NoError(t, err)

		h.clock.Advance(2 * time.Minute)
		res, err := h.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{job.JobID}, res.TimedOut)
		assert.Empty(t, res.Offline)

		cur, err := h.Job(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobFailed, cur.Status)
		assert.Contains(t, cur.ErrorMessage, "timed out")

		workers, err := h.Workers(ctx)
		require.NoError(t, err)
		require.Len(t, workers, 1)
		assert.Equal(t, model.WorkerIdle, workers[0].Status)
	})
}

func TestRegisterOfflineWhileBusyDropsJob(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b)
		fund(t, h, "buyer", 1000)

		job, err := h.Submit(ctx, spec("buyer", 1, 1, 512))
		require.NoError(t, err)
		register(t, h, "w1", 1, 512)
		_, err = h.Poll(ctx, "w1")
		require.NoError(t, err)

		w, err := h.RegisterWorker(ctx, model.Registration{WorkerID: "w1", CPUCores: 1, RAMMB: 512, Status: model.WorkerOffline})
		require.NoError(t, err)
		assert.Equal(t, model.WorkerOffline, w.Status)

		cur, err := h.Job(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobPending, cur.Status)

		_, err = h.Poll(ctx, "w1")
		assert.ErrorIs(t, err, model.ErrNoTask, "offline workers get no work")
	})
}

func TestIdempotentRegistration(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		h := newHarness(t, b)

		register(t, h, "w1", 4, 8192)
		h.clock.Advance(5 * time.Second)
		register(t, h, "w1", 4, 8192)

		workers, err := h.Workers(ctx)
		require.NoError(t, err)
		require.Len(t, workers, 1)
		assert.Equal(t, h.clock.Now(), workers[0].LastSeen)
	})
}

func TestQuote(t *testing.T) {
	h := newHarness(t, backends[0])

	q, err := h.Quote(4, 8192)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(180), q.Total)

	_, err = h.Quote(0, 512)
	assert.True(t, model.IsValidation(err))
}

func TestJobsRejectsUnknownStatus(t *testing.T) {
	h := newHarness(t, backends[0])
	_, err := h.Jobs(context.Background(), model.JobFilter{Status: "paused"})
	assert.True(t, model.IsValidation(err))
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, backends[0], func(c *Config) { c.SweepInterval = time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.LivenessTimeout = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxRequeues = -1
	assert.Error(t, bad.Validate())
}
