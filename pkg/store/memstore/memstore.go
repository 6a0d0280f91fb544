// Package memstore is the in-process state store.
//
// Writers are serialized by a single lock and work on a staged overlay that
// is applied to the live maps only when the transaction function succeeds.
// Readers share the lock in read mode, so they see either all of a
// transaction or none of it.
//
// When opened with a snapshot path, every committed transaction also rewrites
// a JSON snapshot of the full state (temp file + rename) so a restart can
// resume from it.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/store"
)

// Store implements store.Store in memory.
type Store struct {
	mu sync.RWMutex

	jobs     map[string]model.Job
	order    []string
	seq      int64
	workers  map[string]model.Worker
	accounts map[string]model.Account

	snapshotPath string
	closed       bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty store with no snapshot persistence.
func New() *Store {
	return &Store{
		jobs:     make(map[string]model.Job),
		workers:  make(map[string]model.Worker),
		accounts: make(map[string]model.Account),
	}
}

// Open returns a store persisted to a JSON snapshot at path. An existing
// snapshot is loaded; a missing one starts empty.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	s := New()
	if path == "" {
		return s, nil
	}
	s.snapshotPath = path

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		s.restore(snap)
	}
	return s, nil
}

// SnapshotPath returns the snapshot file, or "" for a pure in-memory store.
func (s *Store) SnapshotPath() string {
	return s.snapshotPath
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("memstore: closed")
	}
	return fn(&tx{s: s})
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memstore: closed")
	}

	t := newWriteTx(s)
	if err := fn(t); err != nil {
		return err
	}

	if s.snapshotPath != "" {
		if err := writeSnapshot(s.snapshotPath, t.merged()); err != nil {
			return fmt.Errorf("memstore: persist snapshot: %w", err)
		}
	}
	t.apply()
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) restore(snap *snapshot) {
	s.seq = snap.Seq
	entries := append([]snapshotJob(nil), snap.Jobs...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	for _, e := range entries {
		job := e.Job
		job.Seq = e.Seq
		s.jobs[job.JobID] = job
		s.order = append(s.order, job.JobID)
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
	}
	for _, w := range snap.Workers {
		s.workers[w.WorkerID] = w
	}
	for _, a := range snap.Accounts {
		s.accounts[a.AccountID] = a
	}
}

// tx is both the read-only and the read-write transaction. Read-only
// transactions have nil staging maps.
type tx struct {
	s        *Store
	writable bool

	jobs     map[string]model.Job
	newJobs  []string
	seq      int64
	workers  map[string]model.Worker
	deleted  map[string]bool
	accounts map[string]model.Account
}

func newWriteTx(s *Store) *tx {
	return &tx{
		s:        s,
		writable: true,
		seq:      s.seq,
		jobs:     make(map[string]model.Job),
		workers:  make(map[string]model.Worker),
		deleted:  make(map[string]bool),
		accounts: make(map[string]model.Account),
	}
}

func (t *tx) Job(id string) (model.Job, error) {
	if j, ok := t.jobs[id]; ok {
		return j.Clone(), nil
	}
	if j, ok := t.s.jobs[id]; ok {
		return j.Clone(), nil
	}
	return model.Job{}, model.NotFound("get", "job", id)
}

func (t *tx) Jobs(status model.JobStatus) ([]model.Job, error) {
	ids := t.s.order
	if len(t.newJobs) > 0 {
		ids = append(append([]string(nil), t.s.order...), t.newJobs...)
	}
	out := make([]model.Job, 0, len(ids))
	for _, id := range ids {
		j, err := t.Job(id)
		if err != nil {
			return nil, err
		}
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (t *tx) PutJob(job *model.Job) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	if job == nil || strings.TrimSpace(job.JobID) == "" {
		return fmt.Errorf("memstore: job_id is required")
	}

	if prev, ok := t.jobs[job.JobID]; ok {
		job.Seq = prev.Seq
	} else if prev, ok := t.s.jobs[job.JobID]; ok {
		job.Seq = prev.Seq
	} else {
		t.seq++
		job.Seq = t.seq
		t.newJobs = append(t.newJobs, job.JobID)
	}
	t.jobs[job.JobID] = job.Clone()
	return nil
}

func (t *tx) Worker(id string) (model.Worker, error) {
	if t.deleted[id] {
		return model.Worker{}, model.NotFound("get", "worker", id)
	}
	if w, ok := t.workers[id]; ok {
		return w, nil
	}
	if w, ok := t.s.workers[id]; ok {
		return w, nil
	}
	return model.Worker{}, model.NotFound("get", "worker", id)
}

func (t *tx) Workers() ([]model.Worker, error) {
	seen := make(map[string]bool, len(t.s.workers)+len(t.workers))
	out := make([]model.Worker, 0, len(t.s.workers)+len(t.workers))
	add := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		if w, err := t.Worker(id); err == nil {
			out = append(out, w)
		}
	}
	for id := range t.s.workers {
		add(id)
	}
	for id := range t.workers {
		add(id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (t *tx) PutWorker(w model.Worker) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	if strings.TrimSpace(w.WorkerID) == "" {
		return fmt.Errorf("memstore: worker_id is required")
	}
	delete(t.deleted, w.WorkerID)
	t.workers[w.WorkerID] = w
	return nil
}

func (t *tx) DeleteWorker(id string) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	if _, err := t.Worker(id); err != nil {
		return err
	}
	delete(t.workers, id)
	t.deleted[id] = true
	return nil
}

func (t *tx) Account(id string) (model.Account, error) {
	if a, ok := t.accounts[id]; ok {
		return a, nil
	}
	if a, ok := t.s.accounts[id]; ok {
		return a, nil
	}
	return model.Account{}, model.NotFound("get", "account", id)
}

func (t *tx) PutAccount(a model.Account) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	if strings.TrimSpace(a.AccountID) == "" {
		return fmt.Errorf("memstore: account_id is required")
	}
	t.accounts[a.AccountID] = a
	return nil
}

// apply commits the staged writes to the live maps. Caller holds s.mu.
func (t *tx) apply() {
	s := t.s
	for id, j := range t.jobs {
		s.jobs[id] = j
	}
	s.order = append(s.order, t.newJobs...)
	s.seq = t.seq
	for id := range t.deleted {
		delete(s.workers, id)
	}
	for id, w := range t.workers {
		s.workers[id] = w
	}
	for id, a := range t.accounts {
		s.accounts[id] = a
	}
}

// merged renders the post-commit state without touching the live maps.
func (t *tx) merged() *snapshot {
	snap := &snapshot{Version: snapshotVersion, Seq: t.seq}

	jobs, _ := t.Jobs("")
	for _, j := range jobs {
		snap.Jobs = append(snap.Jobs, snapshotJob{Seq: j.Seq, Job: j})
	}
	snap.Workers, _ = t.Workers()

	accounts := make(map[string]model.Account, len(t.s.accounts)+len(t.accounts))
	for id, a := range t.s.accounts {
		accounts[id] = a
	}
	for id, a := range t.accounts {
		accounts[id] = a
	}
	for _, a := range accounts {
		snap.Accounts = append(snap.Accounts, a)
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].AccountID < snap.Accounts[j].AccountID })
	return snap
}
