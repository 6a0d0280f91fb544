// Package boltstore implements store.Store on a single Bolt database file.
//
// Records are JSON values in one bucket per kind. Jobs are keyed by id, and
// a second bucket maps the big-endian insertion sequence to the job id so
// cursor order is submission order.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boltdb/bolt"

	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/store"
)

var (
	bucketJobs     = []byte("jobs")
	bucketJobOrder = []byte("job_order")
	bucketWorkers  = []byte("workers")
	bucketAccounts = []byte("accounts")
)

// Store is a Bolt-backed state store.
type Store struct {
	db   *bolt.DB
	path string
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("bolt store path is required")
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketJobs, bucketJobOrder, bucketWorkers, bucketAccounts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

type jobRecord struct {
	Seq int64     `json:"seq"`
	Job model.Job `json:"job"`
}

type tx struct {
	btx *bolt.Tx
}

func (t *tx) Job(id string) (model.Job, error) {
	raw := t.btx.Bucket(bucketJobs).Get([]byte(id))
	if raw == nil {
		return model.Job{}, model.NotFound("get", "job", id)
	}
	return decodeJob(raw)
}

func (t *tx) Jobs(status model.JobStatus) ([]model.Job, error) {
	jobs := t.btx.Bucket(bucketJobs)
	var out []model.Job
	c := t.btx.Bucket(bucketJobOrder).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		raw := jobs.Get(v)
		if raw == nil {
			return nil, fmt.Errorf("job index references missing job %s", v)
		}
		j, err := decodeJob(raw)
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
	if !t.btx.Writable() {
		return store.ErrReadOnly
	}
	if job == nil || strings.TrimSpace(job.JobID) == "" {
		return fmt.Errorf("boltstore: job_id is required")
	}

	jobs := t.btx.Bucket(bucketJobs)
	key := []byte(job.JobID)
	if raw := jobs.Get(key); raw != nil {
		prev, err := decodeJob(raw)
		if err != nil {
			return err
		}
		job.Seq = prev.Seq
	} else {
		order := t.btx.Bucket(bucketJobOrder)
		seq, err := order.NextSequence()
		if err != nil {
			return fmt.Errorf("next job sequence: %w", err)
		}
		job.Seq = int64(seq)
		if err := order.Put(seqKey(seq), key); err != nil {
			return fmt.Errorf("index job: %w", err)
		}
	}

	buf, err := json.Marshal(jobRecord{Seq: job.Seq, Job: *job})
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return jobs.Put(key, buf)
}

func (t *tx) Worker(id string) (model.Worker, error) {
	raw := t.btx.Bucket(bucketWorkers).Get([]byte(id))
	if raw == nil {
		return model.Worker{}, model.NotFound("get", "worker", id)
	}
	var w model.Worker
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.Worker{}, fmt.Errorf("decode worker %s: %w", id, err)
	}
	return w, nil
}

// Workers relies on Bolt's byte-ordered keys for the id sort.
func (t *tx) Workers() ([]model.Worker, error) {
	var out []model.Worker
	err := t.btx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
		var w model.Worker
		if err := json.Unmarshal(v, &w); err != nil {
			return fmt.Errorf("decode worker %s: %w", k, err)
		}
		out = append(out, w)
		return nil
	})
	return out, err
}

func (t *tx) PutWorker(w model.Worker) error {
	if !t.btx.Writable() {
		return store.ErrReadOnly
	}
	if strings.TrimSpace(w.WorkerID) == "" {
		return fmt.Errorf("boltstore: worker_id is required")
	}
	buf, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode worker: %w", err)
	}
	return t.btx.Bucket(bucketWorkers).Put([]byte(w.WorkerID), buf)
}

func (t *tx) DeleteWorker(id string) error {
	if !t.btx.Writable() {
		return store.ErrReadOnly
	}
	b := t.btx.Bucket(bucketWorkers)
	if b.Get([]byte(id)) == nil {
		return model.NotFound("delete", "worker", id)
	}
	return b.Delete([]byte(id))
}

func (t *tx) Account(id string) (model.Account, error) {
	raw := t.btx.Bucket(bucketAccounts).Get([]byte(id))
	if raw == nil {
		return model.Account{}, model.NotFound("get", "account", id)
	}
	var a model.Account
	if err := json.Unmarshal(raw, &a); err != nil {
		return model.Account{}, fmt.Errorf("decode account %s: %w", id, err)
	}
	return a, nil
}

func (t *tx) PutAccount(a model.Account) error {
	if !t.btx.Writable() {
		return store.ErrReadOnly
	}
	if strings.TrimSpace(a.AccountID) == "" {
		return fmt.Errorf("boltstore: account_id is required")
	}
	buf, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	return t.btx.Bucket(bucketAccounts).Put([]byte(a.AccountID), buf)
}

func decodeJob(raw []byte) (model.Job, error) {
	var rec jobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.Job{}, fmt.Errorf("decode job: %w", err)
	}
	rec.Job.Seq = rec.Seq
	return rec.Job, nil
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
