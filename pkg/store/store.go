// Package store defines the shared state repository the scheduler runs on.
//
// All jobs, workers and accounts live behind Store. Components never hold
// their own copies; they read and write through a Tx handed to them by View
// or Update. Update is serializable: a transaction either commits every
// write it made or none of them, and concurrent readers never observe a
// partially-applied transaction.
package store

import (
	"context"
	"errors"

	"github.com/HarrisonFulford/cacheout/pkg/model"
)

// Store is implemented by memstore (in-process, optional JSON snapshot) and
// sqlstore (SQLite/libsql).
type Store interface {
	// View runs fn against a read-only consistent snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn in a read-write transaction. If fn returns an error the
	// transaction is rolled back and the error is returned unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Close releases backend resources.
	Close() error
}

// Tx is the record-level API available inside a transaction.
//
// Getters return model.ErrNotFound (wrapped) for unknown ids. Returned
// records are copies; mutate them and Put them back to persist.
type Tx interface {
	Job(id string) (model.Job, error)

	// Jobs returns every job matching the status in insertion order. An
	// empty status matches all jobs.
	Jobs(status model.JobStatus) ([]model.Job, error)

	// PutJob inserts or replaces a job. On insert the store assigns Seq.
	PutJob(job *model.Job) error

	Worker(id string) (model.Worker, error)

	// Workers returns every worker sorted by id.
	Workers() ([]model.Worker, error)

	PutWorker(w model.Worker) error
	DeleteWorker(id string) error

	Account(id string) (model.Account, error)
	PutAccount(a model.Account) error
}

// ErrReadOnly is returned by write methods on a View transaction.
var ErrReadOnly = errors.New("store: write in read-only transaction")
