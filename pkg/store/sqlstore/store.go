// Package sqlstore implements store.Store on SQLite (modernc.org/sqlite in
// pure-Go builds) or libsql (cgo builds, including remote Turso URLs).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/store"
)

// Store is a database-backed state store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to the database described by cfg and applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	return fn(&tx{ctx: ctx, tx: sqlTx})
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&tx{ctx: ctx, tx: sqlTx, writable: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

type tx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

const jobColumns = `seq, job_id, title, description, code, command, priority,
	required_cores, required_ram_mb, parameters, buyer_id, status, assigned_worker,
	created_at, started_at, completed_at, cost, result, error_message, requeue_count`

func (t *tx) Job(id string) (model.Job, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.NotFound("get", "job", id)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (t *tx) Jobs(status model.JobStatus) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY seq`

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (t *tx) PutJob(job *model.Job) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	if job == nil || strings.TrimSpace(job.JobID) == "" {
		return fmt.Errorf("sqlstore: job_id is required")
	}

	params, err := encodeParameters(job.Parameters)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO jobs
		 (job_id, title, description, code, command, priority, required_cores, required_ram_mb,
		  parameters, buyer_id, status, assigned_worker, created_at, started_at, completed_at,
		  cost, result, error_message, requeue_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   title = excluded.title,
		   description = excluded.description,
		   code = excluded.code,
		   command = excluded.command,
		   priority = excluded.priority,
		   required_cores = excluded.required_cores,
		   required_ram_mb = excluded.required_ram_mb,
		   parameters = excluded.parameters,
		   buyer_id = excluded.buyer_id,
		   status = excluded.status,
		   assigned_worker = excluded.assigned_worker,
		   created_at = excluded.created_at,
		   started_at = excluded.started_at,
		   completed_at = excluded.completed_at,
		   cost = excluded.cost,
		   result = excluded.result,
		   error_message = excluded.error_message,
		   requeue_count = excluded.requeue_count`,
		job.JobID, job.Title, job.Description, job.Code, job.Command, job.Priority,
		job.RequiredCores, job.RequiredRAMMB, params, job.BuyerID, string(job.Status),
		nullString(job.AssignedWorker), unixNano(job.CreatedAt), nullTime(job.StartedAt),
		nullTime(job.CompletedAt), int64(job.Cost), job.Result, job.ErrorMessage, job.RequeueCount)
	if err != nil {
		return fmt.Errorf("put job: %w", err)
	}

	if err := t.tx.QueryRowContext(t.ctx, `SELECT seq FROM jobs WHERE job_id = ?`, job.JobID).Scan(&job.Seq); err != nil {
		return fmt.Errorf("read job seq: %w", err)
	}
	return nil
}

func (t *tx) Worker(id string) (model.Worker, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT worker_id, hostname, cpu_cores, ram_mb, status, accepting, current_job, registered_at, last_seen
		 FROM workers WHERE worker_id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Worker{}, model.NotFound("get", "worker", id)
	}
	if err != nil {
		return model.Worker{}, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

func (t *tx) Workers() ([]model.Worker, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT worker_id, hostname, cpu_cores, ram_mb, status, accepting, current_job, registered_at, last_seen
		 FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return out, nil
}

func (t *tx) PutWorker(w model.Worker) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	if strings.TrimSpace(w.WorkerID) == "" {
		return fmt.Errorf("sqlstore: worker_id is required")
	}
	var current *string
	if w.CurrentJob != "" {
		current = &w.CurrentJob
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO workers
		 (worker_id, hostname, cpu_cores, ram_mb, status, accepting, current_job, registered_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(worker_id) DO UPDATE SET
		   hostname = excluded.hostname,
		   cpu_cores = excluded.cpu_cores,
		   ram_mb = excluded.ram_mb,
		   status = excluded.status,
		   accepting = excluded.accepting,
		   current_job = excluded.current_job,
		   registered_at = excluded.registered_at,
		   last_seen = excluded.last_seen`,
		w.WorkerID, w.Hostname, w.CPUCores, w.RAMMB, string(w.Status), boolInt(w.Accepting),
		nullString(current), unixNano(w.RegisteredAt), unixNano(w.LastSeen))
	if err != nil {
		return fmt.Errorf("put worker: %w", err)
	}
	return nil
}

func (t *tx) DeleteWorker(id string) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM workers WHERE worker_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	if n == 0 {
		return model.NotFound("delete", "worker", id)
	}
	return nil
}

func (t *tx) Account(id string) (model.Account, error) {
	var (
		a       model.Account
		credits int64
		updated int64
	)
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT account_id, credits, updated_at FROM accounts WHERE account_id = ?`, id).
		Scan(&a.AccountID, &credits, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, model.NotFound("get", "account", id)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("get account: %w", err)
	}
	a.Credits = model.Amount(credits)
	a.UpdatedAt = fromUnixNano(updated)
	return a, nil
}

func (t *tx) PutAccount(a model.Account) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	if strings.TrimSpace(a.AccountID) == "" {
		return fmt.Errorf("sqlstore: account_id is required")
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO accounts (account_id, credits, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   credits = excluded.credits,
		   updated_at = excluded.updated_at`,
		a.AccountID, int64(a.Credits), unixNano(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		j                 model.Job
		params            sql.NullString
		status            string
		assigned          sql.NullString
		created           int64
		started, finished sql.NullInt64
		cost              int64
		result, errMsg    sql.NullString
	)
	if err := row.Scan(&j.Seq, &j.JobID, &j.Title, &j.Description, &j.Code, &j.Command, &j.Priority,
		&j.RequiredCores, &j.RequiredRAMMB, &params, &j.BuyerID, &status, &assigned,
		&created, &started, &finished, &cost, &result, &errMsg, &j.RequeueCount); err != nil {
		return model.Job{}, err
	}

	j.Status = model.JobStatus(status)
	if assigned.Valid {
		w := assigned.String
		j.AssignedWorker = &w
	}
	j.CreatedAt = fromUnixNano(created)
	j.StartedAt = fromNullTime(started)
	j.CompletedAt = fromNullTime(finished)
	j.Cost = model.Amount(cost)
	j.Result = result.String
	j.ErrorMessage = errMsg.String

	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &j.Parameters); err != nil {
			return model.Job{}, fmt.Errorf("decode parameters for job %s: %w", j.JobID, err)
		}
	}
	return j, nil
}

func scanWorker(row scanner) (model.Worker, error) {
	var (
		w          model.Worker
		status     string
		accepting  int
		current    sql.NullString
		registered int64
		lastSeen   int64
	)
	if err := row.Scan(&w.WorkerID, &w.Hostname, &w.CPUCores, &w.RAMMB, &status, &accepting,
		&current, &registered, &lastSeen); err != nil {
		return model.Worker{}, err
	}
	w.Status = model.WorkerStatus(status)
	w.Accepting = accepting != 0
	w.CurrentJob = current.String
	w.RegisteredAt = fromUnixNano(registered)
	w.LastSeen = fromUnixNano(lastSeen)
	return w, nil
}

func encodeParameters(p map[string]any) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return string(b), nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return unixNano(*t)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
