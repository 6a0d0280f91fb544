// Package registry owns worker records: registration, liveness, and the
// busy/idle binding to a running job.
package registry

import (
	"sort"
	"strings"
	"time"

	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/store"
)

// Register creates or refreshes a worker. Re-registering an existing id
// updates hostname and capacity and refreshes last_seen.
//
// Only idle or offline may be declared. A busy worker declaring idle stays
// busy with its job. Declaring offline while owning a job is returned as
// dropped=true with the owned job id; the caller must run the disconnect
// path for that job.
func Register(tx store.Tx, reg model.Registration, now time.Time) (w model.Worker, dropped string, err error) {
	const op = "register"
	id := strings.TrimSpace(reg.WorkerID)
	if id == "" {
		return model.Worker{}, "", model.Invalid(op, "worker_id is required")
	}
	if reg.CPUCores <= 0 {
		return model.Worker{}, "", model.Invalid(op, "cpu_cores must be positive, got %d", reg.CPUCores)
	}
	if reg.RAMMB <= 0 {
		return model.Worker{}, "", model.Invalid(op, "ram_mb must be positive, got %d", reg.RAMMB)
	}
	status := reg.Status
	if status == "" {
		status = model.WorkerIdle
	}
	if status != model.WorkerIdle && status != model.WorkerOffline {
		return model.Worker{}, "", model.Invalid(op, "status must be idle or offline, got %q", reg.Status)
	}

	now = now.UTC()
	existing, err := tx.Worker(id)
	switch {
	case err == nil:
		w = existing
	case model.IsNotFound(err):
		w = model.Worker{WorkerID: id, RegisteredAt: now}
	default:
		return model.Worker{}, "", err
	}

	w.Hostname = strings.TrimSpace(reg.Hostname)
	w.CPUCores = reg.CPUCores
	w.RAMMB = reg.RAMMB
	w.LastSeen = now
	w.Accepting = status == model.WorkerIdle

	switch {
	case w.CurrentJob != "" && status == model.WorkerOffline:
		dropped = w.CurrentJob
		w.CurrentJob = ""
		w.Status = model.WorkerOffline
	case w.CurrentJob != "":
		w.Status = model.WorkerBusy
	default:
		w.Status = status
	}

	if err := tx.PutWorker(w); err != nil {
		return model.Worker{}, "", err
	}
	return w, dropped, nil
}

// Unregister removes a worker and returns its last record so the caller
// can requeue any job it owned.
func Unregister(tx store.Tx, id string) (model.Worker, error) {
	w, err := tx.Worker(id)
	if err != nil {
		return model.Worker{}, err
	}
	if err := tx.DeleteWorker(id); err != nil {
		return model.Worker{}, err
	}
	return w, nil
}

// Touch refreshes last_seen for a polling worker. An accepting worker that
// the sweep took offline comes back as idle.
func Touch(tx store.Tx, id string, now time.Time) (model.Worker, error) {
	w, err := tx.Worker(id)
	if err != nil {
		return model.Worker{}, err
	}
	w.LastSeen = now.UTC()
	if w.Status == model.WorkerOffline && w.Accepting && w.CurrentJob == "" {
		w.Status = model.WorkerIdle
	}
	if err := tx.PutWorker(w); err != nil {
		return model.Worker{}, err
	}
	return w, nil
}

// List returns every worker sorted by id.
func List(tx store.Tx) ([]model.Worker, error) {
	return tx.Workers()
}

// Stale returns workers not yet offline whose last_seen is older than
// timeout, oldest first.
func Stale(tx store.Tx, now time.Time, timeout time.Duration) ([]model.Worker, error) {
	workers, err := tx.Workers()
	if err != nil {
		return nil, err
	}
	var out []model.Worker
	for _, w := range workers {
		if w.Status == model.WorkerOffline {
			continue
		}
		if now.Sub(w.LastSeen) > timeout {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeen.Before(out[j].LastSeen) })
	return out, nil
}

// MarkOffline takes a worker offline and detaches it from its job. It
// returns the job id it owned, if any.
func MarkOffline(tx store.Tx, id string) (string, error) {
	w, err := tx.Worker(id)
	if err != nil {
		return "", err
	}
	owned := w.CurrentJob
	w.Status = model.WorkerOffline
	w.CurrentJob = ""
	if err := tx.PutWorker(w); err != nil {
		return "", err
	}
	return owned, nil
}

// Bind marks an idle worker busy with jobID.
func Bind(tx store.Tx, w model.Worker, jobID string) error {
	if w.Status != model.WorkerIdle || w.CurrentJob != "" {
		return model.Errorf(model.ErrConflict, "bind", "worker", w.WorkerID, "worker is %s", w.Status)
	}
	w.Status = model.WorkerBusy
	w.CurrentJob = jobID
	return tx.PutWorker(w)
}

// Release returns a worker to idle if it still owns jobID. Missing workers
// and workers already detached from the job are left untouched.
func Release(tx store.Tx, workerID, jobID string) error {
	w, err := tx.Worker(workerID)
	if err != nil {
		if model.IsNotFound(err) {
			return nil
		}
		return err
	}
	if w.CurrentJob != jobID {
		return nil
	}
	w.CurrentJob = ""
	if w.Status == model.WorkerBusy {
		w.Status = model.WorkerIdle
	}
	return tx.PutWorker(w)
}
