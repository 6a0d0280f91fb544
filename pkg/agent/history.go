package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// History persists and loads Records from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/stdout.log
//	<root>/<job_id>/stderr.log
//	<root>/<job_id>/code      (only when the job carried a code payload)
//
// Root is expected to be under the app data dir.
type History struct {
	root string
}

// NewHistory returns a history rooted at root.
func NewHistory(root string) *History {
	return &History{root: strings.TrimSpace(root)}
}

func (h *History) RootDir() string {
	return h.root
}

func (h *History) JobDir(jobID string) string {
	return filepath.Join(h.root, jobID)
}

func (h *History) JobPath(jobID string) string {
	return filepath.Join(h.JobDir(jobID), "job.json")
}

func (h *History) StdoutPath(jobID string) string {
	return filepath.Join(h.JobDir(jobID), "stdout.log")
}

func (h *History) StderrPath(jobID string) string {
	return filepath.Join(h.JobDir(jobID), "stderr.log")
}

func (h *History) ensureRoot() error {
	if h.root == "" {
		return fmt.Errorf("agent history root dir is empty")
	}
	return os.MkdirAll(h.root, 0755)
}

// Write stores rec atomically via a temp file and rename.
func (h *History) Write(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(rec.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("job_id %q is not a valid directory name", jobID)
	}
	if err := h.ensureRoot(); err != nil {
		return err
	}

	jobDir := h.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, h.JobPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads one record. A record left running by a process that no longer
// exists is rewritten as unknown.
func (h *History) Get(jobID string) (*Record, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(h.JobPath(jobID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var rec Record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}

	if rec.State == RunStateRunning && rec.PID > 0 && !isProcessAlive(rec.PID) {
		rec.State = RunStateUnknown
		now := time.Now().UTC()
		rec.EndedAt = &now
		_ = h.Write(&rec)
	}

	return &rec, nil
}

// List returns every readable record, most recently received first.
func (h *History) List() ([]Record, error) {
	if err := h.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(h.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := h.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}
