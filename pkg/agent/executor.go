package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/HarrisonFulford/cacheout/pkg/model"
)

// DefaultShell runs job commands.
const DefaultShell = "/bin/sh"

// DefaultMaxOutput caps how much of a job's output is sent back as its
// result or error message. The log files keep everything.
const DefaultMaxOutput = 64 << 10

// Outcome is what a finished execution reports to the scheduler.
type Outcome struct {
	Status model.JobStatus
	Result string
	Error  string
}

// Executor runs one job at a time as a shell child process, capturing
// stdout/stderr to per-job log files in the history directory.
type Executor struct {
	history   *History
	shell     string
	maxOutput int
	workerID  string
	server    string
	now       func() time.Time
}

// NewExecutor returns an executor writing records under history.
func NewExecutor(history *History, workerID, server string) *Executor {
	return &Executor{
		history:   history,
		shell:     DefaultShell,
		maxOutput: DefaultMaxOutput,
		workerID:  workerID,
		server:    server,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// History returns the record store.
func (e *Executor) History() *History {
	return e.history
}

// Run executes job and blocks until it exits, times out (timeout > 0), or
// ctx is cancelled. Cancellation returns ctx.Err() and no outcome; the job
// is left for the scheduler to requeue.
//
// A job with a command runs `sh -c <command>`; its code payload, if any, is
// written to a file whose path is in CACHEOUT_CODE_FILE. A job with only
// code runs that file as a shell script.
func (e *Executor) Run(ctx context.Context, job model.Job, timeout time.Duration) (Outcome, error) {
	if e == nil || e.history == nil {
		return Outcome{}, fmt.Errorf("executor is not initialized")
	}

	rec := &Record{
		JobID:      job.JobID,
		Title:      job.Title,
		WorkerID:   e.workerID,
		Server:     e.server,
		State:      RunStateRunning,
		Command:    job.Command,
		ReceivedAt: e.now(),
		StdoutPath: e.history.StdoutPath(job.JobID),
		StderrPath: e.history.StderrPath(job.JobID),
	}
	if err := e.history.Write(rec); err != nil {
		return Outcome{}, err
	}

	args, env, err := e.prepare(job)
	if err != nil {
		return e.finish(rec, Outcome{Status: model.JobFailed, Error: err.Error()}, nil)
	}

	stdoutFile, err := os.Create(rec.StdoutPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(rec.StderrPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	runCtx := ctx
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	stdout := newTail(e.maxOutput)
	stderr := newTail(e.maxOutput)

	cmd := exec.CommandContext(runCtx, e.shell, args...)
	cmd.Dir = e.history.JobDir(job.JobID)
	cmd.Env = env
	cmd.Stdout = io.MultiWriter(stdoutFile, stdout)
	cmd.Stderr = io.MultiWriter(stderrFile, stderr)
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return e.finish(rec, Outcome{Status: model.JobFailed, Error: fmt.Sprintf("start: %v", err)}, nil)
	}

	started := e.now()
	rec.StartedAt = &started
	rec.PID = cmd.Process.Pid
	_ = e.history.Write(rec)

	waitErr := cmd.Wait()
	code := cmd.ProcessState.ExitCode()

	if ctx.Err() != nil {
		rec.State = RunStateInterrupted
		rec.Error = "agent stopped before the job finished"
		ended := e.now()
		rec.EndedAt = &ended
		rec.ExitCode = &code
		_ = e.history.Write(rec)
		return Outcome{}, ctx.Err()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return e.finish(rec, Outcome{
			Status: model.JobFailed,
			Error:  fmt.Sprintf("timed out after %s", timeout),
		}, &code)
	}

	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		} else {
			msg = waitErr.Error() + ": " + msg
		}
		return e.finish(rec, Outcome{Status: model.JobFailed, Error: msg}, &code)
	}

	return e.finish(rec, Outcome{Status: model.JobCompleted, Result: strings.TrimSpace(stdout.String())}, &code)
}

// MarkReported records that the outcome for jobID reached the server.
func (e *Executor) MarkReported(jobID string) error {
	rec, err := e.history.Get(jobID)
	if err != nil {
		return err
	}
	rec.Reported = true
	return e.history.Write(rec)
}

func (e *Executor) prepare(job model.Job) ([]string, []string, error) {
	env := append(os.Environ(),
		"CACHEOUT_JOB_ID="+job.JobID,
		"CACHEOUT_WORKER_ID="+e.workerID,
	)
	if len(job.Parameters) > 0 {
		b, err := json.Marshal(job.Parameters)
		if err != nil {
			return nil, nil, fmt.Errorf("encode parameters: %w", err)
		}
		env = append(env, "CACHEOUT_JOB_PARAMETERS="+string(b))
	}

	var codePath string
	if strings.TrimSpace(job.Code) != "" {
		codePath = filepath.Join(e.history.JobDir(job.JobID), "code")
		if err := os.WriteFile(codePath, []byte(job.Code), 0644); err != nil {
			return nil, nil, fmt.Errorf("write code file: %w", err)
		}
		env = append(env, "CACHEOUT_CODE_FILE="+codePath)
	}

	switch {
	case strings.TrimSpace(job.Command) != "":
		return []string{"-c", job.Command}, env, nil
	case codePath != "":
		return []string{codePath}, env, nil
	}
	return nil, nil, fmt.Errorf("job has neither a command nor code")
}

func (e *Executor) finish(rec *Record, out Outcome, code *int) (Outcome, error) {
	ended := e.now()
	rec.EndedAt = &ended
	rec.ExitCode = code
	if out.Status == model.JobCompleted {
		rec.State = RunStateCompleted
	} else {
		rec.State = RunStateFailed
		rec.Error = out.Error
	}
	if err := e.history.Write(rec); err != nil {
		return out, err
	}
	return out, nil
}

// tail keeps the last max bytes written to it.
type tail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
