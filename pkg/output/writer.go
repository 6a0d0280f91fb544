package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HarrisonFulford/cacheout/pkg/model"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WriteJob(ctx context.Context, job *model.Job) error
	WriteWorker(ctx context.Context, w *model.Worker) error
	WriteEvent(ctx context.Context, ev *JobEvent) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized using a mutex so lines never interleave.
// JSONLWriter also satisfies lifecycle.Observer, emitting one event per
// finished job.
type JSONLWriter struct {
	w      io.Writer
	source string
	log    *zap.Logger
	now    func() time.Time
	mu     sync.Mutex

	closed bool
}

// NewJSONLWriter creates a new JSONL writer. source is stamped on every
// envelope.
func NewJSONLWriter(w io.Writer, source string) *JSONLWriter {
	return &JSONLWriter{
		w:      w,
		source: source,
		log:    zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithLogger sets the logger used when observer writes fail.
func (jw *JSONLWriter) WithLogger(logger *zap.Logger) *JSONLWriter {
	if logger != nil {
		jw.log = logger
	}
	return jw
}

// WriteJob emits a job record.
func (jw *JSONLWriter) WriteJob(ctx context.Context, job *model.Job) error {
	return jw.writeRecord(ctx, TypeJob, job)
}

// WriteWorker emits a worker record.
func (jw *JSONLWriter) WriteWorker(ctx context.Context, w *model.Worker) error {
	return jw.writeRecord(ctx, TypeWorker, w)
}

// WriteEvent emits a job lifecycle event.
func (jw *JSONLWriter) WriteEvent(ctx context.Context, ev *JobEvent) error {
	return jw.writeRecord(ctx, TypeJobEvent, ev)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// JobFinished writes a finished event. Failures are logged, never returned
// to the controller.
func (jw *JSONLWriter) JobFinished(ctx context.Context, job model.Job) {
	if err := jw.WriteEvent(context.WithoutCancel(ctx), NewFinishedEvent(job)); err != nil {
		jw.log.Warn("job event write failed", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:   recordType,
		TS:     jw.now(),
		Source: jw.source,
		Data:   dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
