package archive

import (
	"context"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"go.uber.org/zap"

	"github.com/HarrisonFulford/cacheout/pkg/model"
)

// Uploader buffers finished jobs and archives them from a background loop
// so request paths never wait on the object store.
//
// It satisfies lifecycle.Observer.
type Uploader struct {
	archiver Archiver
	limit    int
	log      *zap.Logger

	mu      sync.Mutex
	pending *queue.Queue
	dropped int
	wake    chan struct{}
}

// NewUploader returns an uploader holding at most limit jobs in its backlog.
func NewUploader(a Archiver, limit int, logger *zap.Logger) *Uploader {
	if limit <= 0 {
		limit = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		archiver: a,
		limit:    limit,
		log:      logger,
		pending:  queue.New(),
		wake:     make(chan struct{}, 1),
	}
}

// JobFinished queues job for upload. When the backlog is full the job is
// dropped and counted.
func (u *Uploader) JobFinished(_ context.Context, job model.Job) {
	u.mu.Lock()
	if u.pending.Len() >= u.limit {
		u.dropped++
		u.mu.Unlock()
		u.log.Warn("archive backlog full, dropping job", zap.String("job_id", job.JobID))
		return
	}
	u.pending.Enqueue(job.Clone())
	u.mu.Unlock()

	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Pending returns the backlog length.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pending.Len()
}

// Dropped returns how many jobs were discarded because the backlog was full.
func (u *Uploader) Dropped() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dropped
}

// Run uploads queued jobs until ctx is cancelled, then drains what is left
// within drainTimeout.
func (u *Uploader) Run(ctx context.Context, drainTimeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			u.Drain(drainCtx)
			cancel()
			return
		case <-u.wake:
			u.Drain(ctx)
		}
	}
}

// Drain uploads every queued job, stopping early if ctx ends.
func (u *Uploader) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		job, ok := u.next()
		if !ok {
			return
		}
		if err := u.archiver.Archive(ctx, job); err != nil {
			u.log.Warn("archive upload failed",
				zap.String("job_id", job.JobID),
				zap.Error(err),
			)
			continue
		}
		u.log.Debug("job archived", zap.String("job_id", job.JobID))
	}
}

func (u *Uploader) next() (model.Job, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pending.Len() == 0 {
		return model.Job{}, false
	}
	return u.pending.Dequeue().(model.Job), true
}
