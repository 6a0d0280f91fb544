package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HarrisonFulford/cacheout/pkg/model"
)

type fakePutter struct {
	mu   sync.Mutex
	keys []string
	body map[string][]byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b, _ := io.ReadAll(in.Body)
	if f.body == nil {
		f.body = map[string][]byte{}
	}
	key := aws.ToString(in.Key)
	f.keys = append(f.keys, key)
	f.body[key] = b
	return &s3.PutObjectOutput{}, nil
}

func finishedJob(id string) model.Job {
	done := time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC)
	w := "w1"
	return model.Job{
		JobID:          id,
		Status:         model.JobCompleted,
		BuyerID:        "buyer",
		AssignedWorker: &w,
		CreatedAt:      done.Add(-time.Hour),
		CompletedAt:    &done,
		Cost:           180,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "ok", cfg: Config{Bucket: "b"}},
		{name: "missing bucket", cfg: Config{}, wantErr: true},
		{name: "half credentials", cfg: Config{Bucket: "b", AccessKeyID: "x"}, wantErr: true},
		{name: "negative queue", cfg: Config{Bucket: "b", QueueSize: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				var cfgErr *ConfigError
				assert.ErrorAs(t, err, &cfgErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", "", ""))
	assert.Equal(t, "", resolveRegion("", "http://minio:9000", ""))
}

func TestS3Archive(t *testing.T) {
	fp := &fakePutter{}
	a := NewS3WithClient(fp, Config{Bucket: "archive", Prefix: "/cacheout/"})

	job := finishedJob("job-1")
	require.NoError(t, a.Archive(context.Background(), job))

	require.Equal(t, []string{"cacheout/jobs/2026/03/09/job-1.json"}, fp.keys)

	var got model.Job
	require.NoError(t, json.Unmarshal(fp.body[fp.keys[0]], &got))
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, job.Cost, got.Cost)
	assert.Equal(t, "w1", got.Worker())
}

func TestS3ArchiveErrorMapping(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{code: "AccessDenied", want: ErrAccessDenied},
		{code: "NoSuchBucket", want: ErrBucketNotFound},
		{code: "SlowDown", want: ErrThrottled},
		{code: "InvalidAccessKeyId", want: ErrInvalidCredentials},
		{code: "InternalError", want: ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			fp := &fakePutter{err: &smithy.GenericAPIError{Code: tt.code, Message: "nope"}}
			a := NewS3WithClient(fp, Config{Bucket: "archive"})
			err := a.Archive(context.Background(), finishedJob("job-1"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "s3://archive/jobs/2026/03/09/job-1.json")
		})
	}

	raw := errors.New("connection reset")
	a := NewS3WithClient(&fakePutter{err: raw}, Config{Bucket: "archive"})
	assert.ErrorIs(t, a.Archive(context.Background(), finishedJob("job-1")), raw)
}

type recordingArchiver struct {
	mu   sync.Mutex
	ids  []string
	fail map[string]bool
}

func (r *recordingArchiver) Archive(_ context.Context, job model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[job.JobID] {
		return errors.New("upload failed")
	}
	r.ids = append(r.ids, job.JobID)
	return nil
}

func (r *recordingArchiver) archived() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestUploaderDrainInOrder(t *testing.T) {
	rec := &recordingArchiver{fail: map[string]bool{"b": true}}
	u := NewUploader(rec, 10, nil)

	for _, id := range []string{"a", "b", "c"} {
		u.JobFinished(context.Background(), finishedJob(id))
	}
	assert.Equal(t, 3, u.Pending())

	u.Drain(context.Background())
	assert.Equal(t, []string{"a", "c"}, rec.archived())
	assert.Zero(t, u.Pending())
}

func TestUploaderDropsWhenFull(t *testing.T) {
	u := NewUploader(&recordingArchiver{}, 2, nil)
	for _, id := range []string{"a", "b", "c"} {
		u.JobFinished(context.Background(), finishedJob(id))
	}
	assert.Equal(t, 2, u.Pending())
	assert.Equal(t, 1, u.Dropped())
}

func TestUploaderRun(t *testing.T) {
	rec := &recordingArchiver{}
	u := NewUploader(rec, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		u.Run(ctx, time.Second)
		close(done)
	}()

	u.JobFinished(ctx, finishedJob("a"))
	require.Eventually(t, func() bool { return len(rec.archived()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	// Jobs queued after shutdown stay pending until the next drain.
	u.JobFinished(context.Background(), finishedJob("b"))
	u.Drain(context.Background())
	assert.Equal(t, []string{"a", "b"}, rec.archived())
}
