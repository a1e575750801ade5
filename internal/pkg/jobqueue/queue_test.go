package jobqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQueue(rdb, 2), mr
}

func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, tt.workers)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.False(t, queue.running)
		})
	}
}

func TestEnqueueAndProcess(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	var got *PurchaseNoticePayload
	q.Handle(JobTypePurchaseActivated, func(ctx context.Context, job *Job) error {
		p, err := PurchaseNoticePayloadFromMap(job.Payload)
		got = p
		return err
	})

	job, err := q.EnqueueJob(ctx, JobTypePurchaseActivated, PurchaseNoticePayload{UserID: 7, Reference: "ref-1", Amount: 25000}.ToMap())
	require.NoError(t, err)
	size, _ := q.GetQueueSize(ctx)
	assert.Equal(t, int64(1), size)

	ok, err := q.ProcessNext(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got)
	assert.Equal(t, uint(7), got.UserID)
	assert.Equal(t, int64(25000), got.Amount)

	// Completed jobs are removed entirely.
	assert.False(t, mr.Exists(JobKeyPrefix+job.ID))
	processing, _ := q.GetProcessingSize(ctx)
	assert.Zero(t, processing)
	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])

	ok, err = q.ProcessNext(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailedJobIsRetriedThenDropped(t *testing.T) {
	q, _ := newTestQueue(t)
	q.SetRetryDelay(time.Millisecond)
	ctx := context.Background()

	var calls atomic.Int32
	q.Handle(JobTypePurchaseClosed, func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return errors.New("smtp down")
	})
	job, err := q.EnqueueJob(ctx, JobTypePurchaseClosed, nil)
	require.NoError(t, err)

	for i := 0; i < DefaultMaxRetries; i++ {
		ok, err := q.ProcessNext(ctx, 2*time.Second)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", i+1)
	}
	assert.Equal(t, int32(DefaultMaxRetries), calls.Load())

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Equal(t, "smtp down", stored.ErrorMsg)
	stats, _ := q.GetJobStats(ctx)
	assert.Equal(t, int64(1), stats[JobStatusFailed])
}

func TestUnknownJobTypeFails(t *testing.T) {
	q, _ := newTestQueue(t)
	q.SetRetryDelay(time.Hour)
	ctx := context.Background()

	job, err := q.EnqueueJob(ctx, "mystery", nil)
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx, time.Second)
	require.NoError(t, err)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "unknown job type")
}

func TestRecoverStuck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.EnqueueJob(ctx, JobTypePurchaseActivated, nil)
	require.NoError(t, err)
	dequeued, err := q.dequeueJob(ctx, time.Second)
	require.NoError(t, err)
	dequeued.MarkAsProcessing()
	old := time.Now().Add(-time.Hour)
	dequeued.ProcessedAt = &old
	q.updateJob(ctx, dequeued)

	n, err := q.RecoverStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, _ := q.GetQueueSize(ctx)
	assert.Equal(t, int64(1), size)
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
}

func TestJobRetryState(t *testing.T) {
	job := &Job{MaxRetries: 2}
	job.MarkAsProcessing()
	assert.NotNil(t, job.ProcessedAt)
	job.MarkAsFailed("boom")
	assert.True(t, job.IsRetryable())
	job.MarkAsFailed("boom")
	assert.False(t, job.IsRetryable())
	job.MarkAsCompleted()
	assert.Empty(t, job.ErrorMsg)
	assert.NotNil(t, job.CompletedAt)
}
