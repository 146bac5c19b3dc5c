package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueue(rdb, "test"), mr
}

func samplePayload() Payload {
	return Payload{
		ImageID:     "photo.jpg",
		Width:       200,
		Height:      200,
		OriginalKey: "photo.jpg",
		VariantKey:  "photo___200x200.jpg",
		RecordID:    uuid.New(),
		Format:      "jpeg",
	}
}

func TestEnqueueThenConsumeSucceeds(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload := samplePayload()
	id, err := q.Enqueue(ctx, "render", payload, EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var completed atomic.Bool
	handler := func(_ context.Context, job *Job, report func(int)) error {
		require.Equal(t, payload.ImageID, job.Payload.ImageID)
		report(50)
		return nil
	}

	w := q.RegisterWorker("render", WorkerOptions{Concurrency: 1}, handler, EventHandlers{
		OnCompleted: func(job *Job) { completed.Store(true) },
	})
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, completed.Load, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueueDuplicateJobIDIsIdempotentAfterCompletion(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	payload := samplePayload()

	jobID := "fixed-token"
	_, err := q.Enqueue(ctx, "render", payload, EnqueueOptions{JobID: jobID})
	require.NoError(t, err)

	var calls atomic.Int32
	w := q.RegisterWorker("render", WorkerOptions{Concurrency: 1}, func(_ context.Context, job *Job, report func(int)) error {
		calls.Add(1)
		return nil
	}, EventHandlers{})
	w.Start(ctx)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	w.Stop()

	id2, err := q.Enqueue(ctx, "render", payload, EnqueueOptions{JobID: jobID})
	require.NoError(t, err)
	require.Equal(t, jobID, id2)
	require.Equal(t, int32(1), calls.Load())
}

func TestFailedJobRetriesThenGivesUp(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	payload := samplePayload()

	_, err := q.Enqueue(ctx, "render", payload, EnqueueOptions{Attempts: 2, BackoffBaseMS: 1})
	require.NoError(t, err)

	var attempts atomic.Int32
	var finalFailure atomic.Bool
	var mu sync.Mutex
	var lastErr error

	handler := func(_ context.Context, job *Job, report func(int)) error {
		attempts.Add(1)
		return context.DeadlineExceeded
	}

	w := q.RegisterWorker("render", WorkerOptions{Concurrency: 1}, handler, EventHandlers{
		OnFailed: func(job *Job, err error, final bool) {
			if final {
				finalFailure.Store(true)
				mu.Lock()
				lastErr = err
				mu.Unlock()
			}
		},
	})
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, finalFailure.Load, 3*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, attempts.Load(), int32(2))
	mu.Lock()
	require.Error(t, lastErr)
	mu.Unlock()
}

func TestIdempotencyTokenFormat(t *testing.T) {
	p := samplePayload()
	at := time.Unix(0, 0).UTC()
	token := IdempotencyToken(p, at)
	require.Contains(t, token, p.ImageID)
	require.Contains(t, token, "200x200")
	require.Contains(t, token, p.Format)
	require.Contains(t, token, p.RecordID.String())
}

func TestBackoffDelayDoubles(t *testing.T) {
	require.Equal(t, 2000*time.Millisecond, backoffDelay(2000, 1))
	require.Equal(t, 4000*time.Millisecond, backoffDelay(2000, 2))
	require.Equal(t, 8000*time.Millisecond, backoffDelay(2000, 3))
}
