package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"imagevariant/internal/apierr"
)

const defaultRetention = 24 * time.Hour

// RedisQueue is the production Q adapter, built on redis/go-redis and
// hand-rolling the broker semantics
// (pending list, visibility lock, stalled scan, backoff retry) that no
// example repo in the pack implements directly.
type RedisQueue struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisQueue wires a RedisQueue around an existing client. prefix
// namespaces all keys (e.g. "imagevariant") so the queue can share a Redis
// instance with other consumers.
func NewRedisQueue(rdb *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{rdb: rdb, prefix: prefix, retention: defaultRetention}
}

func (q *RedisQueue) pendingKey(name string) string   { return fmt.Sprintf("%s:%s:pending", q.prefix, name) }
func (q *RedisQueue) activeKey(name string) string    { return fmt.Sprintf("%s:%s:active", q.prefix, name) }
func (q *RedisQueue) locksKey(name string) string     { return fmt.Sprintf("%s:%s:locks", q.prefix, name) }
func (q *RedisQueue) jobKey(name, id string) string    { return fmt.Sprintf("%s:%s:job:%s", q.prefix, name, id) }
func (q *RedisQueue) seenKey(name, id string) string   { return fmt.Sprintf("%s:%s:seen:%s", q.prefix, name, id) }

// Enqueue pushes a new job onto the named queue. A job whose JobID matches
// one still inside the completed-job retention window is treated as a
// duplicate and silently accepted without re-running (spec.md §4.3).
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload Payload, opts EnqueueOptions) (string, error) {
	id := opts.JobID
	if id == "" {
		id = IdempotencyToken(payload, time.Now())
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := opts.BackoffBaseMS
	if backoff <= 0 {
		backoff = 2000
	}

	seen, err := q.rdb.Exists(ctx, q.seenKey(name, id)).Result()
	if err != nil {
		return "", fmt.Errorf("%w: enqueue exists check: %w", apierr.ErrTransientStore, err)
	}
	if seen > 0 {
		return id, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: marshal payload: %w", apierr.ErrFatalConfig, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(name, id),
		"name", name,
		"payload", body,
		"attempts", 0,
		"maxAttempts", attempts,
		"backoffBaseMs", backoff,
		"enqueuedAt", time.Now().UTC().Format(time.RFC3339Nano),
		"stalledCount", 0,
		"removeOnComplete", opts.RemoveOnComplete,
	)
	pipe.LPush(ctx, q.pendingKey(name), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: enqueue: %w", apierr.ErrTransientStore, err)
	}
	return id, nil
}

// Worker runs concurrency consumer goroutines plus a stall scanner against a
// single named queue.
type Worker struct {
	q        *RedisQueue
	name     string
	opts     WorkerOptions
	handler  Handler
	handlers EventHandlers

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RegisterWorker builds (but does not start) a Worker for the named queue.
func (q *RedisQueue) RegisterWorker(name string, opts WorkerOptions, handler Handler, handlers EventHandlers) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 5 * time.Minute
	}
	if opts.StalledInterval <= 0 {
		opts.StalledInterval = time.Minute
	}
	if opts.MaxStalledCount <= 0 {
		opts.MaxStalledCount = 2
	}
	return &Worker{q: q, name: name, opts: opts, handler: handler, handlers: handlers}
}

// Start launches the worker's goroutines. It returns immediately; call Stop
// to shut down cooperatively.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.consume(ctx)
	}
	w.wg.Add(1)
	go w.scanStalled(ctx)
}

// Stop cancels all goroutines and waits for them to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, err := w.q.rdb.BRPopLPush(ctx, w.q.pendingKey(w.name), w.q.activeKey(w.name), 2*time.Second).Result()
		if errors.Is(err, redis.Nil) {
			w.emitDrainedIfEmpty(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if w.handlers.OnError != nil {
				w.handlers.OnError(fmt.Errorf("brpoplpush: %w", err))
			}
			continue
		}

		w.process(ctx, id)
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	job, err := w.loadJob(ctx, id)
	if err != nil {
		if w.handlers.OnError != nil {
			w.handlers.OnError(err)
		}
		w.q.rdb.LRem(ctx, w.q.activeKey(w.name), 1, id)
		return
	}

	lockUntil := time.Now().Add(w.opts.LockDuration).UnixMilli()
	w.q.rdb.ZAdd(ctx, w.q.locksKey(w.name), redis.Z{Score: float64(lockUntil), Member: id})

	if w.handlers.OnActive != nil {
		w.handlers.OnActive(job)
	}

	report := func(percent int) {
		if w.handlers.OnProgress != nil {
			w.handlers.OnProgress(job, percent)
		}
	}

	runErr := w.handler(ctx, job, report)

	w.q.rdb.ZRem(ctx, w.q.locksKey(w.name), id)
	w.q.rdb.LRem(ctx, w.q.activeKey(w.name), 1, id)

	if runErr == nil {
		w.complete(ctx, id, job)
		return
	}
	w.fail(ctx, id, job, runErr)
}

func (w *Worker) complete(ctx context.Context, id string, job *Job) {
	removeOnComplete, _ := w.q.rdb.HGet(ctx, w.q.jobKey(w.name, id), "removeOnComplete").Result()
	w.q.rdb.Set(ctx, w.q.seenKey(w.name, id), "1", w.q.retention)
	if removeOnComplete == "1" {
		w.q.rdb.Del(ctx, w.q.jobKey(w.name, id))
	}
	if w.handlers.OnCompleted != nil {
		w.handlers.OnCompleted(job)
	}
}

func (w *Worker) fail(ctx context.Context, id string, job *Job, runErr error) {
	job.Attempts++
	w.q.rdb.HSet(ctx, w.q.jobKey(w.name, id), "attempts", job.Attempts)

	if job.Attempts < job.MaxAttempts && !apierr.IsTerminal(runErr) {
		delay := backoffDelay(job.BackoffBaseMS, job.Attempts)
		time.AfterFunc(delay, func() {
			w.q.rdb.LPush(context.Background(), w.q.pendingKey(w.name), id)
		})
		if w.handlers.OnFailed != nil {
			w.handlers.OnFailed(job, runErr, false)
		}
		return
	}

	w.q.rdb.Del(ctx, w.q.jobKey(w.name, id))
	if w.handlers.OnFailed != nil {
		w.handlers.OnFailed(job, runErr, true)
	}
}

func backoffDelay(baseMS, attempt int) time.Duration {
	d := time.Duration(baseMS) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (w *Worker) scanStalled(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepStalled(ctx)
		}
	}
}

func (w *Worker) sweepStalled(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	expired, err := w.q.rdb.ZRangeByScore(ctx, w.q.locksKey(w.name), &redis.ZRangeBy{
		Min: "0", Max: strconv.FormatFloat(now, 'f', 0, 64),
	}).Result()
	if err != nil {
		if w.handlers.OnError != nil {
			w.handlers.OnError(fmt.Errorf("stall scan: %w", err))
		}
		return
	}

	for _, id := range expired {
		job, err := w.loadJob(ctx, id)
		if err != nil {
			w.q.rdb.ZRem(ctx, w.q.locksKey(w.name), id)
			continue
		}
		job.StalledCount++
		w.q.rdb.HSet(ctx, w.q.jobKey(w.name, id), "stalledCount", job.StalledCount)
		w.q.rdb.ZRem(ctx, w.q.locksKey(w.name), id)
		w.q.rdb.LRem(ctx, w.q.activeKey(w.name), 1, id)

		if job.StalledCount <= w.opts.MaxStalledCount {
			w.q.rdb.LPush(ctx, w.q.pendingKey(w.name), id)
			if w.handlers.OnStalled != nil {
				w.handlers.OnStalled(job)
			}
			continue
		}

		w.q.rdb.Del(ctx, w.q.jobKey(w.name, id))
		if w.handlers.OnFailed != nil {
			w.handlers.OnFailed(job, fmt.Errorf("%w: exceeded max stalled count", apierr.ErrTimeout), true)
		}
	}
}

func (w *Worker) emitDrainedIfEmpty(ctx context.Context) {
	if w.handlers.OnDrained == nil {
		return
	}
	pending, _ := w.q.rdb.LLen(ctx, w.q.pendingKey(w.name)).Result()
	active, _ := w.q.rdb.LLen(ctx, w.q.activeKey(w.name)).Result()
	if pending == 0 && active == 0 {
		w.handlers.OnDrained()
	}
}

func (w *Worker) loadJob(ctx context.Context, id string) (*Job, error) {
	fields, err := w.q.rdb.HGetAll(ctx, w.q.jobKey(w.name, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: load job %s: %w", apierr.ErrTransientStore, id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: job %s vanished from queue state", apierr.ErrRecordMissing, id)
	}

	var payload Payload
	if err := json.Unmarshal([]byte(fields["payload"]), &payload); err != nil {
		return nil, fmt.Errorf("%w: unmarshal payload for %s: %w", apierr.ErrFatalConfig, id, err)
	}

	attempts, _ := strconv.Atoi(fields["attempts"])
	maxAttempts, _ := strconv.Atoi(fields["maxAttempts"])
	backoffBaseMS, _ := strconv.Atoi(fields["backoffBaseMs"])
	stalledCount, _ := strconv.Atoi(fields["stalledCount"])
	enqueuedAt, _ := time.Parse(time.RFC3339Nano, fields["enqueuedAt"])

	return &Job{
		ID:            id,
		Name:          fields["name"],
		Payload:       payload,
		Attempts:      attempts,
		MaxAttempts:   maxAttempts,
		BackoffBaseMS: backoffBaseMS,
		EnqueuedAt:    enqueuedAt,
		StalledCount:  stalledCount,
	}, nil
}

// NewJobID exposes UUID generation for callers that want a random job ID
// rather than the deterministic idempotency token, when dedup is not needed.
func NewJobID() string {
	return uuid.NewString()
}
