// Package queue implements the Q adapter of spec.md §4.3/§6.4: a durable
// at-least-once work queue with visibility locks, exponential-backoff
// retries, stall detection, and delete-on-success, backed by Redis.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload is the job body spec.md §6.4 defines.
type Payload struct {
	ImageID     string    `json:"imageId"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	OriginalKey string    `json:"originalKey"`
	VariantKey  string    `json:"variantKey"`
	RecordID    uuid.UUID `json:"recordId"`
	Format      string    `json:"format"`
}

// IdempotencyToken builds the job ID format from spec.md §4.3:
// "{imageId}_{W}x{H}.{format}.{recordId}.{unixMillis}". The trailing
// timestamp lets a deliberate requeue reuse the same quadruple with a fresh,
// distinct token.
func IdempotencyToken(p Payload, at time.Time) string {
	return fmt.Sprintf("%s_%dx%d.%s.%s.%d",
		p.ImageID, p.Width, p.Height, p.Format, p.RecordID, at.UnixMilli())
}

// EnqueueOptions configures a single Enqueue call.
type EnqueueOptions struct {
	// Attempts is the number of times the queue will try this job before
	// declaring final failure. Default 3.
	Attempts int
	// BackoffBaseMS is the starting delay for exponential backoff between
	// attempts. Default 2000ms; spec.md allows a per-enqueue override
	// (5000ms is the documented example).
	BackoffBaseMS int
	// JobID is the idempotency token. If empty, one is generated.
	JobID string
	// RemoveOnComplete requests the job's bookkeeping be deleted from Redis
	// as soon as it completes successfully (still left in spec.md's
	// retention window to reject exact duplicates).
	RemoveOnComplete bool
}

// Job is a dequeued unit of work as handed to a worker's Handler.
type Job struct {
	ID            string
	Name          string
	Payload       Payload
	Attempts      int
	MaxAttempts   int
	BackoffBaseMS int
	EnqueuedAt    time.Time
	StalledCount  int
}

// Handler processes one job. report is called with the percent-complete
// values spec.md §4.4 names (5,10,20,50,75,90,100); it is best-effort and
// never returns an error itself.
type Handler func(ctx context.Context, job *Job, report func(percent int)) error

// EventHandlers are the optional hooks of spec.md §4.3. Any may be nil.
type EventHandlers struct {
	OnActive    func(job *Job)
	OnCompleted func(job *Job)
	OnFailed    func(job *Job, err error, final bool)
	OnStalled   func(job *Job)
	OnError     func(err error)
	OnProgress  func(job *Job, percent int)
	OnDrained   func()
}

// WorkerOptions configures a RegisterWorker call, per spec.md §4.3.
type WorkerOptions struct {
	Concurrency     int           // default 2
	LockDuration    time.Duration // >= job wall-clock budget; default 5m
	StalledInterval time.Duration // default 1m
	MaxStalledCount int           // default 2
}
