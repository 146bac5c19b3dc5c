package worker

import (
	"context"
	"fmt"
	"time"

	"imagevariant/internal/apierr"
	"imagevariant/internal/metadata"
	"imagevariant/internal/queue"
	"imagevariant/internal/variant"
)

// RequeuePolicy implements spec.md §4.4's second-level retry policy, run
// from the queue's final-failure hook once a job has exhausted its
// first-level attempt counter. The first-level counter resets on requeue;
// requeueCount bounds how many full retry cycles a single rendition may
// trigger across its lifetime.
type RequeuePolicy struct {
	metadata metadata.Store
	enqueuer JobEnqueuer
}

// JobEnqueuer is the subset of internal/queue.RedisQueue the requeue policy
// needs to admit a fresh job.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, name string, payload queue.Payload, opts queue.EnqueueOptions) (string, error)
}

// NewRequeuePolicy builds a RequeuePolicy over its collaborators.
func NewRequeuePolicy(ms metadata.Store, q JobEnqueuer) *RequeuePolicy {
	return &RequeuePolicy{metadata: ms, enqueuer: q}
}

// Apply runs the requeue policy for a job that has exhausted all first-level
// attempts. If the record has already reached MAX_REQUEUES it is left in
// failed for good; otherwise a fresh job is enqueued with a new idempotency
// token and the record is atomically reset to queued.
func (p *RequeuePolicy) Apply(ctx context.Context, job *queue.Job) error {
	rec, err := p.metadata.FindByID(ctx, job.Payload.RecordID)
	if err != nil {
		return fmt.Errorf("%w: load record for requeue: %w", apierr.ErrTransientStore, err)
	}
	if rec == nil || !rec.CanRequeue() {
		return nil
	}

	newJobID := queue.IdempotencyToken(job.Payload, time.Now())
	if _, err := p.enqueuer.Enqueue(ctx, "render", job.Payload, queue.EnqueueOptions{
		Attempts:      job.MaxAttempts,
		BackoffBaseMS: job.BackoffBaseMS,
		JobID:         newJobID,
	}); err != nil {
		return fmt.Errorf("%w: enqueue requeued job: %w", apierr.ErrTransientStore, err)
	}

	queued := variant.StatusQueued
	var nilReason *string
	var nilTime *time.Time
	if _, err := p.metadata.UpdateByID(ctx, rec.ID, metadata.RecordPatch{
		Status:       &queued,
		FailedReason: &nilReason,
		FailedAt:     &nilTime,
	}, metadata.UpdateOptions{}); err != nil {
		return fmt.Errorf("%w: reset record to queued: %w", apierr.ErrTransientStore, err)
	}

	return p.metadata.IncrementRequeueCount(ctx, rec.ID)
}
