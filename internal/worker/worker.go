// Package worker implements the write path of spec.md §4.4: it consumes
// render jobs off the queue and drives a variant record from queued to
// ready, or, after exhausting attempts, to failed with a bounded requeue.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"imagevariant/internal/apierr"
	"imagevariant/internal/metadata"
	"imagevariant/internal/queue"
	"imagevariant/internal/variant"
)

// Pinger is the connectivity probe the pipeline's first step uses.
type Pinger interface {
	Reconnect(ctx context.Context) error
}

// ObjectStore is the subset of internal/store.Client the worker needs to
// download originals and upload renditions.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// step timeouts, per spec.md §4.4.
const (
	connectivityTimeout = 10 * time.Second
	existenceTimeout     = 15 * time.Second
	markProcessingTimeout = 15 * time.Second
	downloadTimeout      = 120 * time.Second
	renderTimeout        = 60 * time.Second
	uploadTimeout        = 120 * time.Second
	markReadyTimeout     = 15 * time.Second
	markFailedTimeout    = 10 * time.Second
)

// Worker drives the render pipeline. Rendering is CPU-bound; renderSem caps
// concurrent Render calls independently of the queue's own job concurrency,
// mirroring the teacher's errgroup+semaphore pattern for bounded parallel
// work.
type Worker struct {
	metadata metadata.Store
	objects  ObjectStore
	pinger   Pinger
	renderSem *semaphore.Weighted
}

// New builds a Worker over its collaborators. If renderConcurrency is <= 0
// it defaults to GOMAXPROCS, capping CPU-bound render work at the host's
// available parallelism regardless of how many jobs the queue hands out
// concurrently.
func New(ms metadata.Store, objects ObjectStore, pinger Pinger, renderConcurrency int) *Worker {
	if renderConcurrency <= 0 {
		renderConcurrency = runtime.GOMAXPROCS(0)
	}
	return &Worker{
		metadata:  ms,
		objects:   objects,
		pinger:    pinger,
		renderSem: semaphore.NewWeighted(int64(renderConcurrency)),
	}
}

// HandleJob is the queue.Handler driving one job through the 8-step
// pipeline of spec.md §4.4. On any step failure it attempts a best-effort
// mark-failed update, then returns the error so the queue's retry/backoff
// policy applies.
func (w *Worker) HandleJob(ctx context.Context, job *queue.Job, report func(percent int)) error {
	p := job.Payload

	if err := w.step(ctx, connectivityTimeout, func(c context.Context) error {
		return w.pinger.Reconnect(c)
	}); err != nil {
		return w.fail(ctx, p.RecordID, err)
	}
	report(5)

	rec, err := w.loadRecord(ctx, p.RecordID)
	if err != nil {
		return err // RecordMissing is terminal; no failed-status update possible.
	}
	report(10)

	if err := w.markProcessing(ctx, rec.ID); err != nil {
		return w.fail(ctx, rec.ID, err)
	}
	report(20)

	var original []byte
	if err := w.step(ctx, downloadTimeout, func(c context.Context) error {
		data, getErr := w.objects.Get(c, p.OriginalKey)
		if getErr != nil {
			return fmt.Errorf("%w: %w", apierr.ErrSourceUnavailable, getErr)
		}
		if len(data) == 0 {
			return fmt.Errorf("%w: empty body at %s", apierr.ErrSourceUnavailable, p.OriginalKey)
		}
		original = data
		return nil
	}); err != nil {
		return w.fail(ctx, rec.ID, err)
	}
	report(50)

	var out rendered
	if err := w.renderSem.Acquire(ctx, 1); err != nil {
		return w.fail(ctx, rec.ID, fmt.Errorf("%w: acquire render slot: %w", apierr.ErrRenderError, err))
	}
	renderErr := w.step(ctx, renderTimeout, func(c context.Context) error {
		var err error
		out, err = render(original, p.Width, p.Height, p.Format)
		return err
	})
	w.renderSem.Release(1)
	if renderErr != nil {
		return w.fail(ctx, rec.ID, renderErr)
	}
	report(75)

	// render substitutes an encoder when the requested format has no pure-Go
	// encoder (webp -> jpeg); the stored key and record must follow the
	// format actually written, not the one originally requested.
	variantKey := p.VariantKey
	if out.format != p.Format {
		variantKey = variant.DeriveKey(p.ImageID, p.Width, p.Height, out.format)
	}

	if err := w.step(ctx, uploadTimeout, func(c context.Context) error {
		if uploadErr := w.objects.Put(c, variantKey, out.data, out.contentType); uploadErr != nil {
			return fmt.Errorf("%w: %w", apierr.ErrUploadError, uploadErr)
		}
		return nil
	}); err != nil {
		return w.fail(ctx, rec.ID, err)
	}
	report(90)

	if err := w.markReady(ctx, rec.ID, int64(len(out.data)), variantKey, out.format); err != nil {
		return w.fail(ctx, rec.ID, err)
	}
	report(100)

	return nil
}

// step runs fn under a derived timeout context, mapping a context deadline
// into apierr.ErrTimeout.
func (w *Worker) step(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(stepCtx)
	if err != nil && stepCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %w", apierr.ErrTimeout, err)
	}
	return err
}

// loadRecord implements pipeline step 2: existence check. A missing record
// is terminal — the job must not be retried, since no record means no
// rendition to drive to completion.
func (w *Worker) loadRecord(ctx context.Context, id uuid.UUID) (*variant.Record, error) {
	stepCtx, cancel := context.WithTimeout(ctx, existenceTimeout)
	defer cancel()

	rec, err := w.metadata.FindByID(stepCtx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: load record %s: %w", apierr.ErrRecordMissing, id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: record %s not found", apierr.ErrRecordMissing, id)
	}
	return rec, nil
}

// markProcessing implements pipeline step 3: the conditional
// queued -> processing transition. A no-op update (record already moved on,
// or deleted) surfaces as ErrRecordMissing.
func (w *Worker) markProcessing(ctx context.Context, id uuid.UUID) error {
	stepCtx, cancel := context.WithTimeout(ctx, markProcessingTimeout)
	defer cancel()

	processing := variant.StatusProcessing
	queued := variant.StatusQueued
	_, err := w.metadata.UpdateByID(stepCtx, id, metadata.RecordPatch{Status: &processing}, metadata.UpdateOptions{
		ExpectedStatus: &queued,
	})
	return err
}

// markReady implements pipeline step 7. variantKey and format are the values
// actually written to the object store, which may differ from the record's
// original request when render substituted an encoder.
func (w *Worker) markReady(ctx context.Context, id uuid.UUID, size int64, variantKey, format string) error {
	stepCtx, cancel := context.WithTimeout(ctx, markReadyTimeout)
	defer cancel()

	ready := variant.StatusReady
	now := time.Now().UTC()
	readyAtPtr := &now
	_, err := w.metadata.UpdateByID(stepCtx, id, metadata.RecordPatch{
		Status:     &ready,
		FileSize:   &size,
		ReadyAt:    &readyAtPtr,
		VariantKey: &variantKey,
		Format:     &format,
	}, metadata.UpdateOptions{})
	return err
}

// fail implements the worker's failure handling: a best-effort 10s update
// setting status failed, failedReason, and failedAt, then the original
// cause is re-raised to the queue unchanged so its retry policy applies.
func (w *Worker) fail(ctx context.Context, id uuid.UUID, cause error) error {
	stepCtx, cancel := context.WithTimeout(context.Background(), markFailedTimeout)
	defer cancel()

	failed := variant.StatusFailed
	reason := cause.Error()
	reasonPtr := &reason
	now := time.Now().UTC()
	nowPtr := &now
	_, _ = w.metadata.UpdateByID(stepCtx, id, metadata.RecordPatch{
		Status:       &failed,
		FailedReason: &reasonPtr,
		FailedAt:     &nowPtr,
	}, metadata.UpdateOptions{})

	return cause
}
