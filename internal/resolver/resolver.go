// Package resolver implements the read-path state machine of spec.md §4.1:
// it decides, for a given (imageId, width, height, format) request, whether
// to serve a ready rendition, serve the original while a render runs in the
// background, or admit a brand-new render job.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"imagevariant/internal/apierr"
	"imagevariant/internal/metadata"
	"imagevariant/internal/queue"
	"imagevariant/internal/variant"
)

// ObjectStore is the subset of internal/store.Client the resolver depends
// on, expressed as a local interface per spec.md §9's interface-seam
// guidance so tests can substitute an in-memory fake.
type ObjectStore interface {
	Head(ctx context.Context, key string) error
	BatchDelete(ctx context.Context, keys []string) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

// JobEnqueuer is the subset of internal/queue.RedisQueue the resolver uses
// to admit render work.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, name string, payload queue.Payload, opts queue.EnqueueOptions) (string, error)
}

// maxForceResizeRetries bounds how many times ResolveVariant re-reads the
// record and retries admission after an insert fails with ErrConflict (a
// concurrent insert of the same quadruple, on the force-resize path or any
// other cold miss).
const maxForceResizeRetries = 3

const renderQueueName = "render"

// Resolver is the R component. It owns no state of its own: every method is
// a pure function of its MS/OS/Q collaborators.
type Resolver struct {
	metadata metadata.Store
	objects  ObjectStore
	queue    JobEnqueuer
	logger   *slog.Logger

	queueAttempts      int
	queueBackoffBaseMS int
}

// Config carries the per-deployment knobs the resolver needs when admitting
// a new job.
type Config struct {
	QueueAttempts      int
	QueueBackoffBaseMS int
}

// New builds a Resolver over its collaborators.
func New(ms metadata.Store, os ObjectStore, q JobEnqueuer, cfg Config) *Resolver {
	attempts := cfg.QueueAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := cfg.QueueBackoffBaseMS
	if backoff <= 0 {
		backoff = 2000
	}
	return &Resolver{
		metadata: ms, objects: os, queue: q, logger: slog.Default(),
		queueAttempts: attempts, queueBackoffBaseMS: backoff,
	}
}

// Request is the validated input to ResolveVariant.
type Request struct {
	ImageID     string
	Width       *int
	Height      *int
	Format      string
	ForceResize bool
}

// Validate checks Request against spec.md §4.1's input contract. Width and
// Height must both be present or both absent.
func (r Request) Validate() error {
	if !variant.ValidImageID(r.ImageID) {
		return fmt.Errorf("%w: imageId %q is not a valid identifier", apierr.ErrValidation, r.ImageID)
	}
	if (r.Width == nil) != (r.Height == nil) {
		return fmt.Errorf("%w: width and height must both be present or both absent", apierr.ErrValidation)
	}
	if r.Width != nil {
		if !variant.ValidDimension(*r.Width) || !variant.ValidDimension(*r.Height) {
			return fmt.Errorf("%w: width and height must be in [1, 5000]", apierr.ErrValidation)
		}
		if _, ok := variant.NormalizeFormat(r.Format); !ok {
			return fmt.Errorf("%w: unsupported format %q", apierr.ErrValidation, r.Format)
		}
	}
	return nil
}

// ResolveVariant implements spec.md §4.1's resolveVariant operation.
// ServingOriginal is true when Key refers to the original asset rather than
// a rendition (either because none was requested, or because a render is
// still in flight).
func (res *Resolver) ResolveVariant(ctx context.Context, req Request) (key string, servingOriginal bool, err error) {
	if err := req.Validate(); err != nil {
		return "", false, err
	}

	if req.Width == nil {
		if err := res.objects.Head(ctx, variant.OriginalKey(req.ImageID)); err != nil {
			return "", false, err
		}
		return variant.OriginalKey(req.ImageID), true, nil
	}

	format, _ := variant.NormalizeFormat(req.Format)
	width, height := *req.Width, *req.Height

	if req.ForceResize {
		res.displaceExisting(ctx, req.ImageID, width, height, format)
	}

	for attempt := 0; ; attempt++ {
		rec, err := res.metadata.FindOne(ctx, metadata.Filter{
			ImageID: req.ImageID,
			Width:   &width,
			Height:  &height,
			Format:  &format,
		})
		if err != nil {
			return "", false, err
		}

		if rec != nil {
			switch rec.Status {
			case variant.StatusReady:
				return rec.VariantKey, false, nil
			case variant.StatusQueued, variant.StatusProcessing:
				return rec.OriginalKey, true, nil
			}
			// StatusFailed falls through to admission below.
		}

		key, err := res.admit(ctx, req.ImageID, width, height, format)
		if err == nil {
			return key, true, nil
		}
		if errors.Is(err, apierr.ErrConflict) && attempt < maxForceResizeRetries {
			continue
		}
		return "", false, err
	}
}

// displaceExisting implements step 2 of resolveVariant: best-effort removal
// of a prior rendition so force-resize can admit a fresh one. Failures are
// logged and otherwise ignored; this method never aborts on them.
func (res *Resolver) displaceExisting(ctx context.Context, imageID string, width, height int, format string) {
	if err := res.metadata.DeleteOne(ctx, metadata.Filter{
		ImageID: imageID, Width: &width, Height: &height, Format: &format,
	}); err != nil {
		res.logger.Warn("force-resize: failed to delete prior variant record",
			slog.String("image_id", imageID), slog.Int("width", width), slog.Int("height", height),
			slog.String("format", format), slog.Any("error", err))
	}
	key := variant.DeriveKey(imageID, width, height, format)
	if err := res.objects.Delete(ctx, key); err != nil {
		res.logger.Warn("force-resize: failed to delete prior variant object",
			slog.String("key", key), slog.Any("error", err))
	}
}

// admit inserts a fresh queued record and enqueues its render job.
func (res *Resolver) admit(ctx context.Context, imageID string, width, height int, format string) (string, error) {
	if err := res.objects.Head(ctx, variant.OriginalKey(imageID)); err != nil {
		return "", err
	}

	rec := &variant.Record{
		ImageID:     imageID,
		Width:       width,
		Height:      height,
		Format:      format,
		OriginalKey: variant.OriginalKey(imageID),
		VariantKey:  variant.DeriveKey(imageID, width, height, format),
		Status:      variant.StatusQueued,
		FileSize:    0,
	}
	if err := res.metadata.Insert(ctx, rec); err != nil {
		return "", err
	}

	payload := queue.Payload{
		ImageID:     imageID,
		Width:       width,
		Height:      height,
		OriginalKey: rec.OriginalKey,
		VariantKey:  rec.VariantKey,
		RecordID:    rec.ID,
		Format:      format,
	}
	jobID := queue.IdempotencyToken(payload, time.Now())
	if _, err := res.queue.Enqueue(ctx, renderQueueName, payload, queue.EnqueueOptions{
		Attempts:      res.queueAttempts,
		BackoffBaseMS: res.queueBackoffBaseMS,
		JobID:         jobID,
	}); err != nil {
		return "", fmt.Errorf("%w: enqueue render job: %w", apierr.ErrTransientStore, err)
	}

	return rec.OriginalKey, nil
}

// DeleteImage implements spec.md §4.1's deleteImage operation: find every
// record matching the selector, batch-delete their variant keys from the
// object store, then delete the records. Zero matches is NotFound.
func (res *Resolver) DeleteImage(ctx context.Context, imageID string, width, height *int, format *string) error {
	f := metadata.Filter{ImageID: imageID, Width: width, Height: height}
	if format != nil {
		normalized, _ := variant.NormalizeFormat(*format)
		f.Format = &normalized
	}

	recs, err := res.metadata.Find(ctx, f)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("%w: no variant matches imageId=%s", apierr.ErrNotFound, imageID)
	}

	keys := make([]string, len(recs))
	for i, r := range recs {
		keys[i] = r.VariantKey
	}
	if err := res.objects.BatchDelete(ctx, keys); err != nil {
		return err
	}

	if _, err := res.metadata.DeleteMany(ctx, f); err != nil {
		return err
	}
	return nil
}

// GetOriginal implements spec.md §4.1's getOriginal operation.
func (res *Resolver) GetOriginal(ctx context.Context, imageID string) (string, error) {
	key := variant.OriginalKey(imageID)
	if err := res.objects.Head(ctx, key); err != nil {
		return "", err
	}
	return key, nil
}

// PublicURL implements spec.md §4.1's publicUrl operation.
func (res *Resolver) PublicURL(key string) string {
	return res.objects.PublicURL(key)
}
