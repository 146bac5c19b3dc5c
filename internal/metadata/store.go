// Package metadata is the repository over the variant record: the MS
// adapter of spec.md §4.2. It owns the unique-key and conditional-update
// semantics that make the resolver/worker dedup coupling safe under
// concurrency.
package metadata

import (
	"context"
	"time"

	"github.com/google/uuid"

	"imagevariant/internal/variant"
)

// Filter selects variant records. ImageID is required by convention for the
// delete paths; the pointer fields are optional narrowing predicates. This
// is a plain struct rather than an open map, per spec.md §9's guidance to
// validate once and pass typed values downstream.
type Filter struct {
	ImageID string
	Width   *int
	Height  *int
	Format  *string
	Status  *variant.Status
}

// RecordPatch describes a partial update to a record. Only non-nil fields
// are applied; FailedReason/FailedAt use a double pointer so "clear this
// field" (set SQL NULL) is distinguishable from "leave it alone".
type RecordPatch struct {
	Status       *variant.Status
	FileSize     *int64
	FailedReason **string
	FailedAt     **time.Time
	ReadyAt      **time.Time
	// VariantKey and Format let the worker correct the stored key/format when
	// the renderer substitutes one (e.g. a webp request falling back to a
	// jpeg encode) so the record and the object it names stay consistent.
	VariantKey *string
	Format     *string
}

// UpdateOptions controls an UpdateByID call.
type UpdateOptions struct {
	// ReturnNew requests the post-update document back.
	ReturnNew bool
	// ExpectedStatus, if set, makes the update conditional: it only applies
	// (and returns a document) when the record's current status matches.
	// This is how monotonic state transitions are enforced without an
	// application-level lock (spec.md §5).
	ExpectedStatus *variant.Status
}

// Store is the MS contract consumed by the resolver and the worker.
// Concrete implementations must map a unique-index violation on Insert to
// apierr.ErrConflict, and an absent (or status-mismatched) document on
// UpdateByID to apierr.ErrRecordMissing.
type Store interface {
	FindOne(ctx context.Context, f Filter) (*variant.Record, error)
	FindByID(ctx context.Context, id uuid.UUID) (*variant.Record, error)
	Insert(ctx context.Context, r *variant.Record) error
	UpdateByID(ctx context.Context, id uuid.UUID, patch RecordPatch, opts UpdateOptions) (*variant.Record, error)
	IncrementRequeueCount(ctx context.Context, id uuid.UUID) error
	DeleteOne(ctx context.Context, f Filter) error
	DeleteMany(ctx context.Context, f Filter) (int64, error)
	Find(ctx context.Context, f Filter) ([]*variant.Record, error)
}
