// Package variant defines the shared data contract between the resolver
// and the worker: the variant record, its lifecycle status, and the
// deterministic key derivation rules both sides rely on.
package variant

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a variant record.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// MaxRequeues bounds how many full retry cycles a failed rendition may
// trigger before it is left in StatusFailed for good.
const MaxRequeues = 2

// Record is a single (imageId, width, height, format) rendition's metadata.
type Record struct {
	ID           uuid.UUID  `db:"id"`
	ImageID      string     `db:"image_id"`
	Width        int        `db:"width"`
	Height       int        `db:"height"`
	Format       string     `db:"format"`
	OriginalKey  string     `db:"original_key"`
	VariantKey   string     `db:"variant_key"`
	Bucket       string     `db:"bucket"`
	Status       Status     `db:"status"`
	FileSize     int64      `db:"file_size"`
	FailedReason *string    `db:"failed_reason"`
	FailedAt     *time.Time `db:"failed_at"`
	ReadyAt      *time.Time `db:"ready_at"`
	RequeueCount int        `db:"requeue_count"`
	CreatedAt    time.Time  `db:"created_at"`
}

// imageIDPattern matches ^[\w.\-]+$ and, because \w never includes '/',
// also rejects embedded path separators — the resolution chosen for the
// spec's open question on slash-safety in object-store keys.
var imageIDPattern = regexp.MustCompile(`^[\w.\-]+$`)

// ValidImageID reports whether id is an acceptable logical asset identifier:
// restricted to word characters, dots and dashes, and must contain a dot
// (the file extension).
func ValidImageID(id string) bool {
	return imageIDPattern.MatchString(id) && strings.Contains(id, ".")
}

// AllowedFormats is the set of rendition output formats the service supports.
var AllowedFormats = map[string]bool{
	"png":  true,
	"jpeg": true,
	"webp": true,
}

// NormalizeFormat applies the jpg->jpeg alias from spec.md §6.1 and reports
// whether the result is an allowed format.
func NormalizeFormat(format string) (string, bool) {
	if format == "jpg" {
		format = "jpeg"
	}
	return format, AllowedFormats[format]
}

// ValidDimension reports whether a width or height value is in [1, 5000].
func ValidDimension(v int) bool {
	return v >= 1 && v <= 5000
}

// StripExtension removes the final "." + extension from imageId, e.g.
// "photo.tar.png" -> "photo.tar".
func StripExtension(imageID string) string {
	idx := strings.LastIndex(imageID, ".")
	if idx < 0 {
		return imageID
	}
	return imageID[:idx]
}

// DeriveKey computes the deterministic object-store key for a rendition:
// strip_extension(imageId) + "___" + width + "x" + height + "." + format.
// It is a pure function of its inputs and stable across restarts.
func DeriveKey(imageID string, width, height int, format string) string {
	return fmt.Sprintf("%s___%dx%d.%s", StripExtension(imageID), width, height, format)
}

// OriginalKey returns the object-store key of the source asset: imageId
// stored verbatim.
func OriginalKey(imageID string) string {
	return imageID
}

// CanRequeue reports whether a failed record is still eligible for the
// bounded requeue policy.
func (r *Record) CanRequeue() bool {
	return r.RequeueCount < MaxRequeues
}
