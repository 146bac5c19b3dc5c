// Package apierr defines the error taxonomy shared by the resolver, worker,
// and HTTP edge. Each sentinel wraps with fmt.Errorf("...: %w", Err...) so
// callers compose with errors.Is/errors.As instead of string matching.
package apierr

import "errors"

var (
	// ErrValidation is raised by the edge when request parameters fail validation.
	ErrValidation = errors.New("validation error")

	// ErrForbidden is raised by the edge for requests under the resized-image prefix guard.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is raised by the resolver when the original asset is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict is raised by the metadata store on a unique-key violation.
	// The resolver recovers from it locally; it should never reach the edge.
	ErrConflict = errors.New("conflict")

	// ErrSourceUnavailable is raised by the worker when the original cannot be downloaded.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrTimeout is raised when a pipeline step exceeds its wall-clock budget.
	ErrTimeout = errors.New("timeout")

	// ErrRenderError is raised when decoding/resizing/encoding the image fails.
	ErrRenderError = errors.New("render error")

	// ErrUploadError is raised when the rendered variant cannot be uploaded.
	ErrUploadError = errors.New("upload error")

	// ErrRecordMissing is raised when the variant record a job refers to no
	// longer exists. Terminal: retrying cannot help.
	ErrRecordMissing = errors.New("record missing")

	// ErrTransientStore is raised by MS/OS/Q adapters for errors the caller's
	// own backoff should retry (connection resets, deadline exceeded, etc).
	ErrTransientStore = errors.New("transient store error")

	// ErrFatalConfig is raised at startup for unrecoverable configuration problems.
	ErrFatalConfig = errors.New("fatal configuration error")
)

// IsTerminal reports whether err represents a failure the queue's retry
// policy should not spend further attempts on.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrRecordMissing)
}
