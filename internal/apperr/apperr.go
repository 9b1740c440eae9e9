// Package apperr holds the error taxonomy shared by the upload path, the
// job handlers and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation covers malformed uploads, unsupported MIME types and
	// oversized files. Never enqueued.
	ErrValidation = errors.New("validation error")

	// ErrTooLarge is a validation error for uploads over the size limit.
	ErrTooLarge = fmt.Errorf("%w: file too large", ErrValidation)

	// ErrStorageFull means the underlying filesystem is exhausted.
	ErrStorageFull = errors.New("storage full")

	ErrNotFound = errors.New("not found")

	// ErrTransient marks processing errors worth retrying.
	ErrTransient = errors.New("transient processing error")

	// ErrPermanent marks processing errors that must not be retried.
	ErrPermanent = errors.New("permanent processing error")

	// ErrUnsupported is a permanent error for formats a worker cannot handle.
	ErrUnsupported = fmt.Errorf("%w: unsupported format", ErrPermanent)

	ErrQueueFull = errors.New("queue depth limit reached")
	ErrJobActive = errors.New("job is active")

	// ErrJobFinished is returned when cancelling a completed or failed job.
	ErrJobFinished = errors.New("job already finished")

	// ErrOCRDisabled is a policy outcome, not a failure: OCR work is simply
	// not enqueued.
	ErrOCRDisabled = errors.New("ocr disabled")
)

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Retryable reports whether a processing error should be retried. Anything
// not explicitly permanent is treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrPermanent) && !errors.Is(err, ErrValidation)
}

// Status maps an error to the HTTP status surfaced to callers.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStorageFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrJobActive), errors.Is(err, ErrJobFinished), errors.Is(err, ErrOCRDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
