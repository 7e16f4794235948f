// Package publisher defines the destination publishing contract and its
// platform implementations. A Publisher hides everything platform-specific:
// formatting, length clipping, and the mapping of API failures onto the
// transient/permanent retry classification.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Publisher sends and edits chat messages for one platform kind. The input
// text is the renderer's markdown; implementations convert and clip it.
type Publisher interface {
	// Send creates a new message at the target and returns a handle that
	// Edit accepts later.
	Send(ctx context.Context, target, text string) (string, error)
	// Edit rewrites a previously sent message in place.
	Edit(ctx context.Context, target, handle, text string) error
}

// Error classifies a platform API failure. Permanent failures (invalid
// target, unknown message on edit) must not be retried; everything else is
// retried with backoff. RetryAfter carries the platform-requested delay
// when the API provided one.
type Error struct {
	Permanent  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent publish error: %v", e.Err)
	}
	return fmt.Sprintf("transient publish error: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(err error) *Error {
	return &Error{Permanent: true, Err: err}
}

// NewTransient wraps err as a retryable failure, optionally carrying the
// delay the platform asked for.
func NewTransient(err error, retryAfter time.Duration) *Error {
	return &Error{RetryAfter: retryAfter, Err: err}
}

// IsPermanent reports whether err is classified permanent. Unclassified
// errors (timeouts, network failures) count as transient.
func IsPermanent(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return false
}

// RetryAfterDelay returns the platform-requested retry delay, or zero.
func RetryAfterDelay(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
