package memoria

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound reports that a record does not exist for the given user.
type ErrNotFound struct {
	Kind string // "memory", "message", "conversation", "summary", "task"
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Kind, e.ID)
}

// ErrConflict reports a unique-key violation on memory insert.
// ExistingID carries the id of the row that already holds the
// (user_id, idempotency_key) pair, so callers can absorb the conflict.
type ErrConflict struct {
	ExistingID string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("memory exists: %s", e.ExistingID)
}

// ErrUnsafe reports that the Validator refused a text. The operation
// must be abandoned; the text is never fed to the completion provider.
type ErrUnsafe struct {
	Tag    ContextTag
	Reason string
}

func (e *ErrUnsafe) Error() string {
	return fmt.Sprintf("unsafe input (%s): %s", e.Tag, e.Reason)
}

// ErrLLM is a non-HTTP provider failure (marshalling, malformed response).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is an HTTP-level failure from an external capability.
// RetryAfter is parsed from the Retry-After header when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrOverload reports that the task queue is full or a rate budget was
// exceeded. The API layer translates it to HTTP 429.
type ErrOverload struct {
	Capacity int
}

func (e *ErrOverload) Error() string {
	return fmt.Sprintf("task queue full (capacity %d)", e.Capacity)
}

// ErrFatal is a non-retryable failure: schema mismatch, embedding
// dimension mismatch, malformed persisted data, misconfiguration.
type ErrFatal struct {
	Reason string
}

func (e *ErrFatal) Error() string {
	return "fatal: " + e.Reason
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// IsConflict reports whether err is an ErrConflict.
func IsConflict(err error) bool {
	var e *ErrConflict
	return errors.As(err, &e)
}

// IsUnsafe reports whether err is an ErrUnsafe.
func IsUnsafe(err error) bool {
	var e *ErrUnsafe
	return errors.As(err, &e)
}

// IsOverload reports whether err is an ErrOverload.
func IsOverload(err error) bool {
	var e *ErrOverload
	return errors.As(err, &e)
}

// IsFatal reports whether err is an ErrFatal.
func IsFatal(err error) bool {
	var e *ErrFatal
	return errors.As(err, &e)
}

// IsTransient reports whether err is retryable: an HTTP 429, 503, or
// other 5xx from an external capability.
func IsTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status >= 500)
}

// IsCancelled reports whether err stems from context cancellation or a
// deadline expiry.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// ParseRetryAfter parses a Retry-After header value in delta-seconds
// form. HTTP-date form and malformed values yield 0.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
