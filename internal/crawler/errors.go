package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrSkipIndexing signals that the page must not be indexed this cycle (robots.txt, policy mismatch).
	ErrSkipIndexing = errors.New("skip indexing")
	// ErrAuthRequired signals that the target requires authentication and it failed.
	ErrAuthRequired = errors.New("authentication required")
	// ErrTooManyRedirects signals that a redirect chain exceeded the configured maximum.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrScriptedUnavailable signals that no browser transport is configured.
	ErrScriptedUnavailable = errors.New("scripted browsing not configured")
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// SkipIndexing wraps ErrSkipIndexing with a human readable reason.
func SkipIndexing(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkipIndexing, reason)
}

// PageTooBigError is returned when a response body exceeds the configured limit.
type PageTooBigError struct {
	Size  int64
	Limit int64
}

func (e *PageTooBigError) Error() string {
	return fmt.Sprintf("page too big: %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// FatalError marks a process-level failure (store or cache filesystem unavailable).
// Workers stop instead of recording it on the document.
type FatalError struct {
	Op  string
	Err error
}

// Fatal wraps err as a FatalError. A nil err stays nil.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Op: op, Err: err}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsSkippable reports whether err is recorded as a non-fatal skip.
func IsSkippable(err error) bool {
	var tooBig *PageTooBigError
	return errors.Is(err, ErrSkipIndexing) || errors.As(err, &tooBig)
}
