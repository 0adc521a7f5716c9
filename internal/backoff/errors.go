package backoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrRetriesExhausted wraps the last failure once every attempt has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Status     string
	// RetryAfter is the server-requested delay. It is only meaningful when HasRetryAfter is true.
	RetryAfter    time.Duration
	HasRetryAfter bool
}

// NewStatusError builds a StatusError from resp, reading the Retry-After header
// as integer seconds.
func NewStatusError(resp *http.Response) *StatusError {
	e := &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
			e.HasRetryAfter = true
		}
	}
	return e
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("server returned %s", e.Status)
	}
	return fmt.Sprintf("server returned HTTP %d", e.StatusCode)
}

// Retryable reports whether the status warrants another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as fatal so Retry stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Class is the outcome of classifying a failed attempt.
type Class int

const (
	// ClassFatal stops the retry loop and surfaces the error.
	ClassFatal Class = iota
	// ClassRetryable schedules another attempt if the policy allows.
	ClassRetryable
	// ClassCanceled means the caller gave up; it is neither retried nor reported.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassCanceled:
		return "canceled"
	default:
		return "fatal"
	}
}

// Classify decides how the retry loop treats err. ctx is the caller's context;
// a deadline on a per-attempt child context is still retryable.
func Classify(ctx context.Context, err error) Class {
	if err == nil {
		return ClassFatal
	}
	if ctx != nil && ctx.Err() != nil {
		return ClassCanceled
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return ClassFatal
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Retryable() {
			return ClassRetryable
		}
		return ClassFatal
	}

	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}

	if isNetworkError(err) {
		return ClassRetryable
	}
	return ClassFatal
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func asStatusError(err error) (*StatusError, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr, true
	}
	return nil, false
}
