package backoff

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// Reporter receives failures for telemetry. telemetry.Telemetry satisfies it.
type Reporter interface {
	TrackException(err error, props map[string]any)
}

// Option customizes a single Retry call.
type Option func(*retrier)

type retrier struct {
	sleep     func(ctx context.Context, d time.Duration) error
	rnd       func() float64
	reporter  Reporter
	handledAt string
	logger    *slog.Logger
	onRetry   func(attempt int, err error, delay time.Duration)
}

// WithSleep replaces the timer used between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *retrier) { r.sleep = sleep }
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(r *retrier) { r.rnd = fn }
}

// WithReporter reports failed attempts tagged with handledAt.
func WithReporter(reporter Reporter, handledAt string) Option {
	return func(r *retrier) {
		r.reporter = reporter
		r.handledAt = handledAt
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *retrier) { r.logger = logger }
}

// WithOnRetry registers a hook invoked before each wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(r *retrier) { r.onRetry = fn }
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls op until it succeeds, fails fatally, or the policy runs out of
// attempts. attempt starts at 1.
func Retry[T any](ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) (T, error), opts ...Option) (T, error) {
	r := &retrier{
		sleep:  Sleep,
		rnd:    rand.Float64,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	policy = policy.normalized()
	attempts := policy.Attempts()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry canceled: %w", err)
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		switch Classify(ctx, err) {
		case ClassCanceled:
			return zero, err
		case ClassFatal:
			r.report(err, map[string]any{"attemptNumber": attempt})
			return zero, err
		}

		retriesLeft := attempts - attempt
		r.report(err, map[string]any{
			"attemptNumber": attempt,
			"retriesLeft":   retriesLeft,
		})
		if retriesLeft == 0 {
			break
		}

		delay := r.delayFor(policy, attempt-1, err)
		r.logger.Debug("retrying after failed attempt",
			"handled_at", r.handledAt,
			"attempt", attempt,
			"retries_left", retriesLeft,
			"delay", delay,
			"error", err,
		)
		if r.onRetry != nil {
			r.onRetry(attempt, err, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry canceled: %w", err)
		}
	}

	exhausted := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
	r.report(exhausted, map[string]any{"retryCount": policy.Retries})
	return zero, exhausted
}

func (r *retrier) delayFor(policy Policy, retryIndex int, err error) time.Duration {
	if statusErr, ok := asStatusError(err); ok && statusErr.StatusCode == http.StatusTooManyRequests && statusErr.HasRetryAfter {
		return statusErr.RetryAfter
	}
	return policy.Delay(retryIndex, r.rnd)
}

func (r *retrier) report(err error, props map[string]any) {
	if r.reporter == nil {
		return
	}
	if r.handledAt != "" {
		props["handledAt"] = r.handledAt
	}
	r.reporter.TrackException(err, props)
}
