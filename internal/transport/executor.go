// Package transport issues protocol calls against the bot service and decodes
// either a server-sent event stream or a buffered JSON response.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/halfduplex/internal/backoff"
	"github.com/ashureev/halfduplex/internal/metrics"
	"github.com/ashureev/halfduplex/internal/telemetry"
)

// errAttemptTimeout is returned when a single attempt does not produce a
// response in time. It wraps context.DeadlineExceeded so it is retried.
var errAttemptTimeout = fmt.Errorf("attempt timed out: %w", context.DeadlineExceeded)

// Executor performs one logical HTTP exchange, retrying failed attempts
// according to its backoff policy.
type Executor struct {
	client         *http.Client
	policy         backoff.Policy
	telemetry      telemetry.Telemetry
	metrics        metrics.Recorder
	logger         *slog.Logger
	requestTimeout time.Duration
	retryOptions   []backoff.Option
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHTTPClient sets the HTTP client. Defaults to http.DefaultClient.
func WithHTTPClient(client *http.Client) ExecutorOption {
	return func(e *Executor) {
		if client != nil {
			e.client = client
		}
	}
}

// WithPolicy sets the retry policy.
func WithPolicy(policy backoff.Policy) ExecutorOption {
	return func(e *Executor) { e.policy = policy }
}

// WithTelemetry sets the exception sink and correlation id source.
func WithTelemetry(t telemetry.Telemetry) ExecutorOption {
	return func(e *Executor) { e.telemetry = telemetry.OrNop(t) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) ExecutorOption {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRequestTimeout bounds the time until a response is accepted for each
// attempt. Zero disables the bound. Reading a stream is not bounded.
func WithRequestTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.requestTimeout = d }
}

// WithRetryOptions passes extra options to every backoff.Retry call.
func WithRetryOptions(opts ...backoff.Option) ExecutorOption {
	return func(e *Executor) { e.retryOptions = append(e.retryOptions, opts...) }
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		client:    http.DefaultClient,
		policy:    backoff.DefaultPolicy(),
		telemetry: telemetry.Nop{},
		metrics:   metrics.Nop(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Telemetry returns the configured telemetry.
func (e *Executor) Telemetry() telemetry.Telemetry {
	return e.telemetry
}

// Exchange builds a request, sends it and hands the response to accept.
//
// build is invoked once per attempt. accept owns resp.Body and either
// returns a value holding it or closes it. The cancel function passed to
// accept must be called once the value is no longer in use.
type Exchange[T any] struct {
	Kind   Kind
	Build  func(ctx context.Context) (*http.Request, error)
	Accept func(resp *http.Response, cancel context.CancelFunc) (T, error)
}

// Do runs x under the executor's retry policy.
func Do[T any](ctx context.Context, e *Executor, x Exchange[T]) (T, error) {
	opts := make([]backoff.Option, 0, len(e.retryOptions)+3)
	opts = append(opts,
		backoff.WithReporter(e.telemetry, "transport."+string(x.Kind)),
		backoff.WithLogger(e.logger),
		backoff.WithOnRetry(func(_ int, err error, _ time.Duration) {
			e.metrics.IncRetry(string(x.Kind), retryReason(err))
		}),
	)
	opts = append(opts, e.retryOptions...)

	return backoff.Retry(ctx, e.policy, func(ctx context.Context, attempt int) (T, error) {
		return attemptOnce(ctx, e, x, attempt)
	}, opts...)
}

func attemptOnce[T any](ctx context.Context, e *Executor, x Exchange[T], attempt int) (T, error) {
	var zero T
	start := time.Now()
	status := 0

	attemptCtx, cancel := context.WithCancel(ctx)

	var timer *time.Timer
	if e.requestTimeout > 0 {
		timer = time.AfterFunc(e.requestTimeout, cancel)
	}
	timedOut := func() bool {
		return timer != nil && !timer.Stop()
	}

	result, err := func() (T, error) {
		req, err := x.Build(attemptCtx)
		if err != nil {
			return zero, err
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return zero, err
		}
		status = resp.StatusCode
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			statusErr := backoff.NewStatusError(resp)
			_ = resp.Body.Close()
			return zero, statusErr
		}
		return x.Accept(resp, cancel)
	}()

	if timedOut() {
		if err == nil {
			if closer, ok := any(result).(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		}
		err = errAttemptTimeout
	}
	if err != nil {
		cancel()
	}

	e.metrics.ObserveRequest(string(x.Kind), outcome(ctx, err), status, time.Since(start))
	if err != nil {
		e.logger.Debug("bot service attempt failed",
			"kind", x.Kind,
			"attempt", attempt,
			"status", status,
			"error", err,
		)
		return zero, err
	}
	return result, nil
}

func outcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case backoff.Classify(ctx, err) == backoff.ClassCanceled:
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}

func retryReason(err error) string {
	var statusErr *backoff.StatusError
	if errors.As(err, &statusErr) {
		return strconv.Itoa(statusErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "network"
}
