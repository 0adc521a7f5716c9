package backoff

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackedException struct {
	err   error
	props map[string]any
}

type recordingReporter struct {
	calls []trackedException
}

func (r *recordingReporter) TrackException(err error, props map[string]any) {
	r.calls = append(r.calls, trackedException{err: err, props: props})
}

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func statusErr(code int) *StatusError {
	return &StatusError{StatusCode: code, Status: http.StatusText(code)}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), Policy{}, func(context.Context, int) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
}

func TestRetryStatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		policy        Policy
		expectedCalls int
	}{
		{"400 is fatal", statusErr(http.StatusBadRequest), Policy{Retries: 4}, 1},
		{"404 is fatal", statusErr(http.StatusNotFound), Policy{Retries: 4}, 1},
		{"500 retries until exhausted", statusErr(http.StatusInternalServerError), Policy{Retries: 4}, 4},
		{"503 with defaults", statusErr(http.StatusServiceUnavailable), Policy{}, DefaultRetries},
		{"network error retries", &url.Error{Op: "Post", URL: "http://test", Err: syscall.ECONNRESET}, Policy{}, 5},
		{"permanent error is fatal", Permanent(errors.New("bad body")), Policy{Retries: 4}, 1},
		{"unknown error is fatal", errors.New("boom"), Policy{Retries: 4}, 1},
		{"no retries", statusErr(http.StatusBadGateway), Policy{Retries: NoRetries}, 1},
		{"single attempt", statusErr(http.StatusBadGateway), Policy{Retries: 1}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sleeper := &recordingSleeper{}
			calls := 0
			_, err := Retry(context.Background(), tt.policy, func(context.Context, int) (struct{}, error) {
				calls++
				return struct{}{}, tt.err
			}, WithSleep(sleeper.sleep))

			require.Error(t, err)
			assert.Equal(t, tt.expectedCalls, calls)
			assert.Len(t, sleeper.delays, tt.expectedCalls-1)
		})
	}
}

func TestRetryTooManyRequestsHonorsRetryAfter(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0
	policy := Policy{Factor: 1, MinTimeout: time.Millisecond}

	got, err := Retry(context.Background(), policy, func(_ context.Context, attempt int) (int, error) {
		calls++
		if attempt == 1 {
			return 0, &StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 12345 * time.Second, HasRetryAfter: true}
		}
		return attempt, nil
	}, WithSleep(sleeper.sleep))

	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{12345 * time.Second}, sleeper.delays)
}

func TestRetryTooManyRequestsWithoutRetryAfterUsesBackoff(t *testing.T) {
	sleeper := &recordingSleeper{}
	policy := Policy{Factor: 3, MinTimeout: 10 * time.Millisecond, Retries: 3}

	_, err := Retry(context.Background(), policy, func(context.Context, int) (int, error) {
		return 0, statusErr(http.StatusTooManyRequests)
	}, WithSleep(sleeper.sleep))

	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 30 * time.Millisecond}, sleeper.delays)
}

func TestRetryExhaustionWrapsLastErrorAndReports(t *testing.T) {
	reporter := &recordingReporter{}
	last := statusErr(http.StatusInternalServerError)

	_, err := Retry(context.Background(), Policy{Factor: 1, Retries: 3}, func(context.Context, int) (int, error) {
		return 0, last
	}, WithSleep((&recordingSleeper{}).sleep), WithReporter(reporter, "test.executeTurn"))

	require.ErrorIs(t, err, ErrRetriesExhausted)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)

	// Three failed attempts plus the exhaustion report.
	require.Len(t, reporter.calls, 4)
	for i, call := range reporter.calls[:3] {
		assert.Equal(t, "test.executeTurn", call.props["handledAt"])
		assert.Equal(t, i+1, call.props["attemptNumber"])
		assert.Equal(t, 2-i, call.props["retriesLeft"])
	}
	final := reporter.calls[3]
	assert.ErrorIs(t, final.err, ErrRetriesExhausted)
	assert.Equal(t, 3, final.props["retryCount"])
	assert.Equal(t, "test.executeTurn", final.props["handledAt"])
}

func TestRetryFatalReportedOnce(t *testing.T) {
	reporter := &recordingReporter{}
	_, err := Retry(context.Background(), Policy{}, func(context.Context, int) (int, error) {
		return 0, statusErr(http.StatusBadRequest)
	}, WithReporter(reporter, "test.fatal"))

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	require.Len(t, reporter.calls, 1)
	assert.Equal(t, "test.fatal", reporter.calls[0].props["handledAt"])
}

func TestRetryCancellationStopsWithoutReporting(t *testing.T) {
	reporter := &recordingReporter{}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := Retry(ctx, Policy{Retries: 4}, func(context.Context, int) (int, error) {
		calls++
		cancel()
		return 0, context.Canceled
	}, WithReporter(reporter, "test.cancel"))

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Empty(t, reporter.calls)
}

func TestRetryCancellationDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	_, err := Retry(ctx, Policy{Retries: 4, MinTimeout: time.Hour}, func(context.Context, int) (int, error) {
		calls++
		return 0, statusErr(http.StatusBadGateway)
	}, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryOnRetryHook(t *testing.T) {
	var attempts []int
	_, _ = Retry(context.Background(), Policy{Factor: 1, Retries: 3}, func(context.Context, int) (int, error) {
		return 0, statusErr(http.StatusInternalServerError)
	}, WithSleep((&recordingSleeper{}).sleep), WithOnRetry(func(attempt int, _ error, _ time.Duration) {
		attempts = append(attempts, attempt)
	}))
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), 0))
}
