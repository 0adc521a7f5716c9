// Package metrics records HTTP exchange metrics for the turn protocol.
package metrics

import "time"

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// Recorder receives one observation per HTTP attempt.
type Recorder interface {
	// ObserveRequest records a finished attempt. status is 0 when no response arrived.
	ObserveRequest(kind, outcome string, status int, duration time.Duration)
	// IncRetry counts a scheduled retry with its reason (status code or "network").
	IncRetry(kind, reason string)
	// AddActivities counts inbound activities delivered for kind.
	AddActivities(kind, transport string, n int)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (NoopRecorder) ObserveRequest(_, _ string, _ int, _ time.Duration) {}

// IncRetry does nothing in the no-op recorder.
func (NoopRecorder) IncRetry(_, _ string) {}

// AddActivities does nothing in the no-op recorder.
func (NoopRecorder) AddActivities(_, _ string, _ int) {}
