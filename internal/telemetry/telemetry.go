// Package telemetry defines the reporting hook the engine calls for
// correlation ids and handled exceptions.
package telemetry

import (
	"log/slog"
)

// Telemetry is consulted before every HTTP call and notified of failures.
type Telemetry interface {
	// CorrelationID returns the id to attach to the next request, or "".
	CorrelationID() string
	// TrackException records a handled failure. props carries "handledAt"
	// and attempt counters.
	TrackException(err error, props map[string]any)
}

// Nop discards everything.
type Nop struct{}

// CorrelationID returns "".
func (Nop) CorrelationID() string { return "" }

// TrackException does nothing.
func (Nop) TrackException(error, map[string]any) {}

// Funcs adapts plain functions to Telemetry. Nil fields are no-ops.
type Funcs struct {
	GetCorrelationID func() string
	OnException      func(err error, props map[string]any)
}

// CorrelationID calls GetCorrelationID.
func (f Funcs) CorrelationID() string {
	if f.GetCorrelationID == nil {
		return ""
	}
	return f.GetCorrelationID()
}

// TrackException calls OnException.
func (f Funcs) TrackException(err error, props map[string]any) {
	if f.OnException != nil {
		f.OnException(err, props)
	}
}

// Slog reports exceptions as warnings on a structured logger.
type Slog struct {
	logger        *slog.Logger
	correlationID func() string
}

// NewSlog creates a slog-backed Telemetry. getCorrelationID may be nil.
func NewSlog(logger *slog.Logger, getCorrelationID func() string) *Slog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slog{logger: logger, correlationID: getCorrelationID}
}

// CorrelationID returns the current id from the configured getter.
func (s *Slog) CorrelationID() string {
	if s.correlationID == nil {
		return ""
	}
	return s.correlationID()
}

// TrackException logs err with its properties.
func (s *Slog) TrackException(err error, props map[string]any) {
	attrs := make([]any, 0, 2*len(props)+4)
	attrs = append(attrs, "error", err)
	if id := s.CorrelationID(); id != "" {
		attrs = append(attrs, "correlation_id", id)
	}
	for k, v := range props {
		attrs = append(attrs, k, v)
	}
	s.logger.Warn("handled exception", attrs...)
}

// OrNop returns t, or Nop when t is nil.
func OrNop(t Telemetry) Telemetry {
	if t == nil {
		return Nop{}
	}
	return t
}
