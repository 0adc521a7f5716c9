package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	activitiesTotal *prometheus.CounterVec
}

// NewPrometheusRecorder registers the turn protocol metrics on reg.
// A nil reg uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "halfduplex_requests_total",
				Help: "HTTP attempts against the bot service by call kind, outcome and status code",
			},
			[]string{"kind", "outcome", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "halfduplex_request_duration_seconds",
				Help:    "Time to first response byte for bot service calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "halfduplex_retries_total",
				Help: "Retries scheduled by the backoff controller",
			},
			[]string{"kind", "reason"},
		),
		activitiesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "halfduplex_activities_total",
				Help: "Inbound activities delivered by call kind and response transport",
			},
			[]string{"kind", "transport"},
		),
	}
}

// ObserveRequest records one attempt.
func (p *PrometheusRecorder) ObserveRequest(kind, outcome string, status int, duration time.Duration) {
	p.requestsTotal.WithLabelValues(kind, outcome, strconv.Itoa(status)).Inc()
	p.requestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncRetry counts a scheduled retry.
func (p *PrometheusRecorder) IncRetry(kind, reason string) {
	p.retriesTotal.WithLabelValues(kind, reason).Inc()
}

// AddActivities counts delivered activities.
func (p *PrometheusRecorder) AddActivities(kind, transport string, n int) {
	if n <= 0 {
		return
	}
	p.activitiesTotal.WithLabelValues(kind, transport).Add(float64(n))
}
