package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	signalsTotal *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	biasTotal    *prometheus.CounterVec
	rushIndex    *prometheus.GaugeVec
	latency      *prometheus.HistogramVec
	httpLatency  *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
}

// New creates a recorder on the default registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a recorder on reg. Tests pass a fresh
// prometheus.NewRegistry so repeated construction does not panic.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		signalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kitchenpulse_signals_total",
				Help: "Signals submitted by kind and outcome",
			},
			[]string{"kind", "result"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kitchenpulse_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		biasTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kitchenpulse_bias_corrections_total",
				Help: "Ready marks corrected or flagged, by reason",
			},
			[]string{"reason"},
		),
		rushIndex: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kitchenpulse_rush_index",
				Help: "Last published rush index per restaurant",
			},
			[]string{"restaurant_id"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kitchenpulse_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		httpLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "kitchenpulse",
				Subsystem: "http",
				Name:      "latency_seconds",
				Help:      "Latency of API endpoints",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kitchenpulse",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "API requests by route and status code",
			},
			[]string{"route", "method", "code"},
		),
	}
}

// RecordSignal counts one submitted signal.
func (r *Recorder) RecordSignal(kind, result string) {
	r.signalsTotal.WithLabelValues(kind, result).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordBias(reason string) {
	r.biasTotal.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordRushIndex(restaurantID string, index int) {
	r.rushIndex.WithLabelValues(restaurantID).Set(float64(index))
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// ObserveHTTP records one served request.
func (r *Recorder) ObserveHTTP(route, method string, code int, seconds float64) {
	r.httpLatency.WithLabelValues(route).Observe(seconds)
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
}
