// Package metrics exposes Prometheus collectors for lead qualification.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sourceCallsTotal           *prometheus.CounterVec
	sourceCallDurationSeconds  *prometheus.HistogramVec
	circuitState               *prometheus.GaugeVec
	aggregationDeadlineTotal   prometheus.Counter
	decisionsTotal             *prometheus.CounterVec
	adjudicationsTotal         *prometheus.CounterVec
	painScore                  prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. Safe to call multiple times; every Observe
// function calls it.
func Init() {
	once.Do(func() {
		sourceCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qualify_source_calls_total",
				Help: "Source adapter calls, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		sourceCallDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qualify_source_call_duration_seconds",
				Help:    "Source adapter call latency, labeled by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"source"},
		)

		circuitState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qualify_circuit_state",
				Help: "Circuit breaker state per source (0 closed, 1 open, 2 half-open).",
			},
			[]string{"source"},
		)

		aggregationDeadlineTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "qualify_aggregation_deadline_exceeded_total",
				Help: "Lead aggregations that hit the overall deadline.",
			},
		)

		decisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qualify_decisions_total",
				Help: "Decisions, labeled by outcome and verdict.",
			},
			[]string{"outcome", "verdict"},
		)

		adjudicationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qualify_adjudications_total",
				Help: "Adjudication requests, labeled by result (resolved, cached, failed).",
			},
			[]string{"result"},
		)

		painScore = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qualify_pain_score",
				Help:    "Distribution of computed pain scores.",
				Buckets: []float64{0, 2, 4, 6, 8, 10, 15, 20, 30, 50, 100},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qualify_http_requests_total",
				Help: "HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qualify_http_request_duration_seconds",
				Help:    "HTTP request latency, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveSourceCall records one adapter call.
func ObserveSourceCall(source, outcome string, durationMs int64) {
	Init()
	sourceCallsTotal.WithLabelValues(source, outcome).Inc()
	sourceCallDurationSeconds.WithLabelValues(source).Observe(float64(durationMs) / 1000)
}

// SetCircuitState records a breaker transition.
func SetCircuitState(source string, state int) {
	Init()
	circuitState.WithLabelValues(source).Set(float64(state))
}

// ObserveAggregationDeadline counts an aggregation cut short by its deadline.
func ObserveAggregationDeadline() {
	Init()
	aggregationDeadlineTotal.Inc()
}

// ObserveDecision records a final decision and its score.
func ObserveDecision(outcome, verdict string, score int) {
	Init()
	decisionsTotal.WithLabelValues(outcome, verdict).Inc()
	painScore.Observe(float64(score))
}

// ObserveAdjudication records an adjudication result.
func ObserveAdjudication(result string) {
	Init()
	adjudicationsTotal.WithLabelValues(result).Inc()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
