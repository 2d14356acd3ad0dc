// Package metrics exposes Prometheus collectors for the webhook service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	webhookCallbacksTotal      *prometheus.CounterVec
	exportTriggersTotal        prometheus.Counter
	exportFailuresTotal        prometheus.Counter
	eventPublishFailuresTotal  prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		webhookCallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanhook_webhook_callbacks_total",
				Help: "Total webhook callbacks received, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		exportTriggersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanhook_export_triggers_total",
				Help: "Total bulk exports triggered from completion callbacks.",
			},
		)

		exportFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanhook_export_failures_total",
				Help: "Total failed bulk-export calls (the latch stays set).",
			},
		)

		eventPublishFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanhook_event_publish_failures_total",
				Help: "Total failed scan lifecycle event publishes.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Callback outcomes recorded per webhook kind.
const (
	OutcomeProcessed = "processed"
	OutcomeIgnored   = "ignored"
)

// ObserveCallback counts one webhook callback.
func ObserveCallback(kind, outcome string) {
	if webhookCallbacksTotal == nil {
		return
	}
	webhookCallbacksTotal.WithLabelValues(kind, outcome).Inc()
}

// ExportTriggered counts one acquired export latch.
func ExportTriggered() {
	if exportTriggersTotal == nil {
		return
	}
	exportTriggersTotal.Inc()
}

// ExportFailed counts one failed export call.
func ExportFailed() {
	if exportFailuresTotal == nil {
		return
	}
	exportFailuresTotal.Inc()
}

// EventPublishFailed counts one failed lifecycle event publish.
func EventPublishFailed() {
	if eventPublishFailuresTotal == nil {
		return
	}
	eventPublishFailuresTotal.Inc()
}

// ObserveHTTPRequest records one completed HTTP request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
