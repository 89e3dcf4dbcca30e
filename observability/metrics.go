package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fulldecent/compound-oracle/native/oracle"
)

const namespace = "oracle"

var (
	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// OracleMetrics tracks accepted submissions and admin overrides. It
// implements oracle.Emitter so it can be attached directly to an Engine.
type OracleMetrics struct {
	submissions    *prometheus.CounterVec
	pendingAnchors *prometheus.CounterVec
	failures       *prometheus.CounterVec
	batchSize      prometheus.Histogram
	rejections     *prometheus.CounterVec
	lastHeight     prometheus.Gauge
}

// Oracle returns the lazily-initialised oracle metrics registry.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "submissions_total",
				Help:      "Price submissions segmented by validation status.",
			}, []string{"status"}),
			pendingAnchors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "pending_anchor_sets_total",
				Help:      "Pending anchor overrides queued or cancelled by the anchor admin.",
			}, []string{"action"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "persist_failures_total",
				Help:      "Submissions that validated but could not be persisted.",
			}, []string{"kind"}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "batch_size",
				Help:      "Number of pairs carried by each batch submission.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
			}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "rejections_total",
				Help:      "Calls rejected before any state change, by operation and reason.",
			}, []string{"operation", "reason"}),
			lastHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "last_update_height",
				Help:      "Block height of the most recent committed state change.",
			}),
		}
		prometheus.MustRegister(
			oracleRegistry.submissions,
			oracleRegistry.pendingAnchors,
			oracleRegistry.failures,
			oracleRegistry.batchSize,
			oracleRegistry.rejections,
			oracleRegistry.lastHeight,
		)
	})
	return oracleRegistry
}

// Emit records the event.
func (m *OracleMetrics) Emit(ev oracle.Event) {
	if m == nil {
		return
	}
	switch ev.Kind {
	case oracle.EventPriceSet:
		m.submissions.WithLabelValues(ev.Status.String()).Inc()
		m.lastHeight.Set(float64(ev.Height))
	case oracle.EventPendingAnchorSet:
		action := "set"
		if ev.NewPrice == nil || ev.NewPrice.IsZero() {
			action = "cancel"
		}
		m.pendingAnchors.WithLabelValues(action).Inc()
		m.lastHeight.Set(float64(ev.Height))
	case oracle.EventPriceSetFailed:
		m.submissions.WithLabelValues(ev.Status.String()).Inc()
		m.failures.WithLabelValues(string(ev.Kind)).Inc()
	}
}

// ObserveBatch records the size of a batch submission.
func (m *OracleMetrics) ObserveBatch(pairs int) {
	if m == nil || pairs < 0 {
		return
	}
	m.batchSize.Observe(float64(pairs))
}

// RecordRejection counts a call refused before touching state.
func (m *OracleMetrics) RecordRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(operation), normalizeLabel(reason)).Inc()
}

// HTTPMetrics captures request level activity for the oracle API.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// HTTP returns the lazily-initialised HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by the per-identity rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency, httpRegistry.throttles)
	})
	return httpRegistry
}

// Observe records the outcome of a request.
func (m *HTTPMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = normalizeLabel(route)
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	if duration < 0 {
		duration = 0
	}
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *HTTPMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeLabel(route)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
