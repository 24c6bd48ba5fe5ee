package obs

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wayleave_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wayleave_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wayleave_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// TransitionsTotal counts applied workflow transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wayleave_transitions_total",
			Help: "Applied workflow transitions by source, target and actor role.",
		},
		[]string{"from", "to", "actor"},
	)

	// TransitionRejectionsTotal counts transitions refused before any write.
	TransitionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wayleave_transition_rejections_total",
			Help: "Rejected workflow transitions by reason.",
		},
		[]string{"reason"},
	)

	// OrphanedAttachmentsTotal counts blobs left behind by record deletion.
	OrphanedAttachmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wayleave_orphaned_attachments_total",
		Help: "Attachments that could not be removed when their record was deleted.",
	})

	// AuthRejectionsTotal counts sessions refused by profile validation.
	AuthRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wayleave_auth_rejections_total",
			Help: "Sessions rejected by profile validation, by reason.",
		},
		[]string{"reason"},
	)

	// FeedSubscribers tracks connected change-feed websockets.
	FeedSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wayleave_feed_subscribers",
		Help: "Connected change-feed subscribers.",
	})
)

var registerOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			TransitionsTotal, TransitionRejectionsTotal, OrphanedAttachmentsTotal,
			AuthRejectionsTotal, FeedSubscribers)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight gauge. Requests are
// labelled with the chi route pattern so ids do not explode cardinality, and
// logged as one JSON line.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := RoutePattern(r)
		status := strconv.Itoa(sw.code)
		elapsed := time.Since(start)
		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		LogRequest(map[string]any{
			"ts":          start.UTC().Format(time.RFC3339Nano),
			"method":      r.Method,
			"route":       route,
			"status":      sw.code,
			"duration_ms": elapsed.Milliseconds(),
		})
	})
}

// RoutePattern returns the matched chi pattern, or "unmatched".
func RoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required by the websocket upgrade on /feed.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}
