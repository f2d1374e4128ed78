package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by the stage that produced them.",
		},
		[]string{"stage", "outcome"},
	)

	tokenOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_operations_total",
			Help: "Login, refresh, logout and revoke operations.",
		},
		[]string{"op", "outcome"},
	)

	versionConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "version_conflicts_total",
			Help: "Rejected stale writes per entity kind.",
		},
		[]string{"kind"},
	)

	initOnce sync.Once
)

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authzDecisions, tokenOperations, versionConflicts,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts one pipeline decision.
func ObserveDecision(stage, outcome string) {
	authzDecisions.WithLabelValues(stage, outcome).Inc()
}

// ObserveToken counts one token operation; outcome is "ok" or an error kind.
func ObserveToken(op, outcome string) {
	tokenOperations.WithLabelValues(op, outcome).Inc()
}

func ObserveConflict(kind string) {
	versionConflicts.WithLabelValues(kind).Inc()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		return raw
	}
	switch parts[1] {
	case "entities":
		// /v1/entities/{kind}/{id}
		if len(parts) == 4 {
			parts[3] = ":id"
		}
	case "tenants":
		// /v1/tenants/{tenant}/...
		if len(parts) >= 3 {
			parts[2] = ":tenant"
		}
		if len(parts) == 5 && parts[3] == "features" {
			parts[4] = ":feature"
		}
		if len(parts) >= 5 && (parts[3] == "principals" || parts[3] == "roles") {
			parts[4] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
