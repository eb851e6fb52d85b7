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

// HTTP
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
)

// Domain
var (
	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicore_authz_decisions_total",
			Help: "Authorization decisions by resource and outcome.",
		},
		[]string{"resource", "outcome"},
	)

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicore_login_attempts_total",
			Help: "Authentication attempts by outcome.",
		},
		[]string{"outcome"},
	)

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clinicore_audit_write_failures_total",
		Help: "Audit batches that could not be persisted.",
	})

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clinicore_audit_dropped_total",
		Help: "Audit entries dropped because the write queue was full.",
	})

	grantChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicore_grant_changes_total",
			Help: "Patient access grants issued and revoked.",
		},
		[]string{"change"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clinicore_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authzDecisions, loginAttempts, auditWriteFailures, auditDropped, grantChanges, ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuthzDecision counts one authorization decision.
func ObserveAuthzDecision(resource, outcome string) {
	authzDecisions.WithLabelValues(resource, outcome).Inc()
}

// ObserveLogin counts one authentication attempt.
func ObserveLogin(outcome string) {
	loginAttempts.WithLabelValues(outcome).Inc()
}

// ObserveAuditWriteFailure counts a batch the audit log failed to persist.
func ObserveAuditWriteFailure() { auditWriteFailures.Inc() }

// ObserveAuditDropped counts an entry discarded on a full queue.
func ObserveAuditDropped() { auditDropped.Inc() }

// ObserveGrantChange counts a grant being issued or revoked.
func ObserveGrantChange(change string) {
	grantChanges.WithLabelValues(change).Inc()
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures in-flight requests, totals and latency. pathLabel
// resolves the label used for the path; nil means CanonicalPath.
func Instrument(next http.Handler, pathLabel func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := ""
		if pathLabel != nil {
			path = pathLabel(r)
		}
		if path == "" {
			path = CanonicalPath(r.URL.Path)
		}
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// idSegments is how many identifier segments follow each collection name.
var idSegments = map[string]int{
	"accounts":  1,
	"patients":  1,
	"grants":    1,
	"resources": 2,
}

// CanonicalPath collapses identifiers out of a request path so that metric
// label cardinality stays bounded.
func CanonicalPath(raw string) string {
	path := raw
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i := 0; i < len(parts); i++ {
		n := idSegments[parts[i]]
		for j := 1; j <= n && i+j < len(parts); j++ {
			if j == n {
				parts[i+j] = ":id"
			} else {
				parts[i+j] = ":type"
			}
		}
		i += n
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter records the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
