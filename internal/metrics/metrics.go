package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actiongate",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by method, path, and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "actiongate",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	PreparesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actiongate",
		Name:      "prepares_total",
		Help:      "Total prepared plans by policy decision.",
	}, []string{"decision"})

	RiskScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "actiongate",
		Name:      "risk_score",
		Help:      "Risk score of prepared plans.",
		Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actiongate",
		Name:      "commits_total",
		Help:      "Total commit attempts by outcome (status or error code).",
	}, []string{"outcome"})

	StepTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actiongate",
		Name:      "step_transitions_total",
		Help:      "Total execution log transitions by step state.",
	}, []string{"state"})

	StepReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "actiongate",
		Name:      "step_replays_total",
		Help:      "Steps skipped because their idempotency key already succeeded.",
	})

	ApprovalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actiongate",
		Name:      "approvals_total",
		Help:      "Total approvals by transition (issued, approved, rejected).",
	}, []string{"status"})

	JanitorSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actiongate",
		Name:      "janitor_swept_total",
		Help:      "Records expired by the janitor by kind.",
	}, []string{"kind"})
)

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware counts and times every request by method, route and status.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := Route(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// routes are the gateway's path templates. Ids never become label values.
var routes = []struct {
	prefix   string
	template string
}{
	{"/v1/explain/", "/v1/explain/{id}"},
	{"/v1/plans/", "/v1/plans/{id}"},
}

var staticRoutes = map[string]bool{
	"/healthz":    true,
	"/readyz":     true,
	"/metrics":    true,
	"/v1/prepare": true,
	"/v1/approve": true,
	"/v1/commit":  true,
	"/v1/plans":   true,
}

// Route maps a request path onto its route template; unknown paths share
// the "other" label.
func Route(p string) string {
	if staticRoutes[p] {
		return p
	}
	for _, r := range routes {
		if strings.HasPrefix(p, r.prefix) && len(p) > len(r.prefix) {
			return r.template
		}
	}
	return "other"
}
