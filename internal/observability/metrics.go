package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cardledger/cardledger/internal/inventory"
)

// Metrics collects Prometheus metrics for the HTTP surface and the ledger.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	mutations       *prometheus.CounterVec
	conflicts       prometheus.Counter
}

// NewMetrics initialises the registry and the base collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardledger_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cardledger_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardledger_ledger_mutations_total",
		Help: "Committed inventory line mutations by movement kind.",
	}, []string{"kind"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cardledger_ledger_conflicts_total",
		Help: "Ledger transactions retried after losing to a concurrent writer.",
	})
	registry.MustRegister(requests, duration, mutations, conflicts)
	for _, kind := range []inventory.MovementKind{inventory.MovementCredit, inventory.MovementDebit, inventory.MovementAdjust} {
		mutations.WithLabelValues(string(kind))
	}
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		mutations:       mutations,
		conflicts:       conflicts,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// LedgerChanged counts committed mutations; it satisfies inventory.ChangeNotifier.
func (m *Metrics) LedgerChanged(ctx context.Context, change inventory.Change) {
	if m == nil {
		return
	}
	for kind, n := range change.Mutations {
		m.mutations.WithLabelValues(string(kind)).Add(float64(n))
	}
}

// ObserveRetry has the signature of db.TxRunner.OnRetry.
func (m *Metrics) ObserveRetry(attempt int, err error) {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
