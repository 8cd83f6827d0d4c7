// Package metrics holds the prometheus collectors for payments and signing.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aether"

var (
	// Registry holds the application collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	invoicesIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "facilitator",
			Name:      "invoices_issued_total",
			Help:      "Total number of payment invoices issued.",
		},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "facilitator",
			Name:      "settlements_total",
			Help:      "Settlement verifications by result.",
		},
		[]string{"result"},
	)

	confirmationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "confirmation_seconds",
			Help:      "Time spent waiting for ledger confirmation.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	signatures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delegation",
			Name:      "signatures_total",
			Help:      "Delegated signatures by result.",
		},
		[]string{"result"},
	)

	sweptInvoices = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "facilitator",
			Name:      "invoices_swept_total",
			Help:      "Expired invoices purged by the sweeper.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		invoicesIssued,
		settlements,
		confirmationLatency,
		signatures,
		sweptInvoices,
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordInvoiceIssued counts a new invoice.
func RecordInvoiceIssued() {
	invoicesIssued.Inc()
}

// RecordSettlement counts a verification outcome ("settled", "replayed", ...).
func RecordSettlement(result string) {
	if result == "" {
		result = "unknown"
	}
	settlements.WithLabelValues(result).Inc()
}

// RecordConfirmation observes a ledger confirmation wait.
func RecordConfirmation(d time.Duration) {
	confirmationLatency.Observe(d.Seconds())
}

// RecordSignature counts a delegated signing outcome.
func RecordSignature(result string) {
	signatures.WithLabelValues(result).Inc()
}

// RecordSwept counts invoices purged by a sweep.
func RecordSwept(n int) {
	if n > 0 {
		sweptInvoices.Add(float64(n))
	}
}

// InstrumentHandler wraps next with request counting.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(strings.ToUpper(r.Method), canonicalPath(r.URL.Path), strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	// Invoice and session ids would blow up label cardinality.
	for i, p := range parts {
		if len(p) >= 20 {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
