// Package metrics exposes the factory's Prometheus collectors. Grounded on
// internal/app/metrics/metrics.go's registry-plus-package-level-collectors
// shape.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "miniapp_factory",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miniapp_factory",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "miniapp_factory",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "miniapp_factory",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Number of deployments not yet started.",
	})

	fleetSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "miniapp_factory",
		Subsystem: "fleet",
		Name:      "worker_count",
		Help:      "Number of workers in the fleet, by setup state.",
	}, []string{"state"})

	dispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "miniapp_factory",
		Subsystem: "dispatch",
		Name:      "assignment_duration_seconds",
		Help:      "Time spent performing one dispatch assignment.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	ledgerDebits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miniapp_factory",
		Subsystem: "ledger",
		Name:      "debits_total",
		Help:      "Total number of ledger debit attempts, by outcome.",
	}, []string{"outcome"})

	nftMints = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miniapp_factory",
		Subsystem: "nft",
		Name:      "mint_attempts_total",
		Help:      "Total number of NFT mint transactions submitted, by outcome.",
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		queueDepth,
		fleetSize,
		dispatchLatency,
		ledgerDebits,
		nftMints,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP request metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// SetQueueDepth records the dispatcher's view of unstarted deployments.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// SetFleetSize records the fleet manager's worker count broken down by
// setup state ("no_coder", "coder_pending", "imagegen_pending", "ready").
func SetFleetSize(state string, n int) { fleetSize.WithLabelValues(state).Set(float64(n)) }

// ObserveDispatchLatency records the time one dispatch tick's assignment
// took.
func ObserveDispatchLatency(d time.Duration) { dispatchLatency.Observe(d.Seconds()) }

// RecordLedgerDebit records one ledger debit attempt's outcome
// ("success", "insufficient_funds", or "error").
func RecordLedgerDebit(outcome string) { ledgerDebits.WithLabelValues(outcome).Inc() }

// RecordNFTMint records one NFT mint transaction's outcome ("success" or
// "failure").
func RecordNFTMint(outcome string) { nftMints.WithLabelValues(outcome).Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters so the requests_total cardinality
// stays bounded regardless of how many distinct project names or
// deployment ids are requested.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "projects":
		if len(parts) == 1 {
			return "/projects"
		}
		return "/projects/:name"
	case "deployments":
		if len(parts) == 1 {
			return "/deployments"
		}
		return "/deployments/:id"
	default:
		return "/" + parts[0]
	}
}
