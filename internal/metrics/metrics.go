// Package metrics provides Prometheus metrics for hashdb runs and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hashdb/internal/deduper"
	"hashdb/internal/indexer"
	"hashdb/internal/verifier"
)

// Metrics holds every collector on its own registry, so several instances
// can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	filesScanned  prometheus.Counter
	filesHashed   prometheus.Counter
	filesSkipped  prometheus.Counter
	scanErrors    *prometheus.CounterVec
	scanDuration  prometheus.Histogram
	lastScan      *prometheus.GaugeVec
	verifyResults *prometheus.CounterVec
	dedupeRemoved *prometheus.CounterVec
	dedupeFailed  prometheus.Counter
	dedupeBytes   prometheus.Counter
	storeRecords  prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers the hashdb collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		filesScanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "hashdb_files_scanned_total",
			Help: "Regular files visited by scans",
		}),
		filesHashed: factory.NewCounter(prometheus.CounterOpts{
			Name: "hashdb_files_hashed_total",
			Help: "Files hashed and committed to the store",
		}),
		filesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "hashdb_files_skipped_total",
			Help: "Files skipped because they were unchanged",
		}),
		scanErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hashdb_scan_errors_total",
			Help: "Per-file scan failures by kind",
		}, []string{"kind"}),
		scanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hashdb_scan_duration_seconds",
			Help:    "Wall time of completed scans",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		lastScan: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hashdb_last_scan_timestamp_seconds",
			Help: "Completion time of the last scan per root",
		}, []string{"root"}),
		verifyResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hashdb_verify_results_total",
			Help: "Verification outcomes",
		}, []string{"outcome"}),
		dedupeRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hashdb_dedupe_files_removed_total",
			Help: "Duplicate files disposed of, by mode",
		}, []string{"mode"}),
		dedupeFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "hashdb_dedupe_failures_total",
			Help: "Dedupe actions that failed",
		}),
		dedupeBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "hashdb_dedupe_bytes_reclaimed_total",
			Help: "Bytes reclaimed by dedupe runs",
		}),
		storeRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hashdb_store_records",
			Help: "Records held in the store",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hashdb_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hashdb_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveScan records a finished scan.
func (m *Metrics) ObserveScan(s indexer.Summary) {
	m.filesScanned.Add(float64(s.Scanned))
	m.filesHashed.Add(float64(s.Hashed))
	m.filesSkipped.Add(float64(s.Skipped))
	for kind, n := range s.Diagnostics {
		m.scanErrors.WithLabelValues(string(kind)).Add(float64(n))
	}
	if !s.FinishedAt.IsZero() {
		m.scanDuration.Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
		m.lastScan.WithLabelValues(s.Root).Set(float64(s.FinishedAt.Unix()))
	}
}

// ObserveVerify records the outcomes of a verification run.
func (m *Metrics) ObserveVerify(s verifier.Summary) {
	for outcome, n := range s.Outcomes {
		m.verifyResults.WithLabelValues(string(outcome)).Add(float64(n))
	}
}

// ObserveDedupe records a dedupe run.
func (m *Metrics) ObserveDedupe(s deduper.Summary) {
	m.dedupeRemoved.WithLabelValues(string(s.Mode)).Add(float64(s.Removed))
	m.dedupeFailed.Add(float64(s.Failed))
	if s.Mode != deduper.DryRun {
		m.dedupeBytes.Add(float64(s.Bytes))
	}
}

// SetStoreRecords publishes the current record count.
func (m *Metrics) SetStoreRecords(n int) {
	m.storeRecords.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry to path for the node exporter's textfile
// collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests and their latency. route names the handler so
// label cardinality stays bounded.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
