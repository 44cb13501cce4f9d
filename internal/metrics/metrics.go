package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records TTL cache validity checks.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records TTL cache writes.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationSweep records expiry sweeps.
	CacheOperationSweep CacheOperation = "sweep"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates a fresh, well-formed entry was found.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates the entry was absent, stale, or corrupt.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the storage medium failed the read.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the write was dropped.
	CacheStoreError CacheStoreOutcome = "error"
)

// OracleOutcome classifies a single request to the remote scoring service.
type OracleOutcome string

const (
	OracleOK          OracleOutcome = "ok"
	OracleRateLimited OracleOutcome = "rate_limited"
	OracleStatus      OracleOutcome = "status"
	OracleTransport   OracleOutcome = "transport"
	OracleMalformed   OracleOutcome = "malformed"
)

// Recorder publishes Prometheus metrics for resolve activity. A nil Recorder
// is valid and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	resolveRequests *prometheus.CounterVec
	resolveLatency  *prometheus.HistogramVec

	oracleRequests *prometheus.CounterVec
	oracleLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	cacheSwept      prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	resolveRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carbonbadge",
		Subsystem: "resolve",
		Name:      "requests_total",
		Help:      "Total subject resolutions completed by the pipeline.",
	}, []string{"mode", "source", "from_cache"})

	resolveLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "carbonbadge",
		Subsystem: "resolve",
		Name:      "duration_seconds",
		Help:      "Latency distribution for completed resolutions, including backoff waits.",
		Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60},
	}, []string{"mode", "source"})

	oracleRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carbonbadge",
		Subsystem: "oracle",
		Name:      "requests_total",
		Help:      "Requests issued to the remote scoring service by outcome.",
	}, []string{"result"})

	oracleLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "carbonbadge",
		Subsystem: "oracle",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for remote scoring requests.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"result"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carbonbadge",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "TTL cache operations executed by the pipeline.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "carbonbadge",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for TTL cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	cacheSwept := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "carbonbadge",
		Subsystem: "cache",
		Name:      "swept_entries_total",
		Help:      "Entries evicted by expiry sweeps, stale or corrupt.",
	})

	reg.MustRegister(resolveRequests, resolveLatency, oracleRequests, oracleLatency, cacheOperations, cacheLatency, cacheSwept)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		resolveRequests: resolveRequests,
		resolveLatency:  resolveLatency,
		oracleRequests:  oracleRequests,
		oracleLatency:   oracleLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		cacheSwept:      cacheSwept,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveResolve records a completed resolution.
func (r *Recorder) ObserveResolve(mode, source string, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	modeLabel := normalizeLabel(mode)
	sourceLabel := normalizeLabel(source)
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.resolveRequests.WithLabelValues(modeLabel, sourceLabel, cacheLabel).Inc()
	r.resolveLatency.WithLabelValues(modeLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveOracle records one request to the remote scoring service.
func (r *Recorder) ObserveOracle(result OracleOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(string(result))
	r.oracleRequests.WithLabelValues(label).Inc()
	r.oracleLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(CacheOperationStore, resultLabel, duration)
}

// ObserveCacheSweep records a sweep and the number of entries it evicted.
func (r *Recorder) ObserveCacheSweep(evicted int, duration time.Duration) {
	if r == nil {
		return
	}
	r.observeCache(CacheOperationSweep, "completed", duration)
	if evicted > 0 {
		r.cacheSwept.Add(float64(evicted))
	}
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
