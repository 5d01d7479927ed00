package observability

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	engineCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raster_engine_call_seconds",
			Help:    "Duration of raster engine invocations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"engine", "op", "outcome"},
	)

	importsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imports_total",
			Help: "Staged files processed by outcome.",
		},
		[]string{"dataset", "outcome"},
	)

	archiveWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_writes_total",
			Help: "Payload files written to the archive.",
		},
		[]string{"dataset", "kind"},
	)

	retentionDeletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retention_deletes_total",
			Help: "Archive files removed by the retention sweep.",
		},
		[]string{"dataset", "outcome"},
	)

	vectorCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vector_cache_results_total",
			Help: "In-memory vector cache lookups by outcome.",
		},
		[]string{"cache", "outcome"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Response cache results by outcome.",
		},
		[]string{"outcome"},
	)

	cacheOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Redis operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "outcome"},
	)

	catalogLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catalog_loaded",
		Help: "1 when a valid data set catalog is loaded.",
	})

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

var collectors = []prometheus.Collector{
	httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
	engineCallSeconds, importsTotal, archiveWritesTotal, retentionDeletesTotal,
	vectorCacheTotal, cacheResults, cacheOpSeconds, catalogLoaded,
}

var registerOnce sync.Map

// app_build_info on a dedicated registry comes from metrics.Provider.
func init() {
	prometheus.MustRegister(buildInfo)
	Register(prometheus.DefaultRegisterer)
}

// Register attaches the service collectors to reg. Registering the same
// registry twice is a no-op.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	if _, loaded := registerOnce.LoadOrStore(reg, struct{}{}); loaded {
		return
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ObserveEngineCall(engine, op string, err error, durationSeconds float64) {
	engineCallSeconds.WithLabelValues(engine, op, outcome(err)).Observe(durationSeconds)
}

// IncImport counts a staged file leaving working/ with outcome
// finished, error or discarded.
func IncImport(dataset, outcome string) {
	importsTotal.WithLabelValues(dataset, outcome).Inc()
}

func IncArchiveWrite(dataset, kind string) {
	archiveWritesTotal.WithLabelValues(dataset, kind).Inc()
}

func IncRetentionDelete(dataset string, err error) {
	retentionDeletesTotal.WithLabelValues(dataset, outcome(err)).Inc()
}

func IncVectorCache(cache string, hit bool) {
	if hit {
		vectorCacheTotal.WithLabelValues(cache, "hit").Inc()
		return
	}
	vectorCacheTotal.WithLabelValues(cache, "miss").Inc()
}

func IncCacheHit()  { cacheResults.WithLabelValues("hit").Inc() }
func IncCacheMiss() { cacheResults.WithLabelValues("miss").Inc() }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	cacheOpSeconds.WithLabelValues(op, outcome(err)).Observe(durationSeconds)
}

func SetCatalogLoaded(ok bool) {
	if ok {
		catalogLoaded.Set(1)
		return
	}
	catalogLoaded.Set(0)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
