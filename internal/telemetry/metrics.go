package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ResolverBlocks counts resolved block references by outcome:
	// rendered, suppressed, no_mapping, no_origin, no_block.
	ResolverBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_blocks_total",
			Help: "Block references handled by the content resolver, by outcome",
		},
		[]string{"outcome"},
	)
	// MappingCache counts mapping reads by result: hit or miss.
	MappingCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapping_cache_requests_total",
			Help: "Mapping cache lookups, by result",
		},
		[]string{"result"},
	)
	RulesSnapshotSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rules_snapshot_size",
		Help: "Number of rules currently in the in-memory snapshot",
	})

	initOnce sync.Once
)

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpReqs, httpDur, ResolverBlocks, MappingCache, RulesSnapshotSize)
	})
}

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		// the route pattern is only complete once routing finished
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		httpReqs.WithLabelValues(route, r.Method, http.StatusText(ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
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

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
