package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gustycube/osintd/internal/health"
)

var (
	ItemsCollected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "osintd_items_collected_total", Help: "items returned by collectors"}, []string{"source"})
	ItemsDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "osintd_items_discarded_total", Help: "items dropped before processing"}, []string{"source", "reason"})
	ItemsUpdated   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "osintd_items_superseded_total", Help: "updated upstream entries recorded as superseding items"}, []string{"source"})
	Dedup          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "osintd_dedup_total", Help: "dedup gate verdicts"}, []string{"verdict"})
	ItemsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "osintd_items_processed_total", Help: "items reaching a terminal state"}, []string{"status"})
	Entities       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "osintd_entities_total", Help: "entities extracted"}, []string{"type"})
	Enrichment     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "osintd_enrichment_total", Help: "enrichment lookups"}, []string{"provider", "result"})
	Notifications  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "osintd_notifications_total", Help: "notification deliveries"}, []string{"sink", "result"})
	SourceErrors   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "osintd_source_errors_total", Help: "source level collection failures"}, []string{"source"})
	RobotsBlocks   = prometheus.NewCounter(prometheus.CounterOpts{Name: "osintd_robots_blocked_total", Help: "robots.txt blocks"})
	BreakerState   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "osintd_breaker_state", Help: "circuit breaker state per host (0 closed, 1 half-open, 2 open)"}, []string{"host"})

	CollectDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "osintd_collect_duration_seconds",
		Help:    "time spent collecting one source",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})
	ProcessDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "osintd_process_duration_seconds",
		Help:    "time spent processing one item",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(ItemsCollected, ItemsDiscarded, ItemsUpdated, Dedup, ItemsProcessed, Entities,
		Enrichment, Notifications, SourceErrors, RobotsBlocks, BreakerState,
		CollectDuration, ProcessDuration)
}

// Mount registers /metrics and the health endpoints on mux.
func Mount(mux interface{ Handle(string, http.Handler) }, healthHandler *health.Handler) {
	mux.Handle("/metrics", promhttp.Handler())
	if healthHandler != nil {
		mux.Handle("/health", http.HandlerFunc(healthHandler.HealthHandler))
		mux.Handle("/ready", http.HandlerFunc(healthHandler.ReadinessHandler))
		mux.Handle("/live", http.HandlerFunc(healthHandler.LivenessHandler))
	}
}

// ServeWithHealth serves metrics and health endpoints until the listener fails.
func ServeWithHealth(addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	Mount(mux, healthHandler)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
