package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the prometheus instruments for the control plane. Each
// collector owns its registry, so tests can build as many as they need.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	jobsSubmittedTotal *prometheus.CounterVec
	jobStatusCount     *prometheus.GaugeVec

	dispatchDecisionsTotal *prometheus.CounterVec
	leasesGrantedTotal     prometheus.Counter
	leasesExpiredTotal     prometheus.Counter

	eventsAppendedTotal  *prometheus.CounterVec
	checkpointsTotal     prometheus.Counter
	replaysTotal         *prometheus.CounterVec
	retriesScheduledTotal prometheus.Counter

	interruptsTotal *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a collector under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.jobsSubmittedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of job submissions",
		},
		[]string{"workflow", "idempotent_replay"},
	)
	c.jobStatusCount = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_by_status",
			Help:      "Number of jobs per status",
		},
		[]string{"status"},
	)

	c.dispatchDecisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_decisions_total",
			Help:      "Poll outcomes by decision",
		},
		[]string{"decision"},
	)
	c.leasesGrantedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_granted_total",
			Help:      "Total number of leases granted",
		},
	)
	c.leasesExpiredTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_expired_total",
			Help:      "Total number of leases harvested by the expiry scan",
		},
	)

	c.eventsAppendedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events appended to run logs",
		},
		[]string{"kind"},
	)
	c.checkpointsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_saved_total",
			Help:      "Total number of checkpoints saved",
		},
	)
	c.replaysTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Replay folds by outcome (ok, divergence)",
		},
		[]string{"outcome"},
	)
	c.retriesScheduledTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Follow-up attempts scheduled after retryable failures",
		},
	)

	c.interruptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Interrupt transitions (raised, resolved, rejected, swept)",
		},
		[]string{"action"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)
	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry exposes the underlying registry for promhttp.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobSubmitted records a submission, replayed or fresh.
func (c *Collector) RecordJobSubmitted(workflow string, replay bool) {
	label := "false"
	if replay {
		label = "true"
	}
	c.jobsSubmittedTotal.WithLabelValues(workflow, label).Inc()
}

// SetJobStatusCount syncs one status gauge from store stats.
func (c *Collector) SetJobStatusCount(status string, n int64) {
	c.jobStatusCount.WithLabelValues(status).Set(float64(n))
}

// RecordDispatchDecision records a poll outcome.
func (c *Collector) RecordDispatchDecision(decision string) {
	c.dispatchDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordLeaseGranted counts a granted lease.
func (c *Collector) RecordLeaseGranted() {
	c.leasesGrantedTotal.Inc()
}

// RecordLeasesExpired counts leases harvested by one expiry scan.
func (c *Collector) RecordLeasesExpired(n int) {
	c.leasesExpiredTotal.Add(float64(n))
}

// RecordEventAppended counts one log append by kind.
func (c *Collector) RecordEventAppended(kind string) {
	c.eventsAppendedTotal.WithLabelValues(kind).Inc()
}

// RecordCheckpoint counts one saved checkpoint.
func (c *Collector) RecordCheckpoint() {
	c.checkpointsTotal.Inc()
}

// RecordReplay records a replay fold outcome: "ok" or "divergence".
func (c *Collector) RecordReplay(outcome string) {
	c.replaysTotal.WithLabelValues(outcome).Inc()
}

// RecordRetryScheduled counts one scheduled retry attempt.
func (c *Collector) RecordRetryScheduled() {
	c.retriesScheduledTotal.Inc()
}

// RecordInterrupt counts an interrupt transition.
func (c *Collector) RecordInterrupt(action string) {
	c.interruptsTotal.WithLabelValues(action).Inc()
}

// RecordCacheHit counts a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss counts a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections syncs the connection gauges.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
