// Package telemetry exposes Prometheus metrics for the queue server: HTTP
// request metrics, queue engine metrics and database pool gauges, served at
// /metrics.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "queue"

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Provider owns a metrics registry and every collector the server records.
type Provider struct {
	registry *prometheus.Registry

	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge

	ingestBatches   *prometheus.CounterVec
	ingestEntries   *prometheus.CounterVec
	ingestDuration  *prometheus.HistogramVec
	mergeConflicts  prometheus.Counter
	mutations       *prometheus.CounterVec
	viewsActive     prometheus.Gauge
	viewsRetired    prometheus.Counter
	auditDeliveries *prometheus.CounterVec
	sourcePulls     *prometheus.CounterVec

	dbPoolActive prometheus.Gauge
	dbPoolIdle   prometheus.Gauge
}

// NewProvider creates a Provider on a fresh registry that also carries the
// Go runtime and process collectors.
func NewProvider() *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Provider{
		registry: reg,

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		httpActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),

		ingestBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_batches_total",
			Help:      "Batches folded into the view set, by source.",
		}, []string{"source"}),
		ingestEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_entries_total",
			Help:      "Raw entries ingested, by source and outcome.",
		}, []string{"source", "outcome"}),
		ingestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time to append and fold one batch.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"source"}),
		mergeConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_conflicts_total",
			Help:      "Merges that kept an existing primary over an earlier leg.",
		}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Status mutations, by action and outcome.",
		}, []string{"action", "outcome"}),
		viewsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "views_active",
			Help:      "Canonical views currently held.",
		}),
		viewsRetired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "views_retired_total",
			Help:      "Views retired by rollover or retention.",
		}),
		auditDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_deliveries_total",
			Help:      "Audit webhook deliveries, by outcome.",
		}, []string{"outcome"}),
		sourcePulls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_pulls_total",
			Help:      "Queue source pulls, by source and outcome.",
		}, []string{"source", "outcome"}),

		dbPoolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_active_connections",
			Help:      "Number of acquired database pool connections.",
		}),
		dbPoolIdle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_idle_connections",
			Help:      "Number of idle database pool connections.",
		}),
	}
}

// Registry returns the registry backing the provider.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// IngestObserved records one folded batch.
func (p *Provider) IngestObserved(source string, accepted, rejected, stale, conflicts int, d time.Duration) {
	p.ingestBatches.WithLabelValues(source).Inc()
	p.ingestEntries.WithLabelValues(source, "accepted").Add(float64(accepted))
	p.ingestEntries.WithLabelValues(source, "rejected").Add(float64(rejected))
	p.ingestEntries.WithLabelValues(source, "stale").Add(float64(stale))
	p.ingestDuration.WithLabelValues(source).Observe(d.Seconds())
	p.mergeConflicts.Add(float64(conflicts))
}

func (p *Provider) MutationObserved(action, outcome string) {
	p.mutations.WithLabelValues(action, outcome).Inc()
}

func (p *Provider) ViewsActive(n int) { p.viewsActive.Set(float64(n)) }

func (p *Provider) ViewsRetired(n int) { p.viewsRetired.Add(float64(n)) }

// AuditDelivered counts one audit webhook delivery attempt outcome.
func (p *Provider) AuditDelivered(outcome string) {
	p.auditDeliveries.WithLabelValues(outcome).Inc()
}

// SourcePulled counts one queue source pull.
func (p *Provider) SourcePulled(source string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.sourcePulls.WithLabelValues(source, outcome).Inc()
}

// SetDBPool records database pool connection counts.
func (p *Provider) SetDBPool(active, idle int32) {
	p.dbPoolActive.Set(float64(active))
	p.dbPoolIdle.Set(float64(idle))
}

// MetricsMiddleware records request duration by method, route pattern and
// status, plus the in-flight request count.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.httpActive.Inc()
			defer p.httpActive.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			p.httpDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry}))
}
