package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mcpgate/internal/domain"
)

type PrometheusMetrics struct {
	toolCallDuration   *prometheus.HistogramVec
	connectionCreates  *prometheus.CounterVec
	connectionEvicts   *prometheus.CounterVec
	liveConnections    prometheus.Gauge
	ledgerFailures     prometheus.Counter
	gatewayCacheLookup *prometheus.CounterVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		toolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpgate_tool_call_duration_seconds",
				Help:    "Duration of tool call executions in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"catalog_item", "status"},
		),
		connectionCreates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_connection_creates_total",
				Help: "Total number of connection create attempts",
			},
			[]string{"catalog_item", "status"},
		),
		connectionEvicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_connection_evictions_total",
				Help: "Total number of dead connections evicted from the cache",
			},
			[]string{"catalog_item"},
		),
		liveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcpgate_live_connections",
				Help: "Current number of cached live connections",
			},
		),
		ledgerFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mcpgate_ledger_write_failures_total",
				Help: "Total number of failed ledger writes",
			},
		),
		gatewayCacheLookup: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_gateway_cache_lookups_total",
				Help: "Gateway cache lookups by cache name and outcome",
			},
			[]string{"cache", "outcome"},
		),
	}
}

func (p *PrometheusMetrics) ObserveToolCall(catalogItem string, duration time.Duration, isError bool) {
	status := "success"
	if isError {
		status = "error"
	}
	p.toolCallDuration.WithLabelValues(catalogItem, status).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveConnectionCreate(catalogItem string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.connectionCreates.WithLabelValues(catalogItem, status).Inc()
}

func (p *PrometheusMetrics) ObserveConnectionEvict(catalogItem string) {
	p.connectionEvicts.WithLabelValues(catalogItem).Inc()
}

func (p *PrometheusMetrics) SetLiveConnections(count int) {
	p.liveConnections.Set(float64(count))
}

func (p *PrometheusMetrics) ObserveLedgerFailure() {
	p.ledgerFailures.Inc()
}

func (p *PrometheusMetrics) ObserveGatewayCache(cache string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	p.gatewayCacheLookup.WithLabelValues(cache, outcome).Inc()
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
