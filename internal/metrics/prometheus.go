package metrics

import (
	"math/big"
	"net/http"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/escrowd/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrowd"

// PrometheusCollector wraps the existing Collector and mirrors its metrics
// into Prometheus format. Both the JSON output and the Prometheus exposition
// format are supported simultaneously.
//
// It observes the settlement engine (ObserveOperation, ObserveSwap) and
// receives committed events (Publish).
type PrometheusCollector struct {
	collector *Collector
	registry  *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	operations        *prometheus.CounterVec
	operationFailures *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	swapProceeds      *prometheus.CounterVec
	eventsTotal       *prometheus.CounterVec

	activeConnections prometheus.Gauge
	recordCount       prometheus.Gauge
	serviceCount      prometheus.Gauge
	goroutineCount    prometheus.Gauge
	uptimeSeconds     prometheus.Gauge

	startTime time.Time
}

// NewPrometheusCollector creates a PrometheusCollector that wraps an existing
// Collector. Prometheus metrics are registered in a dedicated registry so they
// do not interfere with the default global registry.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	reg := prometheus.NewRegistry()

	p := &PrometheusCollector{
		collector: c,
		registry:  reg,
		startTime: time.Now(),

		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests by route.",
		}, []string{"route"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency histogram by route.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"route"}),

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Settlement operations by name.",
		}, []string{"op"}),
		operationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failures_total",
			Help:      "Failed settlement operations by name and error class.",
		}, []string{"op", "class"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Settlement operation latency by name.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"op"}),
		swapProceeds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_proceeds_total",
			Help:      "Swap proceeds credited back to pools, in base units of the target asset.",
		}, []string{"asset"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed settlement events by kind.",
		}, []string{"kind"}),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Number of connected event stream clients.",
		}),
		recordCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Number of fulfillment records.",
		}),
		serviceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services",
			Help:      "Number of registered services.",
		}),
		goroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutine_count",
			Help:      "Number of goroutines.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started in seconds.",
		}),
	}

	reg.MustRegister(
		p.requestCount,
		p.requestDuration,
		p.operations,
		p.operationFailures,
		p.operationDuration,
		p.swapProceeds,
		p.eventsTotal,
		p.activeConnections,
		p.recordCount,
		p.serviceCount,
		p.goroutineCount,
		p.uptimeSeconds,
	)
	return p
}

// Registry returns the Prometheus registry used by this collector.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// RecordRequest records an API request in both collectors.
func (p *PrometheusCollector) RecordRequest(route string) {
	p.collector.RecordRequest(route)
	p.requestCount.WithLabelValues(route).Inc()
}

// RecordLatency records API latency in both collectors.
func (p *PrometheusCollector) RecordLatency(route string, duration time.Duration) {
	p.collector.RecordLatency(route, duration)
	p.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveOperation records a completed settlement operation. class is empty
// on success.
func (p *PrometheusCollector) ObserveOperation(op string, duration time.Duration, class string) {
	p.collector.RecordOperation(op, duration, class)
	p.operations.WithLabelValues(op).Inc()
	p.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
	if class != "" {
		p.operationFailures.WithLabelValues(op, class).Inc()
	}
}

// ObserveSwap records swap proceeds credited in toAsset.
func (p *PrometheusCollector) ObserveSwap(toAsset common.Address, received *big.Int) {
	label := assetLabel(toAsset)
	p.collector.RecordSwap(label, received)
	if received != nil && received.Sign() > 0 {
		f, _ := new(big.Float).SetInt(received).Float64()
		p.swapProceeds.WithLabelValues(label).Add(f)
	}
}

// Publish counts a committed event.
func (p *PrometheusCollector) Publish(e types.Event) {
	p.collector.RecordEvent(string(e.Kind))
	p.eventsTotal.WithLabelValues(string(e.Kind)).Inc()
}

// IncrementConnections increments connections in both collectors.
func (p *PrometheusCollector) IncrementConnections() {
	p.collector.IncrementConnections()
	p.activeConnections.Inc()
}

// DecrementConnections decrements connections in both collectors.
func (p *PrometheusCollector) DecrementConnections() {
	p.collector.DecrementConnections()
	p.activeConnections.Dec()
}

// SetRecordCount sets the record count in both collectors.
func (p *PrometheusCollector) SetRecordCount(count int) {
	p.collector.SetRecordCount(count)
	p.recordCount.Set(float64(count))
}

// SetServiceCount sets the service count in both collectors.
func (p *PrometheusCollector) SetServiceCount(count int) {
	p.collector.SetServiceCount(count)
	p.serviceCount.Set(float64(count))
}

// Sync synchronizes the Prometheus gauges with the current state of the
// underlying Collector. Counters are updated as they are recorded.
func (p *PrometheusCollector) Sync() {
	m := p.collector.GetMetrics()

	p.activeConnections.Set(float64(m.ActiveConnections))
	p.recordCount.Set(float64(m.RecordCount))
	p.serviceCount.Set(float64(m.ServiceCount))
	p.goroutineCount.Set(float64(runtime.NumGoroutine()))
	p.uptimeSeconds.Set(m.UptimeSeconds)
}

// GetMetrics returns the JSON metrics from the underlying Collector.
func (p *PrometheusCollector) GetMetrics() *Metrics {
	return p.collector.GetMetrics()
}

// GetMetricsJSON returns JSON-encoded metrics from the underlying Collector.
func (p *PrometheusCollector) GetMetricsJSON() ([]byte, error) {
	return p.collector.GetMetricsJSON()
}

// Collector returns the underlying custom Collector.
func (p *PrometheusCollector) Collector() *Collector {
	return p.collector
}

// PrometheusHandler returns an http.Handler that serves metrics in the
// Prometheus text exposition format. The handler synchronizes gauge values
// from the underlying Collector before each scrape.
func (p *PrometheusCollector) PrometheusHandler() http.Handler {
	inner := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Sync()
		inner.ServeHTTP(w, r)
	})
}

func assetLabel(asset common.Address) string {
	if types.IsNative(asset) {
		return "native"
	}
	return asset.Hex()
}
