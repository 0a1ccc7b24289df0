package metrics

import (
	"encoding/json"
	"math/big"
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects and aggregates metrics for the daemon
type Collector struct {
	// HTTP request counts by route
	requestCounts   map[string]*uint64
	requestCountsMu sync.RWMutex

	// Latencies by route or settlement operation (stored as nanoseconds)
	latencies   map[string]*LatencyHistogram
	latenciesMu sync.RWMutex

	// Settlement operations
	operations map[string]*OperationStats
	opsMu      sync.Mutex

	// Swap proceeds by target asset, in base units
	swapProceeds map[string]*big.Int
	swapCount    uint64
	swapMu       sync.Mutex

	// Committed events by kind
	eventCounts   map[string]*uint64
	eventCountsMu sync.RWMutex

	// Connected websocket clients
	activeConnections int64

	recordCount  int64
	serviceCount int64

	startTime time.Time
}

// OperationStats counts outcomes of one settlement operation.
type OperationStats struct {
	Count    uint64            `json:"count"`
	Failures map[string]uint64 `json:"failures,omitempty"` // by error class
}

// LatencyHistogram tracks request latencies in buckets
type LatencyHistogram struct {
	// Bucket boundaries in milliseconds
	// Buckets: [0-1ms], [1-5ms], [5-10ms], [10-25ms], [25-50ms], [50-100ms], [100-250ms], [250-500ms], [500-1000ms], [1000ms+]
	buckets [10]uint64
	sum     uint64 // Total latency in nanoseconds
	count   uint64 // Total count
	mu      sync.Mutex
}

// bucket boundaries in milliseconds
var bucketBoundaries = []int64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

var bucketLabels = []string{
	"0-1ms", "1-5ms", "5-10ms", "10-25ms", "25-50ms",
	"50-100ms", "100-250ms", "250-500ms", "500-1000ms", "1000ms+",
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		requestCounts: make(map[string]*uint64),
		latencies:     make(map[string]*LatencyHistogram),
		operations:    make(map[string]*OperationStats),
		swapProceeds:  make(map[string]*big.Int),
		eventCounts:   make(map[string]*uint64),
		startTime:     time.Now(),
	}
}

// RecordRequest records an HTTP request for the given route
func (c *Collector) RecordRequest(route string) {
	incr(&c.requestCountsMu, c.requestCounts, route)
}

// RecordLatency records the latency for a route or operation
func (c *Collector) RecordLatency(name string, duration time.Duration) {
	c.latenciesMu.Lock()
	hist, exists := c.latencies[name]
	if !exists {
		hist = &LatencyHistogram{}
		c.latencies[name] = hist
	}
	c.latenciesMu.Unlock()

	hist.Record(duration)
}

// RecordOperation records one settlement operation. class is empty on success.
func (c *Collector) RecordOperation(op string, duration time.Duration, class string) {
	c.opsMu.Lock()
	stats, ok := c.operations[op]
	if !ok {
		stats = &OperationStats{Failures: make(map[string]uint64)}
		c.operations[op] = stats
	}
	stats.Count++
	if class != "" {
		stats.Failures[class]++
	}
	c.opsMu.Unlock()

	c.RecordLatency("op:"+op, duration)
}

// RecordSwap adds swap proceeds for a target asset.
func (c *Collector) RecordSwap(asset string, received *big.Int) {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	c.swapCount++
	total, ok := c.swapProceeds[asset]
	if !ok {
		total = new(big.Int)
		c.swapProceeds[asset] = total
	}
	if received != nil {
		total.Add(total, received)
	}
}

// RecordEvent counts a committed event.
func (c *Collector) RecordEvent(kind string) {
	incr(&c.eventCountsMu, c.eventCounts, kind)
}

func incr(mu *sync.RWMutex, counts map[string]*uint64, key string) {
	mu.RLock()
	counter, exists := counts[key]
	mu.RUnlock()
	if !exists {
		mu.Lock()
		counter, exists = counts[key]
		if !exists {
			var val uint64
			counter = &val
			counts[key] = counter
		}
		mu.Unlock()
	}
	atomic.AddUint64(counter, 1)
}

// Record records a latency value in the histogram
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms := d.Milliseconds()

	bucketIdx := len(bucketBoundaries) // overflow bucket
	for i, boundary := range bucketBoundaries {
		if ms < boundary {
			bucketIdx = i
			break
		}
	}

	h.buckets[bucketIdx]++
	h.sum += uint64(d.Nanoseconds())
	h.count++
}

// IncrementConnections increments the connected websocket client count
func (c *Collector) IncrementConnections() {
	atomic.AddInt64(&c.activeConnections, 1)
}

// DecrementConnections decrements the connected websocket client count
func (c *Collector) DecrementConnections() {
	atomic.AddInt64(&c.activeConnections, -1)
}

// SetRecordCount sets the number of fulfillment records
func (c *Collector) SetRecordCount(count int) {
	atomic.StoreInt64(&c.recordCount, int64(count))
}

// SetServiceCount sets the number of registered services
func (c *Collector) SetServiceCount(count int) {
	atomic.StoreInt64(&c.serviceCount, int64(count))
}

// Metrics represents the current state of all metrics
type Metrics struct {
	Uptime            string                    `json:"uptime"`
	UptimeSeconds     float64                   `json:"uptime_seconds"`
	RequestCounts     map[string]uint64         `json:"request_counts"`
	Latencies         map[string]LatencyStats   `json:"latencies"`
	Operations        map[string]OperationStats `json:"operations"`
	SwapCount         uint64                    `json:"swap_count"`
	SwapProceeds      map[string]string         `json:"swap_proceeds"`
	EventCounts       map[string]uint64         `json:"event_counts"`
	ActiveConnections int64                     `json:"active_connections"`
	RecordCount       int64                     `json:"record_count"`
	ServiceCount      int64                     `json:"service_count"`
	CollectedAt       time.Time                 `json:"collected_at"`
}

// LatencyStats contains latency statistics for a route or operation
type LatencyStats struct {
	Count   uint64            `json:"count"`
	SumMs   float64           `json:"sum_ms"`
	AvgMs   float64           `json:"avg_ms"`
	Buckets map[string]uint64 `json:"buckets"`
}

// GetMetrics returns the current metrics as a Metrics struct
func (c *Collector) GetMetrics() *Metrics {
	uptime := time.Since(c.startTime)

	requestCounts := snapshotCounts(&c.requestCountsMu, c.requestCounts)
	eventCounts := snapshotCounts(&c.eventCountsMu, c.eventCounts)

	latencies := make(map[string]LatencyStats)
	c.latenciesMu.RLock()
	for name, hist := range c.latencies {
		hist.mu.Lock()
		stats := LatencyStats{
			Count:   hist.count,
			SumMs:   float64(hist.sum) / float64(time.Millisecond),
			Buckets: make(map[string]uint64),
		}
		if hist.count > 0 {
			stats.AvgMs = float64(hist.sum) / float64(hist.count) / float64(time.Millisecond)
		}
		for i, count := range hist.buckets {
			if count > 0 {
				stats.Buckets[bucketLabels[i]] = count
			}
		}
		hist.mu.Unlock()
		latencies[name] = stats
	}
	c.latenciesMu.RUnlock()

	operations := make(map[string]OperationStats)
	c.opsMu.Lock()
	for op, stats := range c.operations {
		failures := make(map[string]uint64, len(stats.Failures))
		for class, n := range stats.Failures {
			failures[class] = n
		}
		operations[op] = OperationStats{Count: stats.Count, Failures: failures}
	}
	c.opsMu.Unlock()

	proceeds := make(map[string]string)
	c.swapMu.Lock()
	swapCount := c.swapCount
	for asset, total := range c.swapProceeds {
		proceeds[asset] = total.String()
	}
	c.swapMu.Unlock()

	return &Metrics{
		Uptime:            uptime.Round(time.Second).String(),
		UptimeSeconds:     uptime.Seconds(),
		RequestCounts:     requestCounts,
		Latencies:         latencies,
		Operations:        operations,
		SwapCount:         swapCount,
		SwapProceeds:      proceeds,
		EventCounts:       eventCounts,
		ActiveConnections: atomic.LoadInt64(&c.activeConnections),
		RecordCount:       atomic.LoadInt64(&c.recordCount),
		ServiceCount:      atomic.LoadInt64(&c.serviceCount),
		CollectedAt:       time.Now(),
	}
}

func snapshotCounts(mu *sync.RWMutex, counts map[string]*uint64) map[string]uint64 {
	out := make(map[string]uint64)
	mu.RLock()
	for k, counter := range counts {
		out[k] = atomic.LoadUint64(counter)
	}
	mu.RUnlock()
	return out
}

// GetMetricsJSON returns the current metrics as JSON
func (c *Collector) GetMetricsJSON() ([]byte, error) {
	return json.Marshal(c.GetMetrics())
}

// Reset resets all metrics (useful for testing)
func (c *Collector) Reset() {
	c.requestCountsMu.Lock()
	c.requestCounts = make(map[string]*uint64)
	c.requestCountsMu.Unlock()

	c.latenciesMu.Lock()
	c.latencies = make(map[string]*LatencyHistogram)
	c.latenciesMu.Unlock()

	c.opsMu.Lock()
	c.operations = make(map[string]*OperationStats)
	c.opsMu.Unlock()

	c.swapMu.Lock()
	c.swapProceeds = make(map[string]*big.Int)
	c.swapCount = 0
	c.swapMu.Unlock()

	c.eventCountsMu.Lock()
	c.eventCounts = make(map[string]*uint64)
	c.eventCountsMu.Unlock()

	atomic.StoreInt64(&c.activeConnections, 0)
	atomic.StoreInt64(&c.recordCount, 0)
	atomic.StoreInt64(&c.serviceCount, 0)
	c.startTime = time.Now()
}
