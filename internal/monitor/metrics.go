package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall pipeline performance.
type SystemMetrics struct {
	// Latency histograms
	DecisionLatency *LatencyHistogram
	FlushLatency    *LatencyHistogram
	RequestLatency  *LatencyHistogram

	// Counters
	decisions      uint64
	approvals      uint64
	rejections     uint64
	orderOutcomes  uint64
	errorsCount    uint64
	requestsServed uint64
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		DecisionLatency: NewLatencyHistogram(1000),
		FlushLatency:    NewLatencyHistogram(1000),
		RequestLatency:  NewLatencyHistogram(1000),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// RecordDecision counts one emitted decision.
func (m *SystemMetrics) RecordDecision(approved bool, elapsed time.Duration) {
	atomic.AddUint64(&m.decisions, 1)
	if approved {
		atomic.AddUint64(&m.approvals, 1)
	} else {
		atomic.AddUint64(&m.rejections, 1)
	}
	m.DecisionLatency.RecordDuration(elapsed)
}

// IncrementOrderOutcomes counts one recorded order outcome.
func (m *SystemMetrics) IncrementOrderOutcomes() {
	atomic.AddUint64(&m.orderOutcomes, 1)
}

// IncrementErrors increments error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// IncrementRequests counts one served API request.
func (m *SystemMetrics) IncrementRequests() {
	atomic.AddUint64(&m.requestsServed, 1)
}

// MetricsSnapshot is a point-in-time view of SystemMetrics.
type MetricsSnapshot struct {
	DecisionLatency LatencyStats `json:"decision_latency"`
	FlushLatency    LatencyStats `json:"flush_latency"`
	RequestLatency  LatencyStats `json:"request_latency"`
	Decisions       uint64       `json:"decisions"`
	Approvals       uint64       `json:"approvals"`
	Rejections      uint64       `json:"rejections"`
	OrderOutcomes   uint64       `json:"order_outcomes"`
	ErrorsCount     uint64       `json:"errors_count"`
	RequestsServed  uint64       `json:"requests_served"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	HeapSys         uint64       `json:"heap_sys_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		DecisionLatency: m.DecisionLatency.Stats(),
		FlushLatency:    m.FlushLatency.Stats(),
		RequestLatency:  m.RequestLatency.Stats(),
		Decisions:       atomic.LoadUint64(&m.decisions),
		Approvals:       atomic.LoadUint64(&m.approvals),
		Rejections:      atomic.LoadUint64(&m.rejections),
		OrderOutcomes:   atomic.LoadUint64(&m.orderOutcomes),
		ErrorsCount:     atomic.LoadUint64(&m.errorsCount),
		RequestsServed:  atomic.LoadUint64(&m.requestsServed),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		HeapSys:         memStats.HeapSys,
		Timestamp:       time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
