package vm

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Histogram keeps the most recent latency samples (microseconds) in a ring
type Histogram struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// NewHistogram creates a histogram retaining up to maxSize samples
func NewHistogram(maxSize int) *Histogram {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &Histogram{samples: make([]float64, maxSize)}
}

// Record adds a latency sample, overwriting the oldest one when full
func (h *Histogram) Record(latencyUs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.next] = latencyUs
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
}

// sortedCopy returns the retained samples in ascending order
func (h *Histogram) sortedCopy() []float64 {
	h.mu.Lock()
	n := h.next
	if h.full {
		n = len(h.samples)
	}
	out := make([]float64, n)
	copy(out, h.samples[:n])
	h.mu.Unlock()

	sort.Float64s(out)
	return out
}

// Count returns the number of retained samples
func (h *Histogram) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.samples)
	}
	return h.next
}

// Reset clears all samples
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = 0
	h.full = false
}

// HistogramSnapshot holds summary statistics of a histogram
type HistogramSnapshot struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
	P50   float64
	P95   float64
	P99   float64
}

// Snapshot captures current histogram statistics
func (h *Histogram) Snapshot() HistogramSnapshot {
	s := h.sortedCopy()
	if len(s) == 0 {
		return HistogramSnapshot{}
	}

	sum := 0.0
	for _, v := range s {
		sum += v
	}

	return HistogramSnapshot{
		Count: len(s),
		Min:   s[0],
		Max:   s[len(s)-1],
		Mean:  sum / float64(len(s)),
		P50:   percentile(s, 50),
		P95:   percentile(s, 95),
		P99:   percentile(s, 99),
	}
}

// percentile interpolates the p-th percentile of sorted samples
func percentile(sorted []float64, p float64) float64 {
	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Metrics tracks virtual memory activity
type Metrics struct {
	// Fault Metrics
	pageFaults     atomic.Uint64
	faultsResolved atomic.Uint64
	faultsFailed   atomic.Uint64
	stackGrowths   atomic.Uint64
	processKills   atomic.Uint64

	// Frame Metrics
	framesAllocated atomic.Uint64
	evictions       atomic.Uint64

	// Backing Store Metrics
	swapOuts        atomic.Uint64
	swapIns         atomic.Uint64
	compressedSwaps atomic.Uint64
	fileLoads       atomic.Uint64
	fileWritebacks  atomic.Uint64

	// Latency Histograms (microseconds)
	faultLatency    *Histogram
	evictionLatency *Histogram

	startTime time.Time
	mu        sync.RWMutex
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:       time.Now(),
		faultLatency:    NewHistogram(10000),
		evictionLatency: NewHistogram(10000),
	}
}

// Fault Metrics

func (m *Metrics) RecordPageFault() {
	m.pageFaults.Add(1)
}

func (m *Metrics) RecordFaultResolved(duration time.Duration) {
	m.faultsResolved.Add(1)
	m.faultLatency.Record(float64(duration.Microseconds()))
}

func (m *Metrics) RecordFaultFailed() {
	m.faultsFailed.Add(1)
}

func (m *Metrics) RecordStackGrowth() {
	m.stackGrowths.Add(1)
}

func (m *Metrics) RecordProcessKill() {
	m.processKills.Add(1)
}

// Frame Metrics

func (m *Metrics) RecordFrameAllocation() {
	m.framesAllocated.Add(1)
}

func (m *Metrics) RecordEviction(duration time.Duration) {
	m.evictions.Add(1)
	m.evictionLatency.Record(float64(duration.Microseconds()))
}

// Backing Store Metrics

func (m *Metrics) RecordSwapOut(compressed bool) {
	m.swapOuts.Add(1)
	if compressed {
		m.compressedSwaps.Add(1)
	}
}

func (m *Metrics) RecordSwapIn() {
	m.swapIns.Add(1)
}

func (m *Metrics) RecordFileLoad() {
	m.fileLoads.Add(1)
}

func (m *Metrics) RecordFileWriteback() {
	m.fileWritebacks.Add(1)
}

// Getters

func (m *Metrics) GetPageFaults() uint64 {
	return m.pageFaults.Load()
}

func (m *Metrics) GetFaultsResolved() uint64 {
	return m.faultsResolved.Load()
}

func (m *Metrics) GetFaultsFailed() uint64 {
	return m.faultsFailed.Load()
}

func (m *Metrics) GetStackGrowths() uint64 {
	return m.stackGrowths.Load()
}

func (m *Metrics) GetProcessKills() uint64 {
	return m.processKills.Load()
}

func (m *Metrics) GetFramesAllocated() uint64 {
	return m.framesAllocated.Load()
}

func (m *Metrics) GetEvictions() uint64 {
	return m.evictions.Load()
}

func (m *Metrics) GetSwapOuts() uint64 {
	return m.swapOuts.Load()
}

func (m *Metrics) GetSwapIns() uint64 {
	return m.swapIns.Load()
}

func (m *Metrics) GetCompressedSwaps() uint64 {
	return m.compressedSwaps.Load()
}

func (m *Metrics) GetFileLoads() uint64 {
	return m.fileLoads.Load()
}

func (m *Metrics) GetFileWritebacks() uint64 {
	return m.fileWritebacks.Load()
}

func (m *Metrics) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}

// GetFaultLatency returns a snapshot of resolved fault latency
func (m *Metrics) GetFaultLatency() HistogramSnapshot {
	return m.faultLatency.Snapshot()
}

// GetEvictionLatency returns a snapshot of eviction latency
func (m *Metrics) GetEvictionLatency() HistogramSnapshot {
	return m.evictionLatency.Snapshot()
}

// LogMetrics logs all metrics using structured logging
func (m *Metrics) LogMetrics(logger *slog.Logger) {
	fault := m.GetFaultLatency()
	evict := m.GetEvictionLatency()

	logger.Info("VM Metrics",
		slog.Group("faults",
			slog.Uint64("total", m.GetPageFaults()),
			slog.Uint64("resolved", m.GetFaultsResolved()),
			slog.Uint64("failed", m.GetFaultsFailed()),
			slog.Uint64("stack_growths", m.GetStackGrowths()),
			slog.Uint64("process_kills", m.GetProcessKills()),
		),
		slog.Group("frames",
			slog.Uint64("allocated", m.GetFramesAllocated()),
			slog.Uint64("evictions", m.GetEvictions()),
		),
		slog.Group("backing",
			slog.Uint64("swap_outs", m.GetSwapOuts()),
			slog.Uint64("swap_ins", m.GetSwapIns()),
			slog.Uint64("compressed_swaps", m.GetCompressedSwaps()),
			slog.Uint64("file_loads", m.GetFileLoads()),
			slog.Uint64("file_writebacks", m.GetFileWritebacks()),
		),
		slog.Group("latency_us",
			slog.Group("fault",
				slog.Int("count", fault.Count),
				slog.Float64("mean", fault.Mean),
				slog.Float64("p95", fault.P95),
				slog.Float64("p99", fault.P99),
			),
			slog.Group("eviction",
				slog.Int("count", evict.Count),
				slog.Float64("mean", evict.Mean),
				slog.Float64("p99", evict.P99),
			),
		),
		slog.Duration("uptime", m.GetUptime()),
	)
}

// Reset resets all metrics (useful for testing)
func (m *Metrics) Reset() {
	m.pageFaults.Store(0)
	m.faultsResolved.Store(0)
	m.faultsFailed.Store(0)
	m.stackGrowths.Store(0)
	m.processKills.Store(0)
	m.framesAllocated.Store(0)
	m.evictions.Store(0)
	m.swapOuts.Store(0)
	m.swapIns.Store(0)
	m.compressedSwaps.Store(0)
	m.fileLoads.Store(0)
	m.fileWritebacks.Store(0)

	m.faultLatency.Reset()
	m.evictionLatency.Reset()

	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
}
