package pdp

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricsSink collects counters and timers emitted by the engine. The
// read side backs the effectiveness report; sinks that only forward to
// an external system may return zeros there.
type MetricsSink interface {
	IncrCounter(name string, delta float64, tags map[string]string)
	RecordTimer(name string, d time.Duration, tags map[string]string)
	CounterValue(name string, tags map[string]string) float64
	TimerStats(name string, tags map[string]string) (count int64, avg time.Duration)
}

// NullMetrics discards all measurements.
type NullMetrics struct{}

func (NullMetrics) IncrCounter(name string, delta float64, tags map[string]string) {}
func (NullMetrics) RecordTimer(name string, d time.Duration, tags map[string]string) {}
func (NullMetrics) CounterValue(name string, tags map[string]string) float64 { return 0 }
func (NullMetrics) TimerStats(name string, tags map[string]string) (int64, time.Duration) {
	return 0, 0
}

type timerAgg struct {
	count int64
	total time.Duration
}

// MemoryMetrics aggregates in process. Series identity is the metric
// name plus its sorted tag set.
type MemoryMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
	timers   map[string]timerAgg
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters: make(map[string]float64),
		timers:   make(map[string]timerAgg),
	}
}

func (m *MemoryMetrics) IncrCounter(name string, delta float64, tags map[string]string) {
	k := seriesKey(name, tags)
	m.mu.Lock()
	m.counters[k] += delta
	m.mu.Unlock()
}

func (m *MemoryMetrics) RecordTimer(name string, d time.Duration, tags map[string]string) {
	k := seriesKey(name, tags)
	m.mu.Lock()
	agg := m.timers[k]
	agg.count++
	agg.total += d
	m.timers[k] = agg
	m.mu.Unlock()
}

func (m *MemoryMetrics) CounterValue(name string, tags map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, tags)]
}

func (m *MemoryMetrics) TimerStats(name string, tags map[string]string) (int64, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg := m.timers[seriesKey(name, tags)]
	if agg.count == 0 {
		return 0, 0
	}
	return agg.count, agg.total / time.Duration(agg.count)
}

func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	parts := make([]string, 0, len(tags))
	for k, v := range tags {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return name + "|" + strings.Join(parts, ",")
}
