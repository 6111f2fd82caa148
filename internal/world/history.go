package world

import (
	"sync"
	"time"

	"github.com/skobkin/perfsaver/internal/tickrate"
)

// DefaultPeriods are the windows the tick history advertises, shortest first.
var DefaultPeriods = []time.Duration{time.Second, 10 * time.Second, time.Minute}

// TickHistory is a fixed-capacity ring of (timestamp, tick length) samples.
type TickHistory struct {
	periods []time.Duration

	mu      sync.RWMutex
	stamps  []int64
	lengths []int64
	head    int
	size    int
}

// NewTickHistory creates a history retaining up to capacity samples.
func NewTickHistory(capacity int, periods ...time.Duration) *TickHistory {
	if capacity <= 0 {
		capacity = 1
	}
	if len(periods) == 0 {
		periods = DefaultPeriods
	}
	return &TickHistory{
		periods: append([]time.Duration(nil), periods...),
		stamps:  make([]int64, capacity),
		lengths: make([]int64, capacity),
	}
}

// Record appends a sample. at is the uptime at tick completion.
func (h *TickHistory) Record(at, length time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	capacity := len(h.stamps)
	idx := (h.head + h.size) % capacity
	if h.size == capacity {
		h.head = (h.head + 1) % capacity
	} else {
		h.size++
	}
	h.stamps[idx] = int64(at)
	h.lengths[idx] = int64(length)
}

// Len returns the number of retained samples.
func (h *TickHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Metric snapshots the samples of the longest period, measured back from the
// newest sample, oldest first.
func (h *TickHistory) Metric() tickrate.Metric {
	periods := make([]int64, len(h.periods))
	for i, p := range h.periods {
		periods[i] = int64(p)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	m := tickrate.Metric{PeriodsNanos: periods}
	if h.size == 0 {
		return m
	}

	capacity := len(h.stamps)
	newest := h.stamps[(h.head+h.size-1)%capacity]
	cutoff := newest - int64(h.periods[len(h.periods)-1])

	first := 0
	for first < h.size && h.stamps[(h.head+first)%capacity] <= cutoff {
		first++
	}
	n := h.size - first
	m.Timestamps = make([]int64, n)
	m.Values = make([]int64, n)
	for i := 0; i < n; i++ {
		idx := (h.head + first + i) % capacity
		m.Timestamps[i] = h.stamps[idx]
		m.Values[i] = h.lengths[idx]
	}
	return m
}

// RecentRate counts samples in (now-window, now] per second of window.
func (h *TickHistory) RecentRate(now, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	capacity := len(h.stamps)
	cutoff := int64(now - window)
	count := 0
	for i := h.size - 1; i >= 0; i-- {
		ts := h.stamps[(h.head+i)%capacity]
		if ts <= cutoff {
			break
		}
		if ts <= int64(now) {
			count++
		}
	}
	return float64(count) / window.Seconds()
}

// MeanLength averages the tick length of the samples in (now-window, now].
func (h *TickHistory) MeanLength(now, window time.Duration) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	capacity := len(h.stamps)
	cutoff := int64(now - window)
	var total, count int64
	for i := h.size - 1; i >= 0; i-- {
		idx := (h.head + i) % capacity
		if h.stamps[idx] <= cutoff {
			break
		}
		total += h.lengths[idx]
		count++
	}
	if count == 0 {
		return 0
	}
	return time.Duration(total / count)
}
