// Package tickrate turns a host's historic tick-length metric into a smoothed
// ticks-per-second estimate, one cursor per monitored group.
package tickrate

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/skobkin/perfsaver/internal/uptime"
)

// Unknown is returned while a group has no samples at all.
const Unknown = -1.0

const noSample = math.MinInt64

// Hosts that do not report a tick step are assumed to run at 30 TPS.
const defaultTickStep = time.Second / 30

// Metric is one poll's view of a historic tick metric: the configured
// periods and the per-sample timestamps and tick lengths (nanoseconds) of the
// most recent window.
type Metric struct {
	PeriodsNanos []int64
	Timestamps   []int64
	Values       []int64
}

// FallbackRater reports the host's own instantaneous rate for a group.
type FallbackRater interface {
	ReportedRate(group string) float64
}

// FallbackFunc adapts a function to FallbackRater.
type FallbackFunc func(group string) float64

// ReportedRate implements FallbackRater.
func (fn FallbackFunc) ReportedRate(group string) float64 {
	return fn(group)
}

type groupState struct {
	mu            sync.Mutex
	lastProcessed int64
	lastPoll      time.Duration
	lastRate      float64
	polled        bool
}

// Estimator keeps per-group cursors so overlapping windows are counted once.
// Calls for different groups are independent; calls for the same group are
// serialised.
type Estimator struct {
	clock    uptime.Clock
	fallback FallbackRater

	mu     sync.RWMutex
	groups map[string]*groupState
}

// NewEstimator builds an Estimator. fallback may be nil, in which case groups
// without history report Unknown.
func NewEstimator(clock uptime.Clock, fallback FallbackRater) *Estimator {
	if clock == nil {
		clock = uptime.Process()
	}
	return &Estimator{
		clock:    clock,
		fallback: fallback,
		groups:   make(map[string]*groupState),
	}
}

func (e *Estimator) state(group string) *groupState {
	e.mu.RLock()
	st, ok := e.groups[group]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.groups[group]; ok {
		return st
	}
	st = &groupState{
		lastProcessed: noSample,
		lastPoll:      e.clock.Uptime(),
	}
	e.groups[group] = st
	return st
}

// Estimate returns the tick rate for group since its previous poll, Unknown
// when the metric holds no samples, or 0 when no new tick completed.
func (e *Estimator) Estimate(group string, m Metric, nominal time.Duration) float64 {
	if len(m.PeriodsNanos) == 0 {
		return Unknown
	}
	sampleLen := min(len(m.Timestamps), len(m.Values))
	if sampleLen == 0 {
		return Unknown
	}

	if nominal <= 0 {
		nominal = defaultTickStep
	}

	st := e.state(group)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := e.clock.Uptime()
	elapsed := now - st.lastPoll
	if elapsed <= 0 {
		elapsed = nominal
	}
	st.lastPoll = now

	newest := st.lastProcessed
	ticks := 0
	for i := sampleLen - 1; i >= 0; i-- {
		ts := m.Timestamps[i]
		if ts <= st.lastProcessed {
			break
		}
		if v := m.Values[i]; v <= 0 || v == math.MaxInt64 {
			continue
		}
		ticks++
		if ts > newest {
			newest = ts
		}
	}

	var rate float64
	switch {
	case ticks > 0:
		st.lastProcessed = newest
		rate = float64(ticks) / math.Max(elapsed.Seconds(), nominal.Seconds())
	case st.lastProcessed == noSample:
		rate = Unknown
		if e.fallback != nil {
			rate = e.fallback.ReportedRate(group)
		}
	default:
		rate = 0
	}

	st.lastRate = rate
	st.polled = true
	return rate
}

// LastReported returns the most recent estimate for group.
func (e *Estimator) LastReported(group string) (float64, bool) {
	e.mu.RLock()
	st, ok := e.groups[group]
	e.mu.RUnlock()
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastRate, st.polled
}

// Groups lists the groups polled so far, sorted by name.
func (e *Estimator) Groups() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.groups))
	for name := range e.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
