// Package uptime provides the process uptime clock shared by the throttling core.
package uptime

import (
	"sync"
	"time"
)

// Clock reports time on the monotonic uptime axis (elapsed since process start).
type Clock interface {
	// Uptime returns the current position on the uptime axis.
	Uptime() time.Duration
	// At places a recent wall-clock instant on the uptime axis by its age
	// relative to now. Instants in the future map to now, so a wall clock step
	// can only shift a result by the age of the instant.
	At(t time.Time) time.Duration
}

type processClock struct {
	start time.Time
}

var (
	processOnce sync.Once
	process     *processClock
)

// Process returns the clock anchored at the first call within the process.
func Process() Clock {
	processOnce.Do(func() {
		process = &processClock{start: time.Now()}
	})
	return process
}

func (c *processClock) Uptime() time.Duration {
	return time.Since(c.start)
}

func (c *processClock) At(t time.Time) time.Duration {
	if t.IsZero() {
		return c.Uptime()
	}
	now := time.Now()
	// Strip the monotonic reading so the age is measured on the wall axis.
	return anchor(c.Uptime(), now.Round(0).Sub(t.Round(0)))
}

func anchor(uptime, age time.Duration) time.Duration {
	if age < 0 {
		age = 0
	}
	return uptime - age
}

// Manual is a clock driven explicitly by its owner. Used by tests and replays.
type Manual struct {
	mu     sync.RWMutex
	now    time.Duration
	origin time.Time
}

// NewManual creates a manual clock positioned at start.
func NewManual(start time.Duration) *Manual {
	return &Manual{now: start, origin: time.Unix(0, 0)}
}

// Uptime implements Clock.
func (m *Manual) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// At measures the age of t against the wall instant of the current position.
func (m *Manual) At(t time.Time) time.Duration {
	now := m.Uptime()
	if t.IsZero() {
		return now
	}
	return anchor(now, m.origin.Add(now).Sub(t))
}

// Wall returns the wall instant of position d.
func (m *Manual) Wall(d time.Duration) time.Time {
	return m.origin.Add(d)
}

// Set moves the clock to the given position.
func (m *Manual) Set(d time.Duration) {
	m.mu.Lock()
	m.now = d
	m.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new position.
func (m *Manual) Advance(d time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += d
	return m.now
}
