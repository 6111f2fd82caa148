// Package gcwatch records a rolling history of completed garbage collections.
package gcwatch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/perfsaver/internal/uptime"
)

const (
	defaultCapacity  = 256
	defaultRetention = 2 * time.Minute
)

// Run is one completed collection: when it finished on the uptime axis and how
// much heap stayed live afterwards.
type Run struct {
	Time       time.Duration
	BytesAfter uint64
}

// Options tune history retention.
type Options struct {
	// Capacity caps the number of retained runs.
	Capacity int
	// Retention drops runs older than the newest run minus this window.
	Retention time.Duration
}

// Observer subscribes to a Source and keeps a bounded, chronological history.
type Observer struct {
	source    Source
	clock     uptime.Clock
	logger    *slog.Logger
	retention time.Duration

	lifecycle sync.Mutex
	cancel    func()

	mu   sync.RWMutex
	ring []Run
	head int
	size int
	last time.Duration

	total atomic.Uint64
}

// NewObserver builds an Observer. Zero options fall back to defaults.
func NewObserver(source Source, clock uptime.Clock, opts Options, logger *slog.Logger) *Observer {
	if clock == nil {
		clock = uptime.Process()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Observer{
		source:    source,
		clock:     clock,
		logger:    logger.With("component", "gc_observer"),
		retention: opts.Retention,
		ring:      make([]Run, opts.Capacity),
	}
}

// Start subscribes to the source.
func (o *Observer) Start() error {
	if o.source == nil {
		return ErrUnsupported
	}

	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.cancel != nil {
		return ErrAlreadyStarted
	}

	cancel, err := o.source.Subscribe(o.record)
	if err != nil {
		return fmt.Errorf("subscribe gc notifications: %w", err)
	}
	o.cancel = cancel
	o.logger.Info("gc observer started", "capacity", len(o.ring), "retention", o.retention)
	return nil
}

// Stop unsubscribes. Safe to call repeatedly and without a successful Start.
func (o *Observer) Stop() error {
	o.lifecycle.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.lifecycle.Unlock()

	if cancel != nil {
		cancel()
		o.logger.Info("gc observer stopped")
	}
	return nil
}

// Running reports whether the observer holds an active subscription.
func (o *Observer) Running() bool {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	return o.cancel != nil
}

// RecentRuns returns a copy of the history, oldest first.
func (o *Observer) RecentRuns() []Run {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Run, o.size)
	for i := 0; i < o.size; i++ {
		out[i] = o.ring[(o.head+i)%len(o.ring)]
	}
	return out
}

// Len returns the number of retained runs.
func (o *Observer) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.size
}

// Total returns the number of notifications received since creation.
func (o *Observer) Total() uint64 {
	return o.total.Load()
}

func (o *Observer) record(n Notification) {
	at := o.clock.Uptime()
	if !n.EndTime.IsZero() {
		at = o.clock.At(n.EndTime)
	}
	o.append(Run{Time: at, BytesAfter: n.HeapLive})
	o.total.Add(1)
}

func (o *Observer) append(run Run) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// Notifications arrive in collection order; clamp clock skew so the
	// history stays non-decreasing.
	if o.size > 0 && run.Time < o.last {
		run.Time = o.last
	}
	o.last = run.Time

	capacity := len(o.ring)
	if o.size == capacity {
		o.head = (o.head + 1) % capacity
		o.size--
	}
	o.ring[(o.head+o.size)%capacity] = run
	o.size++

	cutoff := run.Time - o.retention
	for o.size > 0 && o.ring[o.head].Time < cutoff {
		o.ring[o.head] = Run{}
		o.head = (o.head + 1) % capacity
		o.size--
	}

	o.logger.Debug("gc run recorded", "time", run.Time, "bytes_after", run.BytesAfter, "history", o.size)
}
