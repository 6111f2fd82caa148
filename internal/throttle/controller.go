// Package throttle fuses GC pressure and tick rate into bounded adjustments of
// the host's view radius.
package throttle

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/perfsaver/internal/config"
	"github.com/skobkin/perfsaver/internal/gcwatch"
	"github.com/skobkin/perfsaver/internal/scheduler"
	"github.com/skobkin/perfsaver/internal/tickrate"
	"github.com/skobkin/perfsaver/internal/uptime"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("throttle: controller already started")
	// ErrStopped is returned by Start after Shutdown.
	ErrStopped = errors.New("throttle: controller shut down")
)

// State is the controller-owned mutable state.
type State struct {
	InitialViewRadius int
	LastAdjustment    time.Duration
	HadActiveLoad     bool
}

// Status is a point-in-time snapshot for diagnostics.
type Status struct {
	Running           bool          `json:"running"`
	GCSensing         bool          `json:"gc_sensing"`
	PrimaryWorld      string        `json:"primary_world"`
	ViewRadius        int           `json:"view_radius"`
	InitialViewRadius int           `json:"initial_view_radius"`
	MinViewRadius     int           `json:"min_view_radius"`
	LastAdjustment    time.Duration `json:"last_adjustment_ns"`
	Uptime            time.Duration `json:"uptime_ns"`
	LastGCDirective   Directive     `json:"last_gc_directive"`
	LastTPSDirective  Directive     `json:"last_tps_directive"`
	LastTPS           float64       `json:"last_tps"`
	GCMatches         int           `json:"gc_matches"`
	GCRuns            int           `json:"gc_runs"`
	HeapLimitBytes    uint64        `json:"heap_limit_bytes"`
	HadActiveLoad     bool          `json:"had_active_load"`
	Cycles            uint64        `json:"cycles"`
	Decreases         uint64        `json:"decreases"`
	Increases         uint64        `json:"increases"`
	ForcedCollections uint64        `json:"forced_collections"`
}

// Controller owns the adjustment cycle and the idle monitor.
type Controller struct {
	cfg       config.ThrottleConfig
	deps      Deps
	clock     uptime.Clock
	logger    *slog.Logger
	observer  *gcwatch.Observer
	estimator *tickrate.Estimator

	mu        sync.Mutex
	state     State
	running   bool
	stopped   bool
	gcSensing bool
	adjust    *scheduler.Task
	idle      *scheduler.Task

	lastGC      Directive
	lastTPS     Directive
	lastRate    float64
	lastMatches int
	cycles      uint64
	decreases   uint64
	increases   uint64
	collections uint64
}

// New validates cfg and builds a controller. Nothing runs until Start.
func New(cfg config.ThrottleConfig, deps Deps, logger *slog.Logger) (*Controller, error) {
	if deps.Radius == nil {
		return nil, fmt.Errorf("radius store is required")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = uptime.Process()
	}

	c := &Controller{
		cfg:       cfg,
		deps:      deps,
		clock:     clock,
		logger:    logger.With("component", "throttle"),
		estimator: tickrate.NewEstimator(clock, deps.Fallback),
		lastRate:  tickrate.Unknown,
	}
	if deps.GCSource != nil {
		c.observer = gcwatch.NewObserver(deps.GCSource, clock, gcwatch.Options{
			Capacity:  cfg.GCHistory,
			Retention: cfg.GCRetention,
		}, logger)
	}
	return c, nil
}

func validate(cfg config.ThrottleConfig) error {
	switch {
	case cfg.MinViewRadius <= 0:
		return fmt.Errorf("min view radius must be > 0")
	case cfg.ReductionFactor <= 0 || cfg.ReductionFactor >= 1:
		return fmt.Errorf("reduction factor must be in (0, 1)")
	case cfg.OccupancyThreshold <= 0:
		return fmt.Errorf("occupancy threshold must be > 0")
	case cfg.GCMinRuns <= 0:
		return fmt.Errorf("gc min runs must be > 0")
	case cfg.TPSLowWatermark > cfg.TPSHighWatermark:
		return fmt.Errorf("tps low watermark must not exceed high watermark")
	case cfg.AdjustInterval <= 0 || cfg.IdleInterval <= 0:
		return fmt.Errorf("task intervals must be > 0")
	}
	return nil
}

// Start captures the initial view radius, subscribes to GC notifications and
// schedules the periodic tasks. A failed GC subscription is logged and leaves
// the tick rate policy in charge.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.running {
		return ErrAlreadyStarted
	}

	c.state.InitialViewRadius = c.deps.Radius.MaxViewRadius()
	c.logger.Info("initial view radius captured", "radius", c.state.InitialViewRadius)
	if c.state.InitialViewRadius < c.cfg.MinViewRadius {
		c.logger.Warn("initial view radius below minimum, reductions disabled",
			"radius", c.state.InitialViewRadius, "min", c.cfg.MinViewRadius)
	}

	c.gcSensing = false
	if c.observer == nil {
		c.logger.Warn("no gc notification source, memory pressure sensing disabled")
	} else if err := c.observer.Start(); err != nil {
		c.logger.Error("failed starting gc observer", "error", err)
	} else {
		c.gcSensing = true
	}

	if s := c.deps.Scheduler; s != nil {
		c.adjust = s.ScheduleAtFixedRate("adjust_view_radius", c.Adjust, c.cfg.AdjustInitialDelay, c.cfg.AdjustInterval)
		c.idle = s.ScheduleWithFixedDelay("check_idle", c.CheckIdle, c.cfg.IdleInitialDelay, c.cfg.IdleInterval)
	}

	c.running = true
	return nil
}

// Shutdown restores the initial view radius, unsubscribes from GC
// notifications and cancels the periodic tasks without waiting for a run in
// progress. Safe to call repeatedly and without Start.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	if !c.running {
		c.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.stopped = true

	c.logger.Info("restoring view radius", "radius", c.state.InitialViewRadius)
	c.deps.Radius.SetMaxViewRadius(c.state.InitialViewRadius)

	adjust, idle := c.adjust, c.idle
	c.adjust, c.idle = nil, nil
	c.mu.Unlock()

	var err error
	if c.observer != nil {
		if stopErr := c.observer.Stop(); stopErr != nil {
			c.logger.Error("failed stopping gc observer", "error", stopErr)
			err = fmt.Errorf("stop gc observer: %w", stopErr)
		}
	}

	for _, task := range []*scheduler.Task{adjust, idle} {
		if task != nil {
			task.Cancel()
		}
	}
	return err
}

// Running reports whether Start succeeded and Shutdown has not been called.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Adjust runs one adjustment cycle. GC pressure is classified before tick
// rate; a decrease from either policy is applied first and growth needs both
// policies to agree. At most one knob mutation happens per cycle.
func (c *Controller) Adjust() {
	defer c.recoverPanic("adjust")

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}

	now := c.clock.Uptime()
	gc := c.classifyByGCLocked(now)
	tps := c.classifyByTPSLocked(now)
	c.lastGC, c.lastTPS = gc, tps
	c.cycles++

	current := c.deps.Radius.MaxViewRadius()
	c.logger.Debug("adjust cycle", "gc", gc, "tps", tps, "rate", c.lastRate, "radius", current)

	switch {
	case gc == Decrease || tps == Decrease:
		next := ReduceRadius(current, c.cfg.MinViewRadius, c.cfg.ReductionFactor)
		if next >= current {
			return
		}
		c.commitLocked(now, next)
		c.decreases++

		text := fmt.Sprintf("TPS low. Reducing view radius to %d", next)
		if gc == Decrease {
			text = fmt.Sprintf("Memory critical. Reducing view radius to %d", next)
		}
		c.logger.Error(text, "trigger", trigger(gc, tps), "from", current, "to", next,
			"tps", c.lastRate, "gc_matches", c.lastMatches)
		if gc == Decrease && tps == Decrease {
			c.logger.Error(fmt.Sprintf("TPS low. Reducing view radius to %d", next),
				"trigger", "tps", "from", current, "to", next, "tps", c.lastRate)
		}
		c.notify(text)

	case gc == Increase && tps == Increase:
		next := GrowRadius(current, c.state.InitialViewRadius)
		if next <= current {
			return
		}
		c.commitLocked(now, next)
		c.increases++

		text := fmt.Sprintf("Increasing view radius back to %d", next)
		c.logger.Info(text, "from", current, "to", next, "tps", c.lastRate)
		c.notify(text)
	}
}

func (c *Controller) commitLocked(now time.Duration, radius int) {
	c.deps.Radius.SetMaxViewRadius(radius)
	if now > c.state.LastAdjustment {
		c.state.LastAdjustment = now
	}
}

func (c *Controller) notify(text string) {
	if c.deps.Notifier != nil {
		c.deps.Notifier.Broadcast(text)
	}
}

func trigger(gc, tps Directive) string {
	switch {
	case gc == Decrease && tps == Decrease:
		return "gc+tps"
	case gc == Decrease:
		return "gc"
	default:
		return "tps"
	}
}

func (c *Controller) recoverPanic(op string) {
	if r := recover(); r != nil {
		c.logger.Error("throttle task failed", "op", op, "panic", r)
	}
}

// State returns a copy of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a diagnostics snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Running:           c.running,
		GCSensing:         c.gcSensing,
		PrimaryWorld:      c.cfg.PrimaryWorld,
		ViewRadius:        c.deps.Radius.MaxViewRadius(),
		InitialViewRadius: c.state.InitialViewRadius,
		MinViewRadius:     c.cfg.MinViewRadius,
		LastAdjustment:    c.state.LastAdjustment,
		Uptime:            c.clock.Uptime(),
		LastGCDirective:   c.lastGC,
		LastTPSDirective:  c.lastTPS,
		LastTPS:           c.lastRate,
		GCMatches:         c.lastMatches,
		HadActiveLoad:     c.state.HadActiveLoad,
		Cycles:            c.cycles,
		Decreases:         c.decreases,
		Increases:         c.increases,
		ForcedCollections: c.collections,
	}
	if c.observer != nil {
		st.GCRuns = c.observer.Len()
	}
	if c.deps.Heap != nil {
		if limit, ok := c.deps.Heap.MaxHeapBytes(); ok {
			st.HeapLimitBytes = limit
		}
	}
	return st
}

// RecentGCRuns returns the observed GC history, oldest first.
func (c *Controller) RecentGCRuns() []gcwatch.Run {
	if c.observer == nil {
		return nil
	}
	return c.observer.RecentRuns()
}

// Estimator exposes the tick rate estimator for diagnostics.
func (c *Controller) Estimator() *tickrate.Estimator {
	return c.estimator
}
