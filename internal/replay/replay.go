package replay

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/skobkin/perfsaver/internal/config"
	"github.com/skobkin/perfsaver/internal/gcwatch"
	"github.com/skobkin/perfsaver/internal/throttle"
	"github.com/skobkin/perfsaver/internal/tickrate"
	"github.com/skobkin/perfsaver/internal/uptime"
	"github.com/skobkin/perfsaver/internal/world"
)

const (
	replayWorld    = "world"
	tickLength     = time.Millisecond
	historySeconds = 70
)

// Event kinds recorded in a timeline.
const (
	KindRadius      = "radius"
	KindNotice      = "notice"
	KindCollection  = "collection"
	KindRestoration = "restore"
)

// Event is one observable controller action.
type Event struct {
	At     time.Duration `json:"at_ns"`
	Kind   string        `json:"kind"`
	Radius int           `json:"radius,omitempty"`
	Text   string        `json:"text,omitempty"`
}

// Result is the outcome of a replay.
type Result struct {
	Scenario    string          `json:"scenario"`
	Events      []Event         `json:"events"`
	FinalRadius int             `json:"final_radius"`
	Status      throttle.Status `json:"status"`
}

// Run replays s against a real controller with the default thresholds.
func Run(s *Scenario, logger *slog.Logger) (*Result, error) {
	return RunWithConfig(s, config.DefaultThrottle(), logger)
}

// RunWithConfig replays s with the given thresholds. The controller's
// scheduled tasks are driven on a manual clock at their configured delays and
// intervals; GC runs are delivered just before the first task run at or after
// their timestamp.
func RunWithConfig(s *Scenario, cfg config.ThrottleConfig, logger *slog.Logger) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if s.MinViewRadius > 0 {
		cfg.MinViewRadius = s.MinViewRadius
	}
	cfg.PrimaryWorld = replayWorld

	clock := uptime.NewManual(0)
	rec := &recorder{clock: clock}
	radius := &recordingRadius{rec: rec, radius: s.InitialViewRadius}
	ticks := newSyntheticTicks(s)
	source := &scriptedSource{}

	deps := throttle.Deps{
		Radius:   radius,
		Heap:     scenarioHeap(s.MaxHeapBytes),
		Ticks:    ticks,
		Workload: workloadFunc(func(string) int { return s.loadedAt(clock.Uptime()) }),
		Notifier: rec,
		GC:       rec,
		Clock:    clock,
	}
	if s.gcSensing() {
		deps.GCSource = source
	}

	controller, err := throttle.New(cfg, deps, logger)
	if err != nil {
		return nil, fmt.Errorf("build controller: %w", err)
	}
	if err := controller.Start(); err != nil {
		return nil, fmt.Errorf("start controller: %w", err)
	}

	pending := s.GCRuns
	deliver := func(now time.Duration) {
		for len(pending) > 0 && pending[0].At <= now {
			run := pending[0]
			pending = pending[1:]
			source.emit(gcwatch.Notification{
				EndTime:  clock.Wall(run.At),
				HeapLive: s.bytesAfter(run),
			})
		}
	}

	nextAdjust, nextIdle := cfg.AdjustInitialDelay, cfg.IdleInitialDelay
	for {
		now := min(nextAdjust, nextIdle)
		if now > s.Duration {
			break
		}
		clock.Set(now)
		deliver(now)
		ticks.fill(now)

		if now == nextAdjust {
			controller.Adjust()
			nextAdjust += cfg.AdjustInterval
		}
		if now == nextIdle {
			controller.CheckIdle()
			nextIdle += cfg.IdleInterval
		}
	}

	clock.Set(s.Duration)
	res := &Result{
		Scenario:    s.Name,
		FinalRadius: radius.MaxViewRadius(),
		Status:      controller.Status(),
	}
	rec.restoring()
	if err := controller.Shutdown(); err != nil {
		return nil, fmt.Errorf("shutdown controller: %w", err)
	}
	res.Events = rec.all()
	return res, nil
}

type recorder struct {
	clock *uptime.Manual

	mu      sync.Mutex
	events  []Event
	restore bool
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.At = r.clock.Uptime()
	if r.restore && ev.Kind == KindRadius {
		ev.Kind = KindRestoration
	}
	r.events = append(r.events, ev)
}

func (r *recorder) restoring() {
	r.mu.Lock()
	r.restore = true
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) Broadcast(text string) {
	r.add(Event{Kind: KindNotice, Text: text})
}

func (r *recorder) ForceFullCollection() {
	r.add(Event{Kind: KindCollection})
}

type recordingRadius struct {
	rec *recorder

	mu     sync.Mutex
	radius int
}

func (r *recordingRadius) MaxViewRadius() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.radius
}

func (r *recordingRadius) SetMaxViewRadius(radius int) {
	r.mu.Lock()
	r.radius = radius
	r.mu.Unlock()
	r.rec.add(Event{Kind: KindRadius, Radius: radius})
}

type scenarioHeap uint64

func (h scenarioHeap) MaxHeapBytes() (uint64, bool) {
	return uint64(h), h > 0
}

type workloadFunc func(group string) int

func (fn workloadFunc) LoadedWorkUnits(group string) int {
	return fn(group)
}

// scriptedSource delivers notifications on demand.
type scriptedSource struct {
	mu sync.Mutex
	fn func(gcwatch.Notification)
}

func (s *scriptedSource) Subscribe(fn func(gcwatch.Notification)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fn != nil {
		return nil, gcwatch.ErrAlreadyStarted
	}
	s.fn = fn
	return func() {
		s.mu.Lock()
		s.fn = nil
		s.mu.Unlock()
	}, nil
}

func (s *scriptedSource) emit(n gcwatch.Notification) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// syntheticTicks records evenly spaced ticks at the scripted rate into a
// tick history, so the estimator sees the same metric shape a world produces.
type syntheticTicks struct {
	scenario *Scenario
	nominal  time.Duration
	history  *world.TickHistory
	next     time.Duration
}

func newSyntheticTicks(s *Scenario) *syntheticTicks {
	peak := float64(s.NominalTPS)
	for _, seg := range s.TPS {
		peak = math.Max(peak, seg.Rate)
	}
	return &syntheticTicks{
		scenario: s,
		nominal:  time.Second / time.Duration(s.NominalTPS),
		history:  world.NewTickHistory(int(peak*historySeconds)+16, world.DefaultPeriods...),
	}
}

// fill records every tick due up to now.
func (t *syntheticTicks) fill(now time.Duration) {
	for t.next <= now {
		rate, ok := t.scenario.rateAt(t.next)
		if !ok || rate <= 0 {
			change, more := t.scenario.nextRateChange(t.next)
			if !more {
				t.next = math.MaxInt64
				return
			}
			t.next = change
			continue
		}
		t.history.Record(t.next, tickLength)
		t.next += time.Duration(float64(time.Second) / rate)
	}
}

func (t *syntheticTicks) TickMetric(string) tickrate.Metric {
	return t.history.Metric()
}

func (t *syntheticTicks) NominalTickPeriod(string) time.Duration {
	return t.nominal
}
