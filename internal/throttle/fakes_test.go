package throttle

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skobkin/perfsaver/internal/config"
	"github.com/skobkin/perfsaver/internal/gcwatch"
	"github.com/skobkin/perfsaver/internal/tickrate"
	"github.com/skobkin/perfsaver/internal/uptime"
)

type fakeRadius struct {
	mu     sync.Mutex
	radius int
	sets   []int
}

func (f *fakeRadius) MaxViewRadius() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.radius
}

func (f *fakeRadius) SetMaxViewRadius(radius int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.radius = radius
	f.sets = append(f.sets, radius)
}

func (f *fakeRadius) force(radius int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.radius = radius
}

func (f *fakeRadius) writes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sets...)
}

type fakeHeap struct {
	limit uint64
	known bool
}

func (f fakeHeap) MaxHeapBytes() (uint64, bool) {
	return f.limit, f.known
}

// fakeTicks serves a window whose only sample is invalid, so the estimator
// keeps reporting the fallback rate.
type fakeTicks struct {
	mu   sync.Mutex
	rate float64
}

func (f *fakeTicks) TickMetric(string) tickrate.Metric {
	return tickrate.Metric{
		PeriodsNanos: []int64{int64(time.Second)},
		Timestamps:   []int64{1},
		Values:       []int64{0},
	}
}

func (f *fakeTicks) NominalTickPeriod(string) time.Duration {
	return 50 * time.Millisecond
}

func (f *fakeTicks) ReportedRate(string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

func (f *fakeTicks) set(rate float64) {
	f.mu.Lock()
	f.rate = rate
	f.mu.Unlock()
}

type fakeWorkload struct {
	mu     sync.Mutex
	loaded int
}

func (f *fakeWorkload) LoadedWorkUnits(string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

func (f *fakeWorkload) set(n int) {
	f.mu.Lock()
	f.loaded = n
	f.mu.Unlock()
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) Broadcast(text string) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
}

func (f *fakeNotifier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeCollector struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCollector) ForceFullCollection() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeCollector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGCSource struct {
	mu  sync.Mutex
	fn  func(gcwatch.Notification)
	err error
}

func (f *fakeGCSource) Subscribe(fn func(gcwatch.Notification)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.fn = fn
	return func() {
		f.mu.Lock()
		f.fn = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeGCSource) emit(n gcwatch.Notification) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

const testHeapLimit = 1000

type harness struct {
	clock     *uptime.Manual
	radius    *fakeRadius
	ticks     *fakeTicks
	workload  *fakeWorkload
	notifier  *fakeNotifier
	collector *fakeCollector
	source    *fakeGCSource
	heap      fakeHeap
	cfg       config.ThrottleConfig
}

func newHarness(radius int) *harness {
	return &harness{
		clock:     uptime.NewManual(0),
		radius:    &fakeRadius{radius: radius},
		ticks:     &fakeTicks{rate: 13},
		workload:  &fakeWorkload{},
		notifier:  &fakeNotifier{},
		collector: &fakeCollector{},
		source:    &fakeGCSource{},
		heap:      fakeHeap{limit: testHeapLimit, known: true},
		cfg:       config.DefaultThrottle(),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Radius:   h.radius,
		Heap:     h.heap,
		Ticks:    h.ticks,
		Fallback: h.ticks,
		Workload: h.workload,
		Notifier: h.notifier,
		GC:       h.collector,
		GCSource: h.source,
		Clock:    h.clock,
	}
}

// start builds and starts a manually driven controller.
func (h *harness) start(t *testing.T) *Controller {
	t.Helper()
	c, err := New(h.cfg, h.deps(), discardLogger())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

// gcAt records a collection that finished at the given uptime with the given
// occupancy ratio of the test heap limit. The clock moves forward to at when
// it is behind, as a notification never arrives before its collection ends.
func (h *harness) gcAt(at time.Duration, ratio float64) {
	if h.clock.Uptime() < at {
		h.clock.Set(at)
	}
	h.source.emit(gcwatch.Notification{
		EndTime:  h.clock.Wall(at),
		HeapLive: uint64(ratio * testHeapLimit),
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
