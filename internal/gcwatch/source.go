package gcwatch

import (
	"errors"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const heapLiveMetric = "/gc/heap/live:bytes"

var (
	// ErrGCDisabled is returned when the collector is switched off (GOGC=off
	// without a memory limit), so no notifications would ever arrive.
	ErrGCDisabled = errors.New("gcwatch: garbage collection disabled")
	// ErrAlreadyStarted is returned on a second subscription to the same source.
	ErrAlreadyStarted = errors.New("gcwatch: already subscribed")
	// ErrUnsupported is returned when a source cannot deliver notifications.
	ErrUnsupported = errors.New("gcwatch: notifications unsupported")
)

// Notification is the payload delivered after each completed collection.
type Notification struct {
	EndTime  time.Time
	HeapLive uint64
	Cycle    uint32
}

// Source delivers collection notifications to a single subscriber.
type Source interface {
	Subscribe(fn func(Notification)) (cancel func(), err error)
}

// RuntimeSource observes collections of the current Go runtime.
//
// Go exposes no push API for GC completion. The source keeps a sentinel object
// with a finalizer alive for exactly one cycle: once the collector frees it the
// finalizer goroutine delivers a notification and arms a fresh sentinel.
type RuntimeSource struct {
	mu     sync.Mutex
	active *atomic.Bool
}

// NewRuntimeSource constructs a source bound to the running process.
func NewRuntimeSource() *RuntimeSource {
	return &RuntimeSource{}
}

type sentinel struct {
	_    *byte
	_    [16]byte
	stop *atomic.Bool
}

// Subscribe implements Source.
func (s *RuntimeSource) Subscribe(fn func(Notification)) (func(), error) {
	if fn == nil {
		return nil, ErrUnsupported
	}
	if gcDisabled() {
		return nil, ErrGCDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrAlreadyStarted
	}

	stop := &atomic.Bool{}
	s.active = stop

	var arm func()
	arm = func() {
		obj := &sentinel{stop: stop}
		runtime.SetFinalizer(obj, func(o *sentinel) {
			if o.stop.Load() {
				return
			}
			fn(readNotification())
			arm()
		})
	}
	arm()

	cancel := func() {
		stop.Store(true)
		s.mu.Lock()
		if s.active == stop {
			s.active = nil
		}
		s.mu.Unlock()
	}
	return cancel, nil
}

func gcDisabled() bool {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("GOGC")), "off") {
		return false
	}
	return debug.SetMemoryLimit(-1) == math.MaxInt64
}

func readNotification() Notification {
	var stats debug.GCStats
	debug.ReadGCStats(&stats)

	return Notification{
		EndTime:  stats.LastGC,
		HeapLive: readHeapLive(),
		Cycle:    uint32(stats.NumGC),
	}
}

func readHeapLive() uint64 {
	samples := []metrics.Sample{{Name: heapLiveMetric}}
	metrics.Read(samples)
	if samples[0].Value.Kind() == metrics.KindUint64 {
		return samples[0].Value.Uint64()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
