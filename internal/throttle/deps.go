package throttle

import (
	"time"

	"github.com/skobkin/perfsaver/internal/gcwatch"
	"github.com/skobkin/perfsaver/internal/scheduler"
	"github.com/skobkin/perfsaver/internal/tickrate"
	"github.com/skobkin/perfsaver/internal/uptime"
)

// RadiusStore is the host's view radius knob. The host does not enforce bounds.
type RadiusStore interface {
	MaxViewRadius() int
	SetMaxViewRadius(radius int)
}

// HeapLimiter reports the maximum heap size, false when unknown.
type HeapLimiter interface {
	MaxHeapBytes() (uint64, bool)
}

// TickSource exposes the historic tick metric of a group and its nominal tick period.
type TickSource interface {
	TickMetric(group string) tickrate.Metric
	NominalTickPeriod(group string) time.Duration
}

// WorkloadCounter reports the number of loaded work units (chunks) of a group.
type WorkloadCounter interface {
	LoadedWorkUnits(group string) int
}

// Notifier delivers user-visible messages.
type Notifier interface {
	Broadcast(text string)
}

// Collector forces a full garbage collection.
type Collector interface {
	ForceFullCollection()
}

// Deps bundles the host capabilities the controller consumes.
type Deps struct {
	Radius   RadiusStore
	Heap     HeapLimiter
	Ticks    TickSource
	Fallback tickrate.FallbackRater
	Workload WorkloadCounter
	Notifier Notifier
	GC       Collector

	// GCSource feeds the GC observer. Nil disables GC pressure sensing.
	GCSource gcwatch.Source
	// Clock defaults to the process uptime clock.
	Clock uptime.Clock
	// Scheduler runs the adjustment and idle tasks. When nil the owner drives
	// Adjust and CheckIdle directly.
	Scheduler *scheduler.Scheduler
}
