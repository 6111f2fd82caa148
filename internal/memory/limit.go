// Package memory binds the throttling core to the Go runtime's memory facilities.
package memory

import (
	"log/slog"
	"math"
	"runtime/debug"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"
)

// Source names the step of the resolution chain that produced a limit.
type Source string

const (
	SourceUnknown  Source = "unknown"
	SourceExplicit Source = "explicit"
	SourceGoLimit  Source = "gomemlimit"
	SourceCgroup   Source = "cgroup"
	SourceSystem   Source = "system"
)

// Overridable by tests.
var (
	SetMemoryLimitFn = debug.SetMemoryLimit
	TotalMemoryFn    = func() (uint64, error) {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, err
		}
		return vm.Total, nil
	}
)

// LimitResolver determines the maximum heap size the process may grow to.
//
// Resolution order: explicit bytes, Go soft memory limit, cgroup limit, total
// system memory. The first step yielding a positive value wins; the result is
// cached for the lifetime of the resolver.
type LimitResolver struct {
	explicit uint64
	cgroup   *CgroupReader
	logger   *slog.Logger

	once   sync.Once
	bytes  uint64
	source Source
}

// NewLimitResolver builds a resolver. explicit may be zero; cgroup may be nil.
func NewLimitResolver(explicit uint64, cgroup *CgroupReader, logger *slog.Logger) *LimitResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LimitResolver{
		explicit: explicit,
		cgroup:   cgroup,
		logger:   logger,
	}
}

// MaxHeapBytes returns the resolved limit; ok is false when no step produced one.
func (r *LimitResolver) MaxHeapBytes() (uint64, bool) {
	r.once.Do(r.resolve)
	return r.bytes, r.source != SourceUnknown
}

// Source reports which resolution step produced the limit.
func (r *LimitResolver) Source() Source {
	r.once.Do(r.resolve)
	return r.source
}

func (r *LimitResolver) resolve() {
	r.source = SourceUnknown

	switch {
	case r.explicit > 0:
		r.bytes, r.source = r.explicit, SourceExplicit
	default:
		if limit := SetMemoryLimitFn(-1); limit > 0 && limit != math.MaxInt64 {
			r.bytes, r.source = uint64(limit), SourceGoLimit
			break
		}
		if limit, ok := r.cgroup.Limit(); ok {
			r.bytes, r.source = limit, SourceCgroup
			break
		}
		total, err := TotalMemoryFn()
		if err != nil {
			r.logger.Debug("total memory unavailable", "err", err)
			break
		}
		if total > 0 {
			r.bytes, r.source = total, SourceSystem
		}
	}

	if r.source == SourceUnknown {
		r.logger.Warn("max heap size unknown, memory pressure sensing disabled")
		return
	}
	if r.source == SourceSystem {
		r.logger.Warn("max heap size taken from total system memory, gc pressure sensing is advisory",
			"bytes", r.bytes, "source", r.source)
		return
	}
	r.logger.Info("max heap size resolved", "bytes", r.bytes, "source", r.source)
}
