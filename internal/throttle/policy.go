package throttle

import (
	"time"

	"github.com/skobkin/perfsaver/internal/gcwatch"
)

// ClassifyByGC evaluates the GC pressure policy at now.
func (c *Controller) ClassifyByGC(now time.Duration) Directive {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifyByGCLocked(now)
}

// ClassifyByTPS polls the tick rate of the primary world and evaluates the
// tick rate policy at now.
func (c *Controller) ClassifyByTPS(now time.Duration) Directive {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifyByTPSLocked(now)
}

func (c *Controller) classifyByGCLocked(now time.Duration) Directive {
	c.lastMatches = 0
	if !c.gcSensing || c.observer == nil {
		c.logger.Debug("gc policy without notifications, keeping radius")
		return Keep
	}
	if c.deps.Heap == nil {
		return Keep
	}
	limit, ok := c.deps.Heap.MaxHeapBytes()
	if !ok || limit == 0 {
		c.logger.Debug("max heap unknown, keeping radius")
		return Keep
	}

	matches := countPressureRuns(c.observer.RecentRuns(), limit, c.cfg.OccupancyThreshold,
		c.cfg.GCLookback, c.state.LastAdjustment, now)
	c.lastMatches = matches
	c.logger.Debug("gc run matches", "matches", matches)

	switch {
	case matches >= c.cfg.GCMinRuns:
		return Decrease
	case matches == 0 && now-c.state.LastAdjustment > c.cfg.GrowCooldown:
		return Increase
	default:
		return Keep
	}
}

// countPressureRuns walks runs newest first and counts consecutive runs that
// finished after since, within lookback of now, and left at least threshold of
// limit occupied.
func countPressureRuns(runs []gcwatch.Run, limit uint64, threshold float64, lookback, since, now time.Duration) int {
	matches := 0
	for i := len(runs) - 1; i >= 0; i-- {
		run := runs[i]
		if run.Time < since {
			break
		}
		if run.Time < now-lookback {
			break
		}
		if float64(run.BytesAfter)/float64(limit) < threshold {
			break
		}
		matches++
	}
	return matches
}

func (c *Controller) classifyByTPSLocked(now time.Duration) Directive {
	if c.deps.Ticks == nil {
		return Keep
	}

	group := c.cfg.PrimaryWorld
	rate := c.estimator.Estimate(group, c.deps.Ticks.TickMetric(group), c.deps.Ticks.NominalTickPeriod(group))
	c.lastRate = rate

	if now < c.state.LastAdjustment+c.cfg.TPSSettle {
		return Keep
	}
	if rate < 0 {
		c.logger.Debug("tick rate unknown, keeping radius", "world", group)
		return Keep
	}

	switch {
	case rate < c.cfg.TPSLowWatermark:
		return Decrease
	case rate > c.cfg.TPSHighWatermark:
		return Increase
	default:
		return Keep
	}
}
