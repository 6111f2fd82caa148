package tickrate

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/perfsaver/internal/uptime"
)

const nominal = 50 * time.Millisecond

func metricOf(timestamps, values []int64) Metric {
	return Metric{
		PeriodsNanos: []int64{int64(time.Second), int64(time.Minute)},
		Timestamps:   timestamps,
		Values:       values,
	}
}

// ticksBetween fabricates one sample per nominal period in (from, to].
func ticksBetween(from, to time.Duration) Metric {
	var ts, vals []int64
	for at := from + nominal; at <= to; at += nominal {
		ts = append(ts, int64(at))
		vals = append(vals, int64(10*time.Millisecond))
	}
	return metricOf(ts, vals)
}

func TestEstimateUnknownWithoutSamples(t *testing.T) {
	t.Parallel()

	est := NewEstimator(uptime.NewManual(0), nil)
	assert.Equal(t, Unknown, est.Estimate("world", Metric{}, nominal))
	assert.Equal(t, Unknown, est.Estimate("world", metricOf(nil, nil), nominal))
	assert.Equal(t, Unknown, est.Estimate("world", metricOf([]int64{1}, nil), nominal))
	assert.Empty(t, est.Groups(), "empty polls must not create group state")
}

func TestEstimateCountsNewTicks(t *testing.T) {
	t.Parallel()

	clock := uptime.NewManual(0)
	est := NewEstimator(clock, nil)

	// Prime the cursor.
	clock.Set(time.Second)
	est.Estimate("world", ticksBetween(0, time.Second), nominal)

	clock.Set(2 * time.Second)
	rate := est.Estimate("world", ticksBetween(0, 2*time.Second), nominal)
	assert.InDelta(t, 20.0, rate, 0.001)

	last, ok := est.LastReported("world")
	require.True(t, ok)
	assert.InDelta(t, 20.0, last, 0.001)
}

func TestEstimateStagnationReportsZero(t *testing.T) {
	t.Parallel()

	clock := uptime.NewManual(10 * time.Second)
	est := NewEstimator(clock, FallbackFunc(func(string) float64 { return 30 }))
	window := ticksBetween(9*time.Second, 10*time.Second)

	first := est.Estimate("world", window, nominal)
	assert.Positive(t, first)

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 0.0, est.Estimate("world", window, nominal))
}

func TestEstimateFallbackBeforeFirstSample(t *testing.T) {
	t.Parallel()

	clock := uptime.NewManual(0)
	est := NewEstimator(clock, FallbackFunc(func(group string) float64 {
		if group == "nether" {
			return 17
		}
		return 0
	}))

	invalid := metricOf([]int64{1, 2, 3}, []int64{0, -5, math.MaxInt64})
	assert.Equal(t, 17.0, est.Estimate("nether", invalid, nominal))

	noFallback := NewEstimator(clock, nil)
	assert.Equal(t, Unknown, noFallback.Estimate("nether", invalid, nominal))
}

func TestEstimateSkipsInvalidValues(t *testing.T) {
	t.Parallel()

	clock := uptime.NewManual(0)
	est := NewEstimator(clock, nil)
	clock.Set(time.Second)

	m := metricOf(
		[]int64{10, 20, 30, 40, 50},
		[]int64{5, 0, math.MaxInt64, -1, 7},
	)
	// The first poll has no previous poll to measure from, so the nominal
	// period is the denominator.
	assert.InDelta(t, 2/nominal.Seconds(), est.Estimate("world", m, nominal), 0.001)
}

func TestEstimateElapsedFloor(t *testing.T) {
	t.Parallel()

	clock := uptime.NewManual(time.Second)
	est := NewEstimator(clock, nil)

	// Zero elapsed since the state was created: the nominal period bounds the
	// denominator instead of dividing by zero.
	rate := est.Estimate("world", metricOf([]int64{1}, []int64{1}), nominal)
	assert.InDelta(t, 1/nominal.Seconds(), rate, 0.001)
	assert.False(t, math.IsInf(rate, 0))

	clock.Advance(time.Millisecond)
	rate = est.Estimate("world", metricOf([]int64{1, 2}, []int64{1, 1}), 0)
	assert.InDelta(t, 1/defaultTickStep.Seconds(), rate, 0.001)
}

func TestEstimateNeverCountsSampleTwice(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	clock := uptime.NewManual(0)
	est := NewEstimator(clock, nil)

	var (
		produced []int64
		now      time.Duration
		lastPoll time.Duration
		cursor   int64 = math.MinInt64
		primed   bool
		seen     = make(map[int64]bool)
	)
	for poll := 0; poll < 500; poll++ {
		for n := rng.IntN(5); n > 0; n-- {
			now += time.Duration(1+rng.IntN(40)) * time.Millisecond
			produced = append(produced, int64(now))
		}
		if len(produced) == 0 {
			continue
		}

		// Random suffix of the history, overlapping earlier polls arbitrarily.
		ts := append([]int64(nil), produced[rng.IntN(len(produced)):]...)
		vals := make([]int64, len(ts))
		for i := range vals {
			vals[i] = 1
		}

		pollAt := now + time.Duration(rng.IntN(3000))*time.Millisecond
		if pollAt < lastPoll {
			pollAt = lastPoll
		}
		clock.Set(pollAt)
		elapsed := pollAt - lastPoll
		if !primed || elapsed <= 0 {
			elapsed = nominal
		}
		primed = true
		lastPoll = pollAt

		rate := est.Estimate("world", metricOf(ts, vals), nominal)

		var fresh []int64
		for i := len(ts) - 1; i >= 0 && ts[i] > cursor; i-- {
			fresh = append(fresh, ts[i])
		}
		if len(fresh) == 0 {
			require.Equal(t, 0.0, rate, "poll %d", poll)
			continue
		}
		cursor = fresh[0]

		denominator := math.Max(elapsed.Seconds(), nominal.Seconds())
		counted := int(math.Round(rate * denominator))
		require.Equal(t, len(fresh), counted, "poll %d", poll)
		for _, sample := range fresh {
			require.False(t, seen[sample], "sample %d counted twice", sample)
			seen[sample] = true
		}
	}

	assert.LessOrEqual(t, len(seen), len(produced))
}

func TestEstimateConsecutivePollsDisjoint(t *testing.T) {
	t.Parallel()

	clock := uptime.NewManual(0)
	est := NewEstimator(clock, nil)

	// Prime the cursor with a single tick at zero.
	est.Estimate("world", ticksBetween(-nominal, 0), nominal)

	total := 0.0
	for second := 1; second <= 10; second++ {
		// Sliding window of the last two seconds, always overlapping the previous poll.
		window := ticksBetween(time.Duration(max(0, second-2))*time.Second, time.Duration(second)*time.Second)
		clock.Set(time.Duration(second) * time.Second)
		total += est.Estimate("world", window, nominal)
	}
	// 20 ticks per second over 10 one-second polls; each tick counted exactly once.
	assert.InDelta(t, 200.0, total, 0.001)
}

func TestEstimateGroupsIndependent(t *testing.T) {
	t.Parallel()

	clock := uptime.NewManual(time.Second)
	est := NewEstimator(clock, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			group := fmt.Sprintf("world-%d", id)
			for j := 0; j < 100; j++ {
				est.Estimate(group, ticksBetween(0, time.Second), nominal)
				est.LastReported(group)
			}
		}(i)
	}
	wg.Wait()

	groups := est.Groups()
	require.Len(t, groups, 8)
	assert.Equal(t, "world-0", groups[0])
	for _, group := range groups {
		rate, ok := est.LastReported(group)
		require.True(t, ok)
		assert.Equal(t, 0.0, rate, "repeated polls of an unchanged window stagnate")
	}
}
