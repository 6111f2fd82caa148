package world

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/perfsaver/internal/config"
	"github.com/skobkin/perfsaver/internal/tickrate"
	"github.com/skobkin/perfsaver/internal/uptime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickHistoryMetricWindow(t *testing.T) {
	h := NewTickHistory(8, time.Second, 10*time.Second)

	assert.Empty(t, h.Metric().Timestamps)
	assert.Equal(t, []int64{int64(time.Second), int64(10 * time.Second)}, h.Metric().PeriodsNanos)

	for sec := 1; sec <= 12; sec++ {
		h.Record(time.Duration(sec)*time.Second, time.Millisecond)
	}

	m := h.Metric()
	// Capacity keeps 5..12; the 10s window measured from 12 drops anything <= 2.
	require.Len(t, m.Timestamps, 8)
	assert.Equal(t, int64(5*time.Second), m.Timestamps[0])
	assert.Equal(t, int64(12*time.Second), m.Timestamps[7])
	assert.Equal(t, int64(time.Millisecond), m.Values[7])

	h2 := NewTickHistory(64, time.Second, 10*time.Second)
	for sec := 1; sec <= 20; sec++ {
		h2.Record(time.Duration(sec)*time.Second, time.Millisecond)
	}
	m2 := h2.Metric()
	require.Len(t, m2.Timestamps, 10)
	assert.Equal(t, int64(11*time.Second), m2.Timestamps[0])
}

func TestTickHistoryRecentRate(t *testing.T) {
	h := NewTickHistory(256)
	for i := 1; i <= 40; i++ {
		h.Record(time.Duration(i)*50*time.Millisecond, 10*time.Millisecond)
	}

	assert.InDelta(t, 20.0, h.RecentRate(2*time.Second, time.Second), 0.001)
	assert.InDelta(t, 0.0, h.RecentRate(10*time.Second, time.Second), 0.001)
	assert.Equal(t, 10*time.Millisecond, h.MeanLength(2*time.Second, time.Second))
	assert.Zero(t, h.MeanLength(10*time.Second, time.Second))
}

func TestChunkStoreSync(t *testing.T) {
	store := NewChunkStore(8192)

	wanted := map[ChunkPos]struct{}{}
	chunksInRadius(wanted, ChunkPos{}, 2)
	// Disc of radius 2: 13 chunks.
	require.Len(t, wanted, 13)

	loaded, unloaded := store.Sync(wanted)
	assert.Equal(t, 13, loaded)
	assert.Zero(t, unloaded)
	assert.Equal(t, 13, store.LoadedCount())
	assert.Equal(t, uint64(13*8192), store.LoadedBytes())
	assert.True(t, store.Has(ChunkPos{X: 2}))
	assert.False(t, store.Has(ChunkPos{X: 2, Z: 2}))

	smaller := map[ChunkPos]struct{}{}
	chunksInRadius(smaller, ChunkPos{}, 1)
	loaded, unloaded = store.Sync(smaller)
	assert.Zero(t, loaded)
	assert.Equal(t, 8, unloaded)

	store.Sync(nil)
	assert.Zero(t, store.LoadedCount())
	loads, unloads := store.Churn()
	assert.Equal(t, uint64(13), loads)
	assert.Equal(t, uint64(13), unloads)
}

func TestChunkAt(t *testing.T) {
	assert.Equal(t, ChunkPos{X: 0, Z: 0}, ChunkAt(0, 31.9))
	assert.Equal(t, ChunkPos{X: -1, Z: 1}, ChunkAt(-0.5, 32))
	assert.Equal(t, ChunkPos{X: -2, Z: -1}, ChunkAt(-33, -32))
}

func TestWorldTickFollowsViewRadius(t *testing.T) {
	knob := NewServerConfig(3)
	clock := uptime.NewManual(time.Second)
	w, err := New("world", Options{TPS: 20, ChunkBytes: 1024, Seed: 1}, knob, clock, discardLogger())
	require.NoError(t, err)

	w.AddPlayer("alice", 0, 0)
	w.Tick()
	assert.Equal(t, 29, w.Chunks().LoadedCount(), "disc of radius 3")

	knob.SetMaxViewRadius(1)
	clock.Advance(50 * time.Millisecond)
	w.Tick()
	assert.Equal(t, 5, w.Chunks().LoadedCount())

	m := w.History().Metric()
	require.Len(t, m.Timestamps, 2)
	for _, v := range m.Values {
		assert.Positive(t, v)
	}

	info := w.Info()
	assert.Equal(t, "world", info.Name)
	assert.Equal(t, uint64(2), info.Ticks)
	assert.Equal(t, 1, info.Players)
	assert.Equal(t, 5, info.LoadedChunks)
}

func TestWorldPlayers(t *testing.T) {
	w, err := New("world", Options{TPS: 20, ChunkBytes: 1}, NewServerConfig(1), uptime.NewManual(0), discardLogger())
	require.NoError(t, err)

	bob := w.AddPlayer("bob", 10, 10)
	w.AddPlayer("alice", 0, 0)
	bot := w.AddBot()
	assert.True(t, bot.Bot)

	players := w.Players()
	require.Len(t, players, 3)
	assert.Equal(t, "alice", players[0].Name)

	require.NoError(t, w.RemovePlayer(bob.ID))
	err = w.RemovePlayer(bob.ID)
	assert.True(t, errors.Is(err, ErrPlayerNotFound))
	assert.ErrorIs(t, w.RemovePlayer(uuid.New()), ErrPlayerNotFound)
	assert.Len(t, w.Players(), 2)

	w.Tick()
	for _, p := range w.Players() {
		require.NoError(t, w.RemovePlayer(p.ID))
	}
	w.Tick()
	assert.Zero(t, w.Chunks().LoadedCount(), "no players, no chunks")
}

func TestWorldReportedTPS(t *testing.T) {
	clock := uptime.NewManual(0)
	w, err := New("world", Options{TPS: 30}, NewServerConfig(0), clock, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, 30.0, w.ReportedTPS(), "target rate before the first tick")
	assert.Equal(t, time.Second/30, w.TickStep())

	for i := 0; i < 10; i++ {
		clock.Advance(100 * time.Millisecond)
		w.Tick()
	}
	assert.InDelta(t, 10.0, w.ReportedTPS(), 0.001)
}

func TestWorldRunStopsOnCancel(t *testing.T) {
	w, err := New("world", Options{TPS: 200, ChunkBytes: 64}, NewServerConfig(1), uptime.Process(), discardLogger())
	require.NoError(t, err)
	w.AddPlayer("alice", 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Info().Ticks >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("world did not stop")
	}
	assert.Zero(t, w.Chunks().LoadedCount(), "chunks released on stop")
}

func TestNewValidates(t *testing.T) {
	_, err := New("", Options{TPS: 20}, NewServerConfig(1), nil, nil)
	assert.Error(t, err)
	_, err = New("world", Options{}, NewServerConfig(1), nil, nil)
	assert.Error(t, err)
	_, err = New("world", Options{TPS: 20}, nil, nil, nil)
	assert.Error(t, err)
}

func TestUniverseServesControllerQueries(t *testing.T) {
	clock := uptime.NewManual(time.Second)
	u, err := NewUniverse(config.WorldConfig{
		Names:      []string{"world", "nether"},
		TPS:        20,
		ViewRadius: 2,
		ChunkBytes: 128,
		Bots:       2,
		Seed:       7,
	}, clock, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, "world", u.Default().Name())
	assert.Len(t, u.Default().Players(), 2)
	assert.Empty(t, mustWorld(t, u, "nether").Players())
	assert.Equal(t, 2, u.Config().MaxViewRadius())

	_, err = u.World("mars")
	assert.ErrorIs(t, err, ErrUnknownWorld)

	assert.Equal(t, 20.0, u.ReportedRate("world"))
	assert.Equal(t, tickrate.Unknown, u.ReportedRate("mars"))
	assert.Equal(t, 50*time.Millisecond, u.NominalTickPeriod("world"))
	assert.Zero(t, u.NominalTickPeriod("mars"))
	assert.Empty(t, u.TickMetric("mars").PeriodsNanos)

	u.Default().Tick()
	assert.Positive(t, u.LoadedWorkUnits("world"))
	assert.Zero(t, u.LoadedWorkUnits("nether"))
	assert.Zero(t, u.LoadedWorkUnits("mars"))
	assert.Len(t, u.TickMetric("world").Timestamps, 1)

	names := make([]string, 0, 2)
	for _, w := range u.Worlds() {
		names = append(names, w.Name())
	}
	assert.Equal(t, []string{"world", "nether"}, names)
}

func TestUniverseRun(t *testing.T) {
	u, err := NewUniverse(config.WorldConfig{
		Names:      []string{"a", "b"},
		TPS:        100,
		ViewRadius: 1,
		ChunkBytes: 64,
		Bots:       1,
	}, nil, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, u.Run(ctx))
	assert.Positive(t, mustWorld(t, u, "b").Info().Ticks)
}

func mustWorld(t *testing.T, u *Universe, name string) *World {
	t.Helper()
	w, err := u.World(name)
	require.NoError(t, err)
	return w
}
