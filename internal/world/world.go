// Package world simulates the host the throttling controller is embedded in:
// worlds that tick at a fixed rate, load chunks around their players and share
// a single view radius knob.
package world

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/perfsaver/internal/uptime"
)

// ErrPlayerNotFound is returned when removing an unknown player.
var ErrPlayerNotFound = errors.New("world: player not found")

const (
	historyCapacity = 4096
	botStep         = 0.6
	spawnSpread     = 256.0
)

// ServerConfig holds the host-wide view radius knob. Bounds are not enforced.
type ServerConfig struct {
	radius atomic.Int64
}

// NewServerConfig creates a knob set to radius.
func NewServerConfig(radius int) *ServerConfig {
	cfg := &ServerConfig{}
	cfg.radius.Store(int64(radius))
	return cfg
}

// MaxViewRadius returns the current radius in chunks.
func (c *ServerConfig) MaxViewRadius() int {
	return int(c.radius.Load())
}

// SetMaxViewRadius replaces the radius.
func (c *ServerConfig) SetMaxViewRadius(radius int) {
	c.radius.Store(int64(radius))
}

// Player is a participant whose position keeps chunks loaded.
type Player struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	X    float64   `json:"x"`
	Z    float64   `json:"z"`
	Bot  bool      `json:"bot"`

	heading float64
}

// Info summarises a world for diagnostics.
type Info struct {
	Name           string        `json:"name"`
	TargetTPS      int           `json:"target_tps"`
	RecentTPS      float64       `json:"recent_tps"`
	MeanTickLength time.Duration `json:"mean_tick_length_ns"`
	Ticks          uint64        `json:"ticks"`
	Players        int           `json:"players"`
	LoadedChunks   int           `json:"loaded_chunks"`
	LoadedBytes    uint64        `json:"loaded_bytes"`
	ChunkLoads     uint64        `json:"chunk_loads"`
	ChunkUnloads   uint64        `json:"chunk_unloads"`
}

// World runs a tick loop over its players and chunks.
type World struct {
	name      string
	targetTPS int
	tickStep  time.Duration
	knob      *ServerConfig
	clock     uptime.Clock
	logger    *slog.Logger

	history *TickHistory
	chunks  *ChunkStore

	mu      sync.Mutex
	players map[uuid.UUID]*Player
	rng     *rand.Rand

	ticks    atomic.Uint64
	checksum atomic.Uint64
}

// Options configure a world.
type Options struct {
	TPS        int
	ChunkBytes int
	Seed       uint64
}

// New creates a world sharing knob with the rest of the host.
func New(name string, opts Options, knob *ServerConfig, clock uptime.Clock, logger *slog.Logger) (*World, error) {
	if name == "" {
		return nil, fmt.Errorf("world name must not be empty")
	}
	if opts.TPS <= 0 {
		return nil, fmt.Errorf("world %s: tps must be > 0", name)
	}
	if knob == nil {
		return nil, fmt.Errorf("world %s: view radius knob is required", name)
	}
	if clock == nil {
		clock = uptime.Process()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &World{
		name:      name,
		targetTPS: opts.TPS,
		tickStep:  time.Second / time.Duration(opts.TPS),
		knob:      knob,
		clock:     clock,
		logger:    logger.With("component", "world", "world", name),
		history:   NewTickHistory(historyCapacity, DefaultPeriods...),
		chunks:    NewChunkStore(opts.ChunkBytes),
		players:   make(map[uuid.UUID]*Player),
		rng:       rand.New(rand.NewPCG(opts.Seed, hashName(name))),
	}, nil
}

func hashName(name string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= 1099511628211
	}
	return h
}

// Name returns the world name.
func (w *World) Name() string {
	return w.name
}

// TickStep returns the nominal tick period.
func (w *World) TickStep() time.Duration {
	return w.tickStep
}

// History exposes the tick length history.
func (w *World) History() *TickHistory {
	return w.history
}

// Chunks exposes the chunk store.
func (w *World) Chunks() *ChunkStore {
	return w.chunks
}

// Run ticks the world at its nominal rate until ctx is cancelled, then
// unloads every chunk.
func (w *World) Run(ctx context.Context) error {
	w.logger.Info("world started", "tps", w.targetTPS, "players", w.playerCount())

	ticker := time.NewTicker(w.tickStep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.chunks.Sync(nil)
			w.logger.Info("world stopping", "reason", ctx.Err(), "ticks", w.ticks.Load())
			return nil
		case <-ticker.C:
			w.Tick()
		}
	}
}

// Tick advances the simulation by one step: bots move, chunks around every
// player within the current view radius are loaded, the rest are unloaded,
// and the tick length is recorded.
func (w *World) Tick() {
	start := time.Now()
	radius := w.knob.MaxViewRadius()

	wanted := make(map[ChunkPos]struct{})
	w.mu.Lock()
	for _, p := range w.players {
		if p.Bot {
			w.walk(p)
		}
		chunksInRadius(wanted, ChunkAt(p.X, p.Z), radius)
	}
	w.mu.Unlock()

	loaded, unloaded := w.chunks.Sync(wanted)
	w.checksum.Store(w.chunks.Touch())

	length := max(time.Since(start), time.Nanosecond)
	w.history.Record(w.clock.Uptime(), length)
	w.ticks.Add(1)

	if loaded > 0 || unloaded > 0 {
		w.logger.Debug("chunks synced", "loaded", loaded, "unloaded", unloaded,
			"total", w.chunks.LoadedCount(), "radius", radius, "tick_length", length)
	}
}

func (w *World) walk(p *Player) {
	p.heading += (w.rng.Float64() - 0.5) * 0.4
	p.X += math.Cos(p.heading) * botStep
	p.Z += math.Sin(p.heading) * botStep
}

// AddPlayer places a player at the given block coordinates.
func (w *World) AddPlayer(name string, x, z float64) Player {
	return w.add(&Player{ID: uuid.New(), Name: name, X: x, Z: z})
}

// AddBot places a randomly walking player near the origin.
func (w *World) AddBot() Player {
	w.mu.Lock()
	p := &Player{
		ID:      uuid.New(),
		X:       (w.rng.Float64()*2 - 1) * spawnSpread,
		Z:       (w.rng.Float64()*2 - 1) * spawnSpread,
		Bot:     true,
		heading: w.rng.Float64() * 2 * math.Pi,
	}
	w.mu.Unlock()
	p.Name = "bot-" + p.ID.String()[:8]
	return w.add(p)
}

func (w *World) add(p *Player) Player {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.players[p.ID] = p
	w.logger.Info("player joined", "player", p.Name, "id", p.ID, "bot", p.Bot)
	return *p
}

// RemovePlayer removes a player by id.
func (w *World) RemovePlayer(id uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.players[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, id)
	}
	delete(w.players, id)
	w.logger.Info("player left", "player", p.Name, "id", id)
	return nil
}

// Players returns a snapshot of the players sorted by name.
func (w *World) Players() []Player {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Player, 0, len(w.players))
	for _, p := range w.players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (w *World) playerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.players)
}

// ReportedTPS is the world's own instantaneous rate: ticks over the last
// second, or the target rate before the first tick.
func (w *World) ReportedTPS() float64 {
	if w.ticks.Load() == 0 {
		return float64(w.targetTPS)
	}
	return w.history.RecentRate(w.clock.Uptime(), time.Second)
}

// Info returns a diagnostics snapshot.
func (w *World) Info() Info {
	now := w.clock.Uptime()
	loads, unloads := w.chunks.Churn()
	return Info{
		Name:           w.name,
		TargetTPS:      w.targetTPS,
		RecentTPS:      w.history.RecentRate(now, 10*time.Second),
		MeanTickLength: w.history.MeanLength(now, 10*time.Second),
		Ticks:          w.ticks.Load(),
		Players:        w.playerCount(),
		LoadedChunks:   w.chunks.LoadedCount(),
		LoadedBytes:    w.chunks.LoadedBytes(),
		ChunkLoads:     loads,
		ChunkUnloads:   unloads,
	}
}
