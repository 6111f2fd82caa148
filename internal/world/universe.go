package world

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/perfsaver/internal/config"
	"github.com/skobkin/perfsaver/internal/tickrate"
	"github.com/skobkin/perfsaver/internal/uptime"
)

// ErrUnknownWorld is returned for lookups of worlds that do not exist.
var ErrUnknownWorld = errors.New("world: unknown world")

// Universe is the set of worlds sharing one view radius knob. It serves the
// controller's tick, fallback rate and workload queries by world name.
type Universe struct {
	knob   *ServerConfig
	worlds map[string]*World
	order  []string
	logger *slog.Logger
}

// NewUniverse builds the configured worlds and spawns their bots. The first
// configured world is the default one.
func NewUniverse(cfg config.WorldConfig, clock uptime.Clock, logger *slog.Logger) (*Universe, error) {
	if len(cfg.Names) == 0 {
		return nil, fmt.Errorf("at least one world is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	u := &Universe{
		knob:   NewServerConfig(cfg.ViewRadius),
		worlds: make(map[string]*World, len(cfg.Names)),
		logger: logger.With("component", "universe"),
	}
	for i, name := range cfg.Names {
		if _, dup := u.worlds[name]; dup {
			return nil, fmt.Errorf("duplicate world %q", name)
		}
		w, err := New(name, Options{
			TPS:        cfg.TPS,
			ChunkBytes: cfg.ChunkBytes,
			Seed:       cfg.Seed + uint64(i),
		}, u.knob, clock, logger)
		if err != nil {
			return nil, err
		}
		u.worlds[name] = w
		u.order = append(u.order, name)
	}

	if bots := cfg.Bots; bots > 0 {
		def := u.Default()
		for i := 0; i < bots; i++ {
			def.AddBot()
		}
	}
	return u, nil
}

// Config returns the shared view radius knob.
func (u *Universe) Config() *ServerConfig {
	return u.knob
}

// Default returns the first configured world.
func (u *Universe) Default() *World {
	return u.worlds[u.order[0]]
}

// World looks up a world by name.
func (u *Universe) World(name string) (*World, error) {
	w, ok := u.worlds[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownWorld, name)
	}
	return w, nil
}

// Worlds returns the worlds in configuration order.
func (u *Universe) Worlds() []*World {
	out := make([]*World, 0, len(u.order))
	for _, name := range u.order {
		out = append(out, u.worlds[name])
	}
	return out
}

// Run ticks every world until ctx is cancelled.
func (u *Universe) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(u.order))
	for i, name := range u.order {
		wg.Add(1)
		go func(i int, w *World) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				errs[i] = fmt.Errorf("world %s: %w", w.Name(), err)
			}
		}(i, u.worlds[name])
	}
	wg.Wait()
	return errors.Join(errs...)
}

// TickMetric returns the historic tick metric of a world, empty when unknown.
func (u *Universe) TickMetric(group string) tickrate.Metric {
	w, ok := u.worlds[group]
	if !ok {
		return tickrate.Metric{}
	}
	return w.history.Metric()
}

// NominalTickPeriod returns the tick step of a world, 0 when unknown.
func (u *Universe) NominalTickPeriod(group string) time.Duration {
	w, ok := u.worlds[group]
	if !ok {
		return 0
	}
	return w.tickStep
}

// ReportedRate returns a world's own instantaneous rate.
func (u *Universe) ReportedRate(group string) float64 {
	w, ok := u.worlds[group]
	if !ok {
		return tickrate.Unknown
	}
	return w.ReportedTPS()
}

// LoadedWorkUnits returns the number of loaded chunks of a world.
func (u *Universe) LoadedWorkUnits(group string) int {
	w, ok := u.worlds[group]
	if !ok {
		return 0
	}
	return w.chunks.LoadedCount()
}
