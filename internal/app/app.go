// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/perfsaver/internal/config"
	"github.com/skobkin/perfsaver/internal/gcwatch"
	"github.com/skobkin/perfsaver/internal/httpserver"
	"github.com/skobkin/perfsaver/internal/memory"
	"github.com/skobkin/perfsaver/internal/notice"
	"github.com/skobkin/perfsaver/internal/scheduler"
	"github.com/skobkin/perfsaver/internal/throttle"
	"github.com/skobkin/perfsaver/internal/uptime"
	"github.com/skobkin/perfsaver/internal/world"
)

const (
	shutdownTimeout = 10 * time.Second
	selfCgroupPath  = "/proc/self/cgroup"
)

type services struct {
	universe   *world.Universe
	hub        *notice.Hub
	sched      *scheduler.Scheduler
	controller *throttle.Controller
}

func build(cfg config.Config, baseLogger *slog.Logger) (*services, error) {
	clock := uptime.Process()

	universe, err := world.NewUniverse(cfg.World, clock, baseLogger)
	if err != nil {
		return nil, fmt.Errorf("init worlds: %w", err)
	}

	svc := &services{
		universe: universe,
		hub:      notice.NewHub(0, baseLogger),
	}
	if !cfg.Throttle.Enable {
		return svc, nil
	}

	memLogger := baseLogger.With("component", "memory")
	cgroup := memory.NewCgroupReader(cfg.Throttle.CgroupRoot, selfCgroupPath, memLogger)
	limits := memory.NewLimitResolver(cfg.Throttle.MaxHeapBytes, cgroup, memLogger)

	svc.sched = scheduler.New(baseLogger)
	controller, err := throttle.New(cfg.Throttle, throttle.Deps{
		Radius:    universe.Config(),
		Heap:      limits,
		Ticks:     universe,
		Fallback:  universe,
		Workload:  universe,
		Notifier:  svc.hub,
		GC:        memory.GCFunc(nil),
		GCSource:  gcwatch.NewRuntimeSource(),
		Clock:     clock,
		Scheduler: svc.sched,
	}, baseLogger)
	if err != nil {
		_ = svc.sched.Close()
		return nil, fmt.Errorf("init throttle: %w", err)
	}
	svc.controller = controller
	return svc, nil
}

func (s *services) close() error {
	var errs []error
	if s.controller != nil {
		if err := s.controller.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("throttle shutdown: %w", err))
		}
	}
	if s.sched != nil {
		if err := s.sched.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	svc, err := build(cfg, baseLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.close(); err != nil {
			appLogger.Warn("service close", "err", err)
		}
	}()

	worldNames := make([]string, 0, len(cfg.World.Names))
	for _, w := range svc.universe.Worlds() {
		worldNames = append(worldNames, w.Name())
	}
	appLogger.Info("worlds ready", "worlds", worldNames, "view_radius", cfg.World.ViewRadius, "bots", cfg.World.Bots)

	worldCtx, worldCancel := context.WithCancel(ctx)
	defer worldCancel()

	worldErrCh := make(chan error, 1)
	go func() {
		worldErrCh <- svc.universe.Run(worldCtx)
	}()

	if svc.controller != nil {
		if err := svc.controller.Start(); err != nil {
			worldCancel()
			<-worldErrCh
			return fmt.Errorf("start throttle: %w", err)
		}
	} else {
		appLogger.Warn("throttling disabled", "reason", "APP_THROTTLE_ENABLE=false")
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), svc.universe, svc.controller, svc.hub)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			worldCancel()
			if worldErrCh != nil {
				if worldErr := <-worldErrCh; worldErr != nil && !errors.Is(worldErr, context.Canceled) {
					return errors.Join(err, worldErr)
				}
			}
			return err
		case err := <-worldErrCh:
			worldErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			// Restore the view radius before the worlds stop ticking.
			if err := svc.close(); err != nil {
				appLogger.Warn("service close", "err", err)
			}

			worldCancel()
			if worldErrCh != nil {
				if worldErr := <-worldErrCh; worldErr != nil && !errors.Is(worldErr, context.Canceled) {
					return worldErr
				}
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}
