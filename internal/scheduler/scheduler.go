// Package scheduler runs named periodic tasks on their own goroutines.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Scheduler owns a set of periodic tasks. The zero value is not usable; build
// one with New.
type Scheduler struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[*Task]struct{}
}

// New creates a scheduler. Close stops every task it started.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[*Task]struct{}),
	}
}

// Task is a handle to one scheduled registration.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	runs  uint64
	fails uint64
}

// Name returns the name the task was registered with.
func (t *Task) Name() string {
	return t.name
}

// Cancel stops future runs and returns immediately. A run already in progress
// completes normally.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed once the task goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Runs returns the number of completed invocations and how many of them panicked.
func (t *Task) Runs() (total, panicked uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs, t.fails
}

// ScheduleAtFixedRate runs fn after initialDelay and then every interval,
// measured from the start of each run. Runs that fall behind are coalesced.
func (s *Scheduler) ScheduleAtFixedRate(name string, fn func(), initialDelay, interval time.Duration) *Task {
	return s.schedule(name, fn, initialDelay, interval, true)
}

// ScheduleWithFixedDelay runs fn after initialDelay and then waits delay after
// each run completes before starting the next one.
func (s *Scheduler) ScheduleWithFixedDelay(name string, fn func(), initialDelay, delay time.Duration) *Task {
	return s.schedule(name, fn, initialDelay, delay, false)
}

func (s *Scheduler) schedule(name string, fn func(), initialDelay, interval time.Duration, fixedRate bool) *Task {
	if interval <= 0 {
		panic(fmt.Sprintf("scheduler: task %q interval must be > 0", name))
	}
	if initialDelay < 0 {
		initialDelay = 0
	}

	ctx, cancel := context.WithCancel(s.ctx)
	task := &Task{name: name, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[task] = struct{}{}
	s.mu.Unlock()

	logger := s.logger.With("task", name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(task.done)
		defer s.forget(task)

		logger.Debug("task scheduled", "initial_delay", initialDelay, "interval", interval, "fixed_rate", fixedRate)
		if fixedRate {
			s.loopFixedRate(ctx, task, fn, initialDelay, interval, logger)
		} else {
			s.loopFixedDelay(ctx, task, fn, initialDelay, interval, logger)
		}
		logger.Debug("task stopped", "reason", ctx.Err())
	}()

	return task
}

func (s *Scheduler) loopFixedRate(ctx context.Context, task *Task, fn func(), initialDelay, interval time.Duration, logger *slog.Logger) {
	if !sleep(ctx, initialDelay) {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run(task, fn, logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(task, fn, logger)
		}
	}
}

func (s *Scheduler) loopFixedDelay(ctx context.Context, task *Task, fn func(), initialDelay, delay time.Duration, logger *slog.Logger) {
	wait := initialDelay
	for {
		if !sleep(ctx, wait) {
			return
		}
		run(task, fn, logger)
		wait = delay
	}
}

// sleep waits for d or until ctx is done, reporting whether the wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func run(task *Task, fn func(), logger *slog.Logger) {
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
		task.mu.Lock()
		task.runs++
		if panicked {
			task.fails++
		}
		task.mu.Unlock()
	}()
	fn()
}

func (s *Scheduler) forget(task *Task) {
	s.mu.Lock()
	delete(s.tasks, task)
	s.mu.Unlock()
}

// Active returns the number of tasks whose goroutine is still running.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every task and waits for their goroutines to exit.
func (s *Scheduler) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
