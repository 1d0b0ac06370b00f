// Package scheduler runs the control plane's periodic side effects (health
// probes, cache sweeps, rate-limit window GC, queue stall recovery,
// overload detection) against an injectable clock.
//
// Serve drives tasks from a ticker in production. Tests step a fake clock
// and call RunDue, which runs every due task and returns once they finish.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// DefaultResolution is the tick used by Serve when none is configured.
const DefaultResolution = 100 * time.Millisecond

// Task is a unit of periodic work.
type Task func(ctx context.Context)

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name     string
	Interval time.Duration
	NextRun  time.Time
	LastRun  time.Time
	Runs     int64
}

type task struct {
	name     string
	interval time.Duration
	fn       Task
	nextRun  time.Time
	lastRun  time.Time
	runs     int64
	running  bool
}

// Scheduler runs registered tasks on their own intervals.
type Scheduler struct {
	clock      clock.WithTicker
	resolution time.Duration
	logger     observability.Logger

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock abstraction.
func WithClock(c clock.WithTicker) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithResolution sets the tick used by Serve.
func WithResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.resolution = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:      clock.RealClock{},
		resolution: DefaultResolution,
		logger:     observability.NopLogger(),
		tasks:      make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() clock.WithTicker {
	return s.clock
}

// Every registers fn to run every interval, first after one interval.
// Registering a name twice replaces the earlier task.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("task %s: nil function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[name] = &task{
		name:     name,
		interval: interval,
		fn:       fn,
		nextRun:  s.clock.Now().Add(interval),
	}
	return nil
}

// Remove unregisters a task.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	delete(s.tasks, name)
	s.mu.Unlock()
}

// Tasks returns a snapshot of registered tasks sorted by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		infos = append(infos, TaskInfo{
			Name:     t.name,
			Interval: t.interval,
			NextRun:  t.nextRun,
			LastRun:  t.lastRun,
			Runs:     t.runs,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// RunDue runs every task due at the current clock time and waits for them.
// It returns the number of tasks started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	var wg sync.WaitGroup
	n := s.dispatch(ctx, &wg)
	wg.Wait()
	return n
}

// Serve runs due tasks on every tick until ctx is done. Slow tasks do not
// delay others; a task never overlaps with its own previous run.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.resolution)
	defer ticker.Stop()

	s.logger.Info("scheduler started", observability.Duration("resolution", s.resolution))

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C():
			s.dispatch(ctx, &s.wg)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, wg *sync.WaitGroup) int {
	now := s.clock.Now()

	s.mu.Lock()
	due := make([]*task, 0)
	for _, t := range s.tasks {
		if t.running || now.Before(t.nextRun) {
			continue
		}
		t.running = true
		t.lastRun = now
		t.runs++
		// Skip missed ticks instead of bursting to catch up.
		for !t.nextRun.After(now) {
			t.nextRun = t.nextRun.Add(t.interval)
		}
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, t := range due {
		wg.Add(1)
		go s.run(ctx, t, wg)
	}
	return len(due)
}

func (s *Scheduler) run(ctx context.Context, t *task, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked",
				observability.String("task", t.name),
				observability.Any("panic", r),
			)
		}
		s.mu.Lock()
		t.running = false
		s.mu.Unlock()
	}()

	t.fn(ctx)
}

// String implements fmt.Stringer for suture logging.
func (s *Scheduler) String() string {
	return "scheduler"
}
