// Package scheduler drives the agent's periodic cadences: jittered
// tick loops, maintenance-window deferral for disruptive work, and a
// bounded worker pool shared across cadences.
package scheduler

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/config"
)

// Task is one periodic activity. Disruptive tasks are deferred to the
// next maintenance-window start when a window is configured.
type Task struct {
	Name       string
	Interval   time.Duration
	Disruptive bool
	Run        func(ctx context.Context)
}

// Scheduler owns one goroutine per task plus the shared worker pool.
type Scheduler struct {
	log     zerolog.Logger
	jitter  float64
	window  *config.MaintenanceWindow
	workers chan struct{}

	mu       sync.Mutex
	tasks    []*Task
	triggers map[string]chan struct{}

	wg sync.WaitGroup
}

// New builds a scheduler. workers <= 0 selects min(4, ncpu); the
// appliance is resource-constrained so the pool never grows past 4.
func New(log zerolog.Logger, jitterPct float64, window *config.MaintenanceWindow, workers int) *Scheduler {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > 4 {
			workers = 4
		}
	}
	return &Scheduler{
		log:      log,
		jitter:   jitterPct,
		window:   window,
		workers:  make(chan struct{}, workers),
		triggers: make(map[string]chan struct{}),
	}
}

// Add registers a task. Must be called before Run.
func (s *Scheduler) Add(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	s.triggers[t.Name] = make(chan struct{}, 1)
}

// Trigger fires a task immediately, out of cadence. Used for the
// server's trigger flags and signed orders. Unknown names are ignored.
func (s *Scheduler) Trigger(name string) {
	s.mu.Lock()
	ch := s.triggers[name]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run starts every task loop and blocks until ctx is cancelled and the
// loops have drained. Workers not yielding within 5s are abandoned with
// a warning.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]*Task(nil), s.tasks...)
	s.mu.Unlock()

	for _, t := range tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("workers did not stop within 5s, abandoning")
	}
}

func (s *Scheduler) loop(ctx context.Context, t *Task) {
	defer s.wg.Done()

	s.mu.Lock()
	trigger := s.triggers[t.Name]
	s.mu.Unlock()

	timer := time.NewTimer(s.jittered(t.Interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		s.fire(ctx, t)
		timer.Reset(s.jittered(t.Interval))
	}
}

// fire waits out the maintenance-window deferral and a worker slot,
// then runs the task body. Both waits honor cancellation.
func (s *Scheduler) fire(ctx context.Context, t *Task) {
	if t.Disruptive && s.window != nil {
		now := time.Now().UTC()
		if !s.window.Contains(now) {
			wait := s.window.NextStart(now).Sub(now)
			s.log.Info().Str("task", t.Name).Dur("wait", wait).Msg("disruptive work deferred to maintenance window")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}

	select {
	case <-ctx.Done():
		return
	case s.workers <- struct{}{}:
	}
	defer func() { <-s.workers }()

	start := time.Now()
	t.Run(ctx)
	s.log.Debug().Str("task", t.Name).Dur("took", time.Since(start)).Msg("cadence tick")
}

// jittered spreads an interval by ±jitterPct, drawn fresh per tick so
// cadences never phase-lock across a fleet.
func (s *Scheduler) jittered(d time.Duration) time.Duration {
	if s.jitter <= 0 {
		return d
	}
	factor := 1 + (rand.Float64()*2-1)*s.jitter
	return time.Duration(float64(d) * factor)
}
