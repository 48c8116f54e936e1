// Package janitor runs the periodic sweeps that bound in-memory state:
// rate limiter windows, stale dedup calls and expired store entries.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepFunc removes state that expired by now and reports how much.
type SweepFunc func(now time.Time) int

type task struct {
	name  string
	sweep SweepFunc
}

type Janitor struct {
	schedule string
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	tasks   []task
	cron    *cron.Cron
	running bool
}

// New validates schedule, any robfig/cron standard expression or descriptor such
// as "@every 30s".
func New(schedule string, logger *slog.Logger) (*Janitor, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Janitor{
		schedule: schedule,
		logger:   logger.With("component", "janitor"),
		now:      time.Now,
		cron:     cron.New(),
	}, nil
}

// Add registers a named sweep. Tasks run in registration order.
func (j *Janitor) Add(name string, fn SweepFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tasks = append(j.tasks, task{name: name, sweep: fn})
}

// RunOnce runs every task now and returns the removed count per task.
func (j *Janitor) RunOnce() map[string]int {
	j.mu.Lock()
	tasks := append([]task(nil), j.tasks...)
	j.mu.Unlock()

	now := j.now()
	out := make(map[string]int, len(tasks))
	for _, t := range tasks {
		n := j.safeSweep(t, now)
		out[t.name] = n
		if n > 0 {
			j.logger.Debug("sweep removed entries", "task", t.name, "removed", n)
		}
	}
	return out
}

func (j *Janitor) safeSweep(t task, now time.Time) (n int) {
	defer func() {
		if rec := recover(); rec != nil {
			j.logger.Error("sweep panicked", "task", t.name, "panic", rec)
			n = 0
		}
	}()
	return t.sweep(now)
}

// Start schedules the sweeps and stops them when ctx is done.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	if _, err := j.cron.AddFunc(j.schedule, func() { j.RunOnce() }); err != nil {
		return fmt.Errorf("schedule sweeps: %w", err)
	}
	j.cron.Start()
	j.running = true
	j.logger.Info("janitor started", "schedule", j.schedule, "tasks", len(j.tasks))

	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	return nil
}

// Stop waits for a sweep in progress to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.logger.Info("janitor stopped")
}
