package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"insight-service/internal/clock"
	"insight-service/internal/util"

	"go.uber.org/zap"
)

// JobFunc is one run of a periodic job
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	run      JobFunc
}

// Scheduler runs periodic jobs on a clock. Runs of the same job never
// overlap, and a failing or panicking job is logged and rescheduled.
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	jobs    []job
	timers  []clock.Timer
	started bool
}

// NewScheduler creates an idle scheduler
func NewScheduler(c clock.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{clock: c, logger: util.ComponentLogger(logger, "scheduler")}
}

// Add registers a job. Jobs with a non-positive interval are ignored.
// Must be called before Start.
func (s *Scheduler) Add(name string, interval time.Duration, run JobFunc) {
	if interval <= 0 {
		s.logger.Info("Job disabled", zap.String("job", name))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, interval: interval, run: run})
}

// Start schedules every registered job. Runs receive ctx; once it is
// cancelled no further runs start.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, j := range s.jobs {
		j := j
		s.timers = append(s.timers, clock.Every(s.clock, j.interval, func() {
			s.runOnce(ctx, j)
		}))
		s.logger.Info("Scheduled job", zap.String("job", j.name), zap.Duration("interval", j.interval))
	}
}

// Stop cancels every pending run. A run already in progress completes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.started = false
}

func (s *Scheduler) runOnce(ctx context.Context, j job) {
	if ctx.Err() != nil {
		return
	}

	err := safeRun(ctx, j.run)
	if err != nil {
		util.SchedulerJobRunsTotal.WithLabelValues(j.name, "failure").Inc()
		s.logger.Warn("Job failed", zap.String("job", j.name), zap.Error(err))
		return
	}
	util.SchedulerJobRunsTotal.WithLabelValues(j.name, "success").Inc()
}

func safeRun(ctx context.Context, run JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return run(ctx)
}
