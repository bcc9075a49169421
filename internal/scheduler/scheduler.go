// Package scheduler runs ReplyPipe's periodic maintenance on cron schedules.
//
// The main job is the due-delay sweep: it fires armed delayed steps whose
// wake-up was lost, for example because the process restarted between arming
// and firing on a backend without durable jobs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the due-delay sweep every minute.
const DefaultSweepSchedule = "* * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a cron scheduler. Call Start to run it.
func NewScheduler() *Scheduler {
	// Standard 5-field parser (min, hour, dom, month, dow); descriptors like
	// "@every 30s" are accepted too.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries returns how many jobs are scheduled.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// DueSweeper fires armed delays whose fire time has passed. *flow.Engine
// implements it.
type DueSweeper interface {
	SweepDue(ctx context.Context) (int, error)
}

// Sweep wraps a DueSweeper as a cron task with a per-run timeout.
type Sweep struct {
	sweeper DueSweeper
	timeout time.Duration

	mu      sync.Mutex
	runs    int
	lastErr error
}

// NewSweep creates a sweep task. timeout bounds a single run.
func NewSweep(sweeper DueSweeper, timeout time.Duration) *Sweep {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Sweep{sweeper: sweeper, timeout: timeout}
}

// Run performs one sweep.
func (w *Sweep) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	n, err := w.sweeper.SweepDue(ctx)

	w.mu.Lock()
	w.runs++
	w.lastErr = err
	w.mu.Unlock()

	if err != nil {
		slog.Error("Sweep.Run: due sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Sweep.Run: fired overdue delays", "replies", n)
	}
}

// Stats reports how many runs happened and the last run's error.
func (w *Sweep) Stats() (runs int, lastErr error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs, w.lastErr
}

// ScheduleSweep registers sweep on s at expr.
func ScheduleSweep(s *Scheduler, expr string, sweep *Sweep) error {
	if expr == "" {
		expr = DefaultSweepSchedule
	}
	if err := s.AddJob(expr, sweep.Run); err != nil {
		return err
	}
	slog.Info("ScheduleSweep: due sweep scheduled", "schedule", expr)
	return nil
}
