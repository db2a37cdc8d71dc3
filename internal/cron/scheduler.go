// Package cron runs the periodic maintenance jobs: stale task requeue and
// snapshot refresh.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/newsgraph/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one named periodic action.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

type Config struct {
	Jobs     []Job
	Clock    shared.Clock
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

type entry struct {
	job     Job
	nextRun time.Time
	runs    int
}

// Scheduler checks its jobs on every tick and runs the ones that are due.
type Scheduler struct {
	clock    shared.Clock
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job expression up front.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = shared.SystemClock{}
	}
	now := clock.Now()
	s := &Scheduler{
		clock:    clock,
		logger:   logger.With("component", "cron"),
		interval: interval,
	}
	for _, j := range cfg.Jobs {
		next, err := NextRunTime(j.Expr, now)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.Name, err)
		}
		s.entries = append(s.entries, &entry{job: j, nextRun: next})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every job whose next run time has passed.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !now.Before(e.nextRun) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	err := e.job.Run(ctx)
	next, nerr := NextRunTime(e.job.Expr, now)
	if nerr != nil {
		// Expressions are validated in NewScheduler.
		s.logger.Error("cron: failed to compute next run time", "job", e.job.Name, "error", nerr)
		return
	}
	s.mu.Lock()
	e.nextRun = next
	e.runs++
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "error", err, "next_run_at", next)
		return
	}
	s.logger.Info("cron: job fired", "job", e.job.Name, "next_run_at", next)
}

// JobStatus reports a job's schedule state.
type JobStatus struct {
	Name    string    `json:"name"`
	Expr    string    `json:"expr"`
	NextRun time.Time `json:"next_run"`
	Runs    int       `json:"runs"`
}

func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, JobStatus{Name: e.job.Name, Expr: e.job.Expr, NextRun: e.nextRun, Runs: e.runs})
	}
	return out
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
