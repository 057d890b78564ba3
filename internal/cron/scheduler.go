// Package cron runs named periodic jobs on top of robfig/cron. Each job is
// wrapped so that a panic is logged instead of crashing the process and a
// run that is still in progress causes the next tick to be skipped.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger *slog.Logger
}

// Scheduler owns one robfig cron instance and a name -> entry index.
type Scheduler struct {
	logger *slog.Logger
	cron   *cronlib.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cronlib.EntryID
	started bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")
	adapter := slogAdapter{logger: logger}
	return &Scheduler{
		logger: logger,
		cron: cronlib.New(
			cronlib.WithLogger(adapter),
			cronlib.WithChain(cronlib.SkipIfStillRunning(adapter), cronlib.Recover(adapter)),
		),
		ctx:     context.Background(),
		entries: make(map[string]cronlib.EntryID),
	}
}

// Every schedules fn to run every d under name, replacing any job already
// registered with that name. Intervals are rounded down to whole seconds
// with a minimum of one second.
func (s *Scheduler) Every(name string, d time.Duration, fn func(ctx context.Context)) error {
	if name == "" {
		return fmt.Errorf("cron: job name is required")
	}
	if d <= 0 {
		return fmt.Errorf("cron: job %q: interval must be positive, got %s", name, d)
	}
	if fn == nil {
		return fmt.Errorf("cron: job %q: nil func", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}
	job := cronlib.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
	s.entries[name] = s.cron.Schedule(cronlib.Every(d), job)
	s.logger.Debug("job scheduled", "job", name, "every", d)
	return nil
}

// Remove unschedules the named job. It reports whether the job existed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return true
}

// Jobs returns the next fire time of every scheduled job. Jobs report a
// zero time until the scheduler is started.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Start begins firing jobs in the background. Jobs receive ctx; once ctx is
// done no further runs begin. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.Jobs()))
}

// Stop halts scheduling and waits for running jobs to return, or for ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("cron scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron: wait for running jobs: %w", ctx.Err())
	}
}

// slogAdapter satisfies cronlib.Logger. The library's chatty lifecycle
// messages go to debug.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, append(keysAndValues, "error", err)...)
}
