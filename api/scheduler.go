/*
scheduler.go - Cron-driven lifecycle sweeps

PURPOSE:
  Runs the time-based transitions the orchestrator never performs inline:
  no-show detection, completion of elapsed check-ins, and expiry of
  waiting-list claim windows with re-promotion.

DESIGN:
  - One robfig/cron job per sweep, each with its own spec
  - An empty spec disables that sweep
  - Overlapping runs of the same job are skipped, not queued
  - Stop waits for running jobs to finish

USAGE:
  scheduler, err := NewSweepScheduler(orchestrator, cfg.Sweeps, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSweeps endpoint (manual trigger)
  - reservation/lifecycle.go: SweepNoShows, SweepCompletions
  - reservation/waitlist.go: Sweep
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/reservation-engine/config"
	"github.com/warp/reservation-engine/reservation"
)

// sweepTimeout bounds a single sweep run.
const sweepTimeout = time.Minute

// SweepScheduler runs the orchestrator's sweeps on cron schedules.
type SweepScheduler struct {
	Orchestrator *reservation.Orchestrator
	Logger       *zap.Logger

	cron    *cron.Cron
	entries map[string]cron.EntryID
	mu      sync.Mutex
	running bool
}

// NewSweepScheduler registers one job per non-empty spec.
func NewSweepScheduler(o *reservation.Orchestrator, specs config.SweepsConfig, logger *zap.Logger) (*SweepScheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SweepScheduler{
		Orchestrator: o,
		Logger:       logger,
		entries:      make(map[string]cron.EntryID),
	}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) (int, error)
	}{
		{"no_show", specs.NoShow, s.noShows},
		{"completion", specs.Completion, s.completions},
		{"waitlist", specs.Waitlist, s.waitlist},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		id, err := s.cron.AddFunc(job.spec, func() { s.runJob(job.name, job.run) })
		if err != nil {
			return nil, fmt.Errorf("failed to schedule %s sweep: %w", job.name, err)
		}
		s.entries[job.name] = id
	}
	return s, nil
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	if len(s.entries) == 0 {
		s.Logger.Info("sweep scheduler has no jobs, not starting")
		return
	}
	s.cron.Start()
	s.running = true
	s.Logger.Info("sweep scheduler started", zap.Int("jobs", len(s.entries)))
}

// Stop stops the scheduler and waits for running sweeps.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.Logger.Info("sweep scheduler stopped")
}

// Jobs returns the names of the scheduled sweeps.
func (s *SweepScheduler) Jobs() []string {
	names := make([]string, 0, len(s.entries))
	for _, name := range []string{"no_show", "completion", "waitlist"} {
		if _, ok := s.entries[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// NextRun returns when the named sweep fires next. Zero when unknown or not started.
func (s *SweepScheduler) NextRun(name string) time.Time {
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// RunNow runs one sweep immediately (for testing/admin).
func (s *SweepScheduler) RunNow(name string) error {
	var run func(context.Context) (int, error)
	switch name {
	case "no_show":
		run = s.noShows
	case "completion":
		run = s.completions
	case "waitlist":
		run = s.waitlist
	default:
		return fmt.Errorf("unknown sweep %q", name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	_, err := run(ctx)
	return err
}

func (s *SweepScheduler) runJob(name string, run func(context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	start := time.Now()
	n, err := run(ctx)
	if err != nil {
		s.Logger.Error("sweep failed", zap.String("sweep", name), zap.Error(err))
		return
	}
	if n > 0 {
		s.Logger.Info("sweep completed",
			zap.String("sweep", name),
			zap.Int("changed", n),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *SweepScheduler) noShows(ctx context.Context) (int, error) {
	ids, err := s.Orchestrator.SweepNoShows(ctx)
	return len(ids), err
}

func (s *SweepScheduler) completions(ctx context.Context) (int, error) {
	ids, err := s.Orchestrator.SweepCompletions(ctx)
	return len(ids), err
}

func (s *SweepScheduler) waitlist(ctx context.Context) (int, error) {
	res, err := s.Orchestrator.Waitlist.Sweep(ctx)
	return len(res.Expired) + len(res.Promoted), err
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
