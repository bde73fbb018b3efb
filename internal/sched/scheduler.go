// Package sched provides the deferred-job scheduler: a fire-and-forget
// invocation primitive for asynchronous follow-up work such as summary
// generation. Due jobs are announced on the bus; no return value is
// awaited. The nightly retention sweep runs as a built-in recurring job.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/turnstile/internal/bus"
	"github.com/basket/turnstile/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// KindRetentionSweep is the built-in recurring job that prunes edge and
// audit history past the configured retention windows.
const KindRetentionSweep = "retention_sweep"

// retentionCron runs the sweep nightly, off the busy hours.
const retentionCron = "30 3 * * *"

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *store.Store
	Events   *bus.Bus
	Logger   *slog.Logger
	Interval time.Duration // poll interval; defaults to 5 seconds if zero

	// Retention windows, in days, applied when the retention_sweep job
	// fires. Zero disables pruning of the corresponding tables.
	EdgeRetentionDays  int
	AuditRetentionDays int
}

// Scheduler periodically queries the store for due deferred jobs and fires
// each one onto the bus. One-shot jobs are stamped fired; recurring jobs
// are rescheduled from their cron expression.
type Scheduler struct {
	store    *store.Store
	events   *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	edgeRetentionDays  int
	auditRetentionDays int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:              cfg.Store,
		events:             cfg.Events,
		logger:             logger,
		interval:           interval,
		edgeRetentionDays:  cfg.EdgeRetentionDays,
		auditRetentionDays: cfg.AuditRetentionDays,
	}
}

// EnsureRetentionJob enqueues the recurring retention_sweep job unless one
// already exists. With both retention windows zero the job is not scheduled
// and history is kept indefinitely.
func (s *Scheduler) EnsureRetentionJob(ctx context.Context) error {
	if s.edgeRetentionDays <= 0 && s.auditRetentionDays <= 0 {
		return nil
	}
	if _, err := s.store.FindRecurringJob(ctx, KindRetentionSweep); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrJobNotFound) {
		return err
	}
	runAt, err := NextRunTime(retentionCron, time.Now())
	if err != nil {
		return err
	}
	_, err = s.store.EnqueueJob(ctx, KindRetentionSweep, "{}", retentionCron, runAt)
	return err
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueJobs(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: failed to query due jobs", "error", err)
		return
	}
	for _, job := range due {
		s.fire(ctx, job, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, job store.Job, now time.Time) {
	if err := s.store.MarkJobFired(ctx, job.ID); err != nil {
		s.logger.Error("scheduler: failed to mark job fired",
			"job_id", job.ID,
			"kind", job.Kind,
			"error", err,
		)
		return
	}

	if s.events != nil {
		s.events.Publish(bus.TopicJobFired, bus.JobFiredEvent{
			JobID:   job.ID,
			Kind:    job.Kind,
			Payload: job.Payload,
		})
	}

	if job.Kind == KindRetentionSweep {
		s.runRetention(ctx)
	}

	if job.CronExpr != "" {
		nextRun, err := NextRunTime(job.CronExpr, now)
		if err != nil {
			s.logger.Error("scheduler: failed to compute next run time",
				"job_id", job.ID,
				"cron_expr", job.CronExpr,
				"error", err,
			)
			return
		}
		if err := s.store.RescheduleJob(ctx, job.ID, nextRun); err != nil {
			s.logger.Error("scheduler: failed to reschedule job",
				"job_id", job.ID,
				"error", err,
			)
			return
		}
		s.logger.Info("scheduler: recurring job fired",
			"job_id", job.ID,
			"kind", job.Kind,
			"next_run_at", nextRun,
		)
		return
	}

	s.logger.Info("scheduler: job fired", "job_id", job.ID, "kind", job.Kind)
}

func (s *Scheduler) runRetention(ctx context.Context) {
	result, err := s.store.Prune(ctx, s.edgeRetentionDays, s.auditRetentionDays)
	if err != nil {
		s.logger.Error("scheduler: retention sweep failed", "error", err)
		return
	}
	s.logger.Info("scheduler: retention sweep completed",
		"turn_edges", result.TurnEdges,
		"audit_log", result.AuditLog,
		"lifecycle_audit", result.LifecycleAudit,
	)
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
