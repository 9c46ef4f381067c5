/*
scheduler.go - Job runner and periodic scheduler

PURPOSE:

	Runs the contract lifecycle monitor and the monthly settlement
	consolidation on a fixed interval, and records every run (scheduled or
	triggered from the API) as a pricing.JobRun.

DESIGN:
  - JobRunner wraps one job execution: it takes the named run lock, writes a
    "running" row, calls the job, then writes "completed" or "failed" with
    the JSON summary
  - JobScheduler ticks every CheckInterval and runs the lifecycle job, then
    consolidates the previous calendar month
  - Overlapping runs are prevented by cache.RunLock. With Redis configured
    the lock is shared by every instance; otherwise it is process-local
  - A run that finds the lock held is skipped, not queued

CONFIGURATION:
  - CheckInterval: SCHEDULER_INTERVAL (default: 24h)
  - Enabled:       SCHEDULER_ENABLED (default: true)

USAGE:

	scheduler := NewJobScheduler(runner, lifecycle, settlements, interval, log)
	scheduler.Start()
	// ... later
	scheduler.Stop()

SEE ALSO:
  - handlers.go: RunLifecycle and ConsolidateSettlements (manual runs)
  - cache/lock.go: RunLock implementations
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/iso-pricing/cache"
	"github.com/warp/iso-pricing/pricing"
)

// DefaultLockTTL bounds how long a crashed runner can block the next run.
const DefaultLockTTL = 30 * time.Minute

// =============================================================================
// JOB RUNNER
// =============================================================================

// JobRunner executes a named job under its run lock and records the run.
type JobRunner struct {
	Store   pricing.JobRunStore
	Lock    cache.RunLock
	LockTTL time.Duration
	Now     func() time.Time
	Log     logrus.FieldLogger
}

func NewJobRunner(store pricing.JobRunStore, lock cache.RunLock, log logrus.FieldLogger) *JobRunner {
	if log == nil {
		log = discardLogger()
	}
	return &JobRunner{
		Store:   store,
		Lock:    lock,
		LockTTL: DefaultLockTTL,
		Now:     time.Now,
		Log:     log.WithField("component", "jobs"),
	}
}

func (j *JobRunner) now() time.Time {
	if j.Now == nil {
		return time.Now().UTC()
	}
	return j.Now().UTC()
}

// Run executes fn as job. It returns cache.ErrLocked without recording
// anything when another run of the same job holds the lock. The job's own
// error is recorded on the run and returned.
func (j *JobRunner) Run(ctx context.Context, job string, fn func(ctx context.Context) (any, error)) (pricing.JobRun, error) {
	if j.Lock != nil {
		release, err := j.Lock.Acquire(ctx, job, j.LockTTL)
		if err != nil {
			return pricing.JobRun{}, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				j.Log.WithError(err).WithField("job", job).Warn("run lock release failed")
			}
		}()
	}

	run := pricing.JobRun{
		ID:        uuid.NewString(),
		Job:       job,
		Status:    pricing.JobRunning,
		StartedAt: j.now(),
	}
	if err := j.Store.SaveJobRun(ctx, run); err != nil {
		return pricing.JobRun{}, pricing.Downstream("save job run", err)
	}

	summary, jobErr := fn(ctx)

	completed := j.now()
	run.CompletedAt = &completed
	run.Status = pricing.JobCompleted
	if summary != nil {
		if raw, err := json.Marshal(summary); err == nil {
			run.Summary = string(raw)
		}
	}
	if jobErr != nil {
		run.Status = pricing.JobFailed
		run.Error = jobErr.Error()
	}
	if err := j.Store.SaveJobRun(context.WithoutCancel(ctx), run); err != nil {
		j.Log.WithError(err).WithField("job", job).Error("failed to record job run")
	}

	entry := j.Log.WithFields(logrus.Fields{
		"job":         job,
		"run_id":      run.ID,
		"status":      run.Status,
		"duration_ms": completed.Sub(run.StartedAt).Milliseconds(),
	})
	if jobErr != nil {
		entry.WithError(jobErr).Error("job failed")
	} else {
		entry.Info("job completed")
	}
	return run, jobErr
}

// =============================================================================
// SCHEDULER
// =============================================================================

// JobScheduler periodically runs the lifecycle and settlement jobs.
type JobScheduler struct {
	Runner        *JobRunner
	Lifecycle     *pricing.LifecycleMonitor
	Settlements   *pricing.SettlementConsolidator
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time
	Log           logrus.FieldLogger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewJobScheduler creates a new scheduler.
func NewJobScheduler(runner *JobRunner, lifecycle *pricing.LifecycleMonitor, settlements *pricing.SettlementConsolidator, interval time.Duration, log logrus.FieldLogger) *JobScheduler {
	if log == nil {
		log = discardLogger()
	}
	return &JobScheduler{
		Runner:        runner,
		Lifecycle:     lifecycle,
		Settlements:   settlements,
		CheckInterval: interval,
		Enabled:       true,
		Now:           time.Now,
		Log:           log.WithField("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (s *JobScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Log.WithField("interval", s.CheckInterval.String()).Info("scheduler started")
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Log.Info("scheduler stopped")
}

func (s *JobScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-stop:
			return
		}
	}
}

func (s *JobScheduler) tick(ctx context.Context) {
	if err := s.RunNow(ctx); err != nil {
		s.Log.WithError(err).Warn("scheduled run finished with errors")
	}
}

// RunNow runs the lifecycle job and then consolidates the previous month.
// A job whose lock is held elsewhere is skipped.
func (s *JobScheduler) RunNow(ctx context.Context) error {
	now := s.Now().UTC()

	_, lifecycleErr := s.Runner.Run(ctx, pricing.JobContractLifecycle, func(ctx context.Context) (any, error) {
		return s.Lifecycle.Run(ctx, now)
	})

	month, year := pricing.PreviousMonth(now)
	_, settlementErr := s.Runner.Run(ctx, pricing.JobSettlement, func(ctx context.Context) (any, error) {
		return s.Settlements.Consolidate(ctx, month, year)
	})

	return errors.Join(s.skipLocked(pricing.JobContractLifecycle, lifecycleErr), s.skipLocked(pricing.JobSettlement, settlementErr))
}

func (s *JobScheduler) skipLocked(job string, err error) error {
	if errors.Is(err, cache.ErrLocked) {
		s.Log.WithField("job", job).Info("job already running elsewhere, skipped")
		return nil
	}
	return err
}

// NextRunTime returns when the next scheduled check will occur.
func (s *JobScheduler) NextRunTime() time.Time {
	return s.Now().Add(s.CheckInterval)
}
