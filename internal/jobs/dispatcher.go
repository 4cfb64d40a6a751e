package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velotype/keypulse/internal/domain"
	"github.com/velotype/keypulse/internal/pkg/ctxlog"
	"github.com/velotype/keypulse/internal/timeutil"
)

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	TickInterval         time.Duration
	StartDelay           time.Duration
	BatchSize            int
	MaxAttempts          int
	BaseRetryDelay       time.Duration
	MaxConcurrency       int
	RegenerateInterval   time.Duration
	CleanupInterval      time.Duration
	JobRetentionDays     int
	HistorySweepInterval time.Duration
	HistoryRetentionDays int
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		TickInterval:         60 * time.Second,
		StartDelay:           5 * time.Second,
		BatchSize:            100,
		MaxAttempts:          3,
		BaseRetryDelay:       5 * time.Minute,
		MaxConcurrency:       10,
		RegenerateInterval:   24 * time.Hour,
		CleanupInterval:      6 * time.Hour,
		JobRetentionDays:     30,
		HistorySweepInterval: 24 * time.Hour,
		HistoryRetentionDays: 30,
	}
}

// Deliverer executes one job and reports per-endpoint counts. Implemented
// by the delivery service.
type Deliverer interface {
	Deliver(ctx context.Context, job *domain.Job) (sent, failed int, err error)
}

// Regenerator refreshes the recurring job set. Implemented by the Generator.
type Regenerator interface {
	Regenerate(ctx context.Context) error
}

// HistoryCleaner removes delivery history older than the retention horizon.
type HistoryCleaner interface {
	CleanupHistory(ctx context.Context, retentionDays int) (int64, error)
}

// BatchResult summarizes one tick: how many claimed jobs ended on the
// success path and how many on the failure path.
type BatchResult struct {
	Succeeded int
	Failed    int
}

// Dispatcher owns the tick loop and the recurrence/retry policy. It never
// performs delivery itself.
type Dispatcher struct {
	config    DispatcherConfig
	repo      Repository
	deliverer Deliverer
	regen     Regenerator
	history   HistoryCleaner
	clock     timeutil.Clock

	ticking atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a new dispatcher. A nil clock defaults to system
// time.
func NewDispatcher(config DispatcherConfig, repo Repository, deliverer Deliverer, regen Regenerator, history HistoryCleaner, clock timeutil.Clock) *Dispatcher {
	if clock == nil {
		clock = timeutil.NewClock()
	}
	return &Dispatcher{
		config:    config,
		repo:      repo,
		deliverer: deliverer,
		regen:     regen,
		history:   history,
		clock:     clock,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the scheduling loop: one regeneration pass immediately,
// a first tick after a short delay, then the periodic timers.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("starting dispatcher",
		"tick_interval", d.config.TickInterval,
		"batch_size", d.config.BatchSize,
		"start_delay", d.config.StartDelay,
	)

	d.wg.Add(1)
	go d.run(ctx)
}

// Stop gracefully stops the scheduling loop.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	slog.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	d.regenerate(ctx)

	select {
	case <-ctx.Done():
		return
	case <-d.stopCh:
		return
	case <-time.After(d.config.StartDelay):
		d.Tick(ctx)
	}

	tick := time.NewTicker(d.config.TickInterval)
	defer tick.Stop()
	regen := time.NewTicker(d.config.RegenerateInterval)
	defer regen.Stop()
	cleanup := time.NewTicker(d.config.CleanupInterval)
	defer cleanup.Stop()
	sweep := time.NewTicker(d.config.HistorySweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-tick.C:
			d.Tick(ctx)
		case <-regen.C:
			d.regenerate(ctx)
		case <-cleanup.C:
			d.cleanupJobs(ctx)
		case <-sweep.C:
			d.sweepHistory(ctx)
		}
	}
}

// Tick claims one batch of due jobs and dispatches them. Overlapping ticks
// are no-ops: if a previous batch is still running the call returns
// immediately.
func (d *Dispatcher) Tick(ctx context.Context) BatchResult {
	if !d.ticking.CompareAndSwap(false, true) {
		slog.Debug("previous tick still running, skipping")
		return BatchResult{}
	}
	defer d.ticking.Store(false)

	start := time.Now()

	claimed, err := d.repo.ClaimDueJobs(ctx, d.clock.Now(), d.config.BatchSize)
	if err != nil {
		// Storage trouble aborts this tick only; the next one starts fresh.
		slog.Error("failed to claim due jobs", "error", err)
		return BatchResult{}
	}

	if len(claimed) == 0 {
		return BatchResult{}
	}

	slog.Debug("claimed due jobs", "count", len(claimed))
	recordJobsClaimed(len(claimed))

	var succeeded, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.MaxConcurrency)

	for _, job := range claimed {
		g.Go(func() error {
			jobCtx := ctxlog.WithLogger(gctx, slog.With("job_id", job.ID, "type", job.Type))
			if err := d.processJob(jobCtx, job); err != nil {
				slog.Error("job processing failed", "job_id", job.ID, "type", job.Type, "error", err)
				failed.Add(1)
			} else {
				succeeded.Add(1)
			}
			// Failures never abort sibling jobs.
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}

	recordBatchDuration(time.Since(start))
	slog.Info("tick complete",
		"claimed", len(claimed),
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"duration", time.Since(start),
	)

	if stats, err := d.repo.Stats(ctx); err == nil {
		RecordQueueStats(stats)
	}

	return result
}

// processJob drives one claimed job to its next state. The returned error
// indicates the job took the failure path this tick, not that the engine is
// unhealthy.
func (d *Dispatcher) processJob(ctx context.Context, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing job: %v", r)
			if markErr := d.repo.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
				slog.Error("failed to mark job failed after panic", "job_id", job.ID, "error", markErr)
			}
		}
	}()

	if !job.Type.IsValid() {
		reason := fmt.Sprintf("unknown notification type %q", job.Type)
		if markErr := d.repo.MarkFailed(ctx, job.ID, reason); markErr != nil {
			slog.Error("failed to mark job failed", "job_id", job.ID, "error", markErr)
		}
		recordJobOutcome("failed_unknown_type")
		return fmt.Errorf("job %s: %s", job.ID, reason)
	}

	sent, failedCount, err := d.deliverer.Deliver(ctx, job)
	if err != nil {
		return d.handleFailure(ctx, job, err)
	}

	// At-least-one-success policy: a permanently gone endpoint on one device
	// must not trigger retries that duplicate sends to healthy ones.
	if failedCount > 0 && sent == 0 {
		return d.handleFailure(ctx, job, fmt.Errorf("all %d delivery attempts failed", failedCount))
	}

	if markErr := d.repo.MarkCompleted(ctx, job.ID); markErr != nil {
		return fmt.Errorf("mark completed: %w", markErr)
	}
	recordJobOutcome("completed")

	if job.Type.IsRecurring() {
		if scheduleErr := d.scheduleNext(ctx, job); scheduleErr != nil {
			slog.Error("failed to schedule next occurrence", "job_id", job.ID, "type", job.Type, "error", scheduleErr)
		}
	}

	return nil
}

// handleFailure applies the retry policy: exponential backoff up to
// MaxAttempts, then terminal failure. Causes classified non-retryable skip
// the backoff entirely; a broken request will not get better.
func (d *Dispatcher) handleFailure(ctx context.Context, job *domain.Job, cause error) error {
	if isRetryable(cause) && job.AttemptCount < d.config.MaxAttempts {
		delay := d.retryDelay(job.AttemptCount)
		nextAt := d.clock.Now().Add(delay)

		if err := d.repo.Reschedule(ctx, job.ID, nextAt, job.AttemptCount+1); err != nil {
			return fmt.Errorf("reschedule after failure: %w", err)
		}

		recordJobOutcome("rescheduled")
		slog.Warn("job rescheduled after failure",
			"job_id", job.ID,
			"type", job.Type,
			"attempt", job.AttemptCount+1,
			"delay", delay,
			"error", cause,
		)
		return fmt.Errorf("job %s rescheduled: %w", job.ID, cause)
	}

	if err := d.repo.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	recordJobOutcome("failed")
	slog.Error("job failed permanently",
		"job_id", job.ID,
		"type", job.Type,
		"attempts", job.AttemptCount,
		"error", cause,
	)
	return fmt.Errorf("job %s failed permanently: %w", job.ID, cause)
}

// retryDelay returns the backoff before the next attempt: base doubled per
// completed attempt (5, 10, 20 minutes with defaults).
func (d *Dispatcher) retryDelay(attemptCount int) time.Duration {
	return d.config.BaseRetryDelay * time.Duration(1<<attemptCount)
}

// isRetryable checks whether a failure cause is worth retrying. Unknown
// errors default to retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// scheduleNext inserts the next occurrence of a recurring job, stepped in
// the user's local calendar so the wall-clock send time survives DST
// transitions. The local "HH:MM" anchor carried in the job meta keeps the
// schedule from drifting when a backoff reschedule moved SendAt off the
// anchor.
func (d *Dispatcher) scheduleNext(ctx context.Context, job *domain.Job) error {
	tz := job.Meta["timezone"]

	var nextAt time.Time
	if anchor := job.Meta["send_time"]; anchor != "" {
		if job.Type == domain.NotificationWeeklySummary {
			nextAt = timeutil.NextWeekdayAtLocalTime(job.SendAt, tz, weeklySummaryDay, anchor)
		} else {
			nextAt = timeutil.NextAtLocalTime(job.SendAt, tz, anchor)
		}
	} else {
		days := 1
		if job.Type == domain.NotificationWeeklySummary {
			days = 7
		}
		nextAt = timeutil.NextLocalOccurrence(job.SendAt, tz, days)
	}

	next := NewJob(job.UserID, job.Type, nextAt, job.Meta)
	if err := d.repo.CreateJobs(ctx, []*domain.Job{next}); err != nil {
		return fmt.Errorf("create next occurrence: %w", err)
	}

	slog.Debug("scheduled next occurrence",
		"user_id", job.UserID,
		"type", job.Type,
		"send_at", nextAt,
	)
	return nil
}

func (d *Dispatcher) regenerate(ctx context.Context) {
	if d.regen == nil {
		return
	}
	if err := d.regen.Regenerate(ctx); err != nil {
		slog.Error("job regeneration failed", "error", err)
	}
}

func (d *Dispatcher) cleanupJobs(ctx context.Context) {
	count, err := d.repo.CleanupOldJobs(ctx, d.config.JobRetentionDays)
	if err != nil {
		slog.Error("job cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("cleaned up old jobs", "count", count)
	}
}

func (d *Dispatcher) sweepHistory(ctx context.Context) {
	if d.history == nil {
		return
	}
	count, err := d.history.CleanupHistory(ctx, d.config.HistoryRetentionDays)
	if err != nil {
		slog.Error("history sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("swept delivery history", "count", count)
	}
}
