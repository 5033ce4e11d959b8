package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/internal/invalidation"
	"github.com/PortNumber53/entitlement-engine/internal/metrics"
	"github.com/PortNumber53/entitlement-engine/internal/models"
)

// jobRetention is how long finished jobs are kept before the sweep prunes them.
const jobRetention = 7 * 24 * time.Hour

// Sweeper marks expired grants inactive and reports the orgs touched.
type Sweeper interface {
	ExpireDueGrants(ctx context.Context, now time.Time) ([]string, int64, error)
}

// SweepResult summarises one sweep run.
type SweepResult struct {
	Orgs    []string
	Expired int64
}

// Sweep runs one expiry pass. Grants past their expiry are already ignored by the
// resolver, so the sweep only tidies rows and drops cached decisions early.
func Sweep(ctx context.Context, sweeper Sweeper, invalidator invalidation.Invalidator, now time.Time) (SweepResult, error) {
	orgs, n, err := sweeper.ExpireDueGrants(ctx, now)
	if err != nil {
		return SweepResult{}, err
	}
	if invalidator != nil {
		for _, orgID := range orgs {
			invalidator.InvalidateOrg(ctx, orgID)
		}
	}
	metrics.SweepExpired.Add(float64(n))
	return SweepResult{Orgs: orgs, Expired: n}, nil
}

// SweepJobs runs the periodic expiry sweep and scheduled cache invalidations.
type SweepJobs struct {
	worker      *Worker
	sweeper     Sweeper
	invalidator invalidation.Invalidator
	interval    time.Duration
	now         func() time.Time
}

// RegisterSweepJobs registers the expiry sweep and cache invalidation handlers.
func RegisterSweepJobs(w *Worker, sweeper Sweeper, invalidator invalidation.Invalidator, interval time.Duration) *SweepJobs {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s := &SweepJobs{
		worker:      w,
		sweeper:     sweeper,
		invalidator: invalidator,
		interval:    interval,
		now:         func() time.Time { return time.Now().UTC() },
	}
	w.RegisterHandler(models.JobTypeExpirySweep, s.expirySweep)
	w.RegisterHandler(models.JobTypeInvalidateCache, s.invalidateCache)

	log.Info().Dur("interval", interval).Msg("worker: registered sweep job handlers")
	return s
}

// EnsureScheduled enqueues an immediate sweep unless one is already pending.
// A sweep chain broken by exhausted retries is restarted on the next boot.
func (s *SweepJobs) EnsureScheduled(ctx context.Context) error {
	pending, err := s.worker.queue.HasPending(ctx, models.JobTypeExpirySweep)
	if err != nil {
		return fmt.Errorf("check pending sweep: %w", err)
	}
	if pending {
		return nil
	}
	return s.enqueueSweep(ctx, nil)
}

func (s *SweepJobs) enqueueSweep(ctx context.Context, at *time.Time) error {
	return s.worker.Enqueue(ctx, &models.Job{
		JobType:      models.JobTypeExpirySweep,
		Priority:     models.JobPriorityLow,
		MaxAttempts:  3,
		ScheduledFor: at,
		Payload:      models.JSONB{"interval": s.interval.String()},
	})
}

func (s *SweepJobs) expirySweep(ctx context.Context, job *models.Job) error {
	now := s.now()
	res, err := Sweep(ctx, s.sweeper, s.invalidator, now)
	if err != nil {
		return fmt.Errorf("expire due grants: %w", err)
	}

	pruned, err := s.worker.queue.CleanupOldJobs(ctx, jobRetention)
	if err != nil {
		log.Warn().Err(err).Msg("worker: prune finished jobs failed")
	}

	log.Info().
		Int64("job_id", job.ID).
		Int64("expired", res.Expired).
		Int("orgs", len(res.Orgs)).
		Int64("pruned_jobs", pruned).
		Msg("worker: expiry sweep finished")

	// One-off sweeps triggered by an operator leave the schedule alone.
	if job.Payload.String("trigger") != "" {
		return nil
	}
	next := now.Add(s.interval)
	if err := s.enqueueSweep(ctx, &next); err != nil {
		log.Error().Err(err).Msg("worker: reschedule expiry sweep failed")
	}
	return nil
}

// ScheduleInvalidation drops orgID's cached decisions at the given time, typically
// when a time-limited grant lapses.
func (s *SweepJobs) ScheduleInvalidation(ctx context.Context, orgID string, at time.Time) error {
	return s.worker.Enqueue(ctx, &models.Job{
		JobType:      models.JobTypeInvalidateCache,
		Priority:     models.JobPriorityNormal,
		MaxAttempts:  3,
		ScheduledFor: &at,
		Payload:      models.JSONB{"org_id": orgID},
	})
}

func (s *SweepJobs) invalidateCache(ctx context.Context, job *models.Job) error {
	orgID := job.Payload.String("org_id")
	if orgID == "" {
		return errors.New("missing org_id in payload")
	}
	if s.invalidator != nil {
		s.invalidator.InvalidateOrg(ctx, orgID)
	}
	return nil
}
