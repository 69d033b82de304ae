package worker

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/metrics"
	"github.com/halcyonworks/renderq/internal/models"
)

// Recovery sweeps the in-progress set at startup. Entries left behind by a
// crashed worker are either re-enqueued (at-least-once semantics; the
// terminal-write race keeps duplicate runs harmless) or finalized as failed,
// depending on the configured policy.
type Recovery struct {
	logger arbor.ILogger
	jobs   interfaces.JobStorage
	flags  interfaces.FlagStorage
	queue  interfaces.QueueManager
	bus    interfaces.EventBus

	metrics *metrics.Metrics
	policy  string // "requeue" or "fail"
}

// NewRecovery creates the startup recovery sweep
func NewRecovery(
	logger arbor.ILogger,
	storage interfaces.StorageManager,
	queue interfaces.QueueManager,
	bus interfaces.EventBus,
	m *metrics.Metrics,
	policy string,
) *Recovery {
	return &Recovery{
		logger:  logger,
		jobs:    storage.JobStorage(),
		flags:   storage.FlagStorage(),
		queue:   queue,
		bus:     bus,
		metrics: m,
		policy:  policy,
	}
}

// Run processes all orphaned jobs once. Call before the pool starts so
// recovered jobs re-enter the queue ahead of fresh submissions being
// worked.
func (r *Recovery) Run(ctx context.Context) error {
	orphans, err := r.flags.ListInProgress(ctx)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	r.logger.Warn().
		Int("count", len(orphans)).
		Str("policy", r.policy).
		Msg("Recovering orphaned jobs from previous run")

	for _, jobID := range orphans {
		r.recover(ctx, jobID)
		if err := r.flags.UnmarkInProgress(ctx, jobID); err != nil {
			r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to unmark orphan")
		}
	}
	return nil
}

func (r *Recovery) recover(ctx context.Context, jobID string) {
	record, err := r.jobs.GetJob(ctx, jobID)
	if err == interfaces.ErrJobNotFound {
		r.logger.Debug().Str("job_id", jobID).Msg("Orphan record already reaped")
		return
	}
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to read orphan record")
		return
	}
	if record.Status.IsTerminal() {
		return
	}

	// A canceling orphan cannot restart: the state machine has no
	// canceling -> running edge, and the cancel flag may have expired with
	// the crashed worker. Honor the cancellation here instead.
	if record.Status == models.JobStatusCanceling {
		r.finalizeCanceled(ctx, jobID)
		return
	}

	if r.policy == "fail" {
		r.finalizeCrashed(ctx, jobID)
		return
	}

	if err := r.queue.Enqueue(ctx, jobID); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to re-enqueue orphan, finalizing as failed")
		r.finalizeCrashed(ctx, jobID)
		return
	}

	// The record keeps its last status; a slot picking the job back up
	// re-asserts running, which the state machine permits.
	r.metrics.JobsRecovered.WithLabelValues("requeued").Inc()
	r.logger.Info().Str("job_id", jobID).Msg("Orphaned job re-enqueued")
}

func (r *Recovery) finalizeCanceled(ctx context.Context, jobID string) {
	now := time.Now()
	canceled := models.JobStatusCanceled
	_, err := r.jobs.UpdateJob(ctx, jobID, models.JobUpdate{
		Status:     &canceled,
		FinishedAt: &now,
	})
	if err == interfaces.ErrForbiddenTransition {
		return
	}
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to finalize canceling orphan")
		return
	}

	if err := r.flags.ClearCancelFlag(ctx, jobID); err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to clear cancel flag")
	}

	r.bus.Publish(ctx, jobID, models.DoneEvent(models.JobStatusCanceled, nil, nil))
	r.metrics.JobsRecovered.WithLabelValues("canceled").Inc()
	r.logger.Info().Str("job_id", jobID).Msg("Canceling orphan finalized as canceled")
}

func (r *Recovery) finalizeCrashed(ctx context.Context, jobID string) {
	now := time.Now()
	failed := models.JobStatusFailed
	jobErr := &models.JobError{
		Kind:    models.ErrWorkerCrashed,
		Message: "worker terminated before the job completed",
	}

	_, err := r.jobs.UpdateJob(ctx, jobID, models.JobUpdate{
		Status:     &failed,
		Error:      jobErr,
		FinishedAt: &now,
	})
	if err == interfaces.ErrForbiddenTransition {
		return
	}
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to finalize crashed job")
		return
	}

	r.bus.Publish(ctx, jobID, models.DoneEvent(models.JobStatusFailed, nil, jobErr))
	r.metrics.JobsRecovered.WithLabelValues("failed").Inc()
	r.logger.Warn().Str("job_id", jobID).Msg("Orphaned job finalized as failed")
}
