package jobs

import (
	"context"
	"time"

	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/models"
)

// Cancel requests cancellation of a job. Queued jobs settle immediately;
// running jobs move to canceling and the worker converges at its next
// checkpoint. Calling Cancel on a terminal or already-canceling job is a
// no-op that returns the current record.
func (s *Service) Cancel(ctx context.Context, jobID string) (*models.JobRecord, error) {
	record, err := s.jobs.GetJob(ctx, jobID)
	if err == interfaces.ErrJobNotFound {
		return nil, models.NewAPIError(models.ErrNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, models.NewAPIError(models.ErrStorage, "failed to load job: %v", err)
	}

	switch record.Status {
	case models.JobStatusQueued:
		now := time.Now()
		status := models.JobStatusCanceled
		updated, err := s.jobs.UpdateJob(ctx, jobID, models.JobUpdate{
			Status:     &status,
			FinishedAt: &now,
		})
		if err == interfaces.ErrForbiddenTransition {
			// A worker picked the job up between the read and the write;
			// fall through to the running path on the fresh record.
			return s.Cancel(ctx, jobID)
		}
		if err != nil {
			return nil, models.NewAPIError(models.ErrStorage, "failed to cancel job: %v", err)
		}

		s.bus.Publish(ctx, jobID, models.DoneEvent(models.JobStatusCanceled, nil, nil))
		s.logger.Info().Str("job_id", jobID).Msg("Queued job canceled")
		return updated, nil

	case models.JobStatusRunning:
		if err := s.flags.SetCancelFlag(ctx, jobID, s.cancelFlagTTL); err != nil {
			return nil, models.NewAPIError(models.ErrStorage, "failed to set cancel flag: %v", err)
		}

		status := models.JobStatusCanceling
		updated, err := s.jobs.UpdateJob(ctx, jobID, models.JobUpdate{Status: &status})
		if err == interfaces.ErrForbiddenTransition {
			// The worker finished first; cancellation is best-effort once
			// a job runs, so report whatever it settled as.
			return s.jobs.GetJob(ctx, jobID)
		}
		if err != nil {
			return nil, models.NewAPIError(models.ErrStorage, "failed to mark job canceling: %v", err)
		}

		s.logger.Info().Str("job_id", jobID).Msg("Cancellation requested for running job")
		return updated, nil

	default:
		// canceling or terminal: idempotent no-op
		return record, nil
	}
}
