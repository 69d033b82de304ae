package jobs

import (
	"context"
	"time"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/models"
)

// Submit validates the submission, deduplicates it against the idempotency
// binding and enqueues a new job when this request wins the binding.
// The returned flag reports whether a new job was created; false means an
// existing job for the same (owner, key) was returned instead.
//
// An enqueue failure after the record is written finalizes the job as
// failed so no phantom queued job is left behind, and surfaces an
// EnqueueFailed error to the caller.
func (s *Service) Submit(ctx context.Context, params models.SubmissionParams, owner, idempotencyKey string) (*models.JobRecord, bool, error) {
	params.ApplyDefaults(s.defaultModel)
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	key := idempotencyKey
	if key == "" {
		key = Fingerprint(params, owner)
	}

	// Two rounds: if the binding points at a job whose record has already
	// been reaped, drop the stale binding and claim it again.
	for attempt := 0; attempt < 2; attempt++ {
		jobID := common.NewJobID()

		winner, created, err := s.idempotency.SetIfAbsent(ctx, owner, key, jobID, s.idempotencyTTL)
		if err != nil {
			return nil, false, models.NewAPIError(models.ErrStorage, "failed to bind idempotency key: %v", err)
		}

		if !created {
			existing, err := s.jobs.GetJob(ctx, winner)
			if err == interfaces.ErrJobNotFound {
				s.logger.Debug().
					Str("job_id", winner).
					Msg("Idempotency binding points at a reaped job, rebinding")
				if err := s.idempotency.Delete(ctx, owner, key); err != nil {
					return nil, false, models.NewAPIError(models.ErrStorage, "failed to drop stale binding: %v", err)
				}
				continue
			}
			if err != nil {
				return nil, false, models.NewAPIError(models.ErrStorage, "failed to load existing job: %v", err)
			}
			return existing, false, nil
		}

		record := &models.JobRecord{
			JobID:          jobID,
			Owner:          owner,
			IdempotencyKey: key,
			Params:         params,
			Status:         models.JobStatusQueued,
			Progress:       0,
			QueuedAt:       time.Now(),
		}

		if err := s.jobs.CreateJob(ctx, record); err != nil {
			_ = s.idempotency.Delete(ctx, owner, key)
			return nil, false, models.NewAPIError(models.ErrStorage, "failed to create job record: %v", err)
		}

		if err := s.queue.Enqueue(ctx, jobID); err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("Enqueue failed, finalizing job as failed")
			failed := s.finalizeEnqueueFailure(ctx, jobID)
			return failed, true, models.NewAPIError(models.ErrEnqueueFailed, "failed to enqueue job: %v", err)
		}

		s.logger.Info().
			Str("job_id", jobID).
			Str("owner", owner).
			Msg("Job submitted")

		return record, true, nil
	}

	return nil, false, models.NewAPIError(models.ErrInternal, "idempotency binding kept racing, giving up")
}

func (s *Service) finalizeEnqueueFailure(ctx context.Context, jobID string) *models.JobRecord {
	now := time.Now()
	status := models.JobStatusFailed
	record, err := s.jobs.UpdateJob(ctx, jobID, models.JobUpdate{
		Status:     &status,
		FinishedAt: &now,
		Error: &models.JobError{
			Kind:    models.ErrEnqueueFailed,
			Message: "job could not be placed on the queue",
		},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to finalize unenqueued job")
		return nil
	}
	return record
}
