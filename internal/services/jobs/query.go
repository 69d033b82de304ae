package jobs

import (
	"context"

	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/models"
)

// GetJob returns the job record, or a NotFound error
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.JobRecord, error) {
	record, err := s.jobs.GetJob(ctx, jobID)
	if err == interfaces.ErrJobNotFound {
		return nil, models.NewAPIError(models.ErrNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, models.NewAPIError(models.ErrStorage, "failed to load job: %v", err)
	}
	return record, nil
}

// ListJobs returns job records filtered and paged per the options
func (s *Service) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.JobRecord, error) {
	records, err := s.jobs.ListJobs(ctx, opts)
	if err != nil {
		return nil, models.NewAPIError(models.ErrStorage, "failed to list jobs: %v", err)
	}
	return records, nil
}

// Stats aggregates job counts by status plus queue depth
func (s *Service) Stats(ctx context.Context) (*models.StatusCounts, *interfaces.QueueStats, error) {
	counts := &models.StatusCounts{}

	total, err := s.jobs.CountJobs(ctx)
	if err != nil {
		return nil, nil, models.NewAPIError(models.ErrStorage, "failed to count jobs: %v", err)
	}
	counts.Total = total

	for status, target := range map[models.JobStatus]*int{
		models.JobStatusQueued:    &counts.Queued,
		models.JobStatusRunning:   &counts.Running,
		models.JobStatusCanceling: &counts.Canceling,
		models.JobStatusSucceeded: &counts.Succeeded,
		models.JobStatusFailed:    &counts.Failed,
		models.JobStatusCanceled:  &counts.Canceled,
		models.JobStatusExpired:   &counts.Expired,
	} {
		n, err := s.jobs.CountJobsByStatus(ctx, status)
		if err != nil {
			return nil, nil, models.NewAPIError(models.ErrStorage, "failed to count jobs: %v", err)
		}
		*target = n
	}

	queueStats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, nil, models.NewAPIError(models.ErrStorage, "failed to read queue stats: %v", err)
	}

	return counts, &queueStats, nil
}
