package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/metrics"
	"github.com/halcyonworks/renderq/internal/models"
)

// Service runs the background sweeps: job record retention and queue depth
// gauges. Retention is two-phase: a stale non-terminal record is first
// marked expired (which renews its last-write time), then removed once it
// goes stale again as a terminal record.
type Service struct {
	logger  arbor.ILogger
	jobs    interfaces.JobStorage
	queue   interfaces.QueueManager
	bus     interfaces.EventBus
	metrics *metrics.Metrics

	recordTTL time.Duration
	cron      *cron.Cron
}

// NewService creates the maintenance service
func NewService(
	logger arbor.ILogger,
	storage interfaces.StorageManager,
	queue interfaces.QueueManager,
	bus interfaces.EventBus,
	m *metrics.Metrics,
	config *common.Config,
) *Service {
	return &Service{
		logger:    logger,
		jobs:      storage.JobStorage(),
		queue:     queue,
		bus:       bus,
		metrics:   m,
		recordTTL: common.Duration(config.Jobs.RecordTTL, 24*time.Hour),
		cron:      cron.New(),
	}
}

// Start schedules the sweeps
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc("@every 1m", s.refreshQueueGauges); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 10m", s.sweepRecords); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Debug().Msg("Maintenance sweeps scheduled")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Service) refreshQueueGauges() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Queue stats refresh failed")
		return
	}
	s.metrics.QueuePending.Set(float64(stats.Pending))
}

// sweepRecords applies the record TTL
func (s *Service) sweepRecords() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.recordTTL)
	stale, err := s.jobs.ListStaleJobs(ctx, cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Retention sweep failed")
		return
	}

	expired, deleted := 0, 0
	for _, record := range stale {
		if record.Status.IsTerminal() {
			if err := s.jobs.DeleteJob(ctx, record.JobID); err != nil {
				s.logger.Warn().Err(err).Str("job_id", record.JobID).Msg("Failed to delete stale record")
				continue
			}
			deleted++
			continue
		}

		status := models.JobStatusExpired
		now := time.Now()
		if _, err := s.jobs.UpdateJob(ctx, record.JobID, models.JobUpdate{
			Status:     &status,
			FinishedAt: &now,
		}); err != nil {
			if err != interfaces.ErrForbiddenTransition {
				s.logger.Warn().Err(err).Str("job_id", record.JobID).Msg("Failed to expire stale record")
			}
			continue
		}
		s.bus.Publish(ctx, record.JobID, models.DoneEvent(models.JobStatusExpired, nil, nil))
		expired++
	}

	if expired > 0 || deleted > 0 {
		s.logger.Info().
			Int("expired", expired).
			Int("deleted", deleted).
			Msg("Retention sweep completed")
	}
}
