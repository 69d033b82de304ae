package badger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/models"
)

// JobStorage persists job records in BadgerDB. All status writes go through
// UpdateJob, which validates the state machine under a per-job lock so a
// terminal status can only be written once even when the worker, the
// cancellation path and the recovery sweep race.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	locks  sync.Map // jobID -> *sync.Mutex
}

// NewJobStorage creates a job storage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) lockFor(jobID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateJob inserts a new job record. Fails if the job ID already exists.
func (s *JobStorage) CreateJob(ctx context.Context, record *models.JobRecord) error {
	if record.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	record.UpdatedAt = time.Now()

	if err := s.db.Store().Insert(record.JobID, record); err != nil {
		if err == badgerhold.ErrKeyExists {
			return interfaces.ErrJobExists
		}
		return fmt.Errorf("failed to create job %s: %w", record.JobID, err)
	}

	s.logger.Debug().
		Str("job_id", record.JobID).
		Str("status", string(record.Status)).
		Msg("Job record created")

	return nil
}

// GetJob retrieves a job record by ID
func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.JobRecord, error) {
	var record models.JobRecord
	if err := s.db.Store().Get(jobID, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return &record, nil
}

// UpdateJob applies a partial update under the job's lock. A status change
// that the state machine forbids returns ErrForbiddenTransition and leaves
// the record untouched; callers racing for a terminal write use that error
// to detect they lost. Terminal records reject every mutation, including
// progress-only updates: a worker still running a duplicate delivery must
// not touch a record another actor already settled, and any write would
// renew UpdatedAt and extend the record's retention.
func (s *JobStorage) UpdateJob(ctx context.Context, jobID string, update models.JobUpdate) (*models.JobRecord, error) {
	mu := s.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	var record models.JobRecord
	if err := s.db.Store().Get(jobID, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}

	if record.Status.IsTerminal() {
		s.logger.Debug().
			Str("job_id", jobID).
			Str("status", string(record.Status)).
			Msg("Update rejected, record is terminal")
		return nil, interfaces.ErrForbiddenTransition
	}

	if update.Status != nil {
		if !models.CanTransition(record.Status, *update.Status) {
			s.logger.Debug().
				Str("job_id", jobID).
				Str("from", string(record.Status)).
				Str("to", string(*update.Status)).
				Msg("Status transition rejected")
			return nil, interfaces.ErrForbiddenTransition
		}
		record.Status = *update.Status
	}
	if update.Progress != nil {
		record.Progress = *update.Progress
	}
	if update.ProgressMessage != nil {
		record.ProgressMessage = *update.ProgressMessage
	}
	if update.StartedAt != nil {
		record.StartedAt = update.StartedAt
	}
	if update.FinishedAt != nil {
		record.FinishedAt = update.FinishedAt
	}
	if update.Result != nil {
		record.Result = update.Result
	}
	if update.Error != nil {
		record.Error = update.Error
	}
	if update.EnginePromptID != nil {
		record.EnginePromptID = *update.EnginePromptID
	}
	record.UpdatedAt = time.Now()

	if err := s.db.Store().Update(jobID, &record); err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", jobID, err)
	}

	return &record, nil
}

// ListJobs returns job records, newest first, with optional status filtering
// and paging.
func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.JobRecord, error) {
	var records []models.JobRecord

	query := buildStatusQuery(opts)
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].QueuedAt.After(records[j].QueuedAt)
	})

	offset, limit := 0, len(records)
	if opts != nil {
		if opts.Offset > 0 {
			offset = opts.Offset
		}
		if opts.Limit > 0 {
			limit = opts.Limit
		}
	}
	if offset >= len(records) {
		return []*models.JobRecord{}, nil
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}

	result := make([]*models.JobRecord, 0, end-offset)
	for i := offset; i < end; i++ {
		record := records[i]
		result = append(result, &record)
	}
	return result, nil
}

func buildStatusQuery(opts *interfaces.JobListOptions) *badgerhold.Query {
	if opts == nil || opts.Status == "" {
		return nil
	}
	statuses := make([]interface{}, 0, 4)
	for _, s := range strings.Split(opts.Status, ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, models.JobStatus(s))
		}
	}
	if len(statuses) == 0 {
		return nil
	}
	return badgerhold.Where("Status").In(statuses...)
}

// CountJobs returns the total number of job records
func (s *JobStorage) CountJobs(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.JobRecord{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

// CountJobsByStatus returns the number of job records with the given status
func (s *JobStorage) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	count, err := s.db.Store().Count(&models.JobRecord{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	return int(count), nil
}

// DeleteJob removes a job record. Used by the retention sweep.
func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &models.JobRecord{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	s.locks.Delete(jobID)
	return nil
}

// ListStaleJobs returns records whose last write is older than the cutoff
func (s *JobStorage) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*models.JobRecord, error) {
	var records []models.JobRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("UpdatedAt").Lt(cutoff)); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	result := make([]*models.JobRecord, 0, len(records))
	for i := range records {
		result = append(result, &records[i])
	}
	return result, nil
}
