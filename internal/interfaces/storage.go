package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/halcyonworks/renderq/internal/models"
)

// ErrJobNotFound is returned when a job record does not exist
var ErrJobNotFound = errors.New("job not found")

// ErrJobExists is returned when CreateJob collides with an existing record
var ErrJobExists = errors.New("job already exists")

// ErrForbiddenTransition is returned when a status update violates the job
// state machine. Workers treat it as "lost the terminal-write race".
var ErrForbiddenTransition = errors.New("forbidden status transition")

// JobStorage provides typed operations over job records. Implementations
// enforce the state machine on every status write (the compare-and-set
// serialization point for terminal states).
type JobStorage interface {
	CreateJob(ctx context.Context, record *models.JobRecord) error
	GetJob(ctx context.Context, jobID string) (*models.JobRecord, error)
	UpdateJob(ctx context.Context, jobID string, update models.JobUpdate) (*models.JobRecord, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.JobRecord, error)
	CountJobs(ctx context.Context) (int, error)
	CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error)
	DeleteJob(ctx context.Context, jobID string) error
	// ListStaleJobs returns records not written to since the cutoff
	ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*models.JobRecord, error)
}

// JobListOptions narrows and pages ListJobs results
type JobListOptions struct {
	Status string // comma-separated status filter, empty matches all
	Limit  int
	Offset int
}

// IdempotencyStorage maps (owner, key) bindings to job IDs with
// create-if-absent semantics and a TTL.
type IdempotencyStorage interface {
	// SetIfAbsent writes the binding when no live binding exists. Returns
	// the winning job ID and whether this call created the binding.
	SetIfAbsent(ctx context.Context, owner, key, jobID string, ttl time.Duration) (string, bool, error)
	Get(ctx context.Context, owner, key string) (string, error) // ErrKeyNotFound on miss
	Delete(ctx context.Context, owner, key string) error
}

// ErrKeyNotFound is returned on idempotency/flag lookup misses
var ErrKeyNotFound = errors.New("key not found")

// FlagStorage holds the transient per-job markers: cancel flags and the
// in-progress set used by the crash-recovery sweep.
type FlagStorage interface {
	SetCancelFlag(ctx context.Context, jobID string, ttl time.Duration) error
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
	ClearCancelFlag(ctx context.Context, jobID string) error

	MarkInProgress(ctx context.Context, jobID string) error
	UnmarkInProgress(ctx context.Context, jobID string) error
	ListInProgress(ctx context.Context) ([]string, error)
}

// StorageManager is the facade over all storage concerns
type StorageManager interface {
	JobStorage() JobStorage
	IdempotencyStorage() IdempotencyStorage
	FlagStorage() FlagStorage
	Close() error
}
