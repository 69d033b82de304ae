package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCanceling JobStatus = "canceling"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
	JobStatusExpired   JobStatus = "expired"
)

// IsTerminal reports whether the status is final. Terminal records are
// immutable: status, result, error and finished_at never change again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled, JobStatusExpired:
		return true
	}
	return false
}

// allowedTransitions encodes the job state machine. A missing entry means the
// transition is forbidden. Terminal states have no outgoing edges.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:    {JobStatusRunning, JobStatusCanceled, JobStatusFailed, JobStatusExpired},
	JobStatusRunning:   {JobStatusCanceling, JobStatusSucceeded, JobStatusFailed, JobStatusCanceled, JobStatusExpired},
	JobStatusCanceling: {JobStatusCanceled, JobStatusSucceeded, JobStatusFailed, JobStatusExpired},
}

// CanTransition reports whether moving from one status to another is allowed
// by the state machine. Idempotent same-status writes are permitted for
// non-terminal states (progress updates re-assert "running").
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Artifact describes one generated image persisted to the object store
type Artifact struct {
	URL    string                 `json:"url"`
	Seed   int64                  `json:"seed"`
	Width  int                    `json:"width"`
	Height int                    `json:"height"`
	Meta   map[string]interface{} `json:"meta"`
}

// JobResult holds the outcome of a successful job
type JobResult struct {
	Artifacts      []Artifact `json:"artifacts"`
	GenerationTime float64    `json:"generation_time"`
}

// JobError holds the outcome of a failed job
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// JobRecord is the canonical, mutable state of one submission.
// Created by the submission service; mutated only by the worker runtime and
// the cancellation service; removed by the retention sweep.
type JobRecord struct {
	JobID           string           `badgerhold:"key" json:"job_id"`
	Owner           string           `json:"owner,omitempty"`
	IdempotencyKey  string           `json:"idempotency_key,omitempty"`
	Params          SubmissionParams `json:"params"`
	Status          JobStatus        `badgerhold:"index" json:"status"`
	Progress        float64          `json:"progress"`
	ProgressMessage string           `json:"progress_message,omitempty"`
	QueuedAt        time.Time        `json:"queued_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
	Result          *JobResult       `json:"result,omitempty"`
	Error           *JobError        `json:"error,omitempty"`
	EnginePromptID  string           `json:"engine_prompt_id,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// JobUpdate is a partial update applied to a job record. Nil fields are left
// untouched. Status transitions are validated against the state machine by
// the storage layer.
type JobUpdate struct {
	Status          *JobStatus
	Progress        *float64
	ProgressMessage *string
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Result          *JobResult
	Error           *JobError
	EnginePromptID  *string
}

// StatusCounts aggregates job counts by status for the stats endpoint
type StatusCounts struct {
	Total     int `json:"total_jobs"`
	Queued    int `json:"queued_jobs"`
	Running   int `json:"running_jobs"`
	Canceling int `json:"canceling_jobs"`
	Succeeded int `json:"succeeded_jobs"`
	Failed    int `json:"failed_jobs"`
	Canceled  int `json:"canceled_jobs"`
	Expired   int `json:"expired_jobs"`
}
