package models

import "time"

// JobTimestamps groups the lifecycle timestamps in the public view
type JobTimestamps struct {
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ViewError is the client-facing shape of a job error
type ViewError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Details string `json:"details,omitempty"`
}

// JobView is the public projection of a job record. Owner-only fields
// (submitted_by, params) are included only when the requester owns the job.
type JobView struct {
	JobID       string            `json:"job_id"`
	Status      JobStatus         `json:"status"`
	Progress    float64           `json:"progress"`
	SubmittedBy string            `json:"submitted_by,omitempty"`
	Params      *SubmissionParams `json:"params,omitempty"`
	Result      *JobResult        `json:"result,omitempty"`
	Error       *ViewError        `json:"error,omitempty"`
	Timestamps  JobTimestamps     `json:"timestamps"`
}

// NewJobView projects a record into its public view. isOwner gates the
// owner-only fields.
func NewJobView(record *JobRecord, isOwner bool) *JobView {
	view := &JobView{
		JobID:    record.JobID,
		Status:   record.Status,
		Progress: record.Progress,
		Result:   record.Result,
		Timestamps: JobTimestamps{
			QueuedAt:   record.QueuedAt,
			StartedAt:  record.StartedAt,
			FinishedAt: record.FinishedAt,
		},
	}

	if record.Error != nil {
		view.Error = &ViewError{
			Message: record.Error.Message,
			Type:    string(record.Error.Kind),
			Details: record.Error.Details,
		}
	}

	if isOwner {
		view.SubmittedBy = record.Owner
		params := record.Params
		view.Params = &params
	}

	return view
}

// SubmissionReceipt is returned by POST /jobs
type SubmissionReceipt struct {
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status"`
	QueuedAt time.Time `json:"queued_at"`
	Location string    `json:"location"`
}
