package models

// ProgressEvent is one frame on a per-job progress topic. The Type
// discriminant selects which other fields are meaningful:
//
//	status   - sent once at stream open: Status, Progress
//	progress - intermediate updates: Progress, Message
//	artifact - emitted as each artifact upload completes: URL
//	log      - informational lines: Message
//	done     - final frame: Status plus Result or Error; the stream closes
//	           after forwarding it
type ProgressEvent struct {
	Type     string     `json:"type"`
	Status   JobStatus  `json:"status,omitempty"`
	Progress *float64   `json:"progress,omitempty"`
	Message  string     `json:"message,omitempty"`
	URL      string     `json:"url,omitempty"`
	Result   *JobResult `json:"result,omitempty"`
	Error    *JobError  `json:"error,omitempty"`
}

const (
	EventTypeStatus   = "status"
	EventTypeProgress = "progress"
	EventTypeArtifact = "artifact"
	EventTypeLog      = "log"
	EventTypeDone     = "done"
)

// StatusEvent builds the snapshot frame sent when a stream opens
func StatusEvent(status JobStatus, progress float64) ProgressEvent {
	return ProgressEvent{Type: EventTypeStatus, Status: status, Progress: &progress}
}

// ProgressUpdateEvent builds an intermediate progress frame
func ProgressUpdateEvent(progress float64, message string) ProgressEvent {
	return ProgressEvent{Type: EventTypeProgress, Progress: &progress, Message: message}
}

// ArtifactEvent builds a frame announcing one uploaded artifact
func ArtifactEvent(url string) ProgressEvent {
	return ProgressEvent{Type: EventTypeArtifact, URL: url}
}

// DoneEvent builds the terminal frame for a job
func DoneEvent(status JobStatus, result *JobResult, jobErr *JobError) ProgressEvent {
	return ProgressEvent{Type: EventTypeDone, Status: status, Result: result, Error: jobErr}
}

// IsDone reports whether the event terminates its stream
func (e ProgressEvent) IsDone() bool {
	return e.Type == EventTypeDone
}
