package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessage is returned by Receive when the queue is empty
var ErrNoMessage = errors.New("no message available")

// QueueMessage is one delivery pulled from the durable queue. Ack removes
// the message; Nack leaves it to reappear after the visibility timeout (or
// deletes it when requeue is false). Extend pushes the visibility deadline
// out for long-running jobs.
type QueueMessage struct {
	JobID  string
	Ack    func() error
	Nack   func(requeue bool) error
	Extend func(d time.Duration) error
}

// QueueManager manages the durable job queue
type QueueManager interface {
	Enqueue(ctx context.Context, jobID string) error
	// Receive blocks up to the context deadline for the next message.
	// Returns ErrNoMessage when the queue is empty.
	Receive(ctx context.Context) (*QueueMessage, error)
	Stats(ctx context.Context) (QueueStats, error)
	Close() error
}

// QueueStats is a point-in-time snapshot of queue depth
type QueueStats struct {
	QueueName string `json:"queue_name"`
	Pending   int    `json:"pending_messages"`
	InFlight  int    `json:"in_flight_messages"`
}
