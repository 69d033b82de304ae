package interfaces

import (
	"context"

	"github.com/halcyonworks/renderq/internal/models"
)

// Subscription is one listener on a per-job progress topic. Events arrives
// in publish order; the channel closes when the subscription is released or
// the topic is retired after its terminal event.
type Subscription interface {
	Events() <-chan models.ProgressEvent
	Close()
}

// EventBus is the per-job progress pub/sub. Messages are not persisted:
// a subscriber attaching late sees only subsequent events.
type EventBus interface {
	Publish(ctx context.Context, jobID string, event models.ProgressEvent)
	Subscribe(jobID string) Subscription
	Close() error
}
