package events

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/models"
)

const subscriberBuffer = 64

// Bus is an in-process pub/sub over per-job topics. Publishing is
// fire-and-forget: a slow subscriber drops intermediate events rather than
// stalling the worker, but the terminal event always lands because the
// channel is drained of one stale event to make room for it.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscription
	closed bool
	logger arbor.ILogger
}

type subscription struct {
	bus   *Bus
	jobID string
	ch    chan models.ProgressEvent
	once  sync.Once
}

// Events returns the subscriber's event channel. The channel closes after
// the terminal event is delivered or Close is called.
func (s *subscription) Events() <-chan models.ProgressEvent {
	return s.ch
}

// Close detaches the subscriber from its topic
func (s *subscription) Close() {
	s.bus.unsubscribe(s)
}

// NewBus creates an event bus
func NewBus(logger arbor.ILogger) *Bus {
	return &Bus{
		topics: make(map[string][]*subscription),
		logger: logger,
	}
}

// Subscribe attaches a listener to the job's topic. Events published before
// the subscription are not replayed.
func (b *Bus) Subscribe(jobID string) interfaces.Subscription {
	sub := &subscription{
		bus:   b,
		jobID: jobID,
		ch:    make(chan models.ProgressEvent, subscriberBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.topics[jobID] = append(b.topics[jobID], sub)
	return sub
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	subs := b.topics[sub.jobID]
	for i, candidate := range subs {
		if candidate == sub {
			b.topics[sub.jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.jobID]) == 0 {
		delete(b.topics, sub.jobID)
	}
	b.mu.Unlock()

	sub.once.Do(func() { close(sub.ch) })
}

// Publish delivers an event to every subscriber on the job's topic. A
// terminal event retires the topic: the channels close after it is sent, so
// subscribers observe exactly one terminal event followed by channel close.
func (b *Bus) Publish(ctx context.Context, jobID string, event models.ProgressEvent) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.topics[jobID]))
	copy(subs, b.topics[jobID])
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return
	}

	for _, sub := range subs {
		b.deliver(sub, event)
	}

	if event.IsDone() {
		b.retire(jobID)
	}
}

func (b *Bus) deliver(sub *subscription, event models.ProgressEvent) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	if !event.IsDone() {
		b.logger.Debug().Str("job_id", sub.jobID).Msg("Dropping event for slow subscriber")
		return
	}

	// Make room for the terminal event by discarding one stale event
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- event:
	default:
	}
}

func (b *Bus) retire(jobID string) {
	b.mu.Lock()
	subs := b.topics[jobID]
	delete(b.topics, jobID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Close shuts down the bus and closes all subscriber channels
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string][]*subscription)
	b.mu.Unlock()

	for _, subs := range topics {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	return nil
}
