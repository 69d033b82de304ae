package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/interfaces"
)

func newTestQueue(t *testing.T) *Manager {
	t.Helper()

	manager, err := NewManager(common.GetLogger(), &common.QueueConfig{
		Path:              filepath.Join(t.TempDir(), "queue.db"),
		QueueName:         "test-jobs",
		VisibilityTimeout: "1m",
		MaxReceive:        3,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager
}

func TestEnqueueReceiveAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "j_queue0000001"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msg, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.JobID != "j_queue0000001" {
		t.Errorf("expected j_queue0000001, got %s", msg.JobID)
	}

	if err := msg.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if _, err := q.Receive(ctx); !errors.Is(err, interfaces.ErrNoMessage) {
		t.Errorf("expected ErrNoMessage after ack, got %v", err)
	}
}

func TestReceiveEmptyQueue(t *testing.T) {
	q := newTestQueue(t)

	if _, err := q.Receive(context.Background()); !errors.Is(err, interfaces.ErrNoMessage) {
		t.Errorf("expected ErrNoMessage, got %v", err)
	}
}

func TestMessagesDeliverInOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"j_first0000001", "j_second000001"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	first, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	second, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if first.JobID != "j_first0000001" || second.JobID != "j_second000001" {
		t.Errorf("wrong delivery order: %s, %s", first.JobID, second.JobID)
	}
}

func TestVisibilityTimeoutHidesInFlightMessages(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "j_inflight0001"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Receive(ctx); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	// The message stays invisible until the timeout lapses
	if _, err := q.Receive(ctx); !errors.Is(err, interfaces.ErrNoMessage) {
		t.Errorf("expected ErrNoMessage while in flight, got %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.InFlight != 1 || stats.Pending != 0 {
		t.Errorf("expected 1 in-flight and 0 pending, got %+v", stats)
	}
}

func TestNackRequeuesImmediately(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "j_nacked000001"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msg, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := msg.Nack(true); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	// Collapsed visibility makes the message eligible again
	deadline := time.Now().Add(2 * time.Second)
	for {
		redelivered, err := q.Receive(ctx)
		if err == nil {
			if redelivered.JobID != "j_nacked000001" {
				t.Errorf("expected j_nacked000001, got %s", redelivered.JobID)
			}
			return
		}
		if !errors.Is(err, interfaces.ErrNoMessage) {
			t.Fatalf("Receive: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("nacked message was not redelivered")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNackWithoutRequeueDropsMessage(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "j_dropped00001"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	msg, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := msg.Nack(false); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 0 || stats.InFlight != 0 {
		t.Errorf("expected empty queue after drop, got %+v", stats)
	}
}

func TestStatsCountsPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, "j_statstest001"); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 3 {
		t.Errorf("expected 3 pending, got %d", stats.Pending)
	}
	if stats.QueueName != "test-jobs" {
		t.Errorf("expected queue name test-jobs, got %s", stats.QueueName)
	}
}
