package events

import (
	"context"
	"testing"
	"time"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/models"
)

func collect(t *testing.T, ch <-chan models.ProgressEvent, n int) []models.ProgressEvent {
	t.Helper()

	events := make([]models.ProgressEvent, 0, n)
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case event, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, event)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(events))
		}
	}
	return events
}

func TestPublishOrderPreserved(t *testing.T) {
	bus := NewBus(common.GetLogger())
	defer bus.Close()

	sub := bus.Subscribe("j_order0000001")
	defer sub.Close()

	ctx := context.Background()
	for _, fraction := range []float64{0.1, 0.2, 0.3} {
		bus.Publish(ctx, "j_order0000001", models.ProgressUpdateEvent(fraction, ""))
	}

	events := collect(t, sub.Events(), 3)
	for i, expected := range []float64{0.1, 0.2, 0.3} {
		if *events[i].Progress != expected {
			t.Errorf("event %d: expected progress %f, got %f", i, expected, *events[i].Progress)
		}
	}
}

func TestDoneEventClosesTopic(t *testing.T) {
	bus := NewBus(common.GetLogger())
	defer bus.Close()

	sub := bus.Subscribe("j_done00000001")
	defer sub.Close()

	ctx := context.Background()
	bus.Publish(ctx, "j_done00000001", models.ProgressUpdateEvent(0.5, ""))
	bus.Publish(ctx, "j_done00000001", models.DoneEvent(models.JobStatusSucceeded, nil, nil))

	events := collect(t, sub.Events(), 2)
	if !events[1].IsDone() {
		t.Fatalf("expected done event, got %s", events[1].Type)
	}

	// Channel closes after the terminal event
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected channel closed after done event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after done event")
	}
}

func TestLateSubscriberSeesNoHistory(t *testing.T) {
	bus := NewBus(common.GetLogger())
	defer bus.Close()

	ctx := context.Background()
	bus.Publish(ctx, "j_late00000001", models.ProgressUpdateEvent(0.4, ""))

	sub := bus.Subscribe("j_late00000001")
	defer sub.Close()

	select {
	case event := <-sub.Events():
		t.Fatalf("expected no replay, got %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}

	bus.Publish(ctx, "j_late00000001", models.ProgressUpdateEvent(0.8, ""))
	events := collect(t, sub.Events(), 1)
	if *events[0].Progress != 0.8 {
		t.Errorf("expected only the live event, got %f", *events[0].Progress)
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	bus := NewBus(common.GetLogger())
	defer bus.Close()

	subA := bus.Subscribe("j_topica000001")
	defer subA.Close()
	subB := bus.Subscribe("j_topicb000001")
	defer subB.Close()

	bus.Publish(context.Background(), "j_topica000001", models.ProgressUpdateEvent(0.5, ""))

	events := collect(t, subA.Events(), 1)
	if *events[0].Progress != 0.5 {
		t.Errorf("unexpected event on topic A: %+v", events[0])
	}

	select {
	case event := <-subB.Events():
		t.Fatalf("topic B received foreign event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(common.GetLogger())
	defer bus.Close()

	sub := bus.Subscribe("j_unsub0000001")
	sub.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing to a topic with no subscribers must not panic
	bus.Publish(context.Background(), "j_unsub0000001", models.ProgressUpdateEvent(0.9, ""))
}

func TestTerminalEventDisplacesStaleEventWhenFull(t *testing.T) {
	bus := NewBus(common.GetLogger())
	defer bus.Close()

	sub := bus.Subscribe("j_full00000001")
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(ctx, "j_full00000001", models.ProgressUpdateEvent(float64(i), ""))
	}
	bus.Publish(ctx, "j_full00000001", models.DoneEvent(models.JobStatusSucceeded, nil, nil))

	var sawDone bool
	for event := range sub.Events() {
		if event.IsDone() {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("terminal event lost on a full subscriber channel")
	}
}
