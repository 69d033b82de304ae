package badger

import (
	"context"
	"sort"
	"testing"
	"time"
)

func TestCancelFlagLifecycle(t *testing.T) {
	storage := newTestManager(t).FlagStorage()
	ctx := context.Background()

	requested, err := storage.IsCancelRequested(ctx, "j_flag00000001")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if requested {
		t.Fatal("expected no cancel flag initially")
	}

	if err := storage.SetCancelFlag(ctx, "j_flag00000001", time.Hour); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	requested, err = storage.IsCancelRequested(ctx, "j_flag00000001")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !requested {
		t.Fatal("expected cancel flag to be set")
	}

	// Flags are per job
	other, err := storage.IsCancelRequested(ctx, "j_flag00000002")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if other {
		t.Fatal("cancel flag leaked to another job")
	}

	if err := storage.ClearCancelFlag(ctx, "j_flag00000001"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	requested, err = storage.IsCancelRequested(ctx, "j_flag00000001")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if requested {
		t.Fatal("expected cancel flag cleared")
	}

	// Clearing twice is harmless
	if err := storage.ClearCancelFlag(ctx, "j_flag00000001"); err != nil {
		t.Fatalf("expected idempotent clear, got %v", err)
	}
}

func TestInProgressSet(t *testing.T) {
	storage := newTestManager(t).FlagStorage()
	ctx := context.Background()

	ids, err := storage.ListInProgress(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty set, got %v", ids)
	}

	for _, id := range []string{"j_prog00000001", "j_prog00000002"} {
		if err := storage.MarkInProgress(ctx, id); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}

	ids, err = storage.ListInProgress(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "j_prog00000001" || ids[1] != "j_prog00000002" {
		t.Fatalf("unexpected in-progress set: %v", ids)
	}

	if err := storage.UnmarkInProgress(ctx, "j_prog00000001"); err != nil {
		t.Fatalf("unmark failed: %v", err)
	}
	ids, err = storage.ListInProgress(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "j_prog00000002" {
		t.Fatalf("unexpected set after unmark: %v", ids)
	}
}
