package badger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	config := &common.StorageConfig{
		Badger: common.BadgerConfig{Path: t.TempDir()},
		Prefix: "test",
	}
	manager, err := NewManager(common.GetLogger(), config)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager
}

func queuedRecord(jobID string) *models.JobRecord {
	return &models.JobRecord{
		JobID:    jobID,
		Owner:    "owner-1",
		Params:   models.SubmissionParams{Prompt: "test", Width: 512, Height: 512, Steps: 20, CFGScale: 7, Sampler: "euler_ancestral", Seed: -1, BatchSize: 1},
		Status:   models.JobStatusQueued,
		QueuedAt: time.Now(),
	}
}

func statusPtr(s models.JobStatus) *models.JobStatus { return &s }

func TestCreateAndGetJob(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	record := queuedRecord("j_create000001")
	if err := storage.CreateJob(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := storage.GetJob(ctx, record.JobID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.JobStatusQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}
	if got.Owner != "owner-1" {
		t.Errorf("owner not persisted: %q", got.Owner)
	}
}

func TestCreateJobRejectsDuplicate(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	record := queuedRecord("j_duplicate0001")
	if err := storage.CreateJob(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := storage.CreateJob(ctx, queuedRecord("j_duplicate0001")); err != interfaces.ErrJobExists {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	storage := newTestManager(t).JobStorage()

	if _, err := storage.GetJob(context.Background(), "j_missing00000"); err != interfaces.ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestUpdateJobEnforcesStateMachine(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	record := queuedRecord("j_statemachine1")
	if err := storage.CreateJob(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// queued -> succeeded skips running and must be rejected
	if _, err := storage.UpdateJob(ctx, record.JobID, models.JobUpdate{Status: statusPtr(models.JobStatusSucceeded)}); err != interfaces.ErrForbiddenTransition {
		t.Fatalf("expected ErrForbiddenTransition, got %v", err)
	}

	// queued -> running -> succeeded is the happy path
	if _, err := storage.UpdateJob(ctx, record.JobID, models.JobUpdate{Status: statusPtr(models.JobStatusRunning)}); err != nil {
		t.Fatalf("queued -> running failed: %v", err)
	}
	updated, err := storage.UpdateJob(ctx, record.JobID, models.JobUpdate{Status: statusPtr(models.JobStatusSucceeded)})
	if err != nil {
		t.Fatalf("running -> succeeded failed: %v", err)
	}
	if updated.Status != models.JobStatusSucceeded {
		t.Errorf("expected succeeded, got %s", updated.Status)
	}
}

func TestTerminalStatusWrittenOnce(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	record := queuedRecord("j_terminal0001")
	if err := storage.CreateJob(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := storage.UpdateJob(ctx, record.JobID, models.JobUpdate{Status: statusPtr(models.JobStatusRunning)}); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}

	// Worker and cancellation race for the terminal write; exactly one wins
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, status := range []models.JobStatus{models.JobStatusSucceeded, models.JobStatusCanceled} {
		wg.Add(1)
		go func(s models.JobStatus) {
			defer wg.Done()
			_, err := storage.UpdateJob(ctx, record.JobID, models.JobUpdate{Status: statusPtr(s)})
			results <- err
		}(status)
	}
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for err := range results {
		switch err {
		case nil:
			wins++
		case interfaces.ErrForbiddenTransition:
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected exactly one winner, got %d wins / %d losses", wins, losses)
	}

	final, err := storage.GetJob(ctx, record.JobID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !final.Status.IsTerminal() {
		t.Errorf("expected a terminal status, got %s", final.Status)
	}
}

func TestTerminalRecordRejectsAllMutations(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	record := queuedRecord("j_immutable001")
	if err := storage.CreateJob(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := storage.UpdateJob(ctx, record.JobID, models.JobUpdate{Status: statusPtr(models.JobStatusRunning)}); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}
	full := 1.0
	if _, err := storage.UpdateJob(ctx, record.JobID, models.JobUpdate{
		Status:   statusPtr(models.JobStatusSucceeded),
		Progress: &full,
	}); err != nil {
		t.Fatalf("mark succeeded failed: %v", err)
	}

	settled, err := storage.GetJob(ctx, record.JobID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	// A duplicate delivery still running its progress callbacks must not
	// touch the settled record, even without a status change
	progress := 0.5
	message := "still generating"
	if _, err := storage.UpdateJob(ctx, record.JobID, models.JobUpdate{
		Progress:        &progress,
		ProgressMessage: &message,
	}); err != interfaces.ErrForbiddenTransition {
		t.Fatalf("expected ErrForbiddenTransition for progress write on terminal record, got %v", err)
	}

	final, err := storage.GetJob(ctx, record.JobID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if final.Progress != 1.0 || final.ProgressMessage != "" {
		t.Errorf("terminal record mutated: progress=%v message=%q", final.Progress, final.ProgressMessage)
	}
	if !final.UpdatedAt.Equal(settled.UpdatedAt) {
		t.Errorf("rejected update renewed UpdatedAt: %v -> %v", settled.UpdatedAt, final.UpdatedAt)
	}
}

func TestUpdateJobPartialFields(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	record := queuedRecord("j_partial00001")
	if err := storage.CreateJob(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	progress := 0.5
	message := "halfway"
	updated, err := storage.UpdateJob(ctx, record.JobID, models.JobUpdate{
		Progress:        &progress,
		ProgressMessage: &message,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Progress != 0.5 || updated.ProgressMessage != "halfway" {
		t.Errorf("partial update not applied: %+v", updated)
	}
	if updated.Status != models.JobStatusQueued {
		t.Errorf("status mutated by progress update: %s", updated.Status)
	}
}

func TestListJobsFilterAndPaging(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	ids := []string{"j_list00000001", "j_list00000002", "j_list00000003"}
	for i, id := range ids {
		record := queuedRecord(id)
		record.QueuedAt = time.Now().Add(time.Duration(i) * time.Second)
		if err := storage.CreateJob(ctx, record); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if _, err := storage.UpdateJob(ctx, ids[0], models.JobUpdate{Status: statusPtr(models.JobStatusRunning)}); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}

	running, err := storage.ListJobs(ctx, &interfaces.JobListOptions{Status: "running"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(running) != 1 || running[0].JobID != ids[0] {
		t.Fatalf("expected only the running job, got %d records", len(running))
	}

	page, err := storage.ListJobs(ctx, &interfaces.JobListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("expected one record on the page, got %d", len(page))
	}

	all, err := storage.ListJobs(ctx, nil)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	// Newest first
	if all[0].JobID != ids[2] {
		t.Errorf("expected newest record first, got %s", all[0].JobID)
	}
}

func TestCountJobsByStatus(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	for _, id := range []string{"j_count0000001", "j_count0000002"} {
		if err := storage.CreateJob(ctx, queuedRecord(id)); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	total, err := storage.CountJobs(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 jobs, got %d", total)
	}

	queued, err := storage.CountJobsByStatus(ctx, models.JobStatusQueued)
	if err != nil {
		t.Fatalf("count by status failed: %v", err)
	}
	if queued != 2 {
		t.Errorf("expected 2 queued jobs, got %d", queued)
	}
}

func TestListStaleJobs(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	record := queuedRecord("j_stale0000001")
	if err := storage.CreateJob(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stale, err := storage.ListStaleJobs(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("list stale failed: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale record, got %d", len(stale))
	}

	fresh, err := storage.ListStaleJobs(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list stale failed: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("expected no stale records, got %d", len(fresh))
	}
}

func TestDeleteJob(t *testing.T) {
	storage := newTestManager(t).JobStorage()
	ctx := context.Background()

	record := queuedRecord("j_delete000001")
	if err := storage.CreateJob(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := storage.DeleteJob(ctx, record.JobID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := storage.GetJob(ctx, record.JobID); err != interfaces.ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound after delete, got %v", err)
	}

	// Deleting a missing record is a no-op
	if err := storage.DeleteJob(ctx, "j_nothere00001"); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}
