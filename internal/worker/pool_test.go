package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/events"
	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/metrics"
	"github.com/halcyonworks/renderq/internal/models"
	badgerstore "github.com/halcyonworks/renderq/internal/storage/badger"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *fakeQueue) Receive(ctx context.Context) (*interfaces.QueueMessage, error) {
	return nil, interfaces.ErrNoMessage
}

func (q *fakeQueue) Stats(ctx context.Context) (interfaces.QueueStats, error) {
	return interfaces.QueueStats{}, nil
}

func (q *fakeQueue) Close() error { return nil }

// fakeEngine drives the progress callback then returns a canned outcome
type fakeEngine struct {
	generate func(ctx context.Context, params models.SubmissionParams, onProgress interfaces.ProgressFunc) (*interfaces.GenerationResult, error)
	called   bool
}

func (e *fakeEngine) Generate(ctx context.Context, params models.SubmissionParams, onProgress interfaces.ProgressFunc) (*interfaces.GenerationResult, error) {
	e.called = true
	return e.generate(ctx, params, onProgress)
}

func (e *fakeEngine) HealthCheck(ctx context.Context) bool { return true }

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) EnsureBucket(ctx context.Context) error { return nil }

func (s *fakeStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("store unavailable")
	}
	s.objects[key] = data
	return nil
}

func (s *fakeStore) PutJSON(ctx context.Context, key string, value interface{}) error {
	return s.PutBytes(ctx, key, []byte("{}"), "application/json")
}

func (s *fakeStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://store.local/" + key, nil
}

func (s *fakeStore) HealthCheck(ctx context.Context) bool { return true }

func (s *fakeStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

type testHarness struct {
	pool    *Pool
	storage interfaces.StorageManager
	queue   *fakeQueue
	engine  *fakeEngine
	store   *fakeStore
	bus     *events.Bus
}

func successfulEngine() *fakeEngine {
	return &fakeEngine{
		generate: func(ctx context.Context, params models.SubmissionParams, onProgress interfaces.ProgressFunc) (*interfaces.GenerationResult, error) {
			for _, fraction := range []float64{0.25, 0.5, 0.75} {
				if err := onProgress(fraction, "generating"); err != nil {
					return nil, err
				}
			}
			return &interfaces.GenerationResult{
				Artifacts:      [][]byte{[]byte("png-bytes")},
				ContentType:    "image/png",
				FileExt:        "png",
				Seed:           42,
				EnginePromptID: "prompt-1",
				ElapsedSeconds: 3.5,
			}, nil
		},
	}
}

func newHarness(t *testing.T, engine *fakeEngine) *testHarness {
	t.Helper()

	logger := common.GetLogger()
	storage, err := badgerstore.NewManager(logger, &common.StorageConfig{
		Badger: common.BadgerConfig{Path: t.TempDir()},
		Prefix: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	queue := &fakeQueue{}
	store := newFakeStore()
	bus := events.NewBus(logger)
	t.Cleanup(func() { bus.Close() })

	pool := NewPool(logger, storage, queue, bus, engine, store, metrics.New(), common.NewDefaultConfig())
	t.Cleanup(pool.Stop)

	return &testHarness{pool: pool, storage: storage, queue: queue, engine: engine, store: store, bus: bus}
}

func (h *testHarness) createJob(t *testing.T, jobID string) {
	t.Helper()
	err := h.storage.JobStorage().CreateJob(context.Background(), &models.JobRecord{
		JobID:    jobID,
		Params:   models.SubmissionParams{Prompt: "test", Width: 512, Height: 512, Steps: 20, CFGScale: 7, Sampler: "euler_ancestral", Seed: -1, BatchSize: 1},
		Status:   models.JobStatusQueued,
		QueuedAt: time.Now(),
	})
	require.NoError(t, err)
}

func (h *testHarness) message(jobID string, acked, nacked *bool) *interfaces.QueueMessage {
	return &interfaces.QueueMessage{
		JobID:  jobID,
		Ack:    func() error { *acked = true; return nil },
		Nack:   func(requeue bool) error { *nacked = true; return nil },
		Extend: func(d time.Duration) error { return nil },
	}
}

func TestWorkerCompletesJob(t *testing.T) {
	h := newHarness(t, successfulEngine())
	h.createJob(t, "j_success00001")

	sub := h.bus.Subscribe("j_success00001")
	defer sub.Close()

	var acked, nacked bool
	h.pool.handleMessage(0, h.message("j_success00001", &acked, &nacked))

	record, err := h.storage.JobStorage().GetJob(context.Background(), "j_success00001")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, record.Status)
	assert.Equal(t, 1.0, record.Progress)
	assert.Equal(t, "prompt-1", record.EnginePromptID)
	require.NotNil(t, record.Result)
	require.Len(t, record.Result.Artifacts, 1)
	assert.Equal(t, "https://store.local/jobs/j_success00001/image_0.png", record.Result.Artifacts[0].URL)
	assert.Equal(t, int64(42), record.Result.Artifacts[0].Seed)
	assert.NotNil(t, record.FinishedAt)

	assert.True(t, acked)
	assert.False(t, nacked)
	assert.True(t, h.store.has("jobs/j_success00001/image_0.png"))
	assert.True(t, h.store.has("jobs/j_success00001/metadata.json"))

	// In-progress hygiene
	inProgress, err := h.storage.FlagStorage().ListInProgress(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inProgress)

	// Subscribers observe the terminal frame and then the stream closes
	var sawDone bool
	for event := range sub.Events() {
		if event.IsDone() {
			sawDone = true
			assert.Equal(t, models.JobStatusSucceeded, event.Status)
		}
	}
	assert.True(t, sawDone)
}

func TestWorkerSkipsSettledJob(t *testing.T) {
	h := newHarness(t, successfulEngine())
	h.createJob(t, "j_settled00001")

	ctx := context.Background()
	canceled := models.JobStatusCanceled
	_, err := h.storage.JobStorage().UpdateJob(ctx, "j_settled00001", models.JobUpdate{Status: &canceled})
	require.NoError(t, err)

	var acked, nacked bool
	h.pool.handleMessage(0, h.message("j_settled00001", &acked, &nacked))

	assert.True(t, acked)
	assert.False(t, h.engine.called)

	record, err := h.storage.JobStorage().GetJob(ctx, "j_settled00001")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, record.Status)
}

func TestWorkerHonorsCancelFlagBeforeStart(t *testing.T) {
	h := newHarness(t, successfulEngine())
	h.createJob(t, "j_preflag00001")

	ctx := context.Background()
	require.NoError(t, h.storage.FlagStorage().SetCancelFlag(ctx, "j_preflag00001", time.Hour))

	var acked, nacked bool
	h.pool.handleMessage(0, h.message("j_preflag00001", &acked, &nacked))

	assert.True(t, acked)
	assert.False(t, h.engine.called)

	record, err := h.storage.JobStorage().GetJob(ctx, "j_preflag00001")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, record.Status)

	flagged, err := h.storage.FlagStorage().IsCancelRequested(ctx, "j_preflag00001")
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestWorkerCancelsMidGeneration(t *testing.T) {
	var h *testHarness
	engine := &fakeEngine{
		generate: func(ctx context.Context, params models.SubmissionParams, onProgress interfaces.ProgressFunc) (*interfaces.GenerationResult, error) {
			if err := onProgress(0.2, "generating"); err != nil {
				return nil, err
			}
			// Cancellation arrives while the engine is working
			if err := h.storage.FlagStorage().SetCancelFlag(ctx, "j_midcancel001", time.Hour); err != nil {
				return nil, err
			}
			if err := onProgress(0.4, "generating"); err != nil {
				return nil, err
			}
			t.Error("expected the cancel sentinel to abort the generation")
			return nil, nil
		},
	}
	h = newHarness(t, engine)
	h.createJob(t, "j_midcancel001")

	var acked, nacked bool
	h.pool.handleMessage(0, h.message("j_midcancel001", &acked, &nacked))

	record, err := h.storage.JobStorage().GetJob(context.Background(), "j_midcancel001")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, record.Status)
	assert.True(t, acked)
}

func TestWorkerRecordsEngineFailure(t *testing.T) {
	engine := &fakeEngine{
		generate: func(ctx context.Context, params models.SubmissionParams, onProgress interfaces.ProgressFunc) (*interfaces.GenerationResult, error) {
			return nil, models.NewAPIError(models.ErrEngine, "engine reported an execution error")
		},
	}
	h := newHarness(t, engine)
	h.createJob(t, "j_enginefail01")

	var acked, nacked bool
	h.pool.handleMessage(0, h.message("j_enginefail01", &acked, &nacked))

	record, err := h.storage.JobStorage().GetJob(context.Background(), "j_enginefail01")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, models.ErrEngine, record.Error.Kind)
	assert.True(t, acked)
}

func TestWorkerFailsJobWhenNoArtifactUploads(t *testing.T) {
	h := newHarness(t, successfulEngine())
	h.store.failPut = true
	h.createJob(t, "j_storefail001")

	var acked, nacked bool
	h.pool.handleMessage(0, h.message("j_storefail001", &acked, &nacked))

	record, err := h.storage.JobStorage().GetJob(context.Background(), "j_storefail001")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, models.ErrStorage, record.Error.Kind)
	assert.True(t, acked)
}

func TestWorkerDropsDeliveryForMissingJob(t *testing.T) {
	h := newHarness(t, successfulEngine())

	var acked, nacked bool
	h.pool.handleMessage(0, h.message("j_ghost0000001", &acked, &nacked))

	assert.True(t, acked)
	assert.False(t, h.engine.called)
}

func TestWorkerProgressIsMonotonic(t *testing.T) {
	var fractions []float64
	engine := &fakeEngine{
		generate: func(ctx context.Context, params models.SubmissionParams, onProgress interfaces.ProgressFunc) (*interfaces.GenerationResult, error) {
			// The adapter may report a lower fraction after a hiccup
			for _, f := range []float64{0.3, 0.6, 0.4, 0.8} {
				if err := onProgress(f, ""); err != nil {
					return nil, err
				}
			}
			return &interfaces.GenerationResult{
				Artifacts:      [][]byte{[]byte("png")},
				ContentType:    "image/png",
				FileExt:        "png",
				ElapsedSeconds: 1,
			}, nil
		},
	}
	h := newHarness(t, engine)
	h.createJob(t, "j_monotonic001")

	jobStorage := h.storage.JobStorage()
	origEngine := engine.generate
	engine.generate = func(ctx context.Context, params models.SubmissionParams, onProgress interfaces.ProgressFunc) (*interfaces.GenerationResult, error) {
		wrapped := func(f float64, msg string) error {
			err := onProgress(f, msg)
			record, getErr := jobStorage.GetJob(ctx, "j_monotonic001")
			if getErr == nil {
				fractions = append(fractions, record.Progress)
			}
			return err
		}
		return origEngine(ctx, params, wrapped)
	}

	var acked, nacked bool
	h.pool.handleMessage(0, h.message("j_monotonic001", &acked, &nacked))

	for i := 1; i < len(fractions); i++ {
		assert.GreaterOrEqual(t, fractions[i], fractions[i-1], "progress regressed at step %d", i)
	}
}
