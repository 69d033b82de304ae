package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/engine"
	"github.com/halcyonworks/renderq/internal/events"
	"github.com/halcyonworks/renderq/internal/handlers"
	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/metrics"
	"github.com/halcyonworks/renderq/internal/objectstore"
	"github.com/halcyonworks/renderq/internal/queue"
	"github.com/halcyonworks/renderq/internal/services/jobs"
	"github.com/halcyonworks/renderq/internal/services/maintenance"
	badgerstore "github.com/halcyonworks/renderq/internal/storage/badger"
	"github.com/halcyonworks/renderq/internal/worker"
)

// App holds all application dependencies, wired once at startup
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Storage     interfaces.StorageManager
	Queue       interfaces.QueueManager
	Bus         interfaces.EventBus
	Engine      interfaces.EngineClient
	ObjectStore interfaces.ObjectStore
	Metrics     *metrics.Metrics

	JobService  *jobs.Service
	Maintenance *maintenance.Service
	WorkerPool  *worker.Pool

	JobHandler    *handlers.JobHandler
	EventsHandler *handlers.EventsHandler
	HealthHandler *handlers.HealthHandler
}

// New wires the application. Order matters: storage and queue come first,
// the recovery sweep runs before the worker pool exists so orphans re-enter
// the queue ahead of fresh work.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	storage, err := badgerstore.NewManager(logger, &config.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	queueMgr, err := queue.NewManager(logger, &config.Queue)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	bus := events.NewBus(logger)
	m := metrics.New()

	engineClient, err := engine.NewClient(logger, &config.Engine, m)
	if err != nil {
		queueMgr.Close()
		storage.Close()
		return nil, fmt.Errorf("failed to initialize engine client: %w", err)
	}

	store, err := objectstore.NewMinioStore(logger, &config.ObjectStore)
	if err != nil {
		queueMgr.Close()
		storage.Close()
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}

	// Bucket creation is best effort at startup; uploads fail loudly later
	// if the store stays unreachable.
	bucketCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.EnsureBucket(bucketCtx); err != nil {
		logger.Warn().Err(err).Msg("Could not ensure artifact bucket, continuing")
	}
	cancel()

	jobService := jobs.NewService(logger, storage, queueMgr, bus, config)

	recovery := worker.NewRecovery(logger, storage, queueMgr, bus, m, config.Workers.RecoveryPolicy)
	recoveryCtx, cancelRecovery := context.WithTimeout(context.Background(), time.Minute)
	if err := recovery.Run(recoveryCtx); err != nil {
		logger.Error().Err(err).Msg("Recovery sweep failed")
	}
	cancelRecovery()

	pool := worker.NewPool(logger, storage, queueMgr, bus, engineClient, store, m, config)
	maint := maintenance.NewService(logger, storage, queueMgr, bus, m, config)

	return &App{
		Config:        config,
		Logger:        logger,
		Storage:       storage,
		Queue:         queueMgr,
		Bus:           bus,
		Engine:        engineClient,
		ObjectStore:   store,
		Metrics:       m,
		JobService:    jobService,
		Maintenance:   maint,
		WorkerPool:    pool,
		JobHandler:    handlers.NewJobHandler(logger, jobService, m),
		EventsHandler: handlers.NewEventsHandler(logger, jobService, bus),
		HealthHandler: handlers.NewHealthHandler(logger, engineClient, store, queueMgr),
	}, nil
}

// Start launches the background components
func (a *App) Start() error {
	if err := a.Maintenance.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance sweeps: %w", err)
	}
	a.WorkerPool.Start()
	return nil
}

// Shutdown stops background work and releases resources, in reverse
// dependency order.
func (a *App) Shutdown() {
	a.WorkerPool.Stop()
	a.Maintenance.Stop()
	a.Bus.Close()

	if err := a.Queue.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Queue close failed")
	}
	if err := a.Storage.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Storage close failed")
	}

	a.Logger.Info().Msg("Application stopped")
}
