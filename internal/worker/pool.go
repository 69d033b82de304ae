package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/interfaces"
	"github.com/halcyonworks/renderq/internal/metrics"
	"github.com/halcyonworks/renderq/internal/models"
)

// Pool hosts N concurrent worker slots over the durable queue. Each slot
// runs the full job pipeline: dequeue, cancel check, engine generation with
// progress publication, artifact upload, terminal write, ack.
type Pool struct {
	logger  arbor.ILogger
	jobs    interfaces.JobStorage
	flags   interfaces.FlagStorage
	queue   interfaces.QueueManager
	bus     interfaces.EventBus
	engine  interfaces.EngineClient
	store   interfaces.ObjectStore
	metrics *metrics.Metrics

	concurrency       int
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	publishInterval   time.Duration
	urlTTL            time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool
func NewPool(
	logger arbor.ILogger,
	storage interfaces.StorageManager,
	queue interfaces.QueueManager,
	bus interfaces.EventBus,
	engine interfaces.EngineClient,
	store interfaces.ObjectStore,
	m *metrics.Metrics,
	config *common.Config,
) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:            logger,
		jobs:              storage.JobStorage(),
		flags:             storage.FlagStorage(),
		queue:             queue,
		bus:               bus,
		engine:            engine,
		store:             store,
		metrics:           m,
		concurrency:       config.Workers.Concurrency,
		pollInterval:      common.Duration(config.Queue.PollInterval, time.Second),
		visibilityTimeout: common.Duration(config.Queue.VisibilityTimeout, 30*time.Minute),
		publishInterval:   common.Duration(config.Workers.PublishInterval, 200*time.Millisecond),
		urlTTL:            common.Duration(config.ObjectStore.URLTTL, time.Hour),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Start launches the worker slots. Start is non-blocking.
func (p *Pool) Start() {
	p.logger.Info().Int("slots", p.concurrency).Msg("Starting worker pool")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.runSlot(i)
		// Stagger startup so slots don't hammer the queue in lockstep
		time.Sleep(50 * time.Millisecond)
	}
}

// Stop signals all slots and waits for in-flight jobs to settle
func (p *Pool) Stop() {
	p.logger.Info().Msg("Stopping worker pool")
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) runSlot(slotID int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().Int("slot", slotID).Msg("Worker slot stopped")
			return
		case <-ticker.C:
			msg, err := p.queue.Receive(p.ctx)
			if err != nil {
				if err != interfaces.ErrNoMessage && p.ctx.Err() == nil {
					p.logger.Warn().Err(err).Int("slot", slotID).Msg("Queue receive failed")
				}
				continue
			}
			p.handleMessage(slotID, msg)
		}
	}
}

// handleMessage runs the pipeline for one delivery. The message is always
// acked: terminal outcomes and drops delete it, a lost terminal-write race
// means another actor already settled the job.
func (p *Pool) handleMessage(slotID int, msg *interfaces.QueueMessage) {
	jobID := msg.JobID
	logger := p.logger

	p.metrics.JobsInFlight.Inc()
	defer p.metrics.JobsInFlight.Dec()

	if err := p.flags.MarkInProgress(p.ctx, jobID); err != nil {
		logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mark job in progress")
	}
	defer func() {
		if err := p.flags.UnmarkInProgress(p.ctx, jobID); err != nil {
			logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to unmark job")
		}
	}()

	record, err := p.jobs.GetJob(p.ctx, jobID)
	if err != nil {
		// Record reaped or unreadable: drop the delivery
		logger.Debug().Err(err).Str("job_id", jobID).Msg("Dropping delivery for missing job")
		p.ack(msg, jobID)
		return
	}
	if record.Status.IsTerminal() {
		logger.Debug().Str("job_id", jobID).Str("status", string(record.Status)).Msg("Dropping delivery for settled job")
		p.ack(msg, jobID)
		return
	}

	canceled, err := p.flags.IsCancelRequested(p.ctx, jobID)
	if err != nil {
		logger.Warn().Err(err).Str("job_id", jobID).Msg("Cancel flag read failed")
	}
	if canceled {
		p.finalizeCanceled(jobID)
		p.ack(msg, jobID)
		return
	}

	now := time.Now()
	running := models.JobStatusRunning
	zero := 0.0
	record, err = p.jobs.UpdateJob(p.ctx, jobID, models.JobUpdate{
		Status:    &running,
		StartedAt: &now,
		Progress:  &zero,
	})
	if err == interfaces.ErrForbiddenTransition {
		logger.Debug().Str("job_id", jobID).Msg("Job settled before it could start")
		p.ack(msg, jobID)
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job running, requeueing")
		p.nack(msg, jobID)
		return
	}
	p.bus.Publish(p.ctx, jobID, models.StatusEvent(models.JobStatusRunning, 0))

	// Keep the delivery invisible while the engine works
	stopHeartbeat := p.startHeartbeat(msg, jobID)
	defer stopHeartbeat()

	result, genErr := p.engine.Generate(p.ctx, record.Params, p.progressFunc(jobID))

	switch {
	case genErr == interfaces.ErrGenerationCanceled:
		p.finalizeCanceled(jobID)
	case genErr != nil:
		p.finalizeFailed(jobID, &models.JobError{
			Kind:    models.KindOf(genErr),
			Message: genErr.Error(),
		})
	default:
		p.finalizeSucceeded(jobID, record, result)
	}

	p.ack(msg, jobID)
}

// progressFunc builds the engine progress callback for one job. Cancel
// flags abort the generation; progress writes land on every callback but
// event publication is coalesced to one frame per window.
func (p *Pool) progressFunc(jobID string) interfaces.ProgressFunc {
	limiter := rate.NewLimiter(rate.Every(p.publishInterval), 1)
	lastProgress := 0.0

	return func(fraction float64, message string) error {
		canceled, err := p.flags.IsCancelRequested(p.ctx, jobID)
		if err != nil {
			p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Cancel flag read failed")
		}
		if canceled {
			return interfaces.ErrGenerationCanceled
		}

		// Progress never moves backwards
		if fraction < lastProgress {
			fraction = lastProgress
		}
		lastProgress = fraction

		if _, err := p.jobs.UpdateJob(p.ctx, jobID, models.JobUpdate{
			Progress:        &fraction,
			ProgressMessage: &message,
		}); err != nil {
			if err == interfaces.ErrForbiddenTransition {
				return interfaces.ErrGenerationCanceled
			}
			p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Progress write failed")
		}

		if limiter.Allow() {
			p.bus.Publish(p.ctx, jobID, models.ProgressUpdateEvent(fraction, message))
			p.metrics.ProgressEvents.Inc()
		}
		return nil
	}
}

// startHeartbeat extends the message visibility while the job runs
func (p *Pool) startHeartbeat(msg *interfaces.QueueMessage, jobID string) func() {
	done := make(chan struct{})
	interval := p.visibilityTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				if err := msg.Extend(p.visibilityTimeout); err != nil {
					p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Visibility extension failed")
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// finalizeSucceeded uploads artifacts, writes the metadata document and
// settles the job. Upload failures after the first artifact degrade to
// partial success; a failure before any artifact lands fails the job.
func (p *Pool) finalizeSucceeded(jobID string, record *models.JobRecord, result *interfaces.GenerationResult) {
	artifacts := make([]models.Artifact, 0, len(result.Artifacts))

	for i, blob := range result.Artifacts {
		key := fmt.Sprintf("jobs/%s/image_%d.%s", jobID, i, result.FileExt)
		if err := p.store.PutBytes(p.ctx, key, blob, result.ContentType); err != nil {
			if len(artifacts) == 0 {
				p.logger.Error().Err(err).Str("job_id", jobID).Msg("Artifact upload failed")
				p.finalizeFailed(jobID, &models.JobError{
					Kind:    models.ErrStorage,
					Message: fmt.Sprintf("artifact upload failed: %v", err),
				})
				return
			}
			p.logger.Warn().Err(err).Str("job_id", jobID).Int("index", i).Msg("Artifact upload failed, keeping partial result")
			continue
		}

		url, err := p.store.PresignGet(p.ctx, key, p.urlTTL)
		if err != nil {
			p.logger.Warn().Err(err).Str("job_id", jobID).Str("key", key).Msg("Presign failed")
			continue
		}

		artifacts = append(artifacts, models.Artifact{
			URL:    url,
			Seed:   result.Seed,
			Width:  record.Params.Width,
			Height: record.Params.Height,
			Meta:   map[string]interface{}{},
		})
		p.bus.Publish(p.ctx, jobID, models.ArtifactEvent(url))
	}

	if len(artifacts) == 0 {
		p.finalizeFailed(jobID, &models.JobError{
			Kind:    models.ErrStorage,
			Message: "no artifact could be persisted",
		})
		return
	}

	metadataKey := fmt.Sprintf("jobs/%s/metadata.json", jobID)
	if err := p.store.PutJSON(p.ctx, metadataKey, map[string]interface{}{
		"job_id":       jobID,
		"params":       record.Params,
		"generated_at": time.Now().UTC(),
		"artifacts":    artifacts,
	}); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Metadata upload failed")
	}

	jobResult := &models.JobResult{
		Artifacts:      artifacts,
		GenerationTime: result.ElapsedSeconds,
	}

	now := time.Now()
	succeeded := models.JobStatusSucceeded
	full := 1.0
	promptID := result.EnginePromptID
	_, err := p.jobs.UpdateJob(p.ctx, jobID, models.JobUpdate{
		Status:         &succeeded,
		Progress:       &full,
		Result:         jobResult,
		FinishedAt:     &now,
		EnginePromptID: &promptID,
	})
	if err == interfaces.ErrForbiddenTransition {
		p.logger.Debug().Str("job_id", jobID).Msg("Lost terminal-write race, discarding result")
		return
	}
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Terminal write failed")
		return
	}

	p.bus.Publish(p.ctx, jobID, models.DoneEvent(models.JobStatusSucceeded, jobResult, nil))
	p.metrics.JobsCompleted.WithLabelValues(string(models.JobStatusSucceeded)).Inc()
	p.metrics.JobDuration.Observe(result.ElapsedSeconds)

	p.logger.Info().
		Str("job_id", jobID).
		Int("artifacts", len(artifacts)).
		Float64("seconds", result.ElapsedSeconds).
		Msg("Job succeeded")
}

func (p *Pool) finalizeFailed(jobID string, jobErr *models.JobError) {
	now := time.Now()
	failed := models.JobStatusFailed
	_, err := p.jobs.UpdateJob(p.ctx, jobID, models.JobUpdate{
		Status:     &failed,
		Error:      jobErr,
		FinishedAt: &now,
	})
	if err == interfaces.ErrForbiddenTransition {
		p.logger.Debug().Str("job_id", jobID).Msg("Lost terminal-write race, discarding error")
		return
	}
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Terminal write failed")
		return
	}

	p.bus.Publish(p.ctx, jobID, models.DoneEvent(models.JobStatusFailed, nil, jobErr))
	p.metrics.JobsCompleted.WithLabelValues(string(models.JobStatusFailed)).Inc()

	p.logger.Warn().
		Str("job_id", jobID).
		Str("kind", string(jobErr.Kind)).
		Str("message", jobErr.Message).
		Msg("Job failed")
}

func (p *Pool) finalizeCanceled(jobID string) {
	now := time.Now()
	canceled := models.JobStatusCanceled
	_, err := p.jobs.UpdateJob(p.ctx, jobID, models.JobUpdate{
		Status:     &canceled,
		FinishedAt: &now,
	})
	if err == interfaces.ErrForbiddenTransition {
		p.logger.Debug().Str("job_id", jobID).Msg("Job already settled, skipping cancel finalize")
	} else if err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Terminal write failed")
		return
	} else {
		p.bus.Publish(p.ctx, jobID, models.DoneEvent(models.JobStatusCanceled, nil, nil))
		p.metrics.JobsCompleted.WithLabelValues(string(models.JobStatusCanceled)).Inc()
		p.logger.Info().Str("job_id", jobID).Msg("Job canceled")
	}

	if err := p.flags.ClearCancelFlag(p.ctx, jobID); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to clear cancel flag")
	}
}

func (p *Pool) ack(msg *interfaces.QueueMessage, jobID string) {
	if err := msg.Ack(); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to ack message")
	}
}

func (p *Pool) nack(msg *interfaces.QueueMessage, jobID string) {
	if err := msg.Nack(true); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to nack message")
	}
}
