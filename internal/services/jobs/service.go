package jobs

import (
	"time"

	"github.com/ternarybob/arbor"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/interfaces"
)

// Service implements job submission, cancellation and queries over the
// storage, queue and event-bus collaborators.
type Service struct {
	jobs        interfaces.JobStorage
	idempotency interfaces.IdempotencyStorage
	flags       interfaces.FlagStorage
	queue       interfaces.QueueManager
	bus         interfaces.EventBus
	logger      arbor.ILogger

	idempotencyTTL time.Duration
	cancelFlagTTL  time.Duration
	defaultModel   string
}

// NewService creates the job service
func NewService(
	logger arbor.ILogger,
	storage interfaces.StorageManager,
	queue interfaces.QueueManager,
	bus interfaces.EventBus,
	config *common.Config,
) *Service {
	return &Service{
		jobs:           storage.JobStorage(),
		idempotency:    storage.IdempotencyStorage(),
		flags:          storage.FlagStorage(),
		queue:          queue,
		bus:            bus,
		logger:         logger,
		idempotencyTTL: common.Duration(config.Jobs.IdempotencyTTL, 24*time.Hour),
		cancelFlagTTL:  common.Duration(config.Jobs.CancelFlagTTL, time.Hour),
		defaultModel:   config.Engine.DefaultModel,
	}
}
