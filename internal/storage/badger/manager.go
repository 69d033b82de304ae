package badger

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/interfaces"
)

// Manager wires the BadgerDB connection and the typed storages behind it
type Manager struct {
	db          *BadgerDB
	jobs        *JobStorage
	idempotency *IdempotencyStorage
	flags       *FlagStorage
	logger      arbor.ILogger
}

// NewManager opens the database and constructs all storage services
func NewManager(logger arbor.ILogger, config *common.StorageConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, &config.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize badger: %w", err)
	}

	return &Manager{
		db:          db,
		jobs:        NewJobStorage(db, logger),
		idempotency: NewIdempotencyStorage(db, logger, config.Prefix),
		flags:       NewFlagStorage(db, logger, config.Prefix),
		logger:      logger,
	}, nil
}

// JobStorage returns the job record storage
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobs
}

// IdempotencyStorage returns the idempotency binding storage
func (m *Manager) IdempotencyStorage() interfaces.IdempotencyStorage {
	return m.idempotency
}

// FlagStorage returns the cancel-flag and in-progress storage
func (m *Manager) FlagStorage() interfaces.FlagStorage {
	return m.flags
}

// Close closes the underlying database
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing storage manager")
	return m.db.Close()
}
