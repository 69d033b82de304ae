package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/halcyonworks/renderq/internal/interfaces"
)

// IdempotencyStorage maps (owner, idempotency key) pairs to job IDs using raw
// badger entries so bindings expire on their own via the native TTL.
type IdempotencyStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	prefix string
}

// NewIdempotencyStorage creates an idempotency storage instance
func NewIdempotencyStorage(db *BadgerDB, logger arbor.ILogger, prefix string) *IdempotencyStorage {
	return &IdempotencyStorage{
		db:     db,
		logger: logger,
		prefix: prefix,
	}
}

func (s *IdempotencyStorage) key(owner, key string) []byte {
	return []byte(fmt.Sprintf("%s:idem:%s:%s", s.prefix, owner, key))
}

// SetIfAbsent binds (owner, key) to jobID unless a live binding already
// exists. The read and write happen in one transaction; badger's conflict
// detection serializes concurrent callers, so exactly one submission wins.
func (s *IdempotencyStorage) SetIfAbsent(ctx context.Context, owner, key, jobID string, ttl time.Duration) (string, bool, error) {
	k := s.key(owner, key)

	for attempt := 0; attempt < 5; attempt++ {
		var winner string
		var created bool

		err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
			item, err := txn.Get(k)
			if err == nil {
				return item.Value(func(val []byte) error {
					winner = string(val)
					return nil
				})
			}
			if err != badgerdb.ErrKeyNotFound {
				return err
			}
			entry := badgerdb.NewEntry(k, []byte(jobID)).WithTTL(ttl)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
			winner = jobID
			created = true
			return nil
		})
		if err == badgerdb.ErrConflict {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to bind idempotency key: %w", err)
		}
		return winner, created, nil
	}

	return "", false, fmt.Errorf("failed to bind idempotency key: too many conflicts")
}

// Get returns the job ID bound to (owner, key), or ErrKeyNotFound
func (s *IdempotencyStorage) Get(ctx context.Context, owner, key string) (string, error) {
	var jobID string
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(s.key(owner, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			jobID = string(val)
			return nil
		})
	})
	if err == badgerdb.ErrKeyNotFound {
		return "", interfaces.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get idempotency binding: %w", err)
	}
	return jobID, nil
}

// Delete removes the binding. Used when a submission fails after binding so
// the key can be retried.
func (s *IdempotencyStorage) Delete(ctx context.Context, owner, key string) error {
	err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(s.key(owner, key))
	})
	if err != nil && err != badgerdb.ErrKeyNotFound {
		return fmt.Errorf("failed to delete idempotency binding: %w", err)
	}
	return nil
}
