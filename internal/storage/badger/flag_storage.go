package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
)

// FlagStorage holds transient per-job markers as raw badger entries:
// cancel flags (TTL-expired) and the in-progress set the recovery sweep
// scans after a restart.
type FlagStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	prefix string
}

// NewFlagStorage creates a flag storage instance
func NewFlagStorage(db *BadgerDB, logger arbor.ILogger, prefix string) *FlagStorage {
	return &FlagStorage{
		db:     db,
		logger: logger,
		prefix: prefix,
	}
}

func (s *FlagStorage) cancelKey(jobID string) []byte {
	return []byte(fmt.Sprintf("%s:cancel:%s", s.prefix, jobID))
}

func (s *FlagStorage) inProgressKey(jobID string) []byte {
	return []byte(fmt.Sprintf("%s:inprogress:%s", s.prefix, jobID))
}

func (s *FlagStorage) inProgressPrefix() []byte {
	return []byte(fmt.Sprintf("%s:inprogress:", s.prefix))
}

// SetCancelFlag marks a job as cancel-requested. The flag outlives the
// caller so a worker picking the job up later still honors it.
func (s *FlagStorage) SetCancelFlag(ctx context.Context, jobID string, ttl time.Duration) error {
	err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(s.cancelKey(jobID), []byte("1")).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to set cancel flag for %s: %w", jobID, err)
	}
	return nil
}

// IsCancelRequested reports whether a live cancel flag exists for the job
func (s *FlagStorage) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(s.cancelKey(jobID))
		return err
	})
	if err == badgerdb.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag for %s: %w", jobID, err)
	}
	return true, nil
}

// ClearCancelFlag removes the cancel flag once the job has settled
func (s *FlagStorage) ClearCancelFlag(ctx context.Context, jobID string) error {
	err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(s.cancelKey(jobID))
	})
	if err != nil && err != badgerdb.ErrKeyNotFound {
		return fmt.Errorf("failed to clear cancel flag for %s: %w", jobID, err)
	}
	return nil
}

// MarkInProgress adds the job to the in-progress set
func (s *FlagStorage) MarkInProgress(ctx context.Context, jobID string) error {
	err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Set(s.inProgressKey(jobID), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s in progress: %w", jobID, err)
	}
	return nil
}

// UnmarkInProgress removes the job from the in-progress set
func (s *FlagStorage) UnmarkInProgress(ctx context.Context, jobID string) error {
	err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(s.inProgressKey(jobID))
	})
	if err != nil && err != badgerdb.ErrKeyNotFound {
		return fmt.Errorf("failed to unmark %s in progress: %w", jobID, err)
	}
	return nil
}

// ListInProgress returns the job IDs currently marked in progress. After a
// clean shutdown the set is empty; entries found at startup are orphans.
func (s *FlagStorage) ListInProgress(ctx context.Context) ([]string, error) {
	prefix := s.inProgressPrefix()
	var jobIDs []string

	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			jobIDs = append(jobIDs, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list in-progress jobs: %w", err)
	}
	return jobIDs, nil
}
