package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"maragu.dev/goqite"
	_ "modernc.org/sqlite"

	"github.com/halcyonworks/renderq/internal/common"
	"github.com/halcyonworks/renderq/internal/interfaces"
)

// payload is the queue message body. Only the job ID travels through the
// queue; everything else lives in the job record.
type payload struct {
	JobID string `json:"job_id"`
}

// Manager is a thin wrapper around a goqite queue backed by SQLite.
// It provides ONLY queue operations, no business logic.
type Manager struct {
	q      *goqite.Queue
	db     *sql.DB
	name   string
	logger arbor.ILogger
}

// NewManager opens the backing SQLite database and creates the queue.
// Redelivery semantics come from goqite: a received message stays invisible
// for the visibility timeout, then reappears until MaxReceive deliveries.
func NewManager(logger arbor.ILogger, config *common.QueueConfig) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	// SQLite handles one writer at a time; keep the pool at a single
	// connection so writes queue instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := goqite.Setup(ctx, db); err != nil {
		// Ignore "already exists" errors - this is expected on subsequent startups
		if !strings.Contains(err.Error(), "already exists") {
			db.Close()
			return nil, fmt.Errorf("failed to set up queue schema: %w", err)
		}
	}

	q := goqite.New(goqite.NewOpts{
		DB:         db,
		Name:       config.QueueName,
		Timeout:    common.Duration(config.VisibilityTimeout, 30*time.Minute),
		MaxReceive: config.MaxReceive,
	})

	logger.Debug().
		Str("path", config.Path).
		Str("queue", config.QueueName).
		Msg("Queue initialized")

	return &Manager{
		q:      q,
		db:     db,
		name:   config.QueueName,
		logger: logger,
	}, nil
}

// Enqueue adds a job to the queue
func (m *Manager) Enqueue(ctx context.Context, jobID string) error {
	data, err := json.Marshal(payload{JobID: jobID})
	if err != nil {
		return err
	}

	if err := m.q.Send(ctx, goqite.Message{Body: data}); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Receive pulls the next message from the queue. Returns ErrNoMessage when
// the queue is empty. The Ack/Nack/Extend closures use fresh contexts with
// timeouts so they still work after the Receive context has expired.
func (m *Manager) Receive(ctx context.Context) (*interfaces.QueueMessage, error) {
	gMsg, err := m.q.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if gMsg == nil {
		return nil, interfaces.ErrNoMessage
	}

	var body payload
	if err := json.Unmarshal(gMsg.Body, &body); err != nil {
		// Poison message, drop it rather than redeliver forever
		m.logger.Warn().Err(err).Msg("Dropping malformed queue message")
		deleteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.q.Delete(deleteCtx, gMsg.ID)
		return nil, interfaces.ErrNoMessage
	}

	msgID := gMsg.ID

	return &interfaces.QueueMessage{
		JobID: body.JobID,
		Ack: func() error {
			deleteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return m.q.Delete(deleteCtx, msgID)
		},
		Nack: func(requeue bool) error {
			nackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if requeue {
				// Collapse the visibility timeout so the message
				// reappears immediately
				return m.q.Extend(nackCtx, msgID, 0)
			}
			return m.q.Delete(nackCtx, msgID)
		},
		Extend: func(d time.Duration) error {
			extendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return m.q.Extend(extendCtx, msgID, d)
		},
	}, nil
}

// Stats reports queue depth straight from the goqite table
func (m *Manager) Stats(ctx context.Context) (interfaces.QueueStats, error) {
	stats := interfaces.QueueStats{QueueName: m.name}

	row := m.db.QueryRowContext(ctx,
		`SELECT count(*) FROM goqite WHERE queue = ? AND timeout <= strftime('%Y-%m-%dT%H:%M:%fZ')`, m.name)
	if err := row.Scan(&stats.Pending); err != nil {
		return stats, fmt.Errorf("failed to count pending messages: %w", err)
	}

	row = m.db.QueryRowContext(ctx,
		`SELECT count(*) FROM goqite WHERE queue = ? AND timeout > strftime('%Y-%m-%dT%H:%M:%fZ')`, m.name)
	if err := row.Scan(&stats.InFlight); err != nil {
		return stats, fmt.Errorf("failed to count in-flight messages: %w", err)
	}

	return stats, nil
}

// Close closes the backing database
func (m *Manager) Close() error {
	return m.db.Close()
}
