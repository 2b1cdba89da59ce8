// Package audit provides a secondary, non-authoritative SQLite store
// recording every request/response the dispatcher's arbiter has handled, for
// after-the-fact introspection. It is never consulted on boot: the only
// durable source of truth for account state is internal/walog's flat
// file. Losing the audit database loses history, never money.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the audit database handle.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds the audit store's location.
type Config struct {
	// DBPath is the sqlite file path. Its parent directory is created if
	// missing.
	DBPath string
}

// Open creates (or reopens) the audit database at cfg.DBPath.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("audit: create dir for %s: %w", cfg.DBPath, err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", cfg.DBPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping %s: %w", cfg.DBPath, err)
	}

	db.SetMaxOpenConns(1) // sqlite3 only supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: cfg.DBPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB, for tests and ad-hoc inspection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id     TEXT PRIMARY KEY,
	client_pid   INTEGER NOT NULL,
	batch_size   INTEGER NOT NULL,
	received_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS operations (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id        TEXT NOT NULL REFERENCES batches(batch_id),
	operation_index INTEGER NOT NULL,
	op_code         INTEGER NOT NULL,
	requested_id    TEXT NOT NULL,
	is_new_client   INTEGER NOT NULL,
	amount          INTEGER NOT NULL,
	status          INTEGER,
	balance_after   INTEGER,
	assigned_id     TEXT,
	message         TEXT,
	recorded_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_operations_batch ON operations(batch_id);
`
	_, err := s.db.Exec(schema)
	return err
}

// RecordBatch inserts one row describing a batch the ingress reframer
// just delivered to the dispatcher.
func (s *Store) RecordBatch(batchID string, clientPID, batchSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO batches (batch_id, client_pid, batch_size) VALUES (?, ?, ?)`,
		batchID, clientPID, batchSize,
	)
	if err != nil {
		return fmt.Errorf("audit: record batch: %w", err)
	}
	return nil
}

// OperationRecord is one operation's audit trail, request and (if
// available) response together.
type OperationRecord struct {
	BatchID        string
	OperationIndex int
	OpCode         int32
	RequestedID    string
	IsNewClient    bool
	Amount         int32
	Status         *int32
	BalanceAfter   *int32
	AssignedID     string
	Message        string
}

// RecordOperation inserts one operation's full audit record. The
// dispatcher's arbiter calls it as soon as it has computed the response
// to an operation, so Status and BalanceAfter are always populated.
// Operations that never reach the arbiter (a teller's early rejection, a
// teller that could not open the client FIFO) are not recorded.
func (s *Store) RecordOperation(rec OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO operations
			(batch_id, operation_index, op_code, requested_id, is_new_client, amount, status, balance_after, assigned_id, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BatchID, rec.OperationIndex, rec.OpCode, rec.RequestedID, boolToInt(rec.IsNewClient), rec.Amount,
		rec.Status, rec.BalanceAfter, rec.AssignedID, rec.Message,
	)
	if err != nil {
		return fmt.Errorf("audit: record operation: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
