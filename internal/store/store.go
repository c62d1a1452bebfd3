// Package store provides the single embedded SQLite database that backs
// every durable entity in TwinClaw: delivery records, callback receipts,
// pairing requests, allow-list entries, orchestration jobs, DAG edges,
// and miscellaneous operational state. Components hold only transient
// in-process projections of this data; a crash-recovery pass at startup
// reconstructs them from here.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the persistence layer for the whole process. All public
// methods are safe for concurrent use; SQLite serializes writes.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dbPath and runs all
// migrations. The returned Store owns the connection; callers must
// call Close when done.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver: serialize all access through one conn

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw connection for components that need bespoke
// queries outside this package's curated methods (e.g. test fixtures).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);

	CREATE TABLE IF NOT EXISTS delivery_records (
		id                  TEXT PRIMARY KEY,
		platform            TEXT NOT NULL,
		chat_id             TEXT NOT NULL,
		body                TEXT NOT NULL,
		state               TEXT NOT NULL,
		attempt_count       INTEGER NOT NULL DEFAULT 0,
		next_attempt_at     TEXT NOT NULL,
		last_error          TEXT,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL,
		sent_at             TEXT,
		correlation_task_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_state_next
		ON delivery_records(state, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_delivery_platform_chat
		ON delivery_records(platform, chat_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_delivery_correlation
		ON delivery_records(correlation_task_id);

	CREATE TABLE IF NOT EXISTS callback_receipts (
		idempotency_key TEXT PRIMARY KEY,
		status_code     INTEGER NOT NULL,
		outcome         TEXT NOT NULL,
		created_at      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pairing_requests (
		channel              TEXT NOT NULL,
		normalized_sender_id TEXT NOT NULL,
		code                 TEXT NOT NULL,
		created_at           TEXT NOT NULL,
		expires_at           TEXT NOT NULL,
		PRIMARY KEY (channel, normalized_sender_id)
	);
	CREATE INDEX IF NOT EXISTS idx_pairing_code
		ON pairing_requests(channel, code);

	CREATE TABLE IF NOT EXISTS allow_list_entries (
		channel              TEXT NOT NULL,
		normalized_sender_id TEXT NOT NULL,
		approved_at          TEXT NOT NULL,
		PRIMARY KEY (channel, normalized_sender_id)
	);

	CREATE TABLE IF NOT EXISTS orchestration_jobs (
		id               TEXT PRIMARY KEY,
		session_id       TEXT NOT NULL,
		parent_message   TEXT,
		brief            TEXT NOT NULL,
		state            TEXT NOT NULL,
		attempt          INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		started_at       TEXT,
		completed_at     TEXT,
		output           TEXT,
		error            TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_orchestration_session
		ON orchestration_jobs(session_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS dag_edges (
		session_id TEXT NOT NULL,
		from_id    TEXT NOT NULL,
		to_id      TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (session_id, from_id, to_id)
	);

	CREATE TABLE IF NOT EXISTS dag_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		node_id    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		reason     TEXT,
		ts         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dag_events_session
		ON dag_events(session_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// hasColumn checks whether a column exists on the given table using
// PRAGMA table_info, avoiding silent ALTER TABLE failures across
// versions of the schema.
func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, typ string
		var notNull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
