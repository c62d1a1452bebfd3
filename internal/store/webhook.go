package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CallbackOutcome is the result recorded for a webhook delivery.
type CallbackOutcome string

const (
	OutcomeAccepted  CallbackOutcome = "accepted"
	OutcomeDuplicate CallbackOutcome = "duplicate"
	OutcomeRejected  CallbackOutcome = "rejected"
)

// CallbackReceipt records a single webhook delivery for idempotency.
type CallbackReceipt struct {
	IdempotencyKey string
	StatusCode     int
	Outcome        CallbackOutcome
	CreatedAt      time.Time
}

// GetCallbackReceipt looks up an existing receipt by idempotency key.
// Returns nil if none exists yet.
func (s *Store) GetCallbackReceipt(key string) (*CallbackReceipt, error) {
	row := s.db.QueryRow(`
		SELECT idempotency_key, status_code, outcome, created_at
		FROM callback_receipts WHERE idempotency_key = ?`, key)

	var r CallbackReceipt
	var outcome, createdAt string
	err := row.Scan(&r.IdempotencyKey, &r.StatusCode, &outcome, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get callback receipt %s: %w", key, err)
	}
	r.Outcome = CallbackOutcome(outcome)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// InsertCallbackReceipt records a new receipt. This insert is the
// serialization point for idempotency: callers must insert before
// doing any side-effecting work, and treat a unique-constraint
// violation as a race lost to a concurrent duplicate delivery, which
// should then be re-read and reported as a duplicate.
func (s *Store) InsertCallbackReceipt(r *CallbackReceipt) error {
	_, err := s.db.Exec(`
		INSERT INTO callback_receipts (idempotency_key, status_code, outcome, created_at)
		VALUES (?, ?, ?, ?)`,
		r.IdempotencyKey, r.StatusCode, string(r.Outcome), formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert callback receipt %s: %w", r.IdempotencyKey, err)
	}
	return nil
}
