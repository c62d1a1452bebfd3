package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetState returns the stored value for a namespace/key pair. Returns
// empty string and nil error if the key does not exist. Used for
// small bookkeeping values that don't warrant their own table, such as
// the event hub's last-assigned sequence number or the scheduler's
// last-run timestamps.
func (s *Store) GetState(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM kv_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// SetState upserts a namespace/key/value triple.
func (s *Store) SetState(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set state %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteState removes a namespace/key entry. No error if absent.
func (s *Store) DeleteState(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM kv_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete state %s/%s: %w", namespace, key, err)
	}
	return nil
}
