package store

import (
	"database/sql"
	"fmt"
	"time"
)

// PairingRequest is a pending challenge awaiting an approval code from
// an unrecognized sender.
type PairingRequest struct {
	Channel            string
	NormalizedSenderID string
	Code               string
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// AllowListEntry marks a sender as approved for a channel.
type AllowListEntry struct {
	Channel            string
	NormalizedSenderID string
	ApprovedAt         time.Time
}

// InsertPairingRequest creates a pending pairing request. Fails with a
// unique-constraint error if one already exists for the (channel,
// sender) pair; callers should check GetPairingRequest first under the
// same lock to return already_pending instead.
func (s *Store) InsertPairingRequest(r *PairingRequest) error {
	_, err := s.db.Exec(`
		INSERT INTO pairing_requests (channel, normalized_sender_id, code, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.Channel, r.NormalizedSenderID, r.Code, formatTime(r.CreatedAt), formatTime(r.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert pairing request %s/%s: %w", r.Channel, r.NormalizedSenderID, err)
	}
	return nil
}

// GetPairingRequest returns the pending request for (channel, sender),
// or nil if none exists.
func (s *Store) GetPairingRequest(channel, senderID string) (*PairingRequest, error) {
	row := s.db.QueryRow(`
		SELECT channel, normalized_sender_id, code, created_at, expires_at
		FROM pairing_requests WHERE channel = ? AND normalized_sender_id = ?`,
		channel, senderID)
	return scanPairingRequest(row)
}

// CodeExists reports whether a pairing code is already in use within a
// channel, so the caller can regenerate on collision until it lands on
// a unique one.
func (s *Store) CodeExists(channel, code string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pairing_requests WHERE channel = ? AND code = ?`,
		channel, code,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("code exists %s/%s: %w", channel, code, err)
	}
	return n > 0, nil
}

// FindPairingByCode looks up a pending request by channel and code,
// for Approve. Returns nil if not found.
func (s *Store) FindPairingByCode(channel, code string) (*PairingRequest, error) {
	row := s.db.QueryRow(`
		SELECT channel, normalized_sender_id, code, created_at, expires_at
		FROM pairing_requests WHERE channel = ? AND code = ?`,
		channel, code)
	return scanPairingRequest(row)
}

// PendingRequestsByChannel returns every pending request for a
// channel, for Approve's constant-time code comparison: the caller
// scans every candidate with crypto/subtle rather than letting SQL's
// indexed WHERE code = ? comparison short-circuit on the code value.
func (s *Store) PendingRequestsByChannel(channel string) ([]*PairingRequest, error) {
	rows, err := s.db.Query(`
		SELECT channel, normalized_sender_id, code, created_at, expires_at
		FROM pairing_requests WHERE channel = ?`, channel)
	if err != nil {
		return nil, fmt.Errorf("pending requests %s: %w", channel, err)
	}
	defer rows.Close()

	var out []*PairingRequest
	for rows.Next() {
		r, err := scanPairingRequestRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeletePairingRequest removes a pending request, whether consumed by
// approval or removed by the expiry sweeper.
func (s *Store) DeletePairingRequest(channel, senderID string) error {
	_, err := s.db.Exec(
		`DELETE FROM pairing_requests WHERE channel = ? AND normalized_sender_id = ?`,
		channel, senderID,
	)
	if err != nil {
		return fmt.Errorf("delete pairing request %s/%s: %w", channel, senderID, err)
	}
	return nil
}

// ExpiredPairingRequests returns all pending requests whose
// expires_at has passed, for the background sweeper.
func (s *Store) ExpiredPairingRequests(now time.Time) ([]*PairingRequest, error) {
	rows, err := s.db.Query(`
		SELECT channel, normalized_sender_id, code, created_at, expires_at
		FROM pairing_requests WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("expired pairing requests: %w", err)
	}
	defer rows.Close()

	var out []*PairingRequest
	for rows.Next() {
		r, err := scanPairingRequestRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountPending returns how many pairing requests are pending for a
// channel, to enforce the configured per-channel cap.
func (s *Store) CountPending(channel string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pairing_requests WHERE channel = ?`, channel,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending %s: %w", channel, err)
	}
	return n, nil
}

// InsertAllowListEntry idempotently approves a sender for a channel.
func (s *Store) InsertAllowListEntry(e *AllowListEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO allow_list_entries (channel, normalized_sender_id, approved_at)
		VALUES (?, ?, ?)
		ON CONFLICT (channel, normalized_sender_id) DO NOTHING`,
		e.Channel, e.NormalizedSenderID, formatTime(e.ApprovedAt),
	)
	if err != nil {
		return fmt.Errorf("insert allow-list entry %s/%s: %w", e.Channel, e.NormalizedSenderID, err)
	}
	return nil
}

// IsApproved reports whether an AllowListEntry exists for (channel, sender).
func (s *Store) IsApproved(channel, senderID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM allow_list_entries WHERE channel = ? AND normalized_sender_id = ?`,
		channel, senderID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is approved %s/%s: %w", channel, senderID, err)
	}
	return n > 0, nil
}

func scanPairingRequest(row *sql.Row) (*PairingRequest, error) {
	return scanPairingInto(row)
}

func scanPairingRequestRows(rows *sql.Rows) (*PairingRequest, error) {
	return scanPairingInto(rows)
}

func scanPairingInto(sc rowScanner) (*PairingRequest, error) {
	var r PairingRequest
	var createdAt, expiresAt string
	err := sc.Scan(&r.Channel, &r.NormalizedSenderID, &r.Code, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(createdAt)
	r.ExpiresAt = parseTime(expiresAt)
	return &r, nil
}
