package store

import (
	"database/sql"
	"fmt"
	"time"
)

// DeliveryState is one of the states in the delivery record state
// machine documented in internal/delivery.
type DeliveryState string

const (
	DeliveryPending    DeliveryState = "pending"
	DeliverySending    DeliveryState = "sending"
	DeliveryRetrying   DeliveryState = "retrying"
	DeliverySent       DeliveryState = "sent"
	DeliveryFailed     DeliveryState = "failed"
	DeliveryDeadLetter DeliveryState = "dead_letter"
)

// DeliveryRecord is a durable outbound message awaiting or having
// completed delivery to a channel adapter.
type DeliveryRecord struct {
	ID                string
	Platform          string
	ChatID            string
	Body              string
	State             DeliveryState
	AttemptCount      int
	NextAttemptAt     time.Time
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	SentAt            *time.Time
	CorrelationTaskID string
}

// InsertDelivery persists a new delivery record in the pending state.
// The caller supplies the ID (normally a freshly generated UUID) so
// the queue's Enqueue can return it synchronously.
func (s *Store) InsertDelivery(r *DeliveryRecord) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO delivery_records (
			id, platform, chat_id, body, state, attempt_count,
			next_attempt_at, last_error, created_at, updated_at,
			sent_at, correlation_task_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Platform, r.ChatID, r.Body, string(r.State), r.AttemptCount,
		formatTime(r.NextAttemptAt), nullString(r.LastError), formatTime(now), formatTime(now),
		nullTime(r.SentAt), nullString(r.CorrelationTaskID),
	)
	if err != nil {
		return fmt.Errorf("insert delivery %s: %w", r.ID, err)
	}
	return nil
}

// GetDelivery retrieves a delivery record by ID.
func (s *Store) GetDelivery(id string) (*DeliveryRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, platform, chat_id, body, state, attempt_count,
			next_attempt_at, last_error, created_at, updated_at,
			sent_at, correlation_task_id
		FROM delivery_records WHERE id = ?`, id)
	return scanDelivery(row)
}

// DueDeliveries returns records in pending or retrying state whose
// next_attempt_at has passed, ordered oldest-due-first. Used by the
// queue's tick to find work.
func (s *Store) DueDeliveries(now time.Time, limit int) ([]*DeliveryRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, platform, chat_id, body, state, attempt_count,
			next_attempt_at, last_error, created_at, updated_at,
			sent_at, correlation_task_id
		FROM delivery_records
		WHERE state IN (?, ?) AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?`,
		string(DeliveryPending), string(DeliveryRetrying), formatTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveryRows(rows)
}

// InFlight returns the record currently in the sending state for a
// given (platform, chatId), if any. Used to enforce the invariant that
// only one attempt is ever in flight per chat.
func (s *Store) InFlight(platform, chatID string) (*DeliveryRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, platform, chat_id, body, state, attempt_count,
			next_attempt_at, last_error, created_at, updated_at,
			sent_at, correlation_task_id
		FROM delivery_records
		WHERE platform = ? AND chat_id = ? AND state = ?
		LIMIT 1`, platform, chatID, string(DeliverySending))
	rec, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// MarkSending transitions a record from pending/retrying to sending.
// Returns false if the record was not in an eligible state (another
// goroutine already claimed it).
func (s *Store) MarkSending(id string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE delivery_records
		SET state = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		string(DeliverySending), formatTime(now), id, string(DeliveryPending), string(DeliveryRetrying),
	)
	if err != nil {
		return false, fmt.Errorf("mark sending %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkSent transitions a record to the terminal sent state. attempt is
// the attempt number that succeeded (the prior AttemptCount plus one),
// so a record that failed twice then succeeded ends at AttemptCount=3,
// matching the count of actual send attempts made against it.
func (s *Store) MarkSent(id string, attempt int, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE delivery_records
		SET state = ?, attempt_count = ?, sent_at = ?, updated_at = ?, last_error = NULL
		WHERE id = ?`,
		string(DeliverySent), attempt, formatTime(now), formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	return nil
}

// MarkRetrying transitions a record back to retrying with an
// incremented attempt count and a new next_attempt_at computed by the
// caller's backoff policy.
func (s *Store) MarkRetrying(id string, attemptCount int, nextAttemptAt time.Time, lastErr string, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE delivery_records
		SET state = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(DeliveryRetrying), attemptCount, formatTime(nextAttemptAt), nullString(lastErr), formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("mark retrying %s: %w", id, err)
	}
	return nil
}

// MarkDeadLetter transitions a record to the terminal dead_letter
// state after exhausting its retry budget.
func (s *Store) MarkDeadLetter(id string, attemptCount int, lastErr string, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE delivery_records
		SET state = ?, attempt_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(DeliveryDeadLetter), attemptCount, nullString(lastErr), formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("mark dead letter %s: %w", id, err)
	}
	return nil
}

// MarkFailed transitions a record to the terminal failed state,
// used by webhook reconciliation
// rather than the retry exhaustion path.
func (s *Store) MarkFailed(id, lastErr string, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE delivery_records
		SET state = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(DeliveryFailed), nullString(lastErr), formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// Requeue resets a dead_letter record back to pending for manual
// replay.
func (s *Store) Requeue(id string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE delivery_records
		SET state = ?, attempt_count = 0, last_error = NULL, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(DeliveryPending), formatTime(now), formatTime(now), id, string(DeliveryDeadLetter),
	)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("requeue %s: not found or not in dead_letter state", id)
	}
	return nil
}

// ResetInFlight resets every record in the sending state back to
// retrying with an incremented attempt count, or to dead_letter if
// already at the attempt ceiling. Called once at startup to recover
// from a crash mid-send.
func (s *Store) ResetInFlight(maxAttempts int, base time.Duration, now time.Time) (recovered, deadLettered int, err error) {
	rows, err := s.db.Query(`
		SELECT id, attempt_count FROM delivery_records WHERE state = ?`,
		string(DeliverySending),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("reset in-flight query: %w", err)
	}
	type pending struct {
		id      string
		attempt int
	}
	var toReset []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.attempt); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("reset in-flight scan: %w", err)
		}
		toReset = append(toReset, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	for _, p := range toReset {
		attempt := p.attempt + 1
		if attempt >= maxAttempts {
			if err := s.MarkDeadLetter(p.id, attempt, "recovered from crash mid-send", now); err != nil {
				return recovered, deadLettered, err
			}
			deadLettered++
			continue
		}
		if err := s.MarkRetrying(p.id, attempt, now.Add(base), "recovered from crash mid-send", now); err != nil {
			return recovered, deadLettered, err
		}
		recovered++
	}
	return recovered, deadLettered, nil
}

// DeliveryStats summarizes counts per state, for GetStats.
type DeliveryStats struct {
	Pending    int
	Sending    int
	Retrying   int
	Sent       int
	Failed     int
	DeadLetter int
}

// Stats computes counts of delivery records by state.
func (s *Store) DeliveryStats() (DeliveryStats, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM delivery_records GROUP BY state`)
	if err != nil {
		return DeliveryStats{}, fmt.Errorf("delivery stats: %w", err)
	}
	defer rows.Close()

	var stats DeliveryStats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return DeliveryStats{}, err
		}
		switch DeliveryState(state) {
		case DeliveryPending:
			stats.Pending = n
		case DeliverySending:
			stats.Sending = n
		case DeliveryRetrying:
			stats.Retrying = n
		case DeliverySent:
			stats.Sent = n
		case DeliveryFailed:
			stats.Failed = n
		case DeliveryDeadLetter:
			stats.DeadLetter = n
		}
	}
	return stats, rows.Err()
}

// RecentDeliveries returns the most recently updated records, bounded
// to limit, for the reliability endpoint's ring-buffer view.
func (s *Store) RecentDeliveries(limit int) ([]*DeliveryRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, platform, chat_id, body, state, attempt_count,
			next_attempt_at, last_error, created_at, updated_at,
			sent_at, correlation_task_id
		FROM delivery_records ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveryRows(rows)
}

// DeliveryByCorrelation finds a live delivery record whose
// correlation_task_id matches taskId, for webhook reconciliation.
func (s *Store) DeliveryByCorrelation(taskID string) (*DeliveryRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, platform, chat_id, body, state, attempt_count,
			next_attempt_at, last_error, created_at, updated_at,
			sent_at, correlation_task_id
		FROM delivery_records WHERE correlation_task_id = ? LIMIT 1`, taskID)
	rec, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeliveryInto(sc rowScanner) (*DeliveryRecord, error) {
	var r DeliveryRecord
	var state, nextAttemptAt, createdAt, updatedAt string
	var lastError, sentAt, correlationTaskID sql.NullString

	err := sc.Scan(
		&r.ID, &r.Platform, &r.ChatID, &r.Body, &state, &r.AttemptCount,
		&nextAttemptAt, &lastError, &createdAt, &updatedAt,
		&sentAt, &correlationTaskID,
	)
	if err != nil {
		return nil, err
	}

	r.State = DeliveryState(state)
	r.LastError = lastError.String
	r.CorrelationTaskID = correlationTaskID.String
	r.NextAttemptAt = parseTime(nextAttemptAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if sentAt.Valid {
		t := parseTime(sentAt.String)
		r.SentAt = &t
	}
	return &r, nil
}

func scanDelivery(row *sql.Row) (*DeliveryRecord, error) {
	return scanDeliveryInto(row)
}

func scanDeliveryRows(rows *sql.Rows) ([]*DeliveryRecord, error) {
	var out []*DeliveryRecord
	for rows.Next() {
		r, err := scanDeliveryInto(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
