package store

import (
	"database/sql"
	"fmt"
	"time"
)

// JobState is one of the states in the orchestration job lifecycle.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// OrchestrationJob is a single delegation DAG node's persisted record.
// Brief is the JSON-encoded brief (id, dependsOn, title, objective,
// scopedContext, expectedOutput, constraints) as given by the caller.
type OrchestrationJob struct {
	ID            string
	SessionID     string
	ParentMessage string
	Brief         string
	State         JobState
	Attempt       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Output        string
	Error         string
}

// InsertJob persists a new orchestration job in the queued state.
func (s *Store) InsertJob(j *OrchestrationJob) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO orchestration_jobs (
			id, session_id, parent_message, brief, state, attempt,
			created_at, updated_at, started_at, completed_at, output, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SessionID, nullString(j.ParentMessage), j.Brief, string(j.State), j.Attempt,
		formatTime(now), formatTime(now), nullTime(j.StartedAt), nullTime(j.CompletedAt),
		nullString(j.Output), nullString(j.Error),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// UpdateJobState transitions a job's state and bookkeeping fields.
func (s *Store) UpdateJobState(j *OrchestrationJob) error {
	_, err := s.db.Exec(`
		UPDATE orchestration_jobs
		SET state = ?, attempt = ?, updated_at = ?, started_at = ?, completed_at = ?, output = ?, error = ?
		WHERE id = ?`,
		string(j.State), j.Attempt, formatTime(time.Now().UTC()),
		nullTime(j.StartedAt), nullTime(j.CompletedAt), nullString(j.Output), nullString(j.Error),
		j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	return nil
}

// JobsBySession returns every job belonging to a session (DAG run),
// in insertion order.
func (s *Store) JobsBySession(sessionID string) ([]*OrchestrationJob, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, parent_message, brief, state, attempt,
			created_at, updated_at, started_at, completed_at, output, error
		FROM orchestration_jobs WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("jobs by session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*OrchestrationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(sc rowScanner) (*OrchestrationJob, error) {
	var j OrchestrationJob
	var state, createdAt, updatedAt string
	var parentMessage, output, errStr sql.NullString
	var startedAt, completedAt sql.NullString

	err := sc.Scan(
		&j.ID, &j.SessionID, &parentMessage, &j.Brief, &state, &j.Attempt,
		&createdAt, &updatedAt, &startedAt, &completedAt, &output, &errStr,
	)
	if err != nil {
		return nil, err
	}
	j.State = JobState(state)
	j.ParentMessage = parentMessage.String
	j.Output = output.String
	j.Error = errStr.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		j.CompletedAt = &t
	}
	return &j, nil
}

// InsertDagEdge persists a dependency edge for the operator trace.
func (s *Store) InsertDagEdge(sessionID, fromID, toID string) error {
	_, err := s.db.Exec(`
		INSERT INTO dag_edges (session_id, from_id, to_id, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, from_id, to_id) DO NOTHING`,
		sessionID, fromID, toID, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("insert dag edge %s %s->%s: %w", sessionID, fromID, toID, err)
	}
	return nil
}

// DagNodeEvent is an append-only audit record of a node state
// transition; every transition writes one.
type DagNodeEvent struct {
	SessionID string
	NodeID    string
	Kind      string // node_started, node_succeeded, node_failed, node_cancelled, propagated_cancel
	Reason    string
	Timestamp time.Time
}

// InsertDagEvent appends a node transition event.
func (s *Store) InsertDagEvent(e *DagNodeEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO dag_events (session_id, node_id, kind, reason, ts)
		VALUES (?, ?, ?, ?, ?)`,
		e.SessionID, e.NodeID, e.Kind, nullString(e.Reason), formatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert dag event %s/%s: %w", e.SessionID, e.NodeID, err)
	}
	return nil
}

// RecentDagEvents returns the most recent node-transition events across
// every session, newest first, bounded by limit. It backs the
// "incidents" control-plane event topic: node_failed/propagated_cancel
// rows surface a DAG's trouble without the caller tracking session IDs.
func (s *Store) RecentDagEvents(limit int) ([]*DagNodeEvent, error) {
	rows, err := s.db.Query(`
		SELECT session_id, node_id, kind, reason, ts
		FROM dag_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent dag events: %w", err)
	}
	defer rows.Close()

	var out []*DagNodeEvent
	for rows.Next() {
		var e DagNodeEvent
		var reason sql.NullString
		var ts string
		if err := rows.Scan(&e.SessionID, &e.NodeID, &e.Kind, &reason, &ts); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		e.Timestamp = parseTime(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DagEvents returns every event recorded for a session, in the order
// they were written, for building the human-readable execution trace.
func (s *Store) DagEvents(sessionID string) ([]*DagNodeEvent, error) {
	rows, err := s.db.Query(`
		SELECT session_id, node_id, kind, reason, ts
		FROM dag_events WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("dag events %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*DagNodeEvent
	for rows.Next() {
		var e DagNodeEvent
		var reason sql.NullString
		var ts string
		if err := rows.Scan(&e.SessionID, &e.NodeID, &e.Kind, &reason, &ts); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		e.Timestamp = parseTime(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}
