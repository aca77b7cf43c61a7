// Package journal persists streaming-session history to SQLite (WAL mode):
// one row per uplink session plus its state transitions, so connection
// trouble can be reconstructed after the fact.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Journal wraps *sql.DB with session helpers.
type Journal struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &Journal{raw}, nil
}

// Migrate applies the DDL schema. It is idempotent (IF NOT EXISTS
// everywhere).
func Migrate(j *Journal) error {
	ddl := []string{
		ddlSessions,
		ddlTransitions,
	}
	for _, stmt := range ddl {
		if _, err := j.Exec(stmt); err != nil {
			return fmt.Errorf("journal: migrate: %w", err)
		}
	}
	return nil
}

// Session is one uplink streaming session.
type Session struct {
	ID         int64  `json:"id"`
	Target     string `json:"target"`
	StartedAt  int64  `json:"startedAt"`
	EndedAt    *int64 `json:"endedAt,omitempty"`
	EndReason  string `json:"endReason,omitempty"`
	FramesSent int64  `json:"framesSent"`
}

// Transition is one lifecycle state change within a session.
type Transition struct {
	SessionID int64  `json:"sessionId"`
	At        int64  `json:"at"`
	State     string `json:"state"`
	Attempt   int    `json:"attempt"`
	Detail    string `json:"detail,omitempty"`
}

// StartSession records a new session and returns its id.
func (j *Journal) StartSession(target string) (int64, error) {
	res, err := j.Exec(
		`INSERT INTO sessions (target, started_at) VALUES (?, ?)`,
		target, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("journal: start session: %w", err)
	}
	return res.LastInsertId()
}

// EndSession closes a session with its final frame count and reason
// ("manual-stop", "peer-close", "retries-exhausted").
func (j *Journal) EndSession(id int64, reason string, framesSent int64) error {
	_, err := j.Exec(
		`UPDATE sessions SET ended_at = ?, end_reason = ?, frames_sent = ? WHERE id = ?`,
		time.Now().UnixMilli(), reason, framesSent, id,
	)
	if err != nil {
		return fmt.Errorf("journal: end session %d: %w", id, err)
	}
	return nil
}

// RecordTransition appends one state change to a session's timeline.
func (j *Journal) RecordTransition(sessionID int64, state string, attempt int, detail string) error {
	_, err := j.Exec(
		`INSERT INTO transitions (session_id, at, state, attempt, detail) VALUES (?, ?, ?, ?, ?)`,
		sessionID, time.Now().UnixMilli(), state, attempt, detail,
	)
	if err != nil {
		return fmt.Errorf("journal: record transition: %w", err)
	}
	return nil
}

// RecentSessions returns the newest sessions first.
func (j *Journal) RecentSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.Query(
		`SELECT id, target, started_at, ended_at, end_reason, frames_sent
		 FROM sessions ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var endedAt sql.NullInt64
		var reason sql.NullString
		if err := rows.Scan(&s.ID, &s.Target, &s.StartedAt, &endedAt, &reason, &s.FramesSent); err != nil {
			return nil, fmt.Errorf("journal: scan session: %w", err)
		}
		if endedAt.Valid {
			v := endedAt.Int64
			s.EndedAt = &v
		}
		s.EndReason = reason.String
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Transitions returns a session's timeline in order.
func (j *Journal) Transitions(sessionID int64) ([]Transition, error) {
	rows, err := j.Query(
		`SELECT session_id, at, state, attempt, detail
		 FROM transitions WHERE session_id = ? ORDER BY at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal: transitions: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var t Transition
		var detail sql.NullString
		if err := rows.Scan(&t.SessionID, &t.At, &t.State, &t.Attempt, &detail); err != nil {
			return nil, fmt.Errorf("journal: scan transition: %w", err)
		}
		t.Detail = detail.String
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    target      TEXT    NOT NULL,
    started_at  INTEGER NOT NULL,          -- Unix milliseconds
    ended_at    INTEGER,                   -- NULL while active
    end_reason  TEXT,
    frames_sent INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions (started_at DESC);
`

const ddlTransitions = `
CREATE TABLE IF NOT EXISTS transitions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    at          INTEGER NOT NULL,          -- Unix milliseconds
    state       TEXT    NOT NULL,
    attempt     INTEGER NOT NULL DEFAULT 0,
    detail      TEXT
);
CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions (session_id, at);
`
