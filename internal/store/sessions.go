package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session is one agent run.
type Session struct {
	ID        string     `json:"id" yaml:"id"`
	AgentID   string     `json:"agent_id" yaml:"agent_id"`
	Project   string     `json:"project,omitempty" yaml:"project,omitempty"`
	StartedAt time.Time  `json:"started_at" yaml:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	Summary   string     `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// Ended reports whether the session has been explicitly closed.
func (s Session) Ended() bool { return s.EndedAt != nil }

// CreateSession inserts a new session.
func (s *DB) CreateSession(ctx context.Context, sess Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = timeNow()
	}
	err := s.retry(ctx, func() error {
		_, err := s.execHook(ctx, s.db,
			`INSERT INTO sessions (id, agent_id, project, started_at, summary) VALUES (?, ?, ?, ?, ?)`,
			sess.ID, sess.AgentID, sess.Project, fmtTime(sess.StartedAt), sess.Summary)
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("store: session %s: %w", sess.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, agent_id, project, started_at, ended_at, summary`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess    Session
		started string
		ended   sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.AgentID, &sess.Project, &started, &ended, &sess.Summary); err != nil {
		return Session{}, err
	}
	sess.StartedAt = parseTime(started)
	sess.EndedAt = scanNullTime(ended)
	return sess, nil
}

// GetSession loads one session.
func (s *DB) GetSession(ctx context.Context, id string) (Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("store: session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("store: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest first. activeOnly restricts the list
// to sessions without an end time.
func (s *DB) ListSessions(ctx context.Context, activeOnly bool) ([]Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if activeOnly {
		q += ` WHERE ended_at IS NULL`
	}
	q += ` ORDER BY started_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// EndSession sets the end time and summary. It succeeds only once per
// session; a second call returns ErrConflict.
func (s *DB) EndSession(ctx context.Context, id, summary string) (Session, error) {
	var res sql.Result
	err := s.retry(ctx, func() error {
		var err error
		res, err = s.execHook(ctx, s.db,
			`UPDATE sessions SET ended_at = ?, summary = ? WHERE id = ? AND ended_at IS NULL`,
			fmtTime(timeNow()), summary, id)
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("store: end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("store: session %s already ended: %w", id, ErrConflict)
	}
	return s.GetSession(ctx, id)
}
