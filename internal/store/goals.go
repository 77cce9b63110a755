package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Scope is the size of a goal along three axes, each in [0,1].
type Scope struct {
	Breadth      float64 `json:"breadth" yaml:"breadth"`
	Duration     float64 `json:"duration" yaml:"duration"`
	Coordination float64 `json:"coordination" yaml:"coordination"`
}

// NoteKind classifies a goal note.
type NoteKind string

const (
	NoteFinding NoteKind = "finding"
	NoteUnknown NoteKind = "unknown"
	NoteDeadEnd NoteKind = "dead_end"
)

// Goal is a unit of intent that outlives the session that created it.
type Goal struct {
	ID               string     `json:"id" yaml:"id"`
	SessionID        string     `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Objective        string     `json:"objective" yaml:"objective"`
	Scope            Scope      `json:"scope" yaml:"scope"`
	Completed        bool       `json:"completed" yaml:"completed"`
	CompletionReason string     `json:"completion_reason,omitempty" yaml:"completion_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at" yaml:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Findings         []string   `json:"findings,omitempty" yaml:"findings,omitempty"`
	Unknowns         []string   `json:"unknowns,omitempty" yaml:"unknowns,omitempty"`
	DeadEnds         []string   `json:"dead_ends,omitempty" yaml:"dead_ends,omitempty"`
}

// Subtask is one step of a goal.
type Subtask struct {
	ID          string     `json:"id" yaml:"id"`
	GoalID      string     `json:"goal_id" yaml:"goal_id"`
	Description string     `json:"description" yaml:"description"`
	Completed   bool       `json:"completed" yaml:"completed"`
	Evidence    string     `json:"evidence,omitempty" yaml:"evidence,omitempty"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// CreateGoal inserts a goal.
func (s *DB) CreateGoal(ctx context.Context, g Goal) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = timeNow()
	}
	err := s.retry(ctx, func() error {
		_, err := s.execHook(ctx, s.db,
			`INSERT INTO goals (id, session_id, objective, breadth, duration, coordination, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.SessionID, g.Objective, g.Scope.Breadth, g.Scope.Duration, g.Scope.Coordination, fmtTime(g.CreatedAt))
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("store: goal %s: %w", g.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("store: create goal: %w", err)
	}
	return nil
}

const goalColumns = `id, session_id, objective, breadth, duration, coordination, completed, completion_reason, created_at, completed_at`

func scanGoal(row rowScanner) (Goal, error) {
	var (
		g         Goal
		completed int
		created   string
		done      sql.NullString
	)
	err := row.Scan(&g.ID, &g.SessionID, &g.Objective, &g.Scope.Breadth, &g.Scope.Duration, &g.Scope.Coordination,
		&completed, &g.CompletionReason, &created, &done)
	if err != nil {
		return Goal{}, err
	}
	g.Completed = completed == 1
	g.CreatedAt = parseTime(created)
	g.CompletedAt = scanNullTime(done)
	return g, nil
}

// GetGoal loads a goal with its notes.
func (s *DB) GetGoal(ctx context.Context, id string) (Goal, error) {
	g, err := scanGoal(s.db.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Goal{}, fmt.Errorf("store: goal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Goal{}, fmt.Errorf("store: get goal: %w", err)
	}
	if err := s.loadNotes(ctx, &g); err != nil {
		return Goal{}, err
	}
	return g, nil
}

func (s *DB) loadNotes(ctx context.Context, g *Goal) error {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, body FROM goal_notes WHERE goal_id = ? ORDER BY id`, g.ID)
	if err != nil {
		return fmt.Errorf("store: goal notes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind NoteKind
		var body string
		if err := rows.Scan(&kind, &body); err != nil {
			return fmt.Errorf("store: scan goal note: %w", err)
		}
		switch kind {
		case NoteFinding:
			g.Findings = append(g.Findings, body)
		case NoteUnknown:
			g.Unknowns = append(g.Unknowns, body)
		case NoteDeadEnd:
			g.DeadEnds = append(g.DeadEnds, body)
		}
	}
	return rows.Err()
}

// ListGoals returns goals oldest first, optionally including completed ones.
// Notes are not loaded.
func (s *DB) ListGoals(ctx context.Context, includeCompleted bool) ([]Goal, error) {
	q := `SELECT ` + goalColumns + ` FROM goals`
	if !includeCompleted {
		q += ` WHERE completed = 0`
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list goals: %w", err)
	}
	defer rows.Close()

	var out []Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan goal: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// CompleteGoal marks a goal complete once.
func (s *DB) CompleteGoal(ctx context.Context, id, reason string) error {
	var res sql.Result
	err := s.retry(ctx, func() error {
		var err error
		res, err = s.execHook(ctx, s.db,
			`UPDATE goals SET completed = 1, completion_reason = ?, completed_at = ? WHERE id = ? AND completed = 0`,
			reason, fmtTime(timeNow()), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: complete goal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetGoal(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("store: goal %s already completed: %w", id, ErrConflict)
	}
	return nil
}

// AddGoalNote appends a finding, unknown or dead end to a goal.
func (s *DB) AddGoalNote(ctx context.Context, goalID string, kind NoteKind, body string) error {
	err := s.retry(ctx, func() error {
		_, err := s.execHook(ctx, s.db,
			`INSERT INTO goal_notes (goal_id, kind, body, created_at) VALUES (?, ?, ?, ?)`,
			goalID, kind, body, fmtTime(timeNow()))
		return err
	})
	if err != nil {
		if _, gerr := s.GetGoal(ctx, goalID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("store: add goal note: %w", err)
	}
	return nil
}

// CreateSubtask inserts a subtask for an existing goal.
func (s *DB) CreateSubtask(ctx context.Context, st Subtask) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = timeNow()
	}
	err := s.retry(ctx, func() error {
		_, err := s.execHook(ctx, s.db,
			`INSERT INTO subtasks (id, goal_id, description, created_at) VALUES (?, ?, ?, ?)`,
			st.ID, st.GoalID, st.Description, fmtTime(st.CreatedAt))
		return err
	})
	if err != nil {
		if _, gerr := s.GetGoal(ctx, st.GoalID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("store: create subtask: %w", err)
	}
	return nil
}

const subtaskColumns = `id, goal_id, description, completed, evidence, created_at, completed_at`

func scanSubtask(row rowScanner) (Subtask, error) {
	var (
		st        Subtask
		completed int
		created   string
		done      sql.NullString
	)
	if err := row.Scan(&st.ID, &st.GoalID, &st.Description, &completed, &st.Evidence, &created, &done); err != nil {
		return Subtask{}, err
	}
	st.Completed = completed == 1
	st.CreatedAt = parseTime(created)
	st.CompletedAt = scanNullTime(done)
	return st, nil
}

// GetSubtask loads one subtask.
func (s *DB) GetSubtask(ctx context.Context, id string) (Subtask, error) {
	st, err := scanSubtask(s.db.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Subtask{}, fmt.Errorf("store: subtask %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Subtask{}, fmt.Errorf("store: get subtask: %w", err)
	}
	return st, nil
}

// ListSubtasks returns the subtasks of a goal in creation order.
func (s *DB) ListSubtasks(ctx context.Context, goalID string) ([]Subtask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE goal_id = ? ORDER BY created_at, id`, goalID)
	if err != nil {
		return nil, fmt.Errorf("store: list subtasks: %w", err)
	}
	defer rows.Close()

	var out []Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subtask: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CompleteSubtask marks a subtask complete once, recording its evidence.
func (s *DB) CompleteSubtask(ctx context.Context, id, evidence string) error {
	var res sql.Result
	err := s.retry(ctx, func() error {
		var err error
		res, err = s.execHook(ctx, s.db,
			`UPDATE subtasks SET completed = 1, evidence = ?, completed_at = ? WHERE id = ? AND completed = 0`,
			evidence, fmtTime(timeNow()), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: complete subtask: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSubtask(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("store: subtask %s already completed: %w", id, ErrConflict)
	}
	return nil
}
