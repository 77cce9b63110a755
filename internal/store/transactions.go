package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Phase is the position of a transaction in the cascade.
type Phase string

const (
	PhaseNone       Phase = "NONE"
	PhasePreflight  Phase = "PREFLIGHT"
	PhaseCheck      Phase = "CHECK"
	PhasePostflight Phase = "POSTFLIGHT"
	PhaseClosed     Phase = "CLOSED"
)

// Recorded reports whether reflexes are written for the phase.
func (p Phase) Recorded() bool {
	return p == PhasePreflight || p == PhaseCheck || p == PhasePostflight
}

func (p Phase) rank() int {
	switch p {
	case PhasePreflight:
		return 1
	case PhaseCheck:
		return 2
	case PhasePostflight:
		return 3
	case PhaseClosed:
		return 4
	}
	return 0
}

// TxStatus is open or closed.
type TxStatus string

const (
	TxOpen   TxStatus = "open"
	TxClosed TxStatus = "closed"
)

// Outcome records how a closed transaction ended.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeAbandoned Outcome = "abandoned"
)

// Transaction is one measured unit of work. Version increases by one on
// every persisted change and guards against concurrent writers.
type Transaction struct {
	ID          string     `json:"id" yaml:"id"`
	SessionID   string     `json:"session_id" yaml:"session_id"`
	GoalID      string     `json:"goal_id,omitempty" yaml:"goal_id,omitempty"`
	Scope       string     `json:"scope" yaml:"scope"`
	InstanceID  string     `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	TTY         string     `json:"tty,omitempty" yaml:"tty,omitempty"`
	Status      TxStatus   `json:"status" yaml:"status"`
	Phase       Phase      `json:"phase" yaml:"phase"`
	Outcome     Outcome    `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	CloseReason string     `json:"close_reason,omitempty" yaml:"close_reason,omitempty"`
	OpenedAt    time.Time  `json:"opened_at" yaml:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" yaml:"closed_at,omitempty"`
	Version     int64      `json:"version" yaml:"version"`
}

// IsOpen reports whether the transaction still accepts phases.
func (t Transaction) IsOpen() bool { return t.Status == TxOpen }

// CreateTransaction inserts an open transaction. A second open transaction
// in the same (session, scope) fails with ErrDuplicate.
func (s *DB) CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	if tx.OpenedAt.IsZero() {
		tx.OpenedAt = timeNow()
	}
	if tx.Phase == "" {
		tx.Phase = PhaseNone
	}
	tx.Status = TxOpen
	tx.Version = 1
	err := s.retry(ctx, func() error {
		_, err := s.execHook(ctx, s.db,
			`INSERT INTO transactions (id, session_id, goal_id, scope, instance_id, tty, status, phase, opened_at, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.ID, tx.SessionID, tx.GoalID, tx.Scope, tx.InstanceID, tx.TTY, tx.Status, tx.Phase, fmtTime(tx.OpenedAt), tx.Version)
		return err
	})
	if isUniqueViolation(err) {
		return Transaction{}, fmt.Errorf("store: open transaction in scope %q: %w", tx.Scope, ErrDuplicate)
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("store: create transaction: %w", err)
	}
	return tx, nil
}

const txColumns = `id, session_id, goal_id, scope, instance_id, tty, status, phase, outcome, close_reason, opened_at, closed_at, version`

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		tx     Transaction
		opened string
		closed sql.NullString
	)
	err := row.Scan(&tx.ID, &tx.SessionID, &tx.GoalID, &tx.Scope, &tx.InstanceID, &tx.TTY, &tx.Status, &tx.Phase,
		&tx.Outcome, &tx.CloseReason, &opened, &closed, &tx.Version)
	if err != nil {
		return Transaction{}, err
	}
	tx.OpenedAt = parseTime(opened)
	tx.ClosedAt = scanNullTime(closed)
	return tx, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTransaction(ctx context.Context, q querier, id string) (Transaction, error) {
	tx, err := scanTransaction(q.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, fmt.Errorf("store: transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("store: get transaction: %w", err)
	}
	return tx, nil
}

// GetTransaction loads one transaction.
func (s *DB) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

// OpenTransactionIn returns the open transaction of a (session, scope).
func (s *DB) OpenTransactionIn(ctx context.Context, sessionID, scope string) (Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE session_id = ? AND scope = ? AND status = 'open'`,
		sessionID, scope))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, fmt.Errorf("store: no open transaction in scope %q: %w", scope, ErrNotFound)
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("store: open transaction lookup: %w", err)
	}
	return tx, nil
}

// ListTransactions returns transactions oldest first. An empty status lists
// all of them.
func (s *DB) ListTransactions(ctx context.Context, status TxStatus) ([]Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY opened_at, id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func updateTransaction(ctx context.Context, s *DB, db execer, tx Transaction) (Transaction, error) {
	res, err := s.execHook(ctx, db,
		`UPDATE transactions
		    SET goal_id = ?, instance_id = ?, tty = ?, status = ?, phase = ?, outcome = ?, close_reason = ?,
		        closed_at = ?, version = version + 1
		  WHERE id = ? AND version = ?`,
		tx.GoalID, tx.InstanceID, tx.TTY, tx.Status, tx.Phase, tx.Outcome, tx.CloseReason,
		nullTime(tx.ClosedAt), tx.ID, tx.Version)
	if err != nil {
		return Transaction{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Transaction{}, fmt.Errorf("store: transaction %s at version %d: %w", tx.ID, tx.Version, ErrConflict)
	}
	tx.Version++
	return tx, nil
}

// UpdateTransaction persists tx if the stored version still equals
// tx.Version, returning the transaction at its new version. A stale version
// yields ErrConflict; a missing row yields ErrNotFound.
func (s *DB) UpdateTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	var out Transaction
	err := s.retry(ctx, func() error {
		var err error
		out, err = updateTransaction(ctx, s, s.db, tx)
		return err
	})
	if errors.Is(err, ErrConflict) {
		if _, gerr := s.GetTransaction(ctx, tx.ID); gerr != nil {
			return Transaction{}, gerr
		}
		return Transaction{}, err
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("store: update transaction: %w", err)
	}
	return out, nil
}
