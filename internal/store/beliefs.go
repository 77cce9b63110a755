package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kokistudios/cascade/internal/vector"
)

// BeliefContext records whether belief tracking is active for a context.
type BeliefContext struct {
	Context   string    `json:"context"`
	Active    bool      `json:"active"`
	Domain    string    `json:"domain,omitempty"`
	Reason    string    `json:"reason"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Belief is the tracked estimate of one vector in one context.
type Belief struct {
	Context       string        `json:"context"`
	Vector        vector.Vector `json:"vector"`
	Mean          float64       `json:"mean"`
	Variance      float64       `json:"variance"`
	EvidenceCount int           `json:"evidence_count"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// PutBeliefContext creates or replaces the activation record of a context.
func (s *DB) PutBeliefContext(ctx context.Context, bc BeliefContext) error {
	bc.UpdatedAt = timeNow()
	err := s.retry(ctx, func() error {
		_, err := s.execHook(ctx, s.db,
			`INSERT INTO belief_contexts (context, active, domain, reason, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(context) DO UPDATE SET active = excluded.active, domain = excluded.domain,
			     reason = excluded.reason, updated_at = excluded.updated_at`,
			bc.Context, boolInt(bc.Active), bc.Domain, bc.Reason, fmtTime(bc.UpdatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("store: put belief context: %w", err)
	}
	return nil
}

// GetBeliefContext loads the activation record of a context.
func (s *DB) GetBeliefContext(ctx context.Context, name string) (BeliefContext, error) {
	var (
		bc      BeliefContext
		active  int
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT context, active, domain, reason, updated_at FROM belief_contexts WHERE context = ?`, name).
		Scan(&bc.Context, &active, &bc.Domain, &bc.Reason, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return BeliefContext{}, fmt.Errorf("store: belief context %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return BeliefContext{}, fmt.Errorf("store: get belief context: %w", err)
	}
	bc.Active = active == 1
	bc.UpdatedAt = parseTime(updated)
	return bc, nil
}

// PutBelief creates or replaces one belief.
func (s *DB) PutBelief(ctx context.Context, b Belief) error {
	b.UpdatedAt = timeNow()
	err := s.retry(ctx, func() error {
		_, err := s.execHook(ctx, s.db,
			`INSERT INTO beliefs (context, vector, mean, variance, evidence_count, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(context, vector) DO UPDATE SET mean = excluded.mean, variance = excluded.variance,
			     evidence_count = excluded.evidence_count, updated_at = excluded.updated_at`,
			b.Context, b.Vector, b.Mean, b.Variance, b.EvidenceCount, fmtTime(b.UpdatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("store: put belief: %w", err)
	}
	return nil
}

func scanBelief(row rowScanner) (Belief, error) {
	var (
		b       Belief
		updated string
	)
	if err := row.Scan(&b.Context, &b.Vector, &b.Mean, &b.Variance, &b.EvidenceCount, &updated); err != nil {
		return Belief{}, err
	}
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

// GetBelief loads one belief.
func (s *DB) GetBelief(ctx context.Context, name string, v vector.Vector) (Belief, error) {
	b, err := scanBelief(s.db.QueryRowContext(ctx,
		`SELECT context, vector, mean, variance, evidence_count, updated_at FROM beliefs WHERE context = ? AND vector = ?`,
		name, v))
	if errors.Is(err, sql.ErrNoRows) {
		return Belief{}, fmt.Errorf("store: belief %s/%s: %w", name, v, ErrNotFound)
	}
	if err != nil {
		return Belief{}, fmt.Errorf("store: get belief: %w", err)
	}
	return b, nil
}

// ListBeliefs returns all beliefs of a context.
func (s *DB) ListBeliefs(ctx context.Context, name string) ([]Belief, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT context, vector, mean, variance, evidence_count, updated_at FROM beliefs WHERE context = ? ORDER BY vector`,
		name)
	if err != nil {
		return nil, fmt.Errorf("store: list beliefs: %w", err)
	}
	defer rows.Close()

	var out []Belief
	for rows.Next() {
		b, err := scanBelief(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan belief: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
