package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kokistudios/cascade/internal/vector"
)

// Quality is the trust tier of an evidence source.
type Quality string

const (
	QualityObjective     Quality = "OBJECTIVE"
	QualitySemiObjective Quality = "SEMI_OBJECTIVE"
)

// Valid reports whether q is a known tier.
func (q Quality) Valid() bool {
	return q == QualityObjective || q == QualitySemiObjective
}

// Evidence is one externally sourced calibration input. Vectors maps each
// grounded vector to the score the evidence implies for it.
type Evidence struct {
	ID            string                    `json:"id"`
	SessionID     string                    `json:"session_id,omitempty"`
	TransactionID string                    `json:"transaction_id"`
	Source        string                    `json:"source"`
	Quality       Quality                   `json:"quality"`
	Vectors       map[vector.Vector]float64 `json:"vectors"`
	Detail        string                    `json:"detail,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
}

// Validate rejects evidence for ungroundable or unknown vectors and implied
// scores outside [0,1].
func (e Evidence) Validate() error {
	if e.Source == "" {
		return fmt.Errorf("evidence source is required")
	}
	if !e.Quality.Valid() {
		return fmt.Errorf("unknown evidence quality %q", e.Quality)
	}
	if len(e.Vectors) == 0 {
		return fmt.Errorf("evidence from %s grounds no vectors", e.Source)
	}
	for v, score := range e.Vectors {
		if !v.Groundable() {
			return &vector.ValidationError{Vector: v, Score: score, Reason: "vector cannot be grounded by evidence"}
		}
		if math.IsNaN(score) || score < 0 || score > 1 {
			return &vector.ValidationError{Vector: v, Score: score, Reason: "implied score must be within [0,1]"}
		}
	}
	return nil
}

// AddEvidence validates and inserts an evidence record.
func (s *DB) AddEvidence(ctx context.Context, e Evidence) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = timeNow()
	}
	vectors, err := json.Marshal(e.Vectors)
	if err != nil {
		return fmt.Errorf("store: encode evidence vectors: %w", err)
	}
	err = s.retry(ctx, func() error {
		_, err := s.execHook(ctx, s.db,
			`INSERT INTO evidence (id, session_id, transaction_id, source, quality, vectors, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SessionID, e.TransactionID, e.Source, e.Quality, string(vectors), e.Detail, fmtTime(e.CreatedAt))
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("store: evidence %s: %w", e.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("store: add evidence: %w", err)
	}
	return nil
}

// ListEvidence returns the evidence recorded for a transaction, oldest first.
func (s *DB) ListEvidence(ctx context.Context, transactionID string) ([]Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, transaction_id, source, quality, vectors, detail, created_at
		   FROM evidence WHERE transaction_id = ? ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("store: list evidence: %w", err)
	}
	defer rows.Close()

	var out []Evidence
	for rows.Next() {
		var (
			e       Evidence
			vectors string
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TransactionID, &e.Source, &e.Quality, &vectors, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("store: scan evidence: %w", err)
		}
		if err := json.Unmarshal([]byte(vectors), &e.Vectors); err != nil {
			return nil, fmt.Errorf("store: decode evidence %s: %w", e.ID, err)
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Calibration is a persisted calibration report. Report is opaque JSON.
type Calibration struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	SessionID     string          `json:"session_id,omitempty"`
	Report        json.RawMessage `json:"report"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SaveCalibration inserts a calibration report.
func (s *DB) SaveCalibration(ctx context.Context, c Calibration) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = timeNow()
	}
	err := s.retry(ctx, func() error {
		_, err := s.execHook(ctx, s.db,
			`INSERT INTO calibrations (id, transaction_id, session_id, report, created_at) VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.TransactionID, c.SessionID, string(c.Report), fmtTime(c.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("store: save calibration: %w", err)
	}
	return nil
}

// LatestCalibration returns the newest calibration report of a transaction.
func (s *DB) LatestCalibration(ctx context.Context, transactionID string) (Calibration, error) {
	var (
		c       Calibration
		report  string
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, transaction_id, session_id, report, created_at FROM calibrations
		  WHERE transaction_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, transactionID).
		Scan(&c.ID, &c.TransactionID, &c.SessionID, &report, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Calibration{}, fmt.Errorf("store: calibration of %s: %w", transactionID, ErrNotFound)
	}
	if err != nil {
		return Calibration{}, fmt.Errorf("store: latest calibration: %w", err)
	}
	c.Report = json.RawMessage(report)
	c.CreatedAt = parseTime(created)
	return c, nil
}

// DriftEntry is one synthesis decision in a session's history.
type DriftEntry struct {
	SessionID            string    `json:"session_id"`
	Turn                 int       `json:"turn"`
	DelegateWeight       float64   `json:"delegate_weight"`
	TrusteeWeight        float64   `json:"trustee_weight"`
	TensionsAcknowledged bool      `json:"tensions_acknowledged"`
	CreatedAt            time.Time `json:"created_at"`
}

const driftWeightTolerance = 1e-6

// Validate checks weight bounds and that the weights sum to 1.0.
func (d DriftEntry) Validate() error {
	for _, w := range []float64{d.DelegateWeight, d.TrusteeWeight} {
		if math.IsNaN(w) || w < 0 || w > 1 {
			return fmt.Errorf("drift weight %v out of range [0,1]", w)
		}
	}
	if math.Abs(d.DelegateWeight+d.TrusteeWeight-1) > driftWeightTolerance {
		return fmt.Errorf("delegate and trustee weights sum to %v, want 1.0", d.DelegateWeight+d.TrusteeWeight)
	}
	return nil
}

// AddDriftEntry appends an entry to a session's history. A zero Turn is
// assigned the next turn number.
func (s *DB) AddDriftEntry(ctx context.Context, d DriftEntry) (DriftEntry, error) {
	if err := d.Validate(); err != nil {
		return DriftEntry{}, fmt.Errorf("store: %w", err)
	}
	d.CreatedAt = timeNow()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if d.Turn == 0 {
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(turn), 0) + 1 FROM drift_entries WHERE session_id = ?`, d.SessionID).Scan(&d.Turn); err != nil {
				return err
			}
		}
		_, err := s.execHook(ctx, tx,
			`INSERT INTO drift_entries (session_id, turn, delegate_weight, trustee_weight, tensions_acknowledged, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			d.SessionID, d.Turn, d.DelegateWeight, d.TrusteeWeight, boolInt(d.TensionsAcknowledged), fmtTime(d.CreatedAt))
		return err
	})
	if isUniqueViolation(err) {
		return DriftEntry{}, fmt.Errorf("store: drift turn %d: %w", d.Turn, ErrDuplicate)
	}
	if err != nil {
		return DriftEntry{}, fmt.Errorf("store: add drift entry: %w", err)
	}
	return d, nil
}

// ListDriftEntries returns a session's history in turn order.
func (s *DB) ListDriftEntries(ctx context.Context, sessionID string) ([]DriftEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, turn, delegate_weight, trustee_weight, tensions_acknowledged, created_at
		   FROM drift_entries WHERE session_id = ? ORDER BY turn`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list drift entries: %w", err)
	}
	defer rows.Close()

	var out []DriftEntry
	for rows.Next() {
		var (
			d       DriftEntry
			ack     int
			created string
		)
		if err := rows.Scan(&d.SessionID, &d.Turn, &d.DelegateWeight, &d.TrusteeWeight, &ack, &created); err != nil {
			return nil, fmt.Errorf("store: scan drift entry: %w", err)
		}
		d.TensionsAcknowledged = ack == 1
		d.CreatedAt = parseTime(created)
		out = append(out, d)
	}
	return out, rows.Err()
}
