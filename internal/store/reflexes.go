package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kokistudios/cascade/internal/vector"
)

// Reflex is one immutable phase snapshot. Every phase persists the same
// fields.
type Reflex struct {
	ID            int64                                `json:"id"`
	SessionID     string                               `json:"session_id"`
	TransactionID string                               `json:"transaction_id"`
	Phase         Phase                                `json:"phase"`
	Round         int                                  `json:"round_num"`
	Vectors       map[vector.Vector]vector.VectorState `json:"vectors"`
	Reasoning     string                               `json:"reasoning,omitempty"`
	Decision      string                               `json:"decision,omitempty"`
	Payload       json.RawMessage                      `json:"payload,omitempty"`
	Hash          string                               `json:"content_hash"`
	CreatedAt     time.Time                            `json:"created_at"`
}

const hashPrefix = "v1:"

// ComputeReflexHash is a length-prefixed SHA-256 over the reflex content.
// Vectors are written in canonical order so the hash does not depend on map
// iteration.
func ComputeReflexHash(r Reflex) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(r.TransactionID)
	writeField(r.SessionID)
	writeField(string(r.Phase))
	writeField(strconv.Itoa(r.Round))
	for _, v := range vector.All() {
		st, ok := r.Vectors[v]
		if !ok {
			continue
		}
		writeField(string(v))
		writeField(strconv.FormatFloat(st.Score, 'g', -1, 64))
		writeField(st.Rationale)
	}
	writeField(r.Reasoning)
	writeField(r.Decision)
	writeField(string(r.Payload))
	writeField(fmtTime(r.CreatedAt))
	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyReflex recomputes the content hash of a stored reflex.
func VerifyReflex(r Reflex) bool {
	return r.Hash == ComputeReflexHash(r)
}

// RecordReflex appends a reflex for tx and moves tx to next in one SQL
// transaction. The round number is assigned inside that transaction as one
// more than the highest round recorded for (transaction, phase). tx.Version
// must match the stored version; otherwise nothing is written and
// ErrConflict is returned.
func (s *DB) RecordReflex(ctx context.Context, tx Transaction, r Reflex, next Phase) (Reflex, Transaction, error) {
	if !r.Phase.Recorded() {
		return Reflex{}, Transaction{}, fmt.Errorf("store: phase %s does not record reflexes", r.Phase)
	}
	r.TransactionID = tx.ID
	r.SessionID = tx.SessionID
	if len(r.Payload) == 0 {
		r.Payload = json.RawMessage(`{}`)
	}
	vectors, err := json.Marshal(r.Vectors)
	if err != nil {
		return Reflex{}, Transaction{}, fmt.Errorf("store: encode vectors: %w", err)
	}

	var (
		written Reflex
		updated Transaction
	)
	err = s.withTx(ctx, func(sqlTx *sql.Tx) error {
		rec := r
		if err := sqlTx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(round_num), 0) + 1 FROM reflexes WHERE transaction_id = ? AND phase = ?`,
			tx.ID, rec.Phase).Scan(&rec.Round); err != nil {
			return fmt.Errorf("round number: %w", err)
		}
		rec.CreatedAt = timeNow()
		rec.Hash = ComputeReflexHash(rec)

		res, err := s.execHook(ctx, sqlTx,
			`INSERT INTO reflexes (session_id, transaction_id, phase, round_num, vectors, reasoning, decision, payload, content_hash, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, rec.TransactionID, rec.Phase, rec.Round, string(vectors), rec.Reasoning, rec.Decision,
			string(rec.Payload), rec.Hash, fmtTime(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert reflex: %w", err)
		}
		rec.ID, _ = res.LastInsertId()

		moved := tx
		moved.Phase = next
		up, err := updateTransaction(ctx, s, sqlTx, moved)
		if err != nil {
			return err
		}
		written, updated = rec, up
		return nil
	})
	if errors.Is(err, ErrConflict) {
		if _, gerr := s.GetTransaction(ctx, tx.ID); gerr != nil {
			return Reflex{}, Transaction{}, gerr
		}
		return Reflex{}, Transaction{}, err
	}
	if err != nil {
		return Reflex{}, Transaction{}, fmt.Errorf("store: record reflex: %w", err)
	}
	return written, updated, nil
}

const reflexColumns = `id, session_id, transaction_id, phase, round_num, vectors, reasoning, decision, payload, content_hash, created_at`

func scanReflex(row rowScanner) (Reflex, error) {
	var (
		r       Reflex
		vectors string
		payload string
		created string
	)
	err := row.Scan(&r.ID, &r.SessionID, &r.TransactionID, &r.Phase, &r.Round, &vectors, &r.Reasoning, &r.Decision,
		&payload, &r.Hash, &created)
	if err != nil {
		return Reflex{}, err
	}
	if err := json.Unmarshal([]byte(vectors), &r.Vectors); err != nil {
		return Reflex{}, fmt.Errorf("decode vectors of reflex %d: %w", r.ID, err)
	}
	r.Payload = json.RawMessage(payload)
	r.CreatedAt = parseTime(created)
	return r, nil
}

// ListReflexes returns the reflexes of a transaction ordered by
// (phase, round_num, created_at).
func (s *DB) ListReflexes(ctx context.Context, transactionID string) ([]Reflex, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reflexColumns+` FROM reflexes WHERE transaction_id = ?
		 ORDER BY CASE phase WHEN 'PREFLIGHT' THEN 1 WHEN 'CHECK' THEN 2 WHEN 'POSTFLIGHT' THEN 3 ELSE 4 END,
		          round_num, created_at`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("store: list reflexes: %w", err)
	}
	defer rows.Close()

	var out []Reflex
	for rows.Next() {
		r, err := scanReflex(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan reflex: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestReflex returns the highest round of phase for a transaction.
func (s *DB) LatestReflex(ctx context.Context, transactionID string, phase Phase) (Reflex, error) {
	r, err := scanReflex(s.db.QueryRowContext(ctx,
		`SELECT `+reflexColumns+` FROM reflexes WHERE transaction_id = ? AND phase = ?
		 ORDER BY round_num DESC LIMIT 1`, transactionID, phase))
	if errors.Is(err, sql.ErrNoRows) {
		return Reflex{}, fmt.Errorf("store: %s reflex of %s: %w", phase, transactionID, ErrNotFound)
	}
	if err != nil {
		return Reflex{}, fmt.Errorf("store: latest reflex: %w", err)
	}
	return r, nil
}

// CheckRounds returns the CHECK reflexes of a session's transactions in
// chronological order.
func (s *DB) CheckRounds(ctx context.Context, sessionID string) ([]Reflex, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reflexColumns+` FROM reflexes WHERE session_id = ? AND phase = 'CHECK' ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: check rounds: %w", err)
	}
	defer rows.Close()

	var out []Reflex
	for rows.Next() {
		r, err := scanReflex(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan reflex: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
