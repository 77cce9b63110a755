package store

import (
	"context"
	"fmt"
)

// IntegrityIssue is one inconsistency found in a project store.
type IntegrityIssue struct {
	TransactionID string `json:"transaction_id"`
	Message       string `json:"message"`
	// Repairable issues are fixed by RepairIntegrity; the rest need a human.
	Repairable bool  `json:"repairable"`
	Derived    Phase `json:"derived_phase,omitempty"`
}

// derivePhase returns the phase implied by a transaction's reflexes.
func derivePhase(reflexes []Reflex) Phase {
	phase := PhaseNone
	for _, r := range reflexes {
		if r.Phase.rank() > phase.rank() {
			phase = r.Phase
		}
	}
	return phase
}

// BoundFunc reports whether an open transaction has its ownership marker.
type BoundFunc func(ctx context.Context, txID string) (bool, error)

type integrityOptions struct {
	bound BoundFunc
}

type IntegrityOption func(*integrityOptions)

// WithBinding makes CheckIntegrity flag open transactions that bound
// reports as unmarked.
func WithBinding(bound BoundFunc) IntegrityOption {
	return func(o *integrityOptions) { o.bound = bound }
}

// CheckIntegrity compares every transaction's recorded phase with the phase
// its reflexes imply and verifies reflex content hashes.
func (s *DB) CheckIntegrity(ctx context.Context, opts ...IntegrityOption) ([]IntegrityIssue, error) {
	var o integrityOptions
	for _, opt := range opts {
		opt(&o)
	}
	txs, err := s.ListTransactions(ctx, "")
	if err != nil {
		return nil, err
	}
	var issues []IntegrityIssue
	for _, tx := range txs {
		if tx.IsOpen() && o.bound != nil {
			ok, err := o.bound(ctx, tx.ID)
			if err != nil {
				return nil, err
			}
			if !ok {
				issues = append(issues, IntegrityIssue{
					TransactionID: tx.ID,
					Message:       "open transaction has no ownership marker; abandon it to free its scope",
				})
			}
		}
		reflexes, err := s.ListReflexes(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range reflexes {
			if !VerifyReflex(r) {
				issues = append(issues, IntegrityIssue{
					TransactionID: tx.ID,
					Message:       fmt.Sprintf("%s round %d: content hash mismatch", r.Phase, r.Round),
				})
			}
		}

		derived := derivePhase(reflexes)
		switch {
		case tx.IsOpen() && tx.Phase != derived:
			issues = append(issues, IntegrityIssue{
				TransactionID: tx.ID,
				Message:       fmt.Sprintf("recorded phase %s but reflexes imply %s", tx.Phase, derived),
				Repairable:    true,
				Derived:       derived,
			})
		case !tx.IsOpen() && tx.Phase != PhaseClosed:
			issues = append(issues, IntegrityIssue{
				TransactionID: tx.ID,
				Message:       fmt.Sprintf("closed transaction recorded in phase %s", tx.Phase),
				Repairable:    true,
				Derived:       PhaseClosed,
			})
		}
	}
	return issues, nil
}

// RepairIntegrity rewrites the phase of every repairable transaction and
// returns a message per fix. Hash mismatches are left untouched.
func (s *DB) RepairIntegrity(ctx context.Context) ([]string, error) {
	issues, err := s.CheckIntegrity(ctx)
	if err != nil {
		return nil, err
	}
	var fixed []string
	for _, is := range issues {
		if !is.Repairable {
			continue
		}
		tx, err := s.GetTransaction(ctx, is.TransactionID)
		if err != nil {
			return fixed, err
		}
		from := tx.Phase
		tx.Phase = is.Derived
		if _, err := s.UpdateTransaction(ctx, tx); err != nil {
			return fixed, err
		}
		fixed = append(fixed, fmt.Sprintf("transaction %s: phase %s -> %s", tx.ID, from, is.Derived))
	}
	return fixed, nil
}
