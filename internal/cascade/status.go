package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kokistudios/cascade/internal/calibration"
	"github.com/kokistudios/cascade/internal/store"
	"github.com/kokistudios/cascade/internal/vector"
)

// Status is the read-only view of one transaction.
type Status struct {
	Transaction store.Transaction                    `json:"transaction" yaml:"transaction"`
	Rounds      map[store.Phase]int                  `json:"rounds" yaml:"rounds"`
	Latest      map[vector.Vector]vector.VectorState `json:"latest_vectors,omitempty" yaml:"latest_vectors,omitempty"`
	LatestPhase store.Phase                          `json:"latest_phase,omitempty" yaml:"latest_phase,omitempty"`
	Confidence  float64                              `json:"weighted_confidence" yaml:"weighted_confidence"`
	Recommended vector.Action                        `json:"recommended_action,omitempty" yaml:"recommended_action,omitempty"`
	Calibration *Summary                             `json:"calibration,omitempty" yaml:"calibration,omitempty"`
	Integrity   bool                                 `json:"integrity" yaml:"integrity"`
}

// Status reports a transaction's phase, rounds and latest vectors. It
// never modifies state.
func (e *Engine) Status(ctx context.Context, txID string) (Status, error) {
	tx, err := e.db.GetTransaction(ctx, txID)
	if err != nil {
		return Status{}, storeError(txID, "", err)
	}
	reflexes, err := e.db.ListReflexes(ctx, tx.ID)
	if err != nil {
		return Status{}, storeError(tx.ID, tx.Phase, err)
	}

	st := Status{Transaction: tx, Rounds: make(map[store.Phase]int), Integrity: true}
	for _, r := range reflexes {
		if r.Round > st.Rounds[r.Phase] {
			st.Rounds[r.Phase] = r.Round
		}
		if !store.VerifyReflex(r) {
			st.Integrity = false
			e.logger.Warn("reflex hash mismatch", "transaction", tx.ID, "phase", r.Phase, "round", r.Round)
		}
	}
	if n := len(reflexes); n > 0 {
		last := reflexes[n-1]
		st.Latest = last.Vectors
		st.LatestPhase = last.Phase
		if a, err := vector.New(last.Vectors, e.cfg.Cascade.Weights); err == nil {
			st.Confidence = a.WeightedConfidence()
			st.Recommended = a.RecommendedAction(e.cfg.Cascade.Thresholds)
		}
	}
	if s, err := e.Summary(ctx, tx.ID); err == nil {
		st.Calibration = &s
	} else if KindOf(err) != KindNotFound {
		return Status{}, err
	}
	return st, nil
}

// Summary is the compact calibration outcome handed to exporters.
type Summary struct {
	SessionID     string                    `json:"session_id" yaml:"session_id"`
	TransactionID string                    `json:"transaction_id" yaml:"transaction_id"`
	LearningDelta map[vector.Vector]float64 `json:"learning_delta" yaml:"learning_delta"`
	MasteryDelta  float64                   `json:"mastery_delta" yaml:"mastery_delta"`
	Disagreements int                       `json:"disagreements" yaml:"disagreements"`
	Grounded      int                       `json:"grounded" yaml:"grounded"`
}

func summaryOf(r calibration.Report) Summary {
	return Summary{
		SessionID:     r.SessionID,
		TransactionID: r.TransactionID,
		LearningDelta: r.LearningDelta,
		MasteryDelta:  r.MasteryDelta(),
		Disagreements: len(r.Reconciliation.Disagreements),
		Grounded:      len(r.Track2.Grounded),
	}
}

// Compact renders the summary as one line of JSON.
func (s Summary) Compact() string {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf(`{"transaction_id":%q}`, s.TransactionID)
	}
	return string(b)
}

// Summary returns the latest calibration summary of a transaction.
func (e *Engine) Summary(ctx context.Context, txID string) (Summary, error) {
	r, err := e.Report(ctx, txID)
	if err != nil {
		return Summary{}, err
	}
	return summaryOf(r), nil
}

// Report returns the latest full calibration report of a transaction.
func (e *Engine) Report(ctx context.Context, txID string) (calibration.Report, error) {
	c, err := e.db.LatestCalibration(ctx, txID)
	if err != nil {
		return calibration.Report{}, storeError(txID, store.PhasePostflight, err)
	}
	var r calibration.Report
	if err := json.Unmarshal(c.Report, &r); err != nil {
		return calibration.Report{}, newError(KindPersistence, txID, store.PhasePostflight,
			errors.Join(errors.New("decode calibration report"), err))
	}
	return r, nil
}

// LineExporter writes each summary as one compact JSON line.
type LineExporter struct {
	mu sync.Mutex
	W  io.Writer
}

func (x *LineExporter) Export(_ context.Context, s Summary) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, err := fmt.Fprintln(x.W, s.Compact())
	return err
}
