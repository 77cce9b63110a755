// Package drift analyzes a history of synthesis decisions for sycophancy
// drift and tension avoidance.
package drift

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kokistudios/cascade/internal/store"
)

// Sycophancy compares mean delegate weight between the earliest and the
// most recent window.
type Sycophancy struct {
	Flagged    bool    `json:"flagged"`
	EarlyMean  float64 `json:"early_mean"`
	RecentMean float64 `json:"recent_mean"`
	Increase   float64 `json:"increase"`
	Severity   float64 `json:"severity"`
}

// TensionAvoidance counts acknowledged tensions in the most recent window.
type TensionAvoidance struct {
	Flagged      bool    `json:"flagged"`
	Acknowledged int     `json:"acknowledged"`
	Window       int     `json:"window"`
	Fraction     float64 `json:"fraction"`
}

// Report is the verdict over one history.
type Report struct {
	HistoryLength    int              `json:"history_length"`
	Required         int              `json:"required"`
	Insufficient     bool             `json:"insufficient_history"`
	Sycophancy       Sycophancy       `json:"sycophancy"`
	TensionAvoidance TensionAvoidance `json:"tension_avoidance"`
}

// Warnings renders the flagged findings as one line each.
func (r Report) Warnings() []string {
	var out []string
	if r.Sycophancy.Flagged {
		out = append(out, fmt.Sprintf("sycophancy drift: delegate weight rose %.2f → %.2f (severity %.2f)",
			r.Sycophancy.EarlyMean, r.Sycophancy.RecentMean, r.Sycophancy.Severity))
	}
	if r.TensionAvoidance.Flagged {
		out = append(out, fmt.Sprintf("tension avoidance: %d of last %d decisions acknowledged tension",
			r.TensionAvoidance.Acknowledged, r.TensionAvoidance.Window))
	}
	return out
}

// Analyze checks history against cfg. Entries are ordered by turn before
// windows are taken. Below cfg.MinHistory entries the report is marked
// insufficient and nothing is flagged.
func Analyze(history []store.DriftEntry, cfg store.DriftConfig) Report {
	r := Report{HistoryLength: len(history), Required: cfg.MinHistory}
	if len(history) < cfg.MinHistory || len(history) == 0 {
		r.Insufficient = true
		return r
	}

	entries := make([]store.DriftEntry, len(history))
	copy(entries, history)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Turn < entries[j].Turn })

	window := cfg.Window
	if window <= 0 || window > len(entries) {
		window = len(entries)
	}
	early := entries[:window]
	recent := entries[len(entries)-window:]

	s := Sycophancy{EarlyMean: meanDelegate(early), RecentMean: meanDelegate(recent)}
	s.Increase = s.RecentMean - s.EarlyMean
	if s.Increase > cfg.SycophancyThreshold {
		s.Flagged = true
		s.Severity = 1
		if cfg.SycophancyThreshold > 0 {
			s.Severity = math.Min(1, s.Increase/(2*cfg.SycophancyThreshold))
		}
	}
	r.Sycophancy = s

	t := TensionAvoidance{Window: window}
	for _, e := range recent {
		if e.TensionsAcknowledged {
			t.Acknowledged++
		}
	}
	t.Fraction = float64(t.Acknowledged) / float64(window)
	t.Flagged = t.Fraction < cfg.MinTensionFraction
	r.TensionAvoidance = t
	return r
}

func meanDelegate(entries []store.DriftEntry) float64 {
	var sum float64
	for _, e := range entries {
		sum += e.DelegateWeight
	}
	return sum / float64(len(entries))
}

// Decision is one turn to record. A nil Trustee is taken as the complement
// of Delegate; a given one must sum with Delegate to 1.
type Decision struct {
	SessionID            string
	Turn                 int
	Delegate             float64
	Trustee              *float64
	TensionsAcknowledged bool
}

// Record appends one decision to a session's history.
func Record(ctx context.Context, db *store.DB, d Decision) (store.DriftEntry, error) {
	trustee := 1 - d.Delegate
	if d.Trustee != nil {
		trustee = *d.Trustee
	}
	return db.AddDriftEntry(ctx, store.DriftEntry{
		SessionID:            d.SessionID,
		Turn:                 d.Turn,
		DelegateWeight:       d.Delegate,
		TrusteeWeight:        trustee,
		TensionsAcknowledged: d.TensionsAcknowledged,
	})
}

// AnalyzeSession analyzes the persisted history of a session.
func AnalyzeSession(ctx context.Context, db *store.DB, sessionID string, cfg store.DriftConfig) (Report, error) {
	history, err := db.ListDriftEntries(ctx, sessionID)
	if err != nil {
		return Report{}, err
	}
	return Analyze(history, cfg), nil
}
