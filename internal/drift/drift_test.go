package drift

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/cascade/internal/store"
)

func cfg() store.DriftConfig { return store.DefaultConfig().Drift }

func history(delegates []float64, acknowledged []bool) []store.DriftEntry {
	out := make([]store.DriftEntry, len(delegates))
	for i, d := range delegates {
		out[i] = store.DriftEntry{
			Turn:                 i + 1,
			DelegateWeight:       d,
			TrusteeWeight:        1 - d,
			TensionsAcknowledged: acknowledged[i],
		}
	}
	return out
}

func allTrue(n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = true
	}
	return out
}

func TestAnalyze_InsufficientHistory(t *testing.T) {
	h := history([]float64{0.1, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9}, make([]bool, 9))
	r := Analyze(h, cfg())
	assert.True(t, r.Insufficient)
	assert.Equal(t, 9, r.HistoryLength)
	assert.Equal(t, 10, r.Required)
	assert.False(t, r.Sycophancy.Flagged)
	assert.False(t, r.TensionAvoidance.Flagged)
	assert.Empty(t, r.Warnings())

	assert.True(t, Analyze(nil, cfg()).Insufficient)
}

func TestAnalyze_SycophancyDrift(t *testing.T) {
	h := history([]float64{0.40, 0.40, 0.40, 0.40, 0.40, 0.75, 0.75, 0.75, 0.75, 0.75}, allTrue(10))
	r := Analyze(h, cfg())
	require.False(t, r.Insufficient)
	assert.True(t, r.Sycophancy.Flagged)
	assert.InDelta(t, 0.35, r.Sycophancy.Increase, 1e-9)
	assert.Greater(t, r.Sycophancy.Severity, 0.5)
	assert.LessOrEqual(t, r.Sycophancy.Severity, 1.0)
	assert.False(t, r.TensionAvoidance.Flagged)
	assert.Len(t, r.Warnings(), 1)
}

func TestAnalyze_SmallIncreaseNotFlagged(t *testing.T) {
	h := history([]float64{0.40, 0.40, 0.40, 0.40, 0.40, 0.50, 0.50, 0.50, 0.50, 0.50}, allTrue(10))
	r := Analyze(h, cfg())
	assert.False(t, r.Sycophancy.Flagged)
	assert.Zero(t, r.Sycophancy.Severity)
}

func TestAnalyze_TensionAvoidance(t *testing.T) {
	ack := allTrue(10)
	for i := 5; i < 10; i++ {
		ack[i] = i == 7
	}
	h := history([]float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, ack)
	r := Analyze(h, cfg())
	assert.True(t, r.TensionAvoidance.Flagged)
	assert.Equal(t, 1, r.TensionAvoidance.Acknowledged)
	assert.Equal(t, 5, r.TensionAvoidance.Window)
	assert.False(t, r.Sycophancy.Flagged)

	ack[8] = true
	r = Analyze(history([]float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, ack), cfg())
	assert.False(t, r.TensionAvoidance.Flagged, "2 of 5 meets the minimum fraction")
}

func TestAnalyze_BothFire(t *testing.T) {
	ack := make([]bool, 12)
	h := history([]float64{0.3, 0.3, 0.3, 0.3, 0.3, 0.5, 0.6, 0.9, 0.9, 0.9, 0.9, 0.9}, ack)
	r := Analyze(h, cfg())
	assert.True(t, r.Sycophancy.Flagged)
	assert.True(t, r.TensionAvoidance.Flagged)
	assert.Len(t, r.Warnings(), 2)
}

func TestAnalyze_OrdersByTurn(t *testing.T) {
	h := history([]float64{0.40, 0.40, 0.40, 0.40, 0.40, 0.75, 0.75, 0.75, 0.75, 0.75}, allTrue(10))
	reversed := make([]store.DriftEntry, len(h))
	for i := range h {
		reversed[len(h)-1-i] = h[i]
	}
	assert.Equal(t, Analyze(h, cfg()), Analyze(reversed, cfg()))
}

func TestRecordAndAnalyzeSession(t *testing.T) {
	db, err := store.OpenProject(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d := 0.40
		if i >= 5 {
			d = 0.75
		}
		e, err := Record(ctx, db, Decision{SessionID: "s1", Delegate: d, TensionsAcknowledged: true})
		require.NoError(t, err)
		assert.Equal(t, i+1, e.Turn)
		assert.InDelta(t, 1-d, e.TrusteeWeight, 1e-9, "omitted trustee is the complement")
	}

	trustee := 0.7
	_, err = Record(ctx, db, Decision{SessionID: "s1", Delegate: 0.7, Trustee: &trustee})
	assert.Error(t, err)

	r, err := AnalyzeSession(ctx, db, "s1", cfg())
	require.NoError(t, err)
	assert.True(t, r.Sycophancy.Flagged)

	r, err = AnalyzeSession(ctx, db, "other", cfg())
	require.NoError(t, err)
	assert.True(t, r.Insufficient)
}

func TestRecord_ExplicitZeroTrusteeRejected(t *testing.T) {
	db, err := store.OpenProject(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	zero := 0.0
	_, err = Record(ctx, db, Decision{SessionID: "s1", Delegate: 0.4, Trustee: &zero})
	assert.Error(t, err, "0.4/0 does not sum to 1 and is not repaired")

	history, err := db.ListDriftEntries(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, history)

	zero = 0
	e, err := Record(ctx, db, Decision{SessionID: "s1", Delegate: 1, Trustee: &zero})
	require.NoError(t, err)
	assert.Equal(t, 0.0, e.TrusteeWeight)
}
