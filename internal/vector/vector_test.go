package vector

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scored(pairs map[Vector]float64) map[Vector]VectorState {
	out := make(map[Vector]VectorState, len(pairs))
	for v, s := range pairs {
		out[v] = VectorState{Score: s, Rationale: "because"}
	}
	return out
}

func TestAll_ThirteenVectorsInFourCategories(t *testing.T) {
	all := All()
	require.Len(t, all, 13)

	perCategory := map[Category]int{}
	for _, v := range all {
		perCategory[v.Category()]++
	}
	assert.Equal(t, 1, perCategory[CategoryGate])
	assert.Equal(t, 4, perCategory[CategoryFoundation])
	assert.Equal(t, 4, perCategory[CategoryComprehension])
	assert.Equal(t, 4, perCategory[CategoryExecution])
}

func TestGroundable(t *testing.T) {
	for _, v := range []Vector{Engagement, Coherence, Density} {
		assert.False(t, v.Groundable(), "%s must never be groundable", v)
	}
	for _, v := range []Vector{Know, Do, Context, Uncertainty, Clarity, Signal, State, Change, Completion, Impact} {
		assert.True(t, v.Groundable(), "%s should be groundable", v)
	}
	assert.False(t, Vector("vibes").Groundable())
}

func TestNew_RejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name  string
		score float64
	}{
		{"negative", -0.01},
		{"above one", 1.01},
		{"nan", math.NaN()},
		{"inf", math.Inf(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(scored(map[Vector]float64{Know: tc.score}), nil)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, Know, ve.Vector)
		})
	}
}

func TestNew_BoundsAreInclusive(t *testing.T) {
	a, err := New(scored(map[Vector]float64{Know: 0, Do: 1}), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, a.Score(Know))
	assert.Equal(t, 1.0, a.Score(Do))
}

func TestNew_RationaleRequiredForNonDefault(t *testing.T) {
	_, err := New(map[Vector]VectorState{Know: {Score: 0.8}}, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "rationale")

	_, err = New(map[Vector]VectorState{Know: {Score: DefaultScore}}, nil)
	assert.NoError(t, err)
}

func TestNew_UnknownVector(t *testing.T) {
	_, err := New(map[Vector]VectorState{"vibes": {Score: 0.5}}, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestNew_FillsDefaults(t *testing.T) {
	a, err := New(nil, nil)
	require.NoError(t, err)
	for _, v := range All() {
		assert.Equal(t, DefaultScore, a.Score(v))
	}
	assert.InDelta(t, 0.5, a.WeightedConfidence(), 1e-12)
}

func TestWeights_Validate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())

	bad := DefaultWeights()
	bad[CategoryGate] = 0.30
	assert.Error(t, bad.Validate())

	missing := DefaultWeights()
	delete(missing, CategoryExecution)
	assert.Error(t, missing.Validate())

	_, err := New(nil, bad)
	assert.Error(t, err)
}

func TestWeightedConfidence_FromCategoryWeights(t *testing.T) {
	a, err := New(scored(map[Vector]float64{
		Engagement:  0.8,
		Know:        0.9,
		Do:          0.7,
		Context:     0.8,
		Uncertainty: 0.2,
		Clarity:     0.6,
		Coherence:   0.7,
		Signal:      0.8,
		Density:     0.3,
		State:       0.6,
		Change:      0.4,
		Completion:  0.5,
		Impact:      0.5,
	}), nil)
	require.NoError(t, err)

	means := a.CategoryMeans()
	assert.InDelta(t, 0.8, means[CategoryGate], 1e-12)
	assert.InDelta(t, 0.8, means[CategoryFoundation], 1e-12)
	assert.InDelta(t, 0.7, means[CategoryComprehension], 1e-12)
	assert.InDelta(t, 0.5, means[CategoryExecution], 1e-12)
	assert.InDelta(t, 0.70, a.WeightedConfidence(), 1e-12)
}

func TestWeightedConfidence_ReproducibleAndBounded(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 500; i++ {
		pairs := map[Vector]float64{}
		for _, v := range All() {
			pairs[v] = r.Float64()
		}
		a, err := New(scored(pairs), nil)
		require.NoError(t, err)

		w := DefaultWeights()
		means := a.CategoryMeans()
		want := 0.0
		for _, c := range Categories() {
			want += w[c] * means[c]
		}
		got := a.WeightedConfidence()
		assert.InDelta(t, want, got, 1e-12)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
		assert.Equal(t, got, a.WeightedConfidence())
	}
}

func TestGate_Boundary(t *testing.T) {
	const threshold = 0.60
	const eps = 1e-9

	below, err := New(scored(map[Vector]float64{Engagement: threshold - eps}), nil)
	require.NoError(t, err)
	assert.False(t, below.GatePassed(threshold))

	at, err := New(scored(map[Vector]float64{Engagement: threshold}), nil)
	require.NoError(t, err)
	assert.True(t, at.GatePassed(threshold))
}

func TestRecommendedAction(t *testing.T) {
	th := DefaultThresholds()

	high := map[Vector]float64{}
	for _, v := range All() {
		high[v] = 0.9
	}
	high[Uncertainty] = 0.1
	high[Density] = 0.1

	a, err := New(scored(high), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionProceed, a.RecommendedAction(th))

	// gate wins regardless of everything else
	high[Engagement] = 0.3
	a, err = New(scored(high), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionPause, a.RecommendedAction(th))

	mid, err := New(scored(map[Vector]float64{Engagement: 0.7}), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionInvestigate, mid.RecommendedAction(th))

	low := map[Vector]float64{Engagement: 0.7}
	for _, v := range []Vector{Know, Do, Context, Clarity, Signal, State, Change, Completion, Impact, Coherence} {
		low[v] = 0.1
	}
	low[Uncertainty] = 0.9
	a, err = New(scored(low), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionClarify, a.RecommendedAction(th))
}

func TestGaps_SortedBySeverity(t *testing.T) {
	a, err := New(scored(map[Vector]float64{
		Engagement:  0.9,
		Know:        0.2,
		Do:          0.6,
		Uncertainty: 0.85,
		Context:     0.9,
		Clarity:     0.9,
		Coherence:   0.9,
		Signal:      0.9,
		Density:     0.1,
		State:       0.9,
		Change:      0.9,
		Completion:  0.9,
		Impact:      0.9,
	}), nil)
	require.NoError(t, err)

	gaps := a.Gaps(0.7)
	require.Len(t, gaps, 3)
	assert.Equal(t, Uncertainty, gaps[0].Vector)
	assert.InDelta(t, 0.55, gaps[0].Shortfall, 1e-12)
	assert.Equal(t, Know, gaps[1].Vector)
	assert.Equal(t, Do, gaps[2].Vector)
}

func TestDelta_IncludesNegative(t *testing.T) {
	pre, err := New(scored(map[Vector]float64{Know: 0.6, Uncertainty: 0.5}), nil)
	require.NoError(t, err)
	post, err := New(scored(map[Vector]float64{Know: 0.85, Uncertainty: 0.2}), nil)
	require.NoError(t, err)

	d := Delta(pre, post)
	assert.InDelta(t, 0.25, d[Know], 1e-12)
	assert.InDelta(t, -0.30, d[Uncertainty], 1e-12)
	assert.Equal(t, 0.0, d[Impact])
}

func TestFromScores_FallbackRationale(t *testing.T) {
	a, err := FromScores(map[string]float64{"know": 0.8, "Do": 0.7}, map[string]string{"know": "read the code"}, "overall", nil)
	require.NoError(t, err)
	assert.Equal(t, "read the code", a.State(Know).Rationale)
	assert.Equal(t, "overall", a.State(Do).Rationale)

	_, err = FromScores(map[string]float64{"know": 0.8}, nil, "", nil)
	assert.Error(t, err)

	_, err = FromScores(map[string]float64{"wisdom": 0.8}, nil, "x", nil)
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Proceed ")
	require.NoError(t, err)
	assert.Equal(t, ActionProceed, a)

	_, err = ParseAction("yolo")
	assert.Error(t, err)
}

func TestMarshalJSON_IncludesDerived(t *testing.T) {
	a, err := New(nil, nil)
	require.NoError(t, err)
	data, err := json.Marshal(a)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Contains(t, out, "vectors")
	assert.Contains(t, out, "weighted_confidence")
}
