// Package vector defines the 13-dimension epistemic self-assessment an agent
// submits at each phase, and the values derived from it: category means,
// weighted confidence, the engagement gate and the recommended action.
//
// An Assessment is immutable once built. All validation happens in New;
// out-of-range scores are rejected, never clamped.
package vector

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Vector names one scored dimension.
type Vector string

const (
	Engagement  Vector = "engagement"
	Know        Vector = "know"
	Do          Vector = "do"
	Context     Vector = "context"
	Uncertainty Vector = "uncertainty"
	Clarity     Vector = "clarity"
	Coherence   Vector = "coherence"
	Signal      Vector = "signal"
	Density     Vector = "density"
	State       Vector = "state"
	Change      Vector = "change"
	Completion  Vector = "completion"
	Impact      Vector = "impact"
)

// Category groups vectors for the weighted confidence computation.
type Category string

const (
	CategoryGate          Category = "gate"
	CategoryFoundation    Category = "foundation"
	CategoryComprehension Category = "comprehension"
	CategoryExecution     Category = "execution"
)

// DefaultScore is the score assumed for a vector the agent did not report.
const DefaultScore = 0.5

var ordered = []Vector{
	Engagement,
	Know, Do, Context, Uncertainty,
	Clarity, Coherence, Signal, Density,
	State, Change, Completion, Impact,
}

var categories = []Category{CategoryGate, CategoryFoundation, CategoryComprehension, CategoryExecution}

var categoryOf = map[Vector]Category{
	Engagement:  CategoryGate,
	Know:        CategoryFoundation,
	Do:          CategoryFoundation,
	Context:     CategoryFoundation,
	Uncertainty: CategoryFoundation,
	Clarity:     CategoryComprehension,
	Coherence:   CategoryComprehension,
	Signal:      CategoryComprehension,
	Density:     CategoryComprehension,
	State:       CategoryExecution,
	Change:      CategoryExecution,
	Completion:  CategoryExecution,
	Impact:      CategoryExecution,
}

// Higher is worse for these; they contribute 1-score to their category.
var inverted = map[Vector]bool{
	Uncertainty: true,
	Density:     true,
}

// No external evidence can speak to these.
var ungroundable = map[Vector]bool{
	Engagement: true,
	Coherence:  true,
	Density:    true,
}

// All returns the 13 vectors in canonical order.
func All() []Vector {
	out := make([]Vector, len(ordered))
	copy(out, ordered)
	return out
}

// Categories returns the four categories in canonical order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// Parse converts a name to a Vector, rejecting unknown names.
func Parse(name string) (Vector, error) {
	v := Vector(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := categoryOf[v]; !ok {
		return "", &ValidationError{Vector: Vector(name), Reason: "unknown vector"}
	}
	return v, nil
}

// Known reports whether v is one of the 13 vectors.
func (v Vector) Known() bool {
	_, ok := categoryOf[v]
	return ok
}

// Category returns the category the vector belongs to.
func (v Vector) Category() Category { return categoryOf[v] }

// Inverted reports whether a high score on v means lower confidence.
func (v Vector) Inverted() bool { return inverted[v] }

// Groundable reports whether external evidence may claim to ground v.
func (v Vector) Groundable() bool { return v.Known() && !ungroundable[v] }

// VectorState is one scored dimension with the agent's rationale.
type VectorState struct {
	Score     float64 `json:"score" yaml:"score"`
	Rationale string  `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

// ValidationError reports a rejected vector value.
type ValidationError struct {
	Vector Vector
	Score  float64
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Vector == "" {
		return "vector: " + e.Reason
	}
	return fmt.Sprintf("vector %s: %s (score=%v)", e.Vector, e.Reason, e.Score)
}

// Weights maps each category to its share of weighted confidence.
type Weights map[Category]float64

// DefaultWeights returns the stock category weights.
func DefaultWeights() Weights {
	return Weights{
		CategoryGate:          0.15,
		CategoryFoundation:    0.35,
		CategoryComprehension: 0.25,
		CategoryExecution:     0.25,
	}
}

// Clone returns an independent copy.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for c, x := range w {
		out[c] = x
	}
	return out
}

const weightTolerance = 1e-9

// Validate checks that every category has a weight in [0,1] and that the
// weights sum to 1.0.
func (w Weights) Validate() error {
	sum := 0.0
	for _, c := range categories {
		x, ok := w[c]
		if !ok {
			return &ValidationError{Reason: fmt.Sprintf("missing weight for category %s", c)}
		}
		if math.IsNaN(x) || x < 0 || x > 1 {
			return &ValidationError{Reason: fmt.Sprintf("weight for %s out of range: %v", c, x)}
		}
		sum += x
	}
	for c := range w {
		if !knownCategory(c) {
			return &ValidationError{Reason: fmt.Sprintf("unknown category %s", c)}
		}
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return &ValidationError{Reason: fmt.Sprintf("category weights sum to %v, want 1.0", sum)}
	}
	return nil
}

func knownCategory(c Category) bool {
	for _, k := range categories {
		if k == c {
			return true
		}
	}
	return false
}

// Action is the recommended next step derived from an assessment.
type Action string

const (
	ActionProceed     Action = "proceed"
	ActionInvestigate Action = "investigate"
	ActionClarify     Action = "clarify"
	ActionPause       Action = "pause"
)

// ParseAction validates an agent-declared decision.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionProceed, ActionInvestigate, ActionClarify, ActionPause:
		return a, nil
	default:
		return "", &ValidationError{Reason: fmt.Sprintf("unknown decision %q", s)}
	}
}

// Thresholds configure the gate and the action bands.
type Thresholds struct {
	EngagementGate float64 `yaml:"engagement_gate" json:"engagement_gate"`
	Proceed        float64 `yaml:"proceed" json:"proceed"`
	Investigate    float64 `yaml:"investigate" json:"investigate"`
}

// DefaultThresholds returns the stock gate and action thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EngagementGate: 0.60,
		Proceed:        0.70,
		Investigate:    0.45,
	}
}

// Assessment is a complete, validated self-report.
type Assessment struct {
	states  map[Vector]VectorState
	weights Weights
}

// New validates states and weights and fills unreported vectors with the
// default score.
func New(states map[Vector]VectorState, weights Weights) (Assessment, error) {
	if weights == nil {
		weights = DefaultWeights()
	}
	if err := weights.Validate(); err != nil {
		return Assessment{}, err
	}
	full := make(map[Vector]VectorState, len(ordered))
	for v, st := range states {
		if !v.Known() {
			return Assessment{}, &ValidationError{Vector: v, Score: st.Score, Reason: "unknown vector"}
		}
		if math.IsNaN(st.Score) || math.IsInf(st.Score, 0) {
			return Assessment{}, &ValidationError{Vector: v, Score: st.Score, Reason: "score must be numeric"}
		}
		if st.Score < 0 || st.Score > 1 {
			return Assessment{}, &ValidationError{Vector: v, Score: st.Score, Reason: "score must be within [0,1]"}
		}
		if st.Score != DefaultScore && strings.TrimSpace(st.Rationale) == "" {
			return Assessment{}, &ValidationError{Vector: v, Score: st.Score, Reason: "rationale required for non-default score"}
		}
		full[v] = st
	}
	for _, v := range ordered {
		if _, ok := full[v]; !ok {
			full[v] = VectorState{Score: DefaultScore}
		}
	}
	return Assessment{states: full, weights: weights.Clone()}, nil
}

// FromScores builds an assessment from loosely typed input, as received
// from a command line or tool call. A vector without its own rationale
// inherits fallback.
func FromScores(scores map[string]float64, rationales map[string]string, fallback string, weights Weights) (Assessment, error) {
	states := make(map[Vector]VectorState, len(scores))
	for name, score := range scores {
		v, err := Parse(name)
		if err != nil {
			return Assessment{}, err
		}
		r := strings.TrimSpace(rationales[name])
		if r == "" {
			r = strings.TrimSpace(fallback)
		}
		states[v] = VectorState{Score: score, Rationale: r}
	}
	return New(states, weights)
}

// IsZero reports whether the assessment was never built.
func (a Assessment) IsZero() bool { return a.states == nil }

// Score returns the score for v.
func (a Assessment) Score(v Vector) float64 { return a.states[v].Score }

// State returns the full state for v.
func (a Assessment) State(v Vector) VectorState { return a.states[v] }

// States returns a copy of all 13 states.
func (a Assessment) States() map[Vector]VectorState {
	out := make(map[Vector]VectorState, len(a.states))
	for v, st := range a.states {
		out[v] = st
	}
	return out
}

// Scores returns a copy of all 13 scores.
func (a Assessment) Scores() map[Vector]float64 {
	out := make(map[Vector]float64, len(a.states))
	for v, st := range a.states {
		out[v] = st.Score
	}
	return out
}

// Weights returns a copy of the category weights.
func (a Assessment) Weights() Weights { return a.weights.Clone() }

// Effective returns the score as a confidence contribution, flipping
// inverted vectors.
func (a Assessment) Effective(v Vector) float64 {
	s := a.states[v].Score
	if v.Inverted() {
		return 1 - s
	}
	return s
}

// CategoryMeans returns the mean effective score per category.
func (a Assessment) CategoryMeans() map[Category]float64 {
	sums := make(map[Category]float64, len(categories))
	counts := make(map[Category]int, len(categories))
	for _, v := range ordered {
		c := categoryOf[v]
		sums[c] += a.Effective(v)
		counts[c]++
	}
	out := make(map[Category]float64, len(categories))
	for _, c := range categories {
		out[c] = sums[c] / float64(counts[c])
	}
	return out
}

// WeightedConfidence is Σ(category_weight × category_mean).
func (a Assessment) WeightedConfidence() float64 {
	means := a.CategoryMeans()
	total := 0.0
	for _, c := range categories {
		total += a.weights[c] * means[c]
	}
	// float rounding only; inputs are already bounded
	return math.Min(1, math.Max(0, total))
}

// GatePassed reports whether engagement meets the gate threshold.
func (a Assessment) GatePassed(threshold float64) bool {
	return a.states[Engagement].Score >= threshold
}

// RecommendedAction applies the engagement gate first and then the
// confidence bands.
func (a Assessment) RecommendedAction(t Thresholds) Action {
	if !a.GatePassed(t.EngagementGate) {
		return ActionPause
	}
	conf := a.WeightedConfidence()
	switch {
	case conf >= t.Proceed:
		return ActionProceed
	case conf >= t.Investigate:
		return ActionInvestigate
	default:
		return ActionClarify
	}
}

// Gap is the shortfall of one vector below the adequacy level.
type Gap struct {
	Vector    Vector  `json:"vector"`
	Score     float64 `json:"score"`
	Effective float64 `json:"effective"`
	Shortfall float64 `json:"shortfall"`
}

// Gaps returns vectors whose effective score is below adequate, largest
// shortfall first.
func (a Assessment) Gaps(adequate float64) []Gap {
	var gaps []Gap
	for _, v := range ordered {
		eff := a.Effective(v)
		if eff < adequate {
			gaps = append(gaps, Gap{Vector: v, Score: a.states[v].Score, Effective: eff, Shortfall: adequate - eff})
		}
	}
	sort.SliceStable(gaps, func(i, j int) bool { return gaps[i].Shortfall > gaps[j].Shortfall })
	return gaps
}

// Delta returns post - pre for every vector.
func Delta(pre, post Assessment) map[Vector]float64 {
	out := make(map[Vector]float64, len(ordered))
	for _, v := range ordered {
		out[v] = post.Score(v) - pre.Score(v)
	}
	return out
}

type assessmentJSON struct {
	Vectors            map[Vector]VectorState `json:"vectors"`
	CategoryMeans      map[Category]float64   `json:"category_means"`
	WeightedConfidence float64                `json:"weighted_confidence"`
}

// MarshalJSON renders the states together with the derived values.
func (a Assessment) MarshalJSON() ([]byte, error) {
	return json.Marshal(assessmentJSON{
		Vectors:            a.states,
		CategoryMeans:      a.CategoryMeans(),
		WeightedConfidence: a.WeightedConfidence(),
	})
}
