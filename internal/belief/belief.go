// Package belief tracks a Bayesian estimate (mean, variance) per vector per
// context, updates it from tool-execution evidence and flags where the
// agent's intuitive self-assessment disagrees with it.
package belief

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/kokistudios/cascade/internal/store"
	"github.com/kokistudios/cascade/internal/vector"
)

// ErrDormant is returned when writing beliefs for a context where tracking
// is not active.
var ErrDormant = errors.New("belief tracking is dormant for this context")

// Activation describes the situation a context is activated for.
type Activation struct {
	Domain string
	// Clarity is the agent's clarity score, if known.
	Clarity  *float64
	Explicit bool
}

// Decide applies the activation policy: precision-critical domains, low
// clarity and explicit requests activate tracking; everything else stays
// dormant.
func Decide(cfg store.BeliefConfig, a Activation) (bool, string) {
	if a.Explicit {
		return true, "explicit request"
	}
	domain := strings.ToLower(strings.TrimSpace(a.Domain))
	for _, d := range cfg.PrecisionDomains {
		if domain != "" && strings.EqualFold(d, domain) {
			return true, fmt.Sprintf("precision-critical domain %q", domain)
		}
	}
	if a.Clarity != nil && *a.Clarity < cfg.LowClarity {
		return true, fmt.Sprintf("low clarity %.2f < %.2f", *a.Clarity, cfg.LowClarity)
	}
	return false, "no precision requirement"
}

// Evidence is one tool-execution outcome.
type Evidence struct {
	Success  bool    `json:"success"`
	Strength float64 `json:"strength"`
}

// Apply returns b updated by one evidence event.
func Apply(cfg store.BeliefConfig, b store.Belief, ev Evidence) store.Belief {
	delta := ev.Strength * cfg.UpdateStrength
	if ev.Success {
		b.Mean += (1 - b.Mean) * delta
	} else {
		b.Mean -= b.Mean * delta
	}
	b.Variance = math.Max(cfg.MinVariance, b.Variance*(1-cfg.VarianceReduction*ev.Strength))
	b.EvidenceCount++
	return b
}

// Label says which way a discrepancy points.
type Label string

const (
	Overconfidence  Label = "overconfidence"
	Underconfidence Label = "underconfidence"
)

// Discrepancy is a vector whose intuitive score falls outside the belief's
// confidence band.
type Discrepancy struct {
	Context   string        `json:"context"`
	Vector    vector.Vector `json:"vector"`
	Intuitive float64       `json:"intuitive"`
	Mean      float64       `json:"belief_mean"`
	Variance  float64       `json:"belief_variance"`
	Gap       float64       `json:"gap"`
	Threshold float64       `json:"threshold"`
	Severity  float64       `json:"severity"`
	Label     Label         `json:"label"`
}

// Compare flags intuitive against b when |intuitive - mean| exceeds
// sigmas standard deviations.
func Compare(b store.Belief, intuitive, sigmas float64) (Discrepancy, bool) {
	threshold := sigmas * math.Sqrt(b.Variance)
	gap := intuitive - b.Mean
	if math.Abs(gap) <= threshold {
		return Discrepancy{}, false
	}
	d := Discrepancy{
		Context:   b.Context,
		Vector:    b.Vector,
		Intuitive: intuitive,
		Mean:      b.Mean,
		Variance:  b.Variance,
		Gap:       gap,
		Threshold: threshold,
		Severity:  1,
		Label:     Underconfidence,
	}
	if threshold > 0 {
		d.Severity = math.Min(1, (math.Abs(gap)-threshold)/threshold)
	}
	if gap > 0 {
		d.Label = Overconfidence
	}
	return d, true
}

// Tracker persists beliefs through the project store.
type Tracker struct {
	db     *store.DB
	cfg    store.BeliefConfig
	logger *log.Logger
}

type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New returns a tracker using cfg.
func New(db *store.DB, cfg store.BeliefConfig, opts ...Option) *Tracker {
	t := &Tracker{db: db, cfg: cfg, logger: log.New(io.Discard)}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Activate evaluates the activation policy for a context and persists the
// verdict.
func (t *Tracker) Activate(ctx context.Context, name string, a Activation) (store.BeliefContext, error) {
	if strings.TrimSpace(name) == "" {
		return store.BeliefContext{}, fmt.Errorf("belief context name is required")
	}
	active, reason := Decide(t.cfg, a)
	bc := store.BeliefContext{Context: name, Active: active, Domain: a.Domain, Reason: reason}
	if err := t.db.PutBeliefContext(ctx, bc); err != nil {
		return store.BeliefContext{}, err
	}
	t.logger.Debug("belief context", "context", name, "active", active, "reason", reason)
	return t.db.GetBeliefContext(ctx, name)
}

// Active reports whether tracking is active for a context. A context that
// was never activated is dormant.
func (t *Tracker) Active(ctx context.Context, name string) (bool, error) {
	bc, err := t.db.GetBeliefContext(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bc.Active, nil
}

func (t *Tracker) requireActive(ctx context.Context, name string) error {
	active, err := t.Active(ctx, name)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("context %q: %w", name, ErrDormant)
	}
	return nil
}

// Initialize seeds beliefs for a context with the configured initial
// variance, replacing any existing ones.
func (t *Tracker) Initialize(ctx context.Context, name string, initial map[vector.Vector]float64) error {
	if err := t.requireActive(ctx, name); err != nil {
		return err
	}
	for v, mean := range initial {
		if !v.Known() {
			return &vector.ValidationError{Vector: v, Score: mean, Reason: "unknown vector"}
		}
		if math.IsNaN(mean) || mean < 0 || mean > 1 {
			return &vector.ValidationError{Vector: v, Score: mean, Reason: "initial belief must be within [0,1]"}
		}
	}
	for _, v := range vector.All() {
		mean, ok := initial[v]
		if !ok {
			continue
		}
		b := store.Belief{Context: name, Vector: v, Mean: mean, Variance: t.cfg.InitialVariance}
		if err := t.db.PutBelief(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// Update applies one evidence event to a belief. A vector without a belief
// starts from the default score and initial variance.
func (t *Tracker) Update(ctx context.Context, name string, v vector.Vector, ev Evidence) (store.Belief, error) {
	if !v.Known() {
		return store.Belief{}, &vector.ValidationError{Vector: v, Reason: "unknown vector"}
	}
	if math.IsNaN(ev.Strength) || ev.Strength < 0 || ev.Strength > 1 {
		return store.Belief{}, &vector.ValidationError{Vector: v, Score: ev.Strength, Reason: "evidence strength must be within [0,1]"}
	}
	if err := t.requireActive(ctx, name); err != nil {
		return store.Belief{}, err
	}
	b, err := t.db.GetBelief(ctx, name, v)
	if errors.Is(err, store.ErrNotFound) {
		b = store.Belief{Context: name, Vector: v, Mean: vector.DefaultScore, Variance: t.cfg.InitialVariance}
	} else if err != nil {
		return store.Belief{}, err
	}
	b = Apply(t.cfg, b, ev)
	if err := t.db.PutBelief(ctx, b); err != nil {
		return store.Belief{}, err
	}
	return b, nil
}

// DetectDiscrepancies compares intuitive scores with the context's beliefs.
// Dormant contexts report none.
func (t *Tracker) DetectDiscrepancies(ctx context.Context, name string, intuitive map[vector.Vector]float64) ([]Discrepancy, error) {
	active, err := t.Active(ctx, name)
	if err != nil || !active {
		return nil, err
	}
	beliefs, err := t.db.ListBeliefs(ctx, name)
	if err != nil {
		return nil, err
	}
	var out []Discrepancy
	for _, b := range beliefs {
		score, ok := intuitive[b.Vector]
		if !ok {
			continue
		}
		if d, flagged := Compare(b, score, t.cfg.SigmaMultiplier); flagged {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity > out[j].Severity })
	return out, nil
}

// Beliefs returns the beliefs of a context.
func (t *Tracker) Beliefs(ctx context.Context, name string) ([]store.Belief, error) {
	return t.db.ListBeliefs(ctx, name)
}
