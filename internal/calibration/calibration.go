// Package calibration measures how well an agent's self-assessment tracks
// reality: Track 1 is the PREFLIGHT to POSTFLIGHT delta, Track 2 the gap
// between POSTFLIGHT scores and independently collected evidence.
package calibration

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/kokistudios/cascade/internal/store"
	"github.com/kokistudios/cascade/internal/vector"
)

// Request identifies what is being calibrated.
type Request struct {
	SessionID     string
	TransactionID string
	GoalID        string
	ProjectRoot   string
	Preflight     vector.Assessment
	Postflight    vector.Assessment
}

// Source collects evidence for one calibration.
type Source interface {
	Name() string
	Collect(ctx context.Context, req Request) ([]store.Evidence, error)
}

// QualityWeight is how much one evidence record counts toward the implied
// score.
func QualityWeight(q store.Quality) float64 {
	switch q {
	case store.QualityObjective:
		return 1.0
	case store.QualitySemiObjective:
		return 0.6
	}
	return 0
}

// Status classifies a grounded gap.
type Status string

const (
	WellCalibrated Status = "well_calibrated"
	Overestimate   Status = "overestimate"
	Underestimate  Status = "underestimate"
)

// Grounding is the Track 2 result for one vector.
type Grounding struct {
	Vector       vector.Vector `json:"vector"`
	SelfReported float64       `json:"self_reported"`
	Implied      float64       `json:"evidence_implied"`
	Gap          float64       `json:"gap"`
	Status       Status        `json:"status"`
	Evidence     int           `json:"evidence_count"`
	Sources      []string      `json:"sources"`
}

// SourceFailure records a source that produced no usable evidence.
type SourceFailure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// Track2 is the grounded calibration of one POSTFLIGHT.
type Track2 struct {
	Grounded    []Grounding     `json:"grounded"`
	Ungrounded  []vector.Vector `json:"ungrounded"`
	Unavailable []SourceFailure `json:"unavailable,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
}

// Lookup returns the grounding of v, if any.
func (t Track2) Lookup(v vector.Vector) (Grounding, bool) {
	for _, g := range t.Grounded {
		if g.Vector == v {
			return g, true
		}
	}
	return Grounding{}, false
}

// Disagreement is a vector where the self-referential and grounded deltas
// point different ways or differ in size beyond tolerance.
type Disagreement struct {
	Vector        vector.Vector `json:"vector"`
	SelfDelta     float64       `json:"self_delta"`
	GroundedDelta float64       `json:"grounded_delta"`
	Reason        string        `json:"reason"`
}

// Reconciliation picks the reported delta per vector. Grounded deltas win
// where the tracks disagree; the Track 1 values are kept alongside.
type Reconciliation struct {
	GroundedDelta map[vector.Vector]float64 `json:"grounded_delta,omitempty"`
	Disagreements []Disagreement            `json:"disagreements,omitempty"`
	Authoritative map[vector.Vector]float64 `json:"authoritative"`
}

// Report is the persisted outcome of one calibration.
type Report struct {
	SessionID      string                    `json:"session_id"`
	TransactionID  string                    `json:"transaction_id"`
	LearningDelta  map[vector.Vector]float64 `json:"learning_delta"`
	Track2         Track2                    `json:"track2"`
	Reconciliation Reconciliation            `json:"reconciliation"`
	Evidence       []store.Evidence          `json:"evidence,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// MasteryDelta is the mean grounded delta over grounded vectors, or the
// mean learning delta when nothing was grounded.
func (r Report) MasteryDelta() float64 {
	src := r.LearningDelta
	if len(r.Reconciliation.GroundedDelta) > 0 {
		src = r.Reconciliation.GroundedDelta
	}
	if len(src) == 0 {
		return 0
	}
	var sum float64
	for _, d := range src {
		sum += d
	}
	return sum / float64(len(src))
}

// Track1 returns postflight minus preflight for every vector.
func Track1(pre, post vector.Assessment) map[vector.Vector]float64 {
	return vector.Delta(pre, post)
}

// Classify labels a grounded gap against tolerance.
func Classify(gap, tolerance float64) Status {
	switch {
	case math.Abs(gap) <= tolerance:
		return WellCalibrated
	case gap > 0:
		return Overestimate
	default:
		return Underestimate
	}
}

// Ground derives evidence-implied scores from records and compares them to
// the postflight self-report. Records claiming ungroundable vectors are
// skipped with a warning.
func Ground(post vector.Assessment, records []store.Evidence, tolerance float64) Track2 {
	type acc struct {
		weighted, weight float64
		count            int
		sources          map[string]bool
	}
	accs := map[vector.Vector]*acc{}
	var t Track2
	for _, e := range records {
		if err := e.Validate(); err != nil {
			t.Warnings = append(t.Warnings, fmt.Sprintf("evidence from %s skipped: %v", e.Source, err))
			continue
		}
		w := QualityWeight(e.Quality)
		for v, score := range e.Vectors {
			a := accs[v]
			if a == nil {
				a = &acc{sources: map[string]bool{}}
				accs[v] = a
			}
			a.weighted += w * score
			a.weight += w
			a.count++
			a.sources[e.Source] = true
		}
	}

	for _, v := range vector.All() {
		if !v.Groundable() {
			continue
		}
		a := accs[v]
		if a == nil || a.weight == 0 {
			t.Ungrounded = append(t.Ungrounded, v)
			continue
		}
		implied := a.weighted / a.weight
		self := post.Score(v)
		g := Grounding{
			Vector:       v,
			SelfReported: self,
			Implied:      implied,
			Gap:          self - implied,
			Evidence:     a.count,
		}
		g.Status = Classify(g.Gap, tolerance)
		for s := range a.sources {
			g.Sources = append(g.Sources, s)
		}
		sort.Strings(g.Sources)
		if g.Status != WellCalibrated {
			t.Warnings = append(t.Warnings, fmt.Sprintf("%s: self-reported %.2f vs evidence %.2f (%s)", v, self, implied, g.Status))
		}
		t.Grounded = append(t.Grounded, g)
	}
	return t
}

// Reconcile compares Track 1 deltas with grounded deltas (evidence-implied
// score minus preflight score).
func Reconcile(pre vector.Assessment, learning map[vector.Vector]float64, t Track2, tolerance float64) Reconciliation {
	r := Reconciliation{
		GroundedDelta: make(map[vector.Vector]float64, len(t.Grounded)),
		Authoritative: make(map[vector.Vector]float64, len(learning)),
	}
	for v, d := range learning {
		r.Authoritative[v] = d
	}
	for _, g := range t.Grounded {
		self := learning[g.Vector]
		grounded := g.Implied - pre.Score(g.Vector)
		r.GroundedDelta[g.Vector] = grounded
		var reason string
		switch {
		case self*grounded < 0:
			reason = "direction"
		case math.Abs(self-grounded) > tolerance:
			reason = "magnitude"
		default:
			continue
		}
		r.Disagreements = append(r.Disagreements, Disagreement{
			Vector:        g.Vector,
			SelfDelta:     self,
			GroundedDelta: grounded,
			Reason:        reason,
		})
		r.Authoritative[g.Vector] = grounded
	}
	return r
}

// Engine runs both tracks against a set of sources.
type Engine struct {
	cfg     store.CalibrationConfig
	sources []Source
	logger  *log.Logger
}

type Option func(*Engine)

// WithSources adds evidence sources.
func WithSources(src ...Source) Option {
	return func(e *Engine) { e.sources = append(e.sources, src...) }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an engine configured by cfg.
func New(cfg store.CalibrationConfig, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, logger: log.New(io.Discard)}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Collect gathers evidence from every source concurrently. Each source runs
// under the configured timeout; a source that fails or times out is
// reported and contributes nothing.
func (e *Engine) Collect(ctx context.Context, req Request) ([]store.Evidence, []SourceFailure) {
	var (
		mu       sync.Mutex
		records  []store.Evidence
		failures []SourceFailure
		g        errgroup.Group
	)
	for _, src := range e.sources {
		g.Go(func() error {
			ev, err := e.collectOne(ctx, src, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Warn("evidence unavailable", "source", src.Name(), "transaction", req.TransactionID, "err", err)
				failures = append(failures, SourceFailure{Source: src.Name(), Error: err.Error()})
				return nil
			}
			records = append(records, ev...)
			return nil
		})
	}
	_ = g.Wait()
	sort.SliceStable(failures, func(i, j int) bool { return failures[i].Source < failures[j].Source })
	sort.SliceStable(records, func(i, j int) bool { return records[i].Source < records[j].Source })
	return records, failures
}

func (e *Engine) collectOne(ctx context.Context, src Source, req Request) ([]store.Evidence, error) {
	if timeout := e.cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	type result struct {
		ev  []store.Evidence
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ev, err := src.Collect(ctx, req)
		ch <- result{ev, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		for i := range r.ev {
			if r.ev[i].Source == "" {
				r.ev[i].Source = src.Name()
			}
		}
		return r.ev, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", src.Name(), ctx.Err())
	}
}

// Calibrate runs Track 1, collects evidence for Track 2 and reconciles.
func (e *Engine) Calibrate(ctx context.Context, req Request) Report {
	learning := Track1(req.Preflight, req.Postflight)
	records, failures := e.Collect(ctx, req)
	t2 := Ground(req.Postflight, records, e.cfg.Tolerance)
	t2.Unavailable = failures
	return Report{
		SessionID:      req.SessionID,
		TransactionID:  req.TransactionID,
		LearningDelta:  learning,
		Track2:         t2,
		Reconciliation: Reconcile(req.Preflight, learning, t2, e.cfg.Tolerance),
		Evidence:       records,
		CreatedAt:      time.Now().UTC(),
	}
}
