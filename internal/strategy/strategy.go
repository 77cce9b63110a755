// Package strategy suggests investigation actions for an assessment's gaps.
// The cascade engine only consumes suggestions; it never executes them.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kokistudios/cascade/internal/vector"
)

// Suggestion is one recommended next action.
type Suggestion struct {
	Vector   vector.Vector `json:"vector"`
	Action   string        `json:"action"`
	Priority float64       `json:"priority"`
	Source   string        `json:"source"`
}

// Recommender turns gaps into suggestions.
type Recommender interface {
	Name() string
	Recommend(a vector.Assessment, gaps []vector.Gap) []Suggestion
}

// Registry holds recommenders by name.
type Registry struct {
	mu    sync.RWMutex
	recs  map[string]Recommender
	order []string
}

// NewRegistry returns a registry holding recs.
func NewRegistry(recs ...Recommender) *Registry {
	r := &Registry{recs: map[string]Recommender{}}
	for _, rec := range recs {
		_ = r.Register(rec)
	}
	return r
}

// Register adds a recommender. Names must be unique.
func (r *Registry) Register(rec Recommender) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recs[rec.Name()]; ok {
		return fmt.Errorf("recommender %q already registered", rec.Name())
	}
	r.recs[rec.Name()] = rec
	r.order = append(r.order, rec.Name())
	return nil
}

// Names returns the registered recommenders in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Recommend merges every recommender's suggestions. Duplicate
// (vector, action) pairs keep the highest priority. The result is sorted by
// priority, highest first.
func (r *Registry) Recommend(a vector.Assessment, gaps []vector.Gap) []Suggestion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type key struct {
		v      vector.Vector
		action string
	}
	best := map[key]Suggestion{}
	var keys []key
	for _, name := range r.order {
		for _, s := range r.recs[name].Recommend(a, gaps) {
			if s.Source == "" {
				s.Source = name
			}
			k := key{s.Vector, s.Action}
			prev, ok := best[k]
			if !ok {
				keys = append(keys, k)
			}
			if !ok || s.Priority > prev.Priority {
				best[k] = s
			}
		}
	}
	out := make([]Suggestion, 0, len(keys))
	for _, k := range keys {
		out = append(out, best[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

var gapActions = map[vector.Vector]string{
	vector.Engagement:  "restate the task in your own words and confirm intent",
	vector.Know:        "read the relevant code and docs before changing anything",
	vector.Do:          "run a small spike to confirm the approach works",
	vector.Context:     "inspect surrounding modules, callers and recent history",
	vector.Uncertainty: "list open assumptions and check the riskiest one",
	vector.Clarity:     "ask for clarification on the ambiguous requirement",
	vector.Coherence:   "reconcile conflicting findings before proceeding",
	vector.Signal:      "narrow the search to the most relevant sources",
	vector.Density:     "summarize findings to reduce information load",
	vector.State:       "check the current state of the environment and tests",
	vector.Change:      "map which files the change will touch",
	vector.Completion:  "define what done means for this task",
	vector.Impact:      "identify callers and consumers affected by the change",
}

// GapRecommender maps each gap to a fixed investigation action, weighted
// by its shortfall.
type GapRecommender struct{}

func (GapRecommender) Name() string { return "gaps" }

func (GapRecommender) Recommend(_ vector.Assessment, gaps []vector.Gap) []Suggestion {
	out := make([]Suggestion, 0, len(gaps))
	for _, g := range gaps {
		action, ok := gapActions[g.Vector]
		if !ok {
			continue
		}
		out = append(out, Suggestion{Vector: g.Vector, Action: action, Priority: g.Shortfall})
	}
	return out
}
