package cascade

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kokistudios/cascade/internal/belief"
	"github.com/kokistudios/cascade/internal/calibration"
	"github.com/kokistudios/cascade/internal/drift"
	"github.com/kokistudios/cascade/internal/goal"
	"github.com/kokistudios/cascade/internal/instance"
	"github.com/kokistudios/cascade/internal/store"
	"github.com/kokistudios/cascade/internal/strategy"
	"github.com/kokistudios/cascade/internal/vector"
)

// SubmitInput is one phase self-assessment.
type SubmitInput struct {
	SessionID     string             `json:"session_id,omitempty"`
	TransactionID string             `json:"transaction_id,omitempty"`
	Scope         string             `json:"scope,omitempty"`
	GoalID        string             `json:"goal_id,omitempty"`
	Phase         store.Phase        `json:"phase"`
	Vectors       map[string]float64 `json:"vectors"`
	Rationales    map[string]string  `json:"rationales,omitempty"`
	Reasoning     string             `json:"reasoning,omitempty"`
	// Decision is the action the agent declares it will take.
	Decision vector.Action `json:"decision,omitempty"`
	// BeliefContext names the belief context checked for discrepancies at
	// CHECK.
	BeliefContext string              `json:"belief_context,omitempty"`
	Invocation    instance.Invocation `json:"invocation"`
}

// Investigation is the CHECK verdict on whether more investigation is
// needed.
type Investigation struct {
	Needed     bool            `json:"needed"`
	Reason     string          `json:"reason"`
	Vectors    []vector.Gap    `json:"vectors,omitempty"`
	Complexity goal.Complexity `json:"complexity,omitempty"`
}

// Result is returned by Submit.
type Result struct {
	Transaction        store.Transaction     `json:"transaction"`
	Phase              store.Phase           `json:"phase"`
	Round              int                   `json:"round"`
	Assessment         vector.Assessment     `json:"assessment"`
	WeightedConfidence float64               `json:"weighted_confidence"`
	GatePassed         bool                  `json:"gate_passed"`
	Recommended        vector.Action         `json:"recommended_action"`
	Decision           vector.Action         `json:"decision,omitempty"`
	CompletionMeaning  string                `json:"completion_meaning"`
	Investigation      *Investigation        `json:"investigation,omitempty"`
	Suggestions        []strategy.Suggestion `json:"suggestions,omitempty"`
	PriorSuggestions   []strategy.Suggestion `json:"prior_suggestions,omitempty"`
	Discrepancies      []belief.Discrepancy  `json:"discrepancies,omitempty"`
	Drift              *drift.Report         `json:"drift,omitempty"`
	Calibration        *calibration.Report   `json:"calibration,omitempty"`
	Warnings           []string              `json:"warnings,omitempty"`
}

// payload is the derived part of a reflex.
type payload struct {
	WeightedConfidence float64               `json:"weighted_confidence"`
	GatePassed         bool                  `json:"gate_passed"`
	Recommended        vector.Action         `json:"recommended_action"`
	Investigation      *Investigation        `json:"investigation,omitempty"`
	Suggestions        []strategy.Suggestion `json:"suggestions,omitempty"`
	Discrepancies      []belief.Discrepancy  `json:"discrepancies,omitempty"`
	Warnings           []string              `json:"warnings,omitempty"`
}

func completionMeaning(p store.Phase) string {
	if p == store.PhasePostflight {
		return "meets the stated objective"
	}
	return "sufficient understanding to act"
}

// Submit records a phase assessment. A PREFLIGHT without a transaction id
// opens a new transaction in the given scope.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (Result, error) {
	if !in.Phase.Recorded() {
		return Result{}, newError(KindValidation, in.TransactionID, in.Phase, fmt.Errorf("%q: %w", in.Phase, ErrInvalidPhase))
	}
	if in.Decision != "" {
		if _, err := vector.ParseAction(string(in.Decision)); err != nil {
			return Result{}, newError(KindValidation, in.TransactionID, in.Phase, err)
		}
	}
	a, err := vector.FromScores(in.Vectors, in.Rationales, in.Reasoning, e.cfg.Cascade.Weights)
	if err != nil {
		return Result{}, storeError(in.TransactionID, in.Phase, err)
	}

	var (
		tx     store.Transaction
		opened bool
	)
	if in.TransactionID == "" {
		if in.Phase != store.PhasePreflight {
			return Result{}, newError(KindValidation, "", in.Phase, fmt.Errorf("transaction id: %w", ErrMissingField))
		}
		tx, err = e.OpenTransaction(ctx, OpenInput{
			SessionID:  in.SessionID,
			Scope:      in.Scope,
			GoalID:     in.GoalID,
			Invocation: in.Invocation,
		})
		opened = err == nil
	} else {
		tx, err = e.load(ctx, in.TransactionID, in.Phase, in.Invocation)
	}
	if err != nil {
		return Result{}, err
	}
	if err := checkSequence(tx, in.Phase); err != nil {
		return Result{}, err
	}

	res := Result{
		Phase:              in.Phase,
		Assessment:         a,
		WeightedConfidence: a.WeightedConfidence(),
		GatePassed:         a.GatePassed(e.cfg.Cascade.Thresholds.EngagementGate),
		Recommended:        a.RecommendedAction(e.cfg.Cascade.Thresholds),
		Decision:           in.Decision,
		CompletionMeaning:  completionMeaning(in.Phase),
	}
	if in.Phase == store.PhaseCheck {
		e.check(ctx, tx, in, &res)
	}
	if !res.GatePassed {
		res.Warnings = append(res.Warnings, fmt.Sprintf("engagement %.2f below gate %.2f: clarify before proceeding",
			a.Score(vector.Engagement), e.cfg.Cascade.Thresholds.EngagementGate))
	}
	if in.Decision != "" && in.Decision != res.Recommended {
		res.Warnings = append(res.Warnings, fmt.Sprintf("declared decision %s differs from recommended %s", in.Decision, res.Recommended))
	}
	if in.Phase == store.PhasePostflight {
		res.Warnings = append(res.Warnings, e.completionWarnings(ctx, tx, a)...)
	}

	body, err := json.Marshal(payload{
		WeightedConfidence: res.WeightedConfidence,
		GatePassed:         res.GatePassed,
		Recommended:        res.Recommended,
		Investigation:      res.Investigation,
		Suggestions:        res.Suggestions,
		Discrepancies:      res.Discrepancies,
		Warnings:           res.Warnings,
	})
	if err != nil {
		if opened {
			e.release(ctx, tx)
		}
		return Result{}, newError(KindPersistence, tx.ID, in.Phase, err)
	}
	reflex, recorded, err := e.db.RecordReflex(ctx, tx, store.Reflex{
		Phase:     in.Phase,
		Vectors:   a.States(),
		Reasoning: in.Reasoning,
		Decision:  string(in.Decision),
		Payload:   body,
	}, in.Phase)
	if err != nil {
		if opened {
			e.release(ctx, tx)
		}
		return Result{}, storeError(tx.ID, in.Phase, err)
	}
	tx = recorded
	res.Transaction = tx
	res.Round = reflex.Round
	e.logger.Info("phase recorded", "transaction", tx.ID, "phase", in.Phase, "round", reflex.Round,
		"confidence", fmt.Sprintf("%.2f", res.WeightedConfidence), "action", res.Recommended)

	if in.Phase == store.PhasePostflight {
		res.Calibration = e.calibrate(ctx, tx, a)
		if e.cfg.Cascade.AutoClose {
			closed, err := e.finish(ctx, tx, store.OutcomeCompleted, "postflight")
			if err != nil {
				return res, err
			}
			res.Transaction = closed
		}
	}
	return res, nil
}

func checkSequence(tx store.Transaction, phase store.Phase) error {
	switch phase {
	case store.PhasePreflight:
		if tx.Phase != store.PhaseNone {
			return sequenceError(tx.ID, phase, ErrDuplicatePreflight, "")
		}
	case store.PhaseCheck, store.PhasePostflight:
		switch tx.Phase {
		case store.PhaseNone:
			return sequenceError(tx.ID, phase, ErrNoPreflight, "")
		case store.PhasePostflight:
			return sequenceError(tx.ID, phase, ErrOutOfOrder, "POSTFLIGHT already recorded")
		}
	}
	return nil
}

// check applies the gate and investigation policy and gathers belief,
// drift and strategy input.
func (e *Engine) check(ctx context.Context, tx store.Transaction, in SubmitInput, res *Result) {
	cc := e.cfg.Cascade
	a := res.Assessment
	inv := &Investigation{}
	res.Investigation = inv

	if prev, err := e.db.LatestReflex(ctx, tx.ID, store.PhaseCheck); err == nil {
		if p, err := decodePayload(prev); err == nil {
			res.PriorSuggestions = p.Suggestions
		}
	}

	if tx.GoalID != "" {
		if g, err := e.db.GetGoal(ctx, tx.GoalID); err == nil {
			inv.Complexity = goal.Classify(g.Scope, cc.LowComplexity)
		} else {
			e.logger.Warn("goal unavailable for complexity", "transaction", tx.ID, "goal", tx.GoalID, "err", err)
		}
	}

	gaps := a.Gaps(cc.Adequacy)
	var severe []vector.Gap
	var total float64
	for _, g := range gaps {
		total += g.Shortfall
		if g.Shortfall > cc.GapSeverity {
			severe = append(severe, g)
		}
	}
	meanShortfall := total / float64(len(vector.All()))

	switch {
	case !res.GatePassed:
		inv.Reason = "engagement gate failed"
	case len(severe) == 0:
		inv.Reason = "no gap exceeds severity threshold"
	case inv.Complexity == goal.ComplexityLow:
		inv.Reason = "low-complexity task"
	case res.WeightedConfidence >= cc.Thresholds.Proceed && meanShortfall <= cc.MinorGap:
		inv.Reason = "confidence acceptable with minor gaps"
	default:
		inv.Needed = true
		inv.Reason = fmt.Sprintf("%d vector(s) below adequacy by more than %.2f", len(severe), cc.GapSeverity)
		inv.Vectors = severe
	}

	switch {
	case !res.GatePassed:
	case inv.Needed:
		res.Recommended = vector.ActionInvestigate
		res.Suggestions = e.strategies.Recommend(a, severe)
	case res.Recommended == vector.ActionInvestigate:
		res.Recommended = vector.ActionProceed
	}

	if in.BeliefContext != "" {
		ds, err := e.beliefs.DetectDiscrepancies(ctx, in.BeliefContext, a.Scores())
		if err != nil {
			e.logger.Warn("belief check skipped", "transaction", tx.ID, "phase", store.PhaseCheck, "err", err)
		}
		res.Discrepancies = ds
		for _, d := range ds {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s %s: intuitive %.2f vs belief %.2f (severity %.2f)",
				d.Vector, d.Label, d.Intuitive, d.Mean, d.Severity))
		}
	}

	report, err := drift.AnalyzeSession(ctx, e.db, tx.SessionID, e.cfg.Drift)
	if err != nil {
		e.logger.Warn("drift check skipped", "transaction", tx.ID, "phase", store.PhaseCheck, "err", err)
	} else if !report.Insufficient {
		res.Drift = &report
		res.Warnings = append(res.Warnings, report.Warnings()...)
	}
}

func (e *Engine) completionWarnings(ctx context.Context, tx store.Transaction, a vector.Assessment) []string {
	if tx.GoalID == "" || a.Score(vector.Completion) < e.cfg.Cascade.CompletionWarning {
		return nil
	}
	p, err := goal.GetProgress(ctx, e.db, tx.GoalID)
	if err != nil {
		e.logger.Warn("goal progress unavailable", "transaction", tx.ID, "goal", tx.GoalID, "err", err)
		return nil
	}
	if p.Open() == 0 {
		return nil
	}
	return []string{fmt.Sprintf("completion %.2f reported with %d of %d subtasks open",
		a.Score(vector.Completion), p.Open(), p.Total)}
}

// calibrate runs both calibration tracks and persists the report. Failures
// are logged and never fail the POSTFLIGHT.
func (e *Engine) calibrate(ctx context.Context, tx store.Transaction, post vector.Assessment) *calibration.Report {
	pre, err := e.db.LatestReflex(ctx, tx.ID, store.PhasePreflight)
	if err != nil {
		e.logger.Warn("calibration skipped", "transaction", tx.ID, "phase", store.PhasePostflight, "err", err)
		return nil
	}
	preA, err := vector.New(pre.Vectors, e.cfg.Cascade.Weights)
	if err != nil {
		e.logger.Warn("calibration skipped", "transaction", tx.ID, "phase", store.PhasePostflight, "err", err)
		return nil
	}
	report := e.calibration.Calibrate(ctx, calibration.Request{
		SessionID:     tx.SessionID,
		TransactionID: tx.ID,
		GoalID:        tx.GoalID,
		ProjectRoot:   e.root,
		Preflight:     preA,
		Postflight:    post,
	})
	for _, w := range report.Track2.Warnings {
		e.logger.Warn("calibration", "transaction", tx.ID, "warning", w)
	}

	body, err := json.Marshal(report)
	if err == nil {
		err = e.db.SaveCalibration(ctx, store.Calibration{
			ID:            uuid.NewString(),
			TransactionID: tx.ID,
			SessionID:     tx.SessionID,
			Report:        body,
			CreatedAt:     report.CreatedAt,
		})
	}
	if err != nil {
		e.logger.Warn("calibration not persisted", "transaction", tx.ID, "phase", store.PhasePostflight, "err", err)
	}

	if e.exporter != nil {
		if err := e.exporter.Export(ctx, summaryOf(report)); err != nil {
			e.logger.Warn("summary export failed", "transaction", tx.ID, "phase", store.PhasePostflight, "err", err)
		}
	}
	return &report
}
