// Package cascade is the phase state machine for measured units of work.
// A transaction moves NONE → PREFLIGHT → CHECK* → POSTFLIGHT → CLOSED, or is
// abandoned from any open phase. The persisted transaction is authoritative:
// every operation reloads it, and every write is checked against its
// version.
package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/kokistudios/cascade/internal/belief"
	"github.com/kokistudios/cascade/internal/calibration"
	"github.com/kokistudios/cascade/internal/instance"
	"github.com/kokistudios/cascade/internal/store"
	"github.com/kokistudios/cascade/internal/strategy"
)

// Exporter receives calibration summaries for the messaging layer.
type Exporter interface {
	Export(ctx context.Context, s Summary) error
}

// Engine drives transactions for one project store.
type Engine struct {
	db          *store.DB
	cfg         store.Config
	root        string
	resolver    *instance.Resolver
	beliefs     *belief.Tracker
	calibration *calibration.Engine
	strategies  *strategy.Registry
	exporter    Exporter
	logger      *log.Logger
}

type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithResolver enables transaction ownership markers.
func WithResolver(r *instance.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithProjectRoot records the project root bound to new transactions and
// handed to evidence sources.
func WithProjectRoot(root string) Option {
	return func(e *Engine) { e.root = root }
}

// WithCalibration replaces the calibration engine.
func WithCalibration(c *calibration.Engine) Option {
	return func(e *Engine) { e.calibration = c }
}

// WithStrategies replaces the recommender registry.
func WithStrategies(r *strategy.Registry) Option {
	return func(e *Engine) { e.strategies = r }
}

// WithBeliefs replaces the belief tracker.
func WithBeliefs(t *belief.Tracker) Option {
	return func(e *Engine) { e.beliefs = t }
}

// WithExporter sets the calibration summary exporter.
func WithExporter(x Exporter) Option {
	return func(e *Engine) { e.exporter = x }
}

// New returns an engine over db configured by cfg.
func New(db *store.DB, cfg store.Config, opts ...Option) *Engine {
	e := &Engine{db: db, cfg: cfg, logger: log.New(io.Discard)}
	for _, o := range opts {
		o(e)
	}
	if e.beliefs == nil {
		e.beliefs = belief.New(db, cfg.Belief, belief.WithLogger(e.logger))
	}
	if e.calibration == nil {
		e.calibration = calibration.New(cfg.Calibration, calibration.WithLogger(e.logger))
	}
	if e.strategies == nil {
		e.strategies = strategy.NewRegistry(strategy.GapRecommender{})
	}
	return e
}

// DB returns the project store.
func (e *Engine) DB() *store.DB { return e.db }

// OpenInput opens a transaction.
type OpenInput struct {
	SessionID  string              `json:"session_id"`
	Scope      string              `json:"scope,omitempty"`
	GoalID     string              `json:"goal_id,omitempty"`
	Invocation instance.Invocation `json:"invocation"`
}

func (e *Engine) scope(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	if e.cfg.Cascade.DefaultScope != "" {
		return e.cfg.Cascade.DefaultScope
	}
	return "default"
}

// OpenTransaction creates a transaction in phase NONE owned by the
// invocation. Only one transaction may be open per (session, scope).
func (e *Engine) OpenTransaction(ctx context.Context, in OpenInput) (store.Transaction, error) {
	if strings.TrimSpace(in.SessionID) == "" {
		return store.Transaction{}, newError(KindValidation, "", store.PhaseNone, fmt.Errorf("session id: %w", ErrMissingField))
	}
	if _, err := in.Invocation.Identity(); err != nil {
		return store.Transaction{}, newError(KindValidation, "", store.PhaseNone, err)
	}
	sess, err := e.db.GetSession(ctx, in.SessionID)
	if err != nil {
		return store.Transaction{}, storeError("", store.PhaseNone, err)
	}
	if sess.Ended() {
		return store.Transaction{}, sequenceError("", store.PhaseNone, ErrSessionEnded, "session %s", sess.ID)
	}
	if in.GoalID != "" {
		if _, err := e.db.GetGoal(ctx, in.GoalID); err != nil {
			return store.Transaction{}, storeError("", store.PhaseNone, err)
		}
	}

	scope := e.scope(in.Scope)
	if open, err := e.db.OpenTransactionIn(ctx, sess.ID, scope); err == nil {
		return store.Transaction{}, sequenceError(open.ID, open.Phase, ErrTransactionOpen, "scope %q", scope)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Transaction{}, storeError("", store.PhaseNone, err)
	}

	tx, err := e.db.CreateTransaction(ctx, store.Transaction{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		GoalID:     in.GoalID,
		Scope:      scope,
		InstanceID: in.Invocation.InstanceID,
		TTY:        in.Invocation.TTY,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return store.Transaction{}, sequenceError("", store.PhaseNone, ErrTransactionOpen, "scope %q", scope)
	}
	if err != nil {
		return store.Transaction{}, storeError("", store.PhaseNone, err)
	}

	if e.resolver != nil {
		pc := instance.ProjectContext{
			ProjectRoot: e.root,
			SessionID:   sess.ID,
			InstanceID:  in.Invocation.InstanceID,
			TTY:         in.Invocation.TTY,
		}
		if err := e.resolver.Bind(ctx, tx.ID, pc); err != nil {
			e.release(ctx, tx)
			return store.Transaction{}, storeError(tx.ID, store.PhaseNone, fmt.Errorf("bind transaction: %w", err))
		}
	}
	e.logger.Info("transaction opened", "transaction", tx.ID, "session", sess.ID, "scope", scope)
	return tx, nil
}

// release abandons a transaction whose open did not complete, freeing its
// scope. The caller still reports the original failure.
func (e *Engine) release(ctx context.Context, tx store.Transaction) {
	now := time.Now().UTC()
	tx.Status = store.TxClosed
	tx.Phase = store.PhaseClosed
	tx.Outcome = store.OutcomeAbandoned
	tx.CloseReason = "open failed"
	tx.ClosedAt = &now
	if _, err := e.db.UpdateTransaction(ctx, tx); err != nil {
		e.logger.Error("failed open left transaction open", "transaction", tx.ID, "err", err)
		return
	}
	if e.resolver != nil {
		if err := e.resolver.Unbind(ctx, tx.ID); err != nil {
			e.logger.Warn("transaction marker not removed", "transaction", tx.ID, "err", err)
		}
	}
	e.logger.Warn("transaction open rolled back", "transaction", tx.ID)
}

// load reloads a transaction and checks it is open and owned by inv.
func (e *Engine) load(ctx context.Context, txID string, phase store.Phase, inv instance.Invocation) (store.Transaction, error) {
	if strings.TrimSpace(txID) == "" {
		return store.Transaction{}, newError(KindValidation, "", phase, fmt.Errorf("transaction id: %w", ErrMissingField))
	}
	tx, err := e.db.GetTransaction(ctx, txID)
	if err != nil {
		return store.Transaction{}, storeError(txID, phase, err)
	}
	if !tx.IsOpen() {
		return store.Transaction{}, sequenceError(tx.ID, phase, ErrTransactionClosed, "")
	}
	if !inv.Owns(tx) {
		caller, _ := inv.Identity()
		return store.Transaction{}, newError(KindNotOwner, tx.ID, phase,
			fmt.Errorf("owner %q, caller %q: %w", instance.OwnerOf(tx), caller, ErrNotOwner))
	}
	return tx, nil
}

// CloseInput closes a transaction after its POSTFLIGHT.
type CloseInput struct {
	TransactionID string              `json:"transaction_id"`
	Reason        string              `json:"reason,omitempty"`
	Invocation    instance.Invocation `json:"invocation"`
}

// CloseTransaction marks a transaction completed. It must have a
// POSTFLIGHT.
func (e *Engine) CloseTransaction(ctx context.Context, in CloseInput) (store.Transaction, error) {
	tx, err := e.load(ctx, in.TransactionID, store.PhaseClosed, in.Invocation)
	if err != nil {
		return store.Transaction{}, err
	}
	if tx.Phase != store.PhasePostflight {
		return store.Transaction{}, sequenceError(tx.ID, store.PhaseClosed, ErrNoPostflight, "transaction in %s", tx.Phase)
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = "completed"
	}
	return e.finish(ctx, tx, store.OutcomeCompleted, reason)
}

// AbandonInput closes a transaction without a POSTFLIGHT.
type AbandonInput struct {
	TransactionID string              `json:"transaction_id"`
	Reason        string              `json:"reason"`
	Invocation    instance.Invocation `json:"invocation"`
	// Orphan allows abandoning a transaction owned by an instance that no
	// longer resolves.
	Orphan bool `json:"orphan,omitempty"`
}

// Abandon closes an open transaction in any phase, tagged abandoned.
func (e *Engine) Abandon(ctx context.Context, in AbandonInput) (store.Transaction, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return store.Transaction{}, newError(KindValidation, in.TransactionID, store.PhaseClosed, fmt.Errorf("reason: %w", ErrMissingField))
	}
	tx, err := e.load(ctx, in.TransactionID, store.PhaseClosed, in.Invocation)
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == KindNotOwner && in.Orphan && e.resolver != nil {
		tx, err = e.db.GetTransaction(ctx, in.TransactionID)
		if err != nil {
			return store.Transaction{}, storeError(in.TransactionID, store.PhaseClosed, err)
		}
		orphan, oerr := e.resolver.IsOrphan(ctx, tx)
		if oerr != nil {
			return store.Transaction{}, storeError(tx.ID, store.PhaseClosed, oerr)
		}
		if !orphan {
			return store.Transaction{}, newError(KindNotOwner, tx.ID, store.PhaseClosed, instance.ErrNotOrphaned)
		}
	} else if err != nil {
		return store.Transaction{}, err
	}
	return e.finish(ctx, tx, store.OutcomeAbandoned, reason)
}

func (e *Engine) finish(ctx context.Context, tx store.Transaction, outcome store.Outcome, reason string) (store.Transaction, error) {
	now := time.Now().UTC()
	tx.Status = store.TxClosed
	tx.Phase = store.PhaseClosed
	tx.Outcome = outcome
	tx.CloseReason = reason
	tx.ClosedAt = &now
	closed, err := e.db.UpdateTransaction(ctx, tx)
	if err != nil {
		return store.Transaction{}, storeError(tx.ID, store.PhaseClosed, err)
	}
	if e.resolver != nil {
		if err := e.resolver.Unbind(ctx, closed.ID); err != nil {
			e.logger.Warn("transaction marker not removed", "transaction", closed.ID, "err", err)
		}
	}
	e.logger.Info("transaction closed", "transaction", closed.ID, "outcome", outcome)
	return closed, nil
}

func decodePayload(r store.Reflex) (payload, error) {
	var p payload
	if len(r.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}
