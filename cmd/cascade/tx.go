package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kokistudios/cascade/internal/cascade"
	"github.com/kokistudios/cascade/internal/instance"
	"github.com/kokistudios/cascade/internal/store"
	"github.com/kokistudios/cascade/internal/ui"
	"github.com/kokistudios/cascade/internal/vector"
)

// parseVectors merges a JSON object of scores with name=score pairs. Pairs
// win over the JSON object.
func parseVectors(raw string, pairs []string) (map[string]float64, error) {
	scores := make(map[string]float64)
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &scores); err != nil {
			return nil, fmt.Errorf("invalid --vectors JSON: %w", err)
		}
	}
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --vector %q (want name=score)", p)
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid score for %s: %w", name, err)
		}
		scores[strings.TrimSpace(name)] = score
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("no vectors given (use --vectors or --vector name=score)")
	}
	return scores, nil
}

// parseRationales splits name=text pairs.
func parseRationales(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, text, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("invalid --rationale %q (want name=text)", p)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(text)
	}
	return out, nil
}

// txFlag returns the transaction named on the command line, falling back to
// the one bound to the calling instance.
func (e *env) txFlag(txID string) (string, error) {
	if txID != "" {
		return txID, nil
	}
	if e.pc.TransactionID != "" {
		return e.pc.TransactionID, nil
	}
	return "", fmt.Errorf("no transaction given (use --tx)")
}

func phaseCmd(phase store.Phase) *cobra.Command {
	var (
		sessionID, txID, scope, goalID string
		rawVectors, reasoning          string
		decision, beliefContext        string
		pairs, rationales              []string
		notify                         bool
	)
	name := strings.ToLower(string(phase))
	cmd := &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Submit a %s self-assessment", phase),
		Example: fmt.Sprintf(`  cascade %s --session s1 --vector engagement=0.8 --vector know=0.6 --reasoning "read the handler"
  cascade %s --vectors '{"engagement":0.8,"know":0.6}' --rationale know="read the handler"`, name, name),
		RunE: func(cmd *cobra.Command, args []string) error {
			scores, err := parseVectors(rawVectors, pairs)
			if err != nil {
				return err
			}
			rats, err := parseRationales(rationales)
			if err != nil {
				return err
			}
			inv := invocation(txID)
			e, err := openEnv(inv)
			if err != nil {
				return err
			}
			defer e.Close()

			if txID == "" && phase != store.PhasePreflight {
				if txID, err = e.txFlag(""); err != nil {
					return err
				}
				inv.TransactionID = txID
			}
			if sessionID == "" {
				sessionID = e.pc.SessionID
			}
			var action vector.Action
			if decision != "" {
				if action, err = vector.ParseAction(decision); err != nil {
					return err
				}
			}

			var spin *ui.Spinner
			if phase == store.PhasePostflight && !g.jsonOut {
				spin = ui.NewSpinner("Collecting evidence")
			}
			res, err := e.engine.Submit(cmd.Context(), cascade.SubmitInput{
				SessionID:     sessionID,
				TransactionID: txID,
				Scope:         scope,
				GoalID:        goalID,
				Phase:         phase,
				Vectors:       scores,
				Rationales:    rats,
				Reasoning:     reasoning,
				Decision:      action,
				BeliefContext: beliefContext,
				Invocation:    inv,
			})
			if spin != nil {
				spin.Stop()
			}
			if err != nil {
				return err
			}
			if emit(res) {
				return nil
			}
			renderResult(res)
			if notify && res.Calibration != nil {
				ui.Notify("cascade", fmt.Sprintf("Transaction %s calibrated (mastery %+.2f)", res.Transaction.ID, res.Calibration.MasteryDelta()))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&sessionID, "session", "", "Session id (default: the session registered for this instance)")
	f.StringVar(&txID, "tx", "", "Transaction id (omit on the first PREFLIGHT)")
	f.StringVar(&rawVectors, "vectors", "", "Vector scores as a JSON object")
	f.StringArrayVar(&pairs, "vector", nil, "Vector score as name=score (repeatable)")
	f.StringArrayVar(&rationales, "rationale", nil, "Vector rationale as name=text (repeatable)")
	f.StringVar(&reasoning, "reasoning", "", "Overall reasoning, used for vectors without their own rationale")
	switch phase {
	case store.PhasePreflight:
		f.StringVar(&scope, "scope", "", "Work scope of a new transaction")
		f.StringVar(&goalID, "goal", "", "Goal the transaction works towards")
	case store.PhaseCheck:
		f.StringVar(&decision, "decision", "", "Declared next action: proceed, investigate, clarify or pause")
		f.StringVar(&beliefContext, "belief-context", "", "Belief context to compare against")
	case store.PhasePostflight:
		f.BoolVar(&notify, "notify", false, "Send a desktop notification when calibration completes")
	}
	return cmd
}

func renderResult(res cascade.Result) {
	ui.PhaseHeader(res.Phase, res.Round, res.Transaction.ID)
	ui.Vectors(os.Stdout, res.Assessment.States())
	fmt.Println()
	ui.Detail("Confidence:", fmt.Sprintf("%.2f", res.WeightedConfidence))
	if res.GatePassed {
		ui.Detail("Engagement:", ui.Green("gate passed"))
	} else {
		ui.Detail("Engagement:", ui.Red("gate failed"))
	}
	ui.Detail("Recommended:", ui.Action(res.Recommended))
	if res.Decision != "" {
		ui.Detail("Decision:", ui.Action(res.Decision))
	}
	if res.CompletionMeaning != "" {
		ui.Detail("Completion:", res.CompletionMeaning)
	}
	if inv := res.Investigation; inv != nil {
		verdict := "not needed"
		if inv.Needed {
			verdict = "needed"
		}
		ui.Detail("Investigation:", fmt.Sprintf("%s (%s)", verdict, inv.Reason))
		for _, gap := range inv.Vectors {
			ui.Detail("  "+string(gap.Vector)+":", fmt.Sprintf("%.2f short", gap.Shortfall))
		}
	}
	if len(res.Suggestions) > 0 {
		ui.SectionHeader("Suggestions")
		rows := make([][]string, 0, len(res.Suggestions))
		for _, s := range res.Suggestions {
			rows = append(rows, []string{string(s.Vector), s.Action, fmt.Sprintf("%.2f", s.Priority)})
		}
		ui.Table(os.Stdout, []string{"VECTOR", "ACTION", "PRIORITY"}, rows)
	}
	for _, d := range res.Discrepancies {
		ui.Warning(fmt.Sprintf("%s: intuitive %.2f vs belief %.2f (%s)", d.Vector, d.Intuitive, d.Mean, d.Label))
	}
	for _, w := range res.Warnings {
		ui.Warning(w)
	}
	if res.Calibration != nil {
		fmt.Println()
		ui.RenderReport(*res.Calibration)
	}
	if res.Transaction.Status == store.TxClosed {
		ui.Success(fmt.Sprintf("Transaction %s closed", res.Transaction.ID))
	}
}

func closeCmd() *cobra.Command {
	var txID, reason string
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close a transaction after its POSTFLIGHT",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(txID))
			if err != nil {
				return err
			}
			defer e.Close()
			id, err := e.txFlag(txID)
			if err != nil {
				return err
			}
			tx, err := e.engine.CloseTransaction(cmd.Context(), cascade.CloseInput{TransactionID: id, Reason: reason, Invocation: invocation(id)})
			if err != nil {
				return err
			}
			if emit(tx) {
				return nil
			}
			ui.Success(fmt.Sprintf("Transaction %s closed (%s)", tx.ID, tx.CloseReason))
			return nil
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "Transaction id")
	cmd.Flags().StringVar(&reason, "reason", "", "Close reason (default: completed)")
	return cmd
}

func abandonCmd() *cobra.Command {
	var (
		txID, reason string
		orphan, yes  bool
	)
	cmd := &cobra.Command{
		Use:   "abandon",
		Short: "Abandon an open transaction",
		Long: "Abandon an open transaction in any phase. With --orphan, abandon a transaction whose " +
			"owning instance no longer resolves; this asks for confirmation unless --yes is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return fmt.Errorf("--reason is required")
			}
			e, err := openEnv(invocation(txID))
			if err != nil {
				return err
			}
			defer e.Close()
			id, err := e.txFlag(txID)
			if err != nil {
				return err
			}
			if orphan && !yes {
				ok, err := ui.Confirm(fmt.Sprintf("Abandon orphaned transaction %s?", id))
				if err != nil {
					return err
				}
				if !ok {
					ui.Info("Aborted.")
					return nil
				}
			}
			tx, err := e.engine.Abandon(cmd.Context(), cascade.AbandonInput{TransactionID: id, Reason: reason, Invocation: invocation(id), Orphan: orphan})
			if err != nil {
				return err
			}
			if emit(tx) {
				return nil
			}
			ui.Success(fmt.Sprintf("Transaction %s abandoned", tx.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "Transaction id")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the work is abandoned")
	cmd.Flags().BoolVar(&orphan, "orphan", false, "Abandon a transaction owned by a vanished instance")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func adoptCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "adopt <transaction-id>",
		Short: "Take ownership of an orphaned transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv := invocation("")
			e, err := openEnv(inv)
			if err != nil {
				return err
			}
			defer e.Close()
			if !yes {
				ok, err := ui.Confirm(fmt.Sprintf("Adopt orphaned transaction %s as %s?", args[0], inv.InstanceID))
				if err != nil {
					return err
				}
				if !ok {
					ui.Info("Aborted.")
					return nil
				}
			}
			tx, err := e.resolver.Adopt(cmd.Context(), inv, e.db, args[0])
			if err != nil {
				return err
			}
			if emit(tx) {
				return nil
			}
			ui.Success(fmt.Sprintf("Adopted %s (phase %s)", tx.ID, tx.Phase))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation")
	return cmd
}

func orphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List open transactions whose owner is gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			orphans, err := e.resolver.Orphans(cmd.Context(), e.db)
			if err != nil {
				return err
			}
			if emit(orphans) {
				return nil
			}
			if len(orphans) == 0 {
				ui.EmptyState("No orphaned transactions.")
				return nil
			}
			rows := make([][]string, 0, len(orphans))
			for _, o := range orphans {
				rows = append(rows, []string{o.Transaction.ID, string(o.Transaction.Phase), ui.Yellow(o.Owner), o.Transaction.OpenedAt.Local().Format(time.DateTime)})
			}
			ui.Table(os.Stdout, []string{"TRANSACTION", "PHASE", "OWNER", "OPENED"}, rows)
			ui.Info("Adopt with 'cascade adopt <id>' or abandon with 'cascade abandon --orphan --tx <id> --reason ...'")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var (
		txID   string
		asYAML bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a transaction's phase, rounds and latest vectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(txID))
			if err != nil {
				return err
			}
			defer e.Close()
			id, err := e.txFlag(txID)
			if err != nil {
				return err
			}
			st, err := e.engine.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			if emit(st) {
				return nil
			}
			if asYAML {
				return emitYAML(st)
			}

			tx := st.Transaction
			ui.SectionHeader("TRANSACTION · " + tx.ID)
			ui.Detail("Session:", tx.SessionID)
			ui.Detail("Scope:", tx.Scope)
			ui.Detail("Phase:", ui.Bold(string(tx.Phase)))
			ui.Detail("Status:", string(tx.Status))
			if tx.Outcome != store.OutcomeNone {
				ui.Detail("Outcome:", fmt.Sprintf("%s (%s)", tx.Outcome, tx.CloseReason))
			}
			if owner := instance.OwnerOf(tx); owner != "" {
				ui.Detail("Owner:", owner)
			}
			phases := make([]string, 0, len(st.Rounds))
			for p, n := range st.Rounds {
				phases = append(phases, fmt.Sprintf("%s×%d", p, n))
			}
			sort.Strings(phases)
			ui.Detail("Rounds:", strings.Join(phases, " "))
			if !st.Integrity {
				ui.Warning("reflex content hash mismatch; run 'cascade doctor'")
			}
			if st.Latest != nil {
				fmt.Println()
				ui.Vectors(os.Stdout, st.Latest)
				ui.Detail("Confidence:", fmt.Sprintf("%.2f", st.Confidence))
				ui.Detail("Recommended:", ui.Action(st.Recommended))
			}
			if c := st.Calibration; c != nil {
				ui.SectionHeader("Calibration")
				ui.Deltas(os.Stdout, c.LearningDelta)
				ui.Detail("Mastery:", fmt.Sprintf("%+.2f", c.MasteryDelta))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "Transaction id")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print status as YAML")
	return cmd
}

func reportCmd() *cobra.Command {
	var txID string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render the calibration report of a transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(txID))
			if err != nil {
				return err
			}
			defer e.Close()
			id, err := e.txFlag(txID)
			if err != nil {
				return err
			}
			r, err := e.engine.Report(cmd.Context(), id)
			if err != nil {
				return err
			}
			if emit(r) {
				return nil
			}
			ui.RenderReport(r)
			return nil
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "Transaction id")
	return cmd
}

func snapshotCmd() *cobra.Command {
	var txID, note string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record the working context before the agent compacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv := invocation(txID)
			e, err := openEnv(inv)
			if err != nil {
				return err
			}
			defer e.Close()
			snap := instance.Snapshot{
				Context:       e.pc,
				TransactionID: txID,
				Note:          note,
				TakenAt:       time.Now().UTC(),
			}
			snap.Context.ProjectRoot = e.root
			if snap.TransactionID == "" {
				snap.TransactionID = e.pc.TransactionID
			}
			if snap.TransactionID != "" {
				tx, err := e.db.GetTransaction(cmd.Context(), snap.TransactionID)
				if err != nil {
					return err
				}
				snap.Phase = tx.Phase
			}
			if err := e.resolver.Snapshot(cmd.Context(), inv, snap); err != nil {
				return err
			}
			if emit(snap) {
				return nil
			}
			ui.Success("Snapshot saved")
			if snap.TransactionID != "" {
				ui.Detail("Transaction:", fmt.Sprintf("%s (%s)", snap.TransactionID, snap.Phase))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "Transaction id (default: the one bound to this instance)")
	cmd.Flags().StringVar(&note, "note", "", "Free-form note to restore with the snapshot")
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Restore the working context saved before compaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv := invocation("")
			e, err := openEnv(inv)
			if err != nil {
				return err
			}
			defer e.Close()
			r, err := e.resolver.Resume(cmd.Context(), inv, e.db)
			if err != nil {
				return err
			}
			if emit(r) {
				return nil
			}
			ui.SectionHeader("RESUME")
			ui.Detail("Project:", r.Snapshot.Context.ProjectRoot)
			if r.Snapshot.Context.SessionID != "" {
				ui.Detail("Session:", r.Snapshot.Context.SessionID)
			}
			if r.Transaction != nil {
				ui.Detail("Transaction:", fmt.Sprintf("%s (%s, %s)", r.Transaction.ID, r.Transaction.Phase, r.Transaction.Status))
			}
			if r.Snapshot.Note != "" {
				ui.Detail("Note:", r.Snapshot.Note)
			}
			ui.Detail("Taken:", ui.Dim(r.Snapshot.TakenAt.Local().Format(time.DateTime)))
			return nil
		},
	}
}
