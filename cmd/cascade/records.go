package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kokistudios/cascade/internal/belief"
	"github.com/kokistudios/cascade/internal/drift"
	"github.com/kokistudios/cascade/internal/goal"
	"github.com/kokistudios/cascade/internal/instance"
	"github.com/kokistudios/cascade/internal/session"
	"github.com/kokistudios/cascade/internal/store"
	"github.com/kokistudios/cascade/internal/ui"
	"github.com/kokistudios/cascade/internal/vector"
)

// sessionFlag returns the session named on the command line, falling back
// to the one registered for the calling instance.
func (e *env) sessionFlag(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if e.pc.SessionID != "" {
		return e.pc.SessionID, nil
	}
	return "", fmt.Errorf("no session given (use --session)")
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage agent sessions",
	}
	cmd.AddCommand(sessionStartCmd(), sessionEndCmd(), sessionListCmd(), sessionShowCmd())
	return cmd
}

func sessionStartCmd() *cobra.Command {
	var agent, id string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session and bind it to this instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv := invocation("")
			e, err := openEnv(inv)
			if err != nil {
				return err
			}
			defer e.Close()
			opts := []session.StartOption{session.WithProject(e.root)}
			if id != "" {
				opts = append(opts, session.WithID(id))
			}
			sess, err := session.Start(cmd.Context(), e.db, agent, opts...)
			if err != nil {
				return err
			}
			if inv.InstanceID != "" || inv.TTY != "" {
				pc := instance.ProjectContext{ProjectRoot: e.root, SessionID: sess.ID, InstanceID: inv.InstanceID}
				if err := e.resolver.Register(cmd.Context(), inv, pc); err != nil {
					return err
				}
			}
			if emit(sess) {
				return nil
			}
			ui.SessionHeader(sess.ID, sess.AgentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "agent", "Agent name")
	cmd.Flags().StringVar(&id, "id", "", "Explicit session id")
	return cmd
}

func sessionEndCmd() *cobra.Command {
	var id, summary string
	cmd := &cobra.Command{
		Use:   "end",
		Short: "End a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			sid, err := e.sessionFlag(id)
			if err != nil {
				return err
			}
			sess, err := session.End(cmd.Context(), e.db, sid, summary)
			if err != nil {
				return err
			}
			if emit(sess) {
				return nil
			}
			ui.Success(fmt.Sprintf("Session %s ended", sess.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "session", "", "Session id")
	cmd.Flags().StringVar(&summary, "summary", "", "Session summary")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			var sessions []store.Session
			if active {
				sessions, err = session.GetActive(cmd.Context(), e.db)
			} else {
				sessions, err = session.List(cmd.Context(), e.db)
			}
			if err != nil {
				return err
			}
			if emit(sessions) {
				return nil
			}
			if len(sessions) == 0 {
				ui.EmptyState("No sessions.")
				return nil
			}
			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				ended := "-"
				if s.EndedAt != nil {
					ended = s.EndedAt.Local().Format(time.DateTime)
				}
				rows = append(rows, []string{s.ID, s.AgentID, s.StartedAt.Local().Format(time.DateTime), ended})
			}
			ui.Table(os.Stdout, []string{"ID", "AGENT", "STARTED", "ENDED"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "Only sessions that have not ended")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Summarize a session's transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			sid, err := e.sessionFlag(id)
			if err != nil {
				return err
			}
			sum, err := session.Summarize(cmd.Context(), e.db, sid)
			if err != nil {
				return err
			}
			if emit(sum) {
				return nil
			}
			ui.SessionHeader(sum.Session.ID, sum.Session.AgentID)
			ui.Detail("Open:", strconv.Itoa(sum.Open))
			ui.Detail("Completed:", strconv.Itoa(sum.Completed))
			ui.Detail("Abandoned:", strconv.Itoa(sum.Abandoned))
			ui.Detail("CHECK rounds:", strconv.Itoa(sum.CheckRounds))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "session", "", "Session id")
	return cmd
}

func goalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Track goals, subtasks and findings",
	}
	cmd.AddCommand(goalCreateCmd(), goalSubtaskCmd(), goalCompleteCmd(), goalNoteCmd(), goalShowCmd())
	return cmd
}

func goalCreateCmd() *cobra.Command {
	var (
		sessionID                       string
		breadth, duration, coordination float64
	)
	cmd := &cobra.Command{
		Use:   "create <objective>",
		Short: "Create a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			if sessionID == "" {
				sessionID = e.pc.SessionID
			}
			scope := store.Scope{Breadth: breadth, Duration: duration, Coordination: coordination}
			gl, err := goal.Create(cmd.Context(), e.db, sessionID, args[0], scope)
			if err != nil {
				return err
			}
			if emit(gl) {
				return nil
			}
			ui.Success(fmt.Sprintf("Goal %s created", gl.ID))
			ui.Detail("Complexity:", string(goal.Classify(scope, e.home.Config.Cascade.LowComplexity)))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&sessionID, "session", "", "Session id")
	f.Float64Var(&breadth, "breadth", 0.3, "Scope breadth in [0,1]")
	f.Float64Var(&duration, "duration", 0.3, "Scope duration in [0,1]")
	f.Float64Var(&coordination, "coordination", 0.3, "Scope coordination in [0,1]")
	return cmd
}

func goalSubtaskCmd() *cobra.Command {
	var done, evidence string
	cmd := &cobra.Command{
		Use:   "subtask <goal-id> [description]",
		Short: "Add a subtask, or complete one with --done",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			if done != "" {
				if err := goal.CompleteSubtask(cmd.Context(), e.db, done, evidence); err != nil {
					return err
				}
				ui.Success(fmt.Sprintf("Subtask %s completed", done))
				return nil
			}
			if len(args) != 2 {
				return fmt.Errorf("usage: cascade goal subtask <goal-id> <description>")
			}
			st, err := goal.AddSubtask(cmd.Context(), e.db, args[0], args[1])
			if err != nil {
				return err
			}
			if emit(st) {
				return nil
			}
			ui.Success(fmt.Sprintf("Subtask %s added", st.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&done, "done", "", "Complete the subtask with this id")
	cmd.Flags().StringVar(&evidence, "evidence", "", "Evidence of completion")
	return cmd
}

func goalCompleteCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "complete <goal-id>",
		Short: "Mark a goal completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			if err := goal.Complete(cmd.Context(), e.db, args[0], reason); err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Goal %s completed", args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Completion reason")
	return cmd
}

func goalNoteCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "finding <goal-id> <text>",
		Short: "Record a finding, unknown or dead end on a goal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			ctx := cmd.Context()
			switch kind {
			case "finding":
				err = goal.AddFinding(ctx, e.db, args[0], args[1])
			case "unknown":
				err = goal.AddUnknown(ctx, e.db, args[0], args[1])
			case "dead-end", "dead_end":
				err = goal.AddDeadEnd(ctx, e.db, args[0], args[1])
			default:
				return fmt.Errorf("unknown note kind %q (use finding, unknown or dead-end)", kind)
			}
			if err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Recorded %s on %s", kind, args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "finding", "Note kind: finding, unknown or dead-end")
	return cmd
}

func goalShowCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals with their progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			goals, err := e.db.ListGoals(cmd.Context(), all)
			if err != nil {
				return err
			}
			if emit(goals) {
				return nil
			}
			if len(goals) == 0 {
				ui.EmptyState("No goals.")
				return nil
			}
			rows := make([][]string, 0, len(goals))
			for _, gl := range goals {
				p, err := goal.GetProgress(cmd.Context(), e.db, gl.ID)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					gl.ID, gl.Objective,
					fmt.Sprintf("%d/%d", p.Completed, p.Total),
					string(goal.Classify(gl.Scope, e.home.Config.Cascade.LowComplexity)),
				})
			}
			ui.Table(os.Stdout, []string{"ID", "OBJECTIVE", "SUBTASKS", "COMPLEXITY"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include completed goals")
	return cmd
}

func evidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Record grounded evidence for calibration",
	}
	cmd.AddCommand(evidenceAddCmd())
	return cmd
}

func evidenceAddCmd() *cobra.Command {
	var (
		txID, source, quality, detail, raw string
		pairs                              []string
	)
	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Add an evidence record implying vector scores",
		Example: `  cascade evidence add --tx t1 --source review --vector know=0.8 --detail "approved without changes"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scores, err := parseVectors(raw, pairs)
			if err != nil {
				return err
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
			tx, err := e.db.GetTransaction(cmd.Context(), id)
			if err != nil {
				return err
			}
			implied := make(map[vector.Vector]float64, len(scores))
			for name, s := range scores {
				v, err := vector.Parse(name)
				if err != nil {
					return err
				}
				implied[v] = s
			}
			ev := store.Evidence{
				ID:            uuid.NewString(),
				SessionID:     tx.SessionID,
				TransactionID: tx.ID,
				Source:        source,
				Quality:       store.Quality(strings.ToUpper(quality)),
				Vectors:       implied,
				Detail:        detail,
			}
			if err := e.db.AddEvidence(cmd.Context(), ev); err != nil {
				return err
			}
			if emit(ev) {
				return nil
			}
			ui.Success(fmt.Sprintf("Evidence %s recorded for %s", ev.ID, tx.ID))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&txID, "tx", "", "Transaction id")
	f.StringVar(&source, "source", "manual", "Evidence source name")
	f.StringVar(&quality, "quality", string(store.QualityObjective), "OBJECTIVE or SEMI_OBJECTIVE")
	f.StringVar(&detail, "detail", "", "What the evidence shows")
	f.StringVar(&raw, "vectors", "", "Implied scores as a JSON object")
	f.StringArrayVar(&pairs, "vector", nil, "Implied score as name=score (repeatable)")
	return cmd
}

func beliefCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "belief",
		Short: "Manage Bayesian belief contexts",
	}
	cmd.AddCommand(beliefActivateCmd(), beliefUpdateCmd(), beliefShowCmd())
	return cmd
}

func beliefActivateCmd() *cobra.Command {
	var (
		domain   string
		clarity  float64
		explicit bool
		raw      string
		pairs    []string
	)
	cmd := &cobra.Command{
		Use:   "activate <context>",
		Short: "Decide whether to track beliefs for a context",
		Long: "Apply the activation policy to a context. Precision-critical domains, low clarity " +
			"and explicit requests activate tracking; initial vector means may be seeded with --vector.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			t := belief.New(e.db, e.home.Config.Belief, belief.WithLogger(ui.Logger))
			a := belief.Activation{Domain: domain, Explicit: explicit}
			if cmd.Flags().Changed("clarity") {
				a.Clarity = &clarity
			}
			bc, err := t.Activate(cmd.Context(), args[0], a)
			if err != nil {
				return err
			}
			if bc.Active && (raw != "" || len(pairs) > 0) {
				scores, err := parseVectors(raw, pairs)
				if err != nil {
					return err
				}
				initial := make(map[vector.Vector]float64, len(scores))
				for name, s := range scores {
					v, err := vector.Parse(name)
					if err != nil {
						return err
					}
					initial[v] = s
				}
				if err := t.Initialize(cmd.Context(), args[0], initial); err != nil {
					return err
				}
			}
			if emit(bc) {
				return nil
			}
			if bc.Active {
				ui.Success(fmt.Sprintf("Belief tracking active for %s (%s)", bc.Context, bc.Reason))
			} else {
				ui.Info(fmt.Sprintf("Belief tracking dormant for %s (%s)", bc.Context, bc.Reason))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&domain, "domain", "", "Work domain, matched against precision-critical domains")
	f.Float64Var(&clarity, "clarity", 0, "Current clarity score")
	f.BoolVar(&explicit, "explicit", false, "Activate regardless of domain and clarity")
	f.StringVar(&raw, "vectors", "", "Initial means as a JSON object")
	f.StringArrayVar(&pairs, "vector", nil, "Initial mean as name=score (repeatable)")
	return cmd
}

func beliefUpdateCmd() *cobra.Command {
	var (
		success  bool
		strength float64
	)
	cmd := &cobra.Command{
		Use:   "update <context> <vector>",
		Short: "Update a belief with one tool-execution outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := vector.Parse(args[1])
			if err != nil {
				return err
			}
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			t := belief.New(e.db, e.home.Config.Belief, belief.WithLogger(ui.Logger))
			b, err := t.Update(cmd.Context(), args[0], v, belief.Evidence{Success: success, Strength: strength})
			if err != nil {
				return err
			}
			if emit(b) {
				return nil
			}
			ui.Success(fmt.Sprintf("%s/%s: mean %.3f, variance %.4f (%d events)", b.Context, b.Vector, b.Mean, b.Variance, b.EvidenceCount))
			return nil
		},
	}
	cmd.Flags().BoolVar(&success, "success", true, "Whether the tool execution succeeded")
	cmd.Flags().Float64Var(&strength, "strength", 1, "Evidence strength in [0,1]")
	return cmd
}

func beliefShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <context>",
		Short: "List the beliefs of a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			t := belief.New(e.db, e.home.Config.Belief, belief.WithLogger(ui.Logger))
			beliefs, err := t.Beliefs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if emit(beliefs) {
				return nil
			}
			if len(beliefs) == 0 {
				ui.EmptyState("No beliefs recorded.")
				return nil
			}
			rows := make([][]string, 0, len(beliefs))
			for _, b := range beliefs {
				rows = append(rows, []string{string(b.Vector), fmt.Sprintf("%.3f", b.Mean), fmt.Sprintf("%.4f", b.Variance), strconv.Itoa(b.EvidenceCount)})
			}
			ui.Table(os.Stdout, []string{"VECTOR", "MEAN", "VARIANCE", "EVENTS"}, rows)
			return nil
		},
	}
}

func driftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Record and analyze delegate/trustee drift",
	}
	cmd.AddCommand(driftRecordCmd(), driftAnalyzeCmd())
	return cmd
}

func driftRecordCmd() *cobra.Command {
	var (
		sessionID         string
		turn              int
		delegate, trustee float64
		tensions          bool
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one turn's delegate and trustee weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			sid, err := e.sessionFlag(sessionID)
			if err != nil {
				return err
			}
			d := drift.Decision{
				SessionID:            sid,
				Turn:                 turn,
				Delegate:             delegate,
				TensionsAcknowledged: tensions,
			}
			if cmd.Flags().Changed("trustee") {
				d.Trustee = &trustee
			}
			entry, err := drift.Record(cmd.Context(), e.db, d)
			if err != nil {
				return err
			}
			if emit(entry) {
				return nil
			}
			ui.Success(fmt.Sprintf("Recorded turn %d for %s", entry.Turn, entry.SessionID))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&sessionID, "session", "", "Session id")
	f.IntVar(&turn, "turn", 0, "Turn number (default: next)")
	f.Float64Var(&delegate, "delegate", 0.5, "Delegate weight in [0,1]")
	f.Float64Var(&trustee, "trustee", 0, "Trustee weight in [0,1] (default: 1 - delegate)")
	f.BoolVar(&tensions, "tensions", false, "Tensions were acknowledged this turn")
	return cmd
}

func driftAnalyzeCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a session for sycophancy and tension avoidance",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(invocation(""))
			if err != nil {
				return err
			}
			defer e.Close()
			sid, err := e.sessionFlag(sessionID)
			if err != nil {
				return err
			}
			report, err := drift.AnalyzeSession(cmd.Context(), e.db, sid, e.home.Config.Drift)
			if err != nil {
				return err
			}
			if emit(report) {
				return nil
			}
			warnings := report.Warnings()
			if len(warnings) == 0 {
				ui.Success("No drift detected")
				return nil
			}
			for _, w := range warnings {
				ui.Warning(w)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	return cmd
}
