package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/cascade/internal/calibration"
	"github.com/kokistudios/cascade/internal/cascade"
	"github.com/kokistudios/cascade/internal/instance"
	cascademcp "github.com/kokistudios/cascade/internal/mcp"
	"github.com/kokistudios/cascade/internal/store"
	"github.com/kokistudios/cascade/internal/ui"
)

// Set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func buildVersion() string {
	if commit == "none" {
		return version
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

// globals holds the persistent flags shared by every command.
type globals struct {
	noColor    bool
	project    string
	instanceID string
	tty        string
	jsonOut    bool
	exportPath string
}

var g globals

func main() {
	rootCmd := &cobra.Command{
		Use:   "cascade",
		Short: "cascade: epistemic state tracking for coding agents",
		Long: "Records an agent's self-assessment before, during and after a unit of work, " +
			"and calibrates it against grounded evidence.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is normal.
			_ = godotenv.Load()
			level := os.Getenv("CASCADE_LOG_LEVEL")
			if level == "" {
				level = "info"
				if s, err := store.Load(store.Home()); err == nil {
					level = s.Config.LogLevel
				}
			}
			ui.InitWithLevel(g.noColor, level)
		},
	}

	rootCmd.Version = buildVersion()
	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&g.noColor, "no-color", false, "Disable colored output")
	pf.StringVar(&g.project, "project", "", "Project root when this invocation has no registered context (default: $CASCADE_PROJECT)")
	pf.StringVar(&g.instanceID, "instance", "", "Instance id of the calling agent (default: $CASCADE_INSTANCE_ID or $TMUX_PANE)")
	pf.StringVar(&g.tty, "tty", "", "Terminal of the calling agent (default: $CASCADE_TTY)")
	pf.BoolVar(&g.jsonOut, "json", false, "Print results as JSON on stdout")
	pf.StringVar(&g.exportPath, "export", "", "Append calibration summaries as JSON lines to this file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "session", Title: "Session Commands:"},
		&cobra.Group{ID: "tx", Title: "Transaction Commands:"},
		&cobra.Group{ID: "goal", Title: "Goal Commands:"},
		&cobra.Group{ID: "evidence", Title: "Evidence Commands:"},
		&cobra.Group{ID: "config", Title: "Configuration:"},
	)

	add := func(group string, cmds ...*cobra.Command) {
		for _, c := range cmds {
			c.GroupID = group
			rootCmd.AddCommand(c)
		}
	}
	add("core", initCmd(), doctorCmd(), registerCmd())
	add("session", sessionCmd())
	add("tx",
		phaseCmd(store.PhasePreflight), phaseCmd(store.PhaseCheck), phaseCmd(store.PhasePostflight),
		closeCmd(), abandonCmd(), adoptCmd(), orphansCmd(), statusCmd(), reportCmd(), snapshotCmd(), resumeCmd())
	add("goal", goalCmd())
	add("evidence", evidenceCmd(), beliefCmd(), driftCmd())
	add("config", configCmd())
	rootCmd.AddCommand(completionCmd())
	rootCmd.AddCommand(mcpServeCmd())

	if err := rootCmd.Execute(); err != nil {
		ui.Error(err.Error())
		os.Exit(exitCode(err))
	}
}

// exitCode maps engine error kinds to distinct exit statuses.
func exitCode(err error) int {
	switch cascade.KindOf(err) {
	case cascade.KindValidation:
		return 2
	case cascade.KindSequence:
		return 3
	case cascade.KindConflict, cascade.KindNotOwner:
		return 4
	case cascade.KindNotFound:
		return 5
	}
	return 1
}

func loadStore() (*store.Store, error) {
	s, err := store.Load(store.Home())
	if err != nil {
		return nil, fmt.Errorf("cascade not initialized, run 'cascade init' first: %w", err)
	}
	return s, nil
}

func invocation(txID string) instance.Invocation {
	inv := instance.Invocation{TransactionID: txID, InstanceID: g.instanceID, TTY: g.tty}
	if inv.InstanceID == "" {
		inv.InstanceID = os.Getenv("CASCADE_INSTANCE_ID")
	}
	if inv.InstanceID == "" {
		inv.InstanceID = os.Getenv("TMUX_PANE")
	}
	if inv.TTY == "" {
		inv.TTY = os.Getenv("CASCADE_TTY")
	}
	return inv
}

// env is everything a transaction command needs. Close releases it.
type env struct {
	home     *store.Store
	markers  *store.Markers
	resolver *instance.Resolver
	db       *store.DB
	engine   *cascade.Engine
	root     string
	pc       instance.ProjectContext
	export   io.Closer
}

func (e *env) Close() {
	if e.export != nil {
		e.export.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
	if e.markers != nil {
		e.markers.Close()
	}
}

var errProjectConflict = errors.New("project differs from the resolved context")

// openEnv resolves the project root and opens its store. The marker chain of
// inv decides the root; --project or $CASCADE_PROJECT only apply when the
// chain resolves nothing, and must agree with it otherwise. The working
// directory is never used.
func openEnv(inv instance.Invocation) (*env, error) {
	home, err := loadStore()
	if err != nil {
		return nil, err
	}
	markers, err := home.OpenMarkers()
	if err != nil {
		return nil, err
	}
	e := &env{home: home, markers: markers, resolver: instance.New(markers, instance.WithLogger(ui.Logger))}

	explicit := g.project
	if explicit == "" {
		explicit = os.Getenv("CASCADE_PROJECT")
	}
	if explicit != "" {
		if explicit, err = filepath.Abs(explicit); err != nil {
			e.Close()
			return nil, err
		}
	}

	var root string
	pc, resolveErr := e.resolver.Resolve(context.Background(), inv)
	switch {
	case resolveErr == nil:
		e.pc = pc
		root = pc.ProjectRoot
		if explicit != "" && explicit != filepath.Clean(root) {
			e.Close()
			return nil, &cascade.Error{
				Kind:          cascade.KindConflict,
				TransactionID: inv.TransactionID,
				Err:           fmt.Errorf("%s, but the %s marker points at %s: %w", explicit, pc.ResolvedBy, root, errProjectConflict),
			}
		}
	case errors.Is(resolveErr, instance.ErrNotFound) && explicit != "":
		root = explicit
	default:
		e.Close()
		return nil, fmt.Errorf("no project context for this invocation (pass --project or run 'cascade register'): %w", resolveErr)
	}
	e.root = root

	e.db, err = store.OpenProject(root)
	if err != nil {
		e.Close()
		return nil, err
	}

	cfg := home.Config
	sources, err := calibration.SourcesFromConfig(cfg.Calibration, e.db)
	if err != nil {
		e.Close()
		return nil, err
	}
	opts := []cascade.Option{
		cascade.WithLogger(ui.Logger),
		cascade.WithResolver(e.resolver),
		cascade.WithProjectRoot(root),
		cascade.WithCalibration(calibration.New(cfg.Calibration,
			calibration.WithSources(sources...), calibration.WithLogger(ui.Logger))),
	}
	if path := exportPath(); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("open export file: %w", err)
		}
		e.export = f
		opts = append(opts, cascade.WithExporter(&cascade.LineExporter{W: f}))
	}
	e.engine = cascade.New(e.db, cfg, opts...)
	return e, nil
}

func exportPath() string {
	if g.exportPath != "" {
		return g.exportPath
	}
	return os.Getenv("CASCADE_EXPORT")
}

// emit prints v as JSON on stdout when --json is set and reports whether it
// did.
func emit(v any) bool {
	if !g.jsonOut {
		return false
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		ui.Error(fmt.Sprintf("encode output: %v", err))
	}
	return true
}

func emitYAML(v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Initialize CASCADE_HOME",
		Long:    "Create the CASCADE_HOME directory (~/.cascade by default) with config.yaml and the instance marker store.",
		Example: "  cascade init\n  cascade init --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := store.Home()
			if err := store.Init(home, force); err != nil {
				return err
			}
			ui.LogoWithTagline("epistemic state for coding agents")
			ui.Success("cascade initialized")
			ui.Detail("Home:", home)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reinitialize even if CASCADE_HOME already exists")
	return cmd
}

func registerCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "register <project-root>",
		Short: "Bind this instance or terminal to a project",
		Long: "Record the project root (and optionally the session) for the calling instance, " +
			"so later invocations resolve their project without --project.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := loadStore()
			if err != nil {
				return err
			}
			markers, err := home.OpenMarkers()
			if err != nil {
				return err
			}
			defer markers.Close()
			root, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			inv := invocation("")
			r := instance.New(markers, instance.WithLogger(ui.Logger))
			pc := instance.ProjectContext{ProjectRoot: root, SessionID: sessionID, InstanceID: inv.InstanceID}
			if err := r.Register(cmd.Context(), inv, pc); err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Registered %s", root))
			if inv.InstanceID != "" {
				ui.Detail("Instance:", inv.InstanceID)
			}
			if inv.TTY != "" {
				ui.Detail("TTY:", inv.TTY)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session the instance works in")
	return cmd
}

func doctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check health of CASCADE_HOME and the project store",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := store.Home()
			ctx := cmd.Context()

			if fix {
				ui.SectionHeader("DOCTOR · repair")
				fixed := store.FixIssues(home)
				for _, f := range fixed {
					ui.Success(fmt.Sprintf("[FIXED] %s", f))
				}
				if e, err := openEnv(invocation("")); err == nil {
					repaired, err := e.db.RepairIntegrity(ctx)
					e.Close()
					if err != nil {
						return err
					}
					for _, f := range repaired {
						ui.Success(fmt.Sprintf("[FIXED] %s", f))
					}
					fixed = append(fixed, repaired...)
				}
				if len(fixed) == 0 {
					ui.EmptyState("Nothing to fix.")
				}
			} else {
				ui.SectionHeader("DOCTOR · health check")
			}

			issues := store.CheckHealth(home)
			if e, err := openEnv(invocation("")); err == nil {
				found, err := e.db.CheckIntegrity(ctx, store.WithBinding(e.resolver.Bound))
				if err != nil {
					e.Close()
					return err
				}
				for _, is := range found {
					sev := "error"
					msg := fmt.Sprintf("transaction %s: %s", is.TransactionID, is.Message)
					if is.Repairable {
						sev = "warning"
						msg += " (run 'cascade doctor --fix' to repair)"
					}
					issues = append(issues, store.Issue{Severity: sev, Message: msg})
				}
				orphans, err := e.resolver.Orphans(ctx, e.db)
				if err == nil {
					for _, o := range orphans {
						issues = append(issues, store.Issue{
							Severity: "warning",
							Message:  fmt.Sprintf("transaction %s is orphaned (owner %q gone); adopt or abandon it explicitly", o.Transaction.ID, o.Owner),
						})
					}
				}
				e.Close()
			} else {
				issues = append(issues, store.Issue{Severity: "warning", Message: fmt.Sprintf("project store not checked: %v", err)})
			}

			if len(issues) == 0 {
				ui.Success("Everything looks good")
				return nil
			}

			hasError := false
			for _, issue := range issues {
				if issue.Severity == "error" {
					ui.Error(fmt.Sprintf("[ERR]  %s", issue.Message))
					hasError = true
				} else {
					ui.Warning(fmt.Sprintf("[WARN] %s", issue.Message))
				}
			}
			if hasError {
				os.Exit(2)
			}
			os.Exit(1)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "Repair config, marker store and transaction phases derivable from reflexes")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and edit cascade configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if emit(s.Config) {
				return nil
			}
			return emitYAML(s.Config)
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a cascade configuration value. Valid keys: " + strings.Join(store.ConfigKeys(), ", ") + ".",
		Example: `  cascade config set cascade.thresholds.engagement_gate 0.65
  cascade config set cascade.weights foundation=0.35,comprehension=0.25
  cascade config set calibration.sources stored,tests,goals`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if err := s.SetConfigValue(args[0], args[1]); err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Set %s = %s", args[0], args[1]))
			return nil
		},
	}
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish]",
		Short:     "Generate shell completion scripts",
		Example:   "  cascade completion bash > ~/.bashrc.d/cascade\n  cascade completion zsh > ~/.zfunc/_cascade",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			default:
				return fmt.Errorf("unsupported shell: %s (use bash, zsh, or fish)", args[0])
			}
		},
	}
}

func mcpServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "mcp-serve",
		Short:  "Run cascade as an MCP server",
		Long:   "Start cascade as a Model Context Protocol server over stdio, exposing submit, status, close, abandon, orphans and adopt tools.",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv := invocation("")
			e, err := openEnv(inv)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			server := cascademcp.NewServer(e.engine, e.resolver, inv, version)
			return server.Run(ctx)
		},
	}
}
