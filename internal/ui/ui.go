package ui

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"

	"github.com/kokistudios/cascade/internal/store"
	"github.com/kokistudios/cascade/internal/vector"
)

// Logger is the package-level structured logger.
var Logger *log.Logger

// Styles, set by Init.
var (
	headerStyle    lipgloss.Style
	successStyle   lipgloss.Style
	warningStyle   lipgloss.Style
	errorStyle     lipgloss.Style
	dimStyle       lipgloss.Style
	boldStyle      lipgloss.Style
	promptStyle    lipgloss.Style
	phaseNameStyle lipgloss.Style
)

// Init sets up color detection, lipgloss styles, and the structured logger.
// Call this once at CLI startup.
func Init(noColorFlag bool) {
	InitWithLevel(noColorFlag, "info")
}

// InitWithLevel is Init with the logger level taken from config.
func InitWithLevel(noColorFlag bool, level string) {
	noColor := noColorFlag || os.Getenv("NO_COLOR") != ""

	// Pre-set dark background to prevent termenv OSC query that leaks ^[[I focus events
	lipgloss.SetHasDarkBackground(true)

	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		lipgloss.SetColorProfile(termenv.NewOutput(os.Stderr).ColorProfile())
	}

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle = lipgloss.NewStyle().Faint(true)
	boldStyle = lipgloss.NewStyle().Bold(true)
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	phaseNameStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))

	Logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: false,
		Prefix:          "cascade",
	})
	if lvl, err := log.ParseLevel(level); err == nil {
		Logger.SetLevel(lvl)
	}
	if noColor {
		Logger.SetStyles(log.DefaultStyles())
	}
}

// SanitizeTerminal resets the terminal to a sane state after a prompt left
// it in raw mode.
func SanitizeTerminal() {
	cmd := exec.Command("stty", "sane")
	cmd.Stdin = os.Stdin
	_ = cmd.Run()
	fmt.Fprint(os.Stderr, "\033[0m\r")
}

func Bold(s string) string   { return boldStyle.Render(s) }
func Dim(s string) string    { return dimStyle.Render(s) }
func Red(s string) string    { return errorStyle.Render(s) }
func Green(s string) string  { return successStyle.Render(s) }
func Yellow(s string) string { return warningStyle.Render(s) }

// Logo renders the cascade mark to stderr.
func Logo() {
	step := lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	accent := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, step.Render("▔▔▔╲"))
	fmt.Fprintln(os.Stderr, step.Render("    ╲▁▁▁╲"), accent.Render(" cascade"))
	fmt.Fprintln(os.Stderr, step.Render("         ╲▁▁▁"))
}

// LogoWithTagline renders the logo with a tagline underneath.
func LogoWithTagline(tagline string) {
	Logo()
	if tagline != "" {
		fmt.Fprintln(os.Stderr, dimStyle.Render("  "+tagline))
	}
	fmt.Fprintln(os.Stderr)
}

// PhaseHeader renders a banner for a recorded phase.
func PhaseHeader(phase store.Phase, round int, txID string) {
	fmt.Fprint(os.Stderr, "\r")

	line := fmt.Sprintf("─── %s ───", phase)
	if phase == store.PhaseCheck {
		line = fmt.Sprintf("─── %s (round %d) ───", phase, round)
	}
	content := fmt.Sprintf("%s\n%s", phaseNameStyle.Render(line), dimStyle.Render("transaction: "+txID))

	box := lipgloss.NewStyle().
		Bold(true).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(lipgloss.Color("63")).
		PaddingLeft(2).
		PaddingRight(2).
		Render(content)

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, box)
	fmt.Fprintln(os.Stderr)
}

// SessionHeader prints a session start banner.
func SessionHeader(id, agent string) {
	fmt.Fprint(os.Stderr, "\r")

	box := lipgloss.NewStyle().
		Bold(true).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(lipgloss.Color("12")).
		PaddingLeft(1).
		PaddingRight(1).
		Render(fmt.Sprintf("SESSION: %s\n%s", id, dimStyle.Render("agent: "+agent)))
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, box)
	fmt.Fprintln(os.Stderr)
}

// Warning prints a styled warning message.
func Warning(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", warningStyle.Render("⚠"), msg)
}

// Error prints a styled error message.
func Error(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("✗"), msg)
}

// Info prints a styled informational message.
func Info(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", phaseNameStyle.Render("▸"), msg)
}

// Success prints a green check with a message.
func Success(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", successStyle.Render("✓"), msg)
}

// Detail prints an indented key-value detail line.
func Detail(key, value string) {
	label := dimStyle.Render(fmt.Sprintf("  %s", key))
	fmt.Fprintf(os.Stderr, "%s %s\n", label, value)
}

// SectionHeader prints a styled section divider with a label.
func SectionHeader(label string) {
	line := headerStyle.Render(fmt.Sprintf("── %s ──", label))
	fmt.Fprintf(os.Stderr, "\n%s\n\n", line)
}

// EmptyState prints a styled message for empty results.
func EmptyState(msg string) {
	fmt.Fprintf(os.Stderr, "  %s\n", dimStyle.Render(msg))
}

// Table prints a formatted table with headers and rows.
func Table(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, boldStyle.Render(strings.Join(headers, "\t")))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

const barWidth = 20

// Bar renders a score in [0,1] as a fixed-width bar. Inverted vectors are
// colored by their effective contribution.
func Bar(v vector.Vector, score float64) string {
	n := int(score*barWidth + 0.5)
	if n < 0 {
		n = 0
	}
	if n > barWidth {
		n = barWidth
	}
	eff := score
	if v.Inverted() {
		eff = 1 - score
	}
	style := successStyle
	switch {
	case eff < 0.45:
		style = errorStyle
	case eff < 0.70:
		style = warningStyle
	}
	return style.Render(strings.Repeat("█", n)) + dimStyle.Render(strings.Repeat("░", barWidth-n))
}

// Vectors renders all 13 vectors grouped by category.
func Vectors(w io.Writer, states map[vector.Vector]vector.VectorState) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	var last vector.Category
	for _, v := range vector.All() {
		if c := v.Category(); c != last {
			fmt.Fprintln(tw, headerStyle.Render(string(c)))
			last = c
		}
		st, ok := states[v]
		if !ok {
			st.Score = vector.DefaultScore
		}
		name := string(v)
		if v.Inverted() {
			name += " ↓"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%.2f\t%s\n", name, Bar(v, st.Score), st.Score, dimStyle.Render(st.Rationale))
	}
	tw.Flush()
}

// Action renders a recommended action with its color.
func Action(a vector.Action) string {
	switch a {
	case vector.ActionProceed:
		return successStyle.Render(string(a))
	case vector.ActionInvestigate:
		return warningStyle.Render(string(a))
	case vector.ActionPause:
		return errorStyle.Render(string(a))
	}
	return promptStyle.Render(string(a))
}

// Deltas renders per-vector deltas, largest magnitude first.
func Deltas(w io.Writer, deltas map[vector.Vector]float64) {
	vs := make([]vector.Vector, 0, len(deltas))
	for v, d := range deltas {
		if d != 0 {
			vs = append(vs, v)
		}
	}
	if len(vs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  no change"))
		return
	}
	sort.Slice(vs, func(i, j int) bool {
		ai, aj := abs(deltas[vs[i]]), abs(deltas[vs[j]])
		if ai != aj {
			return ai > aj
		}
		return vs[i] < vs[j]
	})
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, v := range vs {
		d := deltas[v]
		s := fmt.Sprintf("%+.2f", d)
		if (d > 0) != v.Inverted() {
			s = successStyle.Render(s)
		} else {
			s = warningStyle.Render(s)
		}
		fmt.Fprintf(tw, "  %s\t%s\n", v, s)
	}
	tw.Flush()
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// =============================================================================
// Bubbletea-based interactive prompts
// =============================================================================

// confirmModel is a bubbletea model for y/n confirmation.
type confirmModel struct {
	prompt   string
	cursor   int // 0 = yes, 1 = no
	decided  bool
	accepted bool
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "Y":
			m.accepted = true
			m.decided = true
			return m, tea.Quit
		case "n", "N", "ctrl+c", "esc":
			m.accepted = false
			m.decided = true
			return m, tea.Quit
		case "left", "h":
			m.cursor = 0
		case "right", "l":
			m.cursor = 1
		case "enter", " ":
			m.accepted = m.cursor == 0
			m.decided = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m confirmModel) View() string {
	var yes, no string
	if m.cursor == 0 {
		yes = successStyle.Render("▸ Yes ")
		no = dimStyle.Render("  No  ")
	} else {
		yes = dimStyle.Render("  Yes ")
		no = errorStyle.Render("▸ No  ")
	}
	return fmt.Sprintf("%s\n\n  %s  %s\n\n%s",
		promptStyle.Render(m.prompt),
		yes, no,
		dimStyle.Render("  ←/→ to select • enter to confirm • y/n for quick select"))
}

// Confirm prompts the user with a yes/no question and returns the response.
func Confirm(prompt string) (bool, error) {
	m := confirmModel{prompt: prompt}
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	result, err := p.Run()
	if err != nil {
		SanitizeTerminal()
		return false, err
	}
	fmt.Fprintln(os.Stderr)
	return result.(confirmModel).accepted, nil
}

// Spinner displays an animated spinner with a message on stderr.
// Call Stop() to clear it. Stop() is safe to call multiple times.
type Spinner struct {
	msg      string
	out      io.Writer
	stop     chan struct{}
	done     sync.WaitGroup
	stopOnce sync.Once
}

// NewSpinner starts a spinner with the given message.
func NewSpinner(msg string) *Spinner {
	return newSpinner(os.Stderr, msg)
}

func newSpinner(out io.Writer, msg string) *Spinner {
	s := &Spinner{msg: msg, out: out, stop: make(chan struct{})}
	s.done.Add(1)
	go s.run()
	return s
}

func (s *Spinner) run() {
	defer s.done.Done()
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	fmt.Fprintf(s.out, "\r%s %s", phaseNameStyle.Render(frames[0]), dimStyle.Render(s.msg))
	for i := 1; ; i++ {
		select {
		case <-s.stop:
			fmt.Fprintf(s.out, "\r\033[K")
			return
		case <-ticker.C:
			fmt.Fprintf(s.out, "\r%s %s", phaseNameStyle.Render(frames[i%len(frames)]), dimStyle.Render(s.msg))
		}
	}
}

// Stop halts the spinner and clears its line.
func (s *Spinner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.done.Wait()
}
