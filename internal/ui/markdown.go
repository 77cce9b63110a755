package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/kokistudios/cascade/internal/calibration"
	"github.com/kokistudios/cascade/internal/vector"
)

// RenderMarkdown writes md to w through glamour, or raw when rendering
// fails.
func RenderMarkdown(w io.Writer, md string) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Fprintln(w, md)
		return
	}

	out, err := renderer.Render(md)
	if err != nil {
		fmt.Fprintln(w, md)
		return
	}
	fmt.Fprint(w, out)
}

// RenderReport renders a calibration report to stderr.
func RenderReport(r calibration.Report) {
	RenderMarkdown(os.Stderr, CalibrationMarkdown(r))
}

// CalibrationMarkdown formats a calibration report as markdown.
func CalibrationMarkdown(r calibration.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Calibration `%s`\n\n", r.TransactionID)
	fmt.Fprintf(&b, "Mastery delta: **%+.2f**\n\n", r.MasteryDelta())

	b.WriteString("## Learning delta\n\n| vector | delta |\n|---|---|\n")
	vs := make([]vector.Vector, 0, len(r.LearningDelta))
	for v, d := range r.LearningDelta {
		if d != 0 {
			vs = append(vs, v)
		}
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	for _, v := range vs {
		fmt.Fprintf(&b, "| %s | %+.2f |\n", v, r.LearningDelta[v])
	}
	if len(vs) == 0 {
		b.WriteString("| - | 0 |\n")
	}

	if len(r.Track2.Grounded) > 0 {
		b.WriteString("\n## Grounded\n\n| vector | self | evidence | gap | status | sources |\n|---|---|---|---|---|---|\n")
		for _, g := range r.Track2.Grounded {
			fmt.Fprintf(&b, "| %s | %.2f | %.2f | %+.2f | %s | %s |\n",
				g.Vector, g.SelfReported, g.Implied, g.Gap, g.Status, strings.Join(g.Sources, ", "))
		}
	}
	if len(r.Reconciliation.Disagreements) > 0 {
		b.WriteString("\n## Disagreements\n\n")
		for _, d := range r.Reconciliation.Disagreements {
			fmt.Fprintf(&b, "- **%s** (%s): self %+.2f, grounded %+.2f\n", d.Vector, d.Reason, d.SelfDelta, d.GroundedDelta)
		}
	}
	if len(r.Track2.Unavailable) > 0 {
		b.WriteString("\n## Unavailable sources\n\n")
		for _, f := range r.Track2.Unavailable {
			fmt.Fprintf(&b, "- `%s`: %s\n", f.Source, f.Error)
		}
	}
	if len(r.Track2.Warnings) > 0 {
		b.WriteString("\n## Warnings\n\n")
		for _, w := range r.Track2.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}
	return b.String()
}
