package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kokistudios/cascade/internal/calibration"
	"github.com/kokistudios/cascade/internal/vector"
)

func TestBold_ContainsText(t *testing.T) {
	Init(false)
	result := Bold("hello")
	if !strings.Contains(result, "hello") {
		t.Errorf("Bold output should contain 'hello', got %q", result)
	}
}

func TestColorDisabled_PlainText(t *testing.T) {
	Init(true) // no color
	defer Init(false)

	for in, got := range map[string]string{
		"hello": Bold("hello"),
		"error": Red("error"),
		"ok":    Green("ok"),
		"warn":  Yellow("warn"),
		"dim":   Dim("dim"),
	} {
		if got != in {
			t.Errorf("expected plain %q when color disabled, got %q", in, got)
		}
	}
}

func TestLoggerInitialized(t *testing.T) {
	InitWithLevel(false, "debug")
	if Logger == nil {
		t.Fatal("Logger should be initialized after Init()")
	}
	if Logger.GetLevel().String() != "debug" {
		t.Errorf("expected debug level, got %s", Logger.GetLevel())
	}
}

func TestBar_Width(t *testing.T) {
	Init(true)
	defer Init(false)

	for _, score := range []float64{0, 0.33, 0.5, 1} {
		bar := Bar(vector.Know, score)
		if n := len([]rune(bar)); n != barWidth {
			t.Errorf("bar for %v has %d cells, want %d", score, n, barWidth)
		}
	}
	if got := Bar(vector.Know, 1); strings.Contains(got, "░") {
		t.Errorf("full score should fill the bar, got %q", got)
	}
}

func TestVectors_ListsAll(t *testing.T) {
	Init(true)
	defer Init(false)

	var buf bytes.Buffer
	Vectors(&buf, map[vector.Vector]vector.VectorState{vector.Know: {Score: 0.8, Rationale: "read the code"}})
	out := buf.String()
	for _, v := range vector.All() {
		if !strings.Contains(out, string(v)) {
			t.Errorf("missing vector %s in output", v)
		}
	}
	if !strings.Contains(out, "read the code") {
		t.Error("rationale should be shown")
	}
}

func TestDeltas_OrderedByMagnitude(t *testing.T) {
	Init(true)
	defer Init(false)

	var buf bytes.Buffer
	Deltas(&buf, map[vector.Vector]float64{vector.Know: 0.25, vector.Uncertainty: -0.30, vector.Do: 0})
	out := buf.String()
	if strings.Contains(out, " do ") {
		t.Errorf("zero deltas should be omitted: %q", out)
	}
	if strings.Index(out, "uncertainty") > strings.Index(out, "know") {
		t.Errorf("larger magnitude first: %q", out)
	}
}

func TestCalibrationMarkdown(t *testing.T) {
	r := calibration.Report{
		TransactionID: "tx-1",
		LearningDelta: map[vector.Vector]float64{vector.Know: 0.25},
		Track2: calibration.Track2{
			Grounded:    []calibration.Grounding{{Vector: vector.Know, SelfReported: 0.85, Implied: 0.80, Gap: 0.05, Status: calibration.WellCalibrated, Sources: []string{"tests"}}},
			Unavailable: []calibration.SourceFailure{{Source: "git", Error: "not a repository"}},
		},
	}
	md := CalibrationMarkdown(r)
	for _, want := range []string{"tx-1", "| know | +0.25 |", "tests", "`git`: not a repository"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "Disagreements") {
		t.Error("empty sections should be omitted")
	}
}

func TestNotifyCommand(t *testing.T) {
	name, args := notifyCommand("darwin", `say "hi"`, `a\b`)
	if name != "osascript" || len(args) != 2 {
		t.Fatalf("unexpected command %s %v", name, args)
	}
	if !strings.Contains(args[1], `\"hi\"`) || !strings.Contains(args[1], `a\\b`) {
		t.Errorf("script not escaped: %s", args[1])
	}
	if name, _ := notifyCommand("windows", "t", "m"); name != "" {
		t.Errorf("expected no command on windows, got %s", name)
	}
}

func TestSpinner_StopTwice(t *testing.T) {
	Init(true)
	var buf bytes.Buffer
	s := newSpinner(&buf, "collecting evidence")
	s.Stop()
	s.Stop()
	if !strings.Contains(buf.String(), "collecting evidence") {
		t.Errorf("spinner should render its message, got %q", buf.String())
	}
}
