package calibration

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kokistudios/cascade/internal/goal"
	"github.com/kokistudios/cascade/internal/store"
	"github.com/kokistudios/cascade/internal/vector"
)

func newEvidence(req Request, source string, q store.Quality, vectors map[vector.Vector]float64, detail string) store.Evidence {
	return store.Evidence{
		ID:            uuid.NewString(),
		SessionID:     req.SessionID,
		TransactionID: req.TransactionID,
		Source:        source,
		Quality:       q,
		Vectors:       vectors,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}
}

// StoredEvidenceSource returns evidence reported into the project store for
// the transaction.
type StoredEvidenceSource struct {
	DB *store.DB
}

func (s StoredEvidenceSource) Name() string { return "stored" }

func (s StoredEvidenceSource) Collect(ctx context.Context, req Request) ([]store.Evidence, error) {
	return s.DB.ListEvidence(ctx, req.TransactionID)
}

// TestSummary counts package results in go test output.
type TestSummary struct {
	Passed      int
	Failed      int
	FailedTests int
}

// Total returns the number of packages with a verdict.
func (s TestSummary) Total() int { return s.Passed + s.Failed }

// Ratio returns the passing fraction of packages.
func (s TestSummary) Ratio() float64 {
	if s.Total() == 0 {
		return 0
	}
	return float64(s.Passed) / float64(s.Total())
}

// ParseGoTest reads go test output. Packages without test files are not
// counted.
func ParseGoTest(r io.Reader) (TestSummary, error) {
	var s TestSummary
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch {
		case fields[0] == "ok":
			s.Passed++
		case fields[0] == "FAIL":
			s.Failed++
		case fields[0] == "---" && fields[1] == "FAIL:":
			s.FailedTests++
		}
	}
	return s, sc.Err()
}

// TestRunSource runs the project's test command and grounds know and do
// with the package pass rate.
type TestRunSource struct {
	Command []string
}

func (s TestRunSource) Name() string { return "tests" }

func (s TestRunSource) Collect(ctx context.Context, req Request) ([]store.Evidence, error) {
	if len(s.Command) == 0 {
		return nil, fmt.Errorf("no test command configured")
	}
	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Dir = req.ProjectRoot
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return nil, fmt.Errorf("run %s: %w", s.Command[0], runErr)
	}

	sum, err := ParseGoTest(&out)
	if err != nil {
		return nil, err
	}
	if sum.Total() == 0 {
		return nil, fmt.Errorf("%s produced no test results", strings.Join(s.Command, " "))
	}
	ratio := sum.Ratio()
	detail := fmt.Sprintf("%d/%d packages passed, %d failing tests", sum.Passed, sum.Total(), sum.FailedTests)
	return []store.Evidence{newEvidence(req, s.Name(), store.QualityObjective,
		map[vector.Vector]float64{vector.Know: ratio, vector.Do: ratio}, detail)}, nil
}

var shortstatRe = regexp.MustCompile(`(\d+) (file|insertion|deletion)`)

// DiffStat is the size of a working-tree change.
type DiffStat struct {
	Files, Insertions, Deletions int
}

// ParseShortstat reads the output of git diff --shortstat.
func ParseShortstat(s string) DiffStat {
	var d DiffStat
	for _, m := range shortstatRe.FindAllStringSubmatch(s, -1) {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "file":
			d.Files = n
		case "insertion":
			d.Insertions = n
		case "deletion":
			d.Deletions = n
		}
	}
	return d
}

// DefaultChangeScale is the number of changed lines that maps to a change
// score of 1.
const DefaultChangeScale = 200

// GitSource grounds change with the size of the uncommitted diff against
// Base.
type GitSource struct {
	Base  string
	Scale int
}

func (s GitSource) Name() string { return "git" }

func (s GitSource) Collect(ctx context.Context, req Request) ([]store.Evidence, error) {
	if req.ProjectRoot == "" {
		return nil, fmt.Errorf("no project root")
	}
	base := s.Base
	if base == "" {
		base = "HEAD"
	}
	scale := s.Scale
	if scale <= 0 {
		scale = DefaultChangeScale
	}
	out, err := exec.CommandContext(ctx, "git", "-C", req.ProjectRoot, "diff", "--shortstat", base).Output()
	if err != nil {
		return nil, fmt.Errorf("git diff in %s: %w", req.ProjectRoot, err)
	}
	d := ParseShortstat(string(out))
	score := math.Min(1, float64(d.Insertions+d.Deletions)/float64(scale))
	detail := fmt.Sprintf("%d files, +%d -%d", d.Files, d.Insertions, d.Deletions)
	return []store.Evidence{newEvidence(req, s.Name(), store.QualitySemiObjective,
		map[vector.Vector]float64{vector.Change: score}, detail)}, nil
}

// GoalProgressSource grounds completion with the goal's subtask completion
// ratio. Transactions without a goal, and goals without subtasks, yield no
// evidence.
type GoalProgressSource struct {
	DB *store.DB
}

func (s GoalProgressSource) Name() string { return "goals" }

func (s GoalProgressSource) Collect(ctx context.Context, req Request) ([]store.Evidence, error) {
	if req.GoalID == "" {
		return nil, nil
	}
	p, err := goal.GetProgress(ctx, s.DB, req.GoalID)
	if err != nil {
		return nil, err
	}
	if p.Total == 0 {
		return nil, nil
	}
	return []store.Evidence{newEvidence(req, s.Name(), store.QualityObjective,
		map[vector.Vector]float64{vector.Completion: p.Ratio()},
		fmt.Sprintf("%d/%d subtasks complete", p.Completed, p.Total))}, nil
}

// SourcesFromConfig builds the sources named in cfg.Sources.
func SourcesFromConfig(cfg store.CalibrationConfig, db *store.DB) ([]Source, error) {
	var out []Source
	for _, name := range cfg.Sources {
		switch name {
		case "stored":
			out = append(out, StoredEvidenceSource{DB: db})
		case "tests":
			out = append(out, TestRunSource{Command: cfg.TestCommand})
		case "git":
			out = append(out, GitSource{})
		case "goals":
			out = append(out, GoalProgressSource{DB: db})
		default:
			return nil, fmt.Errorf("unknown evidence source %q", name)
		}
	}
	return out, nil
}
