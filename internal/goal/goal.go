// Package goal manages goals and subtasks: the structural decomposition of
// work that outlives any single session.
package goal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/kokistudios/cascade/internal/store"
)

var (
	// ErrEvidenceRequired is returned when completing a subtask without evidence.
	ErrEvidenceRequired = errors.New("subtask completion requires evidence")
	// ErrReasonRequired is returned when completing a goal without a reason.
	ErrReasonRequired = errors.New("goal completion requires a reason")
	// ErrGoalCompleted is returned when modifying a completed goal.
	ErrGoalCompleted = errors.New("goal already completed")
)

// Complexity classifies a goal's scope.
type Complexity string

const (
	ComplexityLow  Complexity = "low"
	ComplexityHigh Complexity = "high"
)

// Classify returns low when the mean of the scope axes is below cutoff.
func Classify(scope store.Scope, cutoff float64) Complexity {
	mean := (scope.Breadth + scope.Duration + scope.Coordination) / 3
	if mean < cutoff {
		return ComplexityLow
	}
	return ComplexityHigh
}

func validateScope(s store.Scope) error {
	for name, x := range map[string]float64{"breadth": s.Breadth, "duration": s.Duration, "coordination": s.Coordination} {
		if math.IsNaN(x) || x < 0 || x > 1 {
			return fmt.Errorf("scope %s must be within [0,1], got %v", name, x)
		}
	}
	return nil
}

// Create records a new goal.
func Create(ctx context.Context, db *store.DB, sessionID, objective string, scope store.Scope) (store.Goal, error) {
	objective = strings.TrimSpace(objective)
	if objective == "" {
		return store.Goal{}, fmt.Errorf("goal objective is required")
	}
	if err := validateScope(scope); err != nil {
		return store.Goal{}, err
	}
	g := store.Goal{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Objective: objective,
		Scope:     scope,
	}
	if err := db.CreateGoal(ctx, g); err != nil {
		return store.Goal{}, err
	}
	return db.GetGoal(ctx, g.ID)
}

func openGoal(ctx context.Context, db *store.DB, goalID string) (store.Goal, error) {
	g, err := db.GetGoal(ctx, goalID)
	if err != nil {
		return store.Goal{}, err
	}
	if g.Completed {
		return store.Goal{}, fmt.Errorf("goal %s: %w", goalID, ErrGoalCompleted)
	}
	return g, nil
}

// AddSubtask appends a subtask to an open goal.
func AddSubtask(ctx context.Context, db *store.DB, goalID, description string) (store.Subtask, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return store.Subtask{}, fmt.Errorf("subtask description is required")
	}
	if _, err := openGoal(ctx, db, goalID); err != nil {
		return store.Subtask{}, err
	}
	st := store.Subtask{ID: uuid.NewString(), GoalID: goalID, Description: description}
	if err := db.CreateSubtask(ctx, st); err != nil {
		return store.Subtask{}, err
	}
	return db.GetSubtask(ctx, st.ID)
}

// CompleteSubtask marks a subtask done. Evidence is required.
func CompleteSubtask(ctx context.Context, db *store.DB, subtaskID, evidence string) error {
	if strings.TrimSpace(evidence) == "" {
		return ErrEvidenceRequired
	}
	return db.CompleteSubtask(ctx, subtaskID, strings.TrimSpace(evidence))
}

// Complete marks a goal done. A reason is required.
func Complete(ctx context.Context, db *store.DB, goalID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	err := db.CompleteGoal(ctx, goalID, strings.TrimSpace(reason))
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("goal %s: %w", goalID, ErrGoalCompleted)
	}
	return err
}

func addNote(ctx context.Context, db *store.DB, goalID string, kind store.NoteKind, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return fmt.Errorf("%s text is required", kind)
	}
	return db.AddGoalNote(ctx, goalID, kind, body)
}

// AddFinding records something learned while pursuing the goal.
func AddFinding(ctx context.Context, db *store.DB, goalID, body string) error {
	return addNote(ctx, db, goalID, store.NoteFinding, body)
}

// AddUnknown records an open question.
func AddUnknown(ctx context.Context, db *store.DB, goalID, body string) error {
	return addNote(ctx, db, goalID, store.NoteUnknown, body)
}

// AddDeadEnd records an approach that did not work.
func AddDeadEnd(ctx context.Context, db *store.DB, goalID, body string) error {
	return addNote(ctx, db, goalID, store.NoteDeadEnd, body)
}

// Progress is the subtask completion count of a goal.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Ratio returns completed/total, or 0 for a goal without subtasks.
func (p Progress) Ratio() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total)
}

// Open returns the number of incomplete subtasks.
func (p Progress) Open() int { return p.Total - p.Completed }

// GetProgress counts completed subtasks of a goal.
func GetProgress(ctx context.Context, db *store.DB, goalID string) (Progress, error) {
	if _, err := db.GetGoal(ctx, goalID); err != nil {
		return Progress{}, err
	}
	subtasks, err := db.ListSubtasks(ctx, goalID)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{Total: len(subtasks)}
	for _, st := range subtasks {
		if st.Completed {
			p.Completed++
		}
	}
	return p, nil
}
