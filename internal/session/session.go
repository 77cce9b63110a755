package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kokistudios/cascade/internal/store"
)

// ErrAlreadyEnded is returned when ending a session that already has an end
// time.
var ErrAlreadyEnded = errors.New("session already ended")

var (
	slugStrip = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpace = regexp.MustCompile(`[\s]+`)
)

// GenerateID returns YYYYMMDD-<agent-slug>-<hex>.
func GenerateID(agentID string) string {
	date := time.Now().Format("20060102")
	slug := slugify(agentID)
	suffix := randomHex(8)
	return fmt.Sprintf("%s-%s-%s", date, slug, suffix)
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = slugStrip.ReplaceAllString(s, "")
	s = slugSpace.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[:40]
		s = strings.TrimRight(s, "-")
	}
	if s == "" {
		s = "agent"
	}
	return s
}

func randomHex(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)[:n]
}

type StartOption func(*startOptions)

type startOptions struct {
	project string
	id      string
}

// WithProject records the project root the session works in.
func WithProject(path string) StartOption {
	return func(o *startOptions) {
		o.project = path
	}
}

// WithID uses a caller-chosen session id instead of a generated one.
func WithID(id string) StartOption {
	return func(o *startOptions) {
		o.id = id
	}
}

// Start creates a new session for agentID.
func Start(ctx context.Context, db *store.DB, agentID string, opts ...StartOption) (store.Session, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return store.Session{}, fmt.Errorf("agent id is required")
	}

	var options startOptions
	for _, o := range opts {
		o(&options)
	}

	id := options.id
	if id == "" {
		id = GenerateID(agentID)
	}
	sess := store.Session{
		ID:        id,
		AgentID:   agentID,
		Project:   options.project,
		StartedAt: time.Now().UTC(),
	}
	for {
		err := db.CreateSession(ctx, sess)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrDuplicate) || options.id != "" {
			return store.Session{}, err
		}
		sess.ID = GenerateID(agentID)
	}
}

// End sets the session's end time. The end time is set only once.
func End(ctx context.Context, db *store.DB, id, summary string) (store.Session, error) {
	sess, err := db.EndSession(ctx, id, summary)
	if errors.Is(err, store.ErrConflict) {
		return store.Session{}, fmt.Errorf("session %s: %w", id, ErrAlreadyEnded)
	}
	return sess, err
}

// Get loads a session.
func Get(ctx context.Context, db *store.DB, id string) (store.Session, error) {
	return db.GetSession(ctx, id)
}

// List returns every session, newest first.
func List(ctx context.Context, db *store.DB) ([]store.Session, error) {
	return db.ListSessions(ctx, false)
}

// GetActive returns sessions that have not ended.
func GetActive(ctx context.Context, db *store.DB) ([]store.Session, error) {
	return db.ListSessions(ctx, true)
}

// Summary is the status-reader view of a session.
type Summary struct {
	Session     store.Session `json:"session"`
	Open        int           `json:"open_transactions"`
	Completed   int           `json:"completed_transactions"`
	Abandoned   int           `json:"abandoned_transactions"`
	CheckRounds int           `json:"check_rounds"`
}

// Summarize counts a session's transactions by outcome and its CHECK rounds.
func Summarize(ctx context.Context, db *store.DB, id string) (Summary, error) {
	sess, err := db.GetSession(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	txs, err := db.ListTransactions(ctx, "")
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Session: sess}
	for _, tx := range txs {
		if tx.SessionID != id {
			continue
		}
		switch {
		case tx.IsOpen():
			sum.Open++
		case tx.Outcome == store.OutcomeAbandoned:
			sum.Abandoned++
		default:
			sum.Completed++
		}
	}
	rounds, err := db.CheckRounds(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	sum.CheckRounds = len(rounds)
	return sum, nil
}
