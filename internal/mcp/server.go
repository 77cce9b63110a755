package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kokistudios/cascade/internal/cascade"
	"github.com/kokistudios/cascade/internal/instance"
	"github.com/kokistudios/cascade/internal/store"
	"github.com/kokistudios/cascade/internal/vector"
)

// Server exposes the cascade engine as MCP tools.
type Server struct {
	engine   *cascade.Engine
	resolver *instance.Resolver
	identity instance.Invocation
	server   *mcp.Server
}

// NewServer creates a new cascade MCP server. identity is the invocation
// used when a tool call carries none; resolver may be nil.
func NewServer(engine *cascade.Engine, resolver *instance.Resolver, identity instance.Invocation, version string) *Server {
	s := &Server{engine: engine, resolver: resolver, identity: identity}

	impl := &mcp.Implementation{
		Name:    "cascade",
		Version: version,
	}

	s.server = mcp.NewServer(impl, nil)
	s.registerTools()

	return s
}

// Run starts the MCP server on stdio.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "cascade_submit",
		Description: "Submit a phase self-assessment (PREFLIGHT, CHECK or POSTFLIGHT). " +
			"PREFLIGHT without transaction_id opens a new transaction in the scope. " +
			"Vectors are scores in [0,1]; every score other than 0.5 needs a rationale. " +
			"CHECK returns the recommended action, investigation verdict and warnings; " +
			"POSTFLIGHT returns the calibration report.",
	}, s.handleSubmit)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cascade_status",
		Description: "Read a transaction's phase, rounds per phase, latest vectors and calibration summary. Never modifies state.",
	}, s.handleStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cascade_close",
		Description: "Close a transaction after its POSTFLIGHT.",
	}, s.handleClose)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "cascade_abandon",
		Description: "Abandon an open transaction in any phase. A reason is required. " +
			"Set orphan=true only to abandon a transaction whose owning instance is gone; " +
			"BEFORE CALLING with orphan=true, ask the user for explicit permission.",
	}, s.handleAbandon)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cascade_orphans",
		Description: "List open transactions whose owning instance no longer resolves. Orphans are never adopted automatically.",
	}, s.handleOrphans)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "cascade_adopt",
		Description: "Take ownership of an orphaned transaction. " +
			"BEFORE CALLING: show the orphan to the user and ask for explicit permission, then call with user_confirmed=true.",
	}, s.handleAdopt)
}

// invocation names the calling instance. Empty fields fall back to the
// server's identity.
func (s *Server) invocation(txID, instanceID, tty string) instance.Invocation {
	inv := instance.Invocation{TransactionID: txID, InstanceID: instanceID, TTY: tty}
	if inv.InstanceID == "" {
		inv.InstanceID = s.identity.InstanceID
	}
	if inv.TTY == "" {
		inv.TTY = s.identity.TTY
	}
	return inv
}

// SubmitArgs defines input for cascade_submit.
type SubmitArgs struct {
	InstanceID    string             `json:"instance_id,omitempty" jsonschema:"Identifier of the calling agent instance (e.g. a terminal pane id)"`
	TTY           string             `json:"tty,omitempty" jsonschema:"Terminal device of the calling instance"`
	Phase         string             `json:"phase" jsonschema:"PREFLIGHT, CHECK or POSTFLIGHT"`
	SessionID     string             `json:"session_id,omitempty" jsonschema:"Session id; required when opening a transaction"`
	TransactionID string             `json:"transaction_id,omitempty" jsonschema:"Transaction id; omit on the first PREFLIGHT"`
	Scope         string             `json:"scope,omitempty" jsonschema:"Work scope of a new transaction (default from config)"`
	GoalID        string             `json:"goal_id,omitempty" jsonschema:"Goal the transaction works towards"`
	Vectors       map[string]float64 `json:"vectors" jsonschema:"Vector scores in [0,1] keyed by name (engagement, know, do, context, uncertainty, clarity, coherence, signal, density, state, change, completion, impact)"`
	Rationales    map[string]string  `json:"rationales,omitempty" jsonschema:"Per-vector rationale"`
	Reasoning     string             `json:"reasoning,omitempty" jsonschema:"Overall reasoning; used as rationale for vectors without their own"`
	Decision      string             `json:"decision,omitempty" jsonschema:"Declared next action: proceed, investigate, clarify or pause"`
	BeliefContext string             `json:"belief_context,omitempty" jsonschema:"Belief context to check for discrepancies at CHECK"`
}

func (s *Server) handleSubmit(ctx context.Context, req *mcp.CallToolRequest, args SubmitArgs) (*mcp.CallToolResult, any, error) {
	phase := store.Phase(strings.ToUpper(strings.TrimSpace(args.Phase)))
	if !phase.Recorded() {
		return nil, nil, fmt.Errorf("phase must be PREFLIGHT, CHECK or POSTFLIGHT, got %q", args.Phase)
	}
	res, err := s.engine.Submit(ctx, cascade.SubmitInput{
		SessionID:     args.SessionID,
		TransactionID: args.TransactionID,
		Scope:         args.Scope,
		GoalID:        args.GoalID,
		Phase:         phase,
		Vectors:       args.Vectors,
		Rationales:    args.Rationales,
		Reasoning:     args.Reasoning,
		Decision:      vector.Action(strings.ToLower(strings.TrimSpace(args.Decision))),
		BeliefContext: args.BeliefContext,
		Invocation:    s.invocation(args.TransactionID, args.InstanceID, args.TTY),
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, res, nil
}

// StatusArgs defines input for cascade_status.
type StatusArgs struct {
	TransactionID string `json:"transaction_id" jsonschema:"Transaction id"`
}

func (s *Server) handleStatus(ctx context.Context, req *mcp.CallToolRequest, args StatusArgs) (*mcp.CallToolResult, any, error) {
	if args.TransactionID == "" {
		return nil, nil, fmt.Errorf("transaction_id is required")
	}
	st, err := s.engine.Status(ctx, args.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	return nil, st, nil
}

// CloseArgs defines input for cascade_close.
type CloseArgs struct {
	InstanceID    string `json:"instance_id,omitempty" jsonschema:"Identifier of the calling agent instance (e.g. a terminal pane id)"`
	TTY           string `json:"tty,omitempty" jsonschema:"Terminal device of the calling instance"`
	TransactionID string `json:"transaction_id" jsonschema:"Transaction id"`
	Reason        string `json:"reason,omitempty" jsonschema:"Close reason (default: completed)"`
}

func (s *Server) handleClose(ctx context.Context, req *mcp.CallToolRequest, args CloseArgs) (*mcp.CallToolResult, any, error) {
	tx, err := s.engine.CloseTransaction(ctx, cascade.CloseInput{
		TransactionID: args.TransactionID,
		Reason:        args.Reason,
		Invocation:    s.invocation(args.TransactionID, args.InstanceID, args.TTY),
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, tx, nil
}

// AbandonArgs defines input for cascade_abandon.
type AbandonArgs struct {
	InstanceID    string `json:"instance_id,omitempty" jsonschema:"Identifier of the calling agent instance (e.g. a terminal pane id)"`
	TTY           string `json:"tty,omitempty" jsonschema:"Terminal device of the calling instance"`
	TransactionID string `json:"transaction_id" jsonschema:"Transaction id"`
	Reason        string `json:"reason" jsonschema:"Why the work is abandoned"`
	Orphan        bool   `json:"orphan,omitempty" jsonschema:"Abandon a transaction owned by an instance that no longer resolves"`
}

func (s *Server) handleAbandon(ctx context.Context, req *mcp.CallToolRequest, args AbandonArgs) (*mcp.CallToolResult, any, error) {
	tx, err := s.engine.Abandon(ctx, cascade.AbandonInput{
		TransactionID: args.TransactionID,
		Reason:        args.Reason,
		Invocation:    s.invocation(args.TransactionID, args.InstanceID, args.TTY),
		Orphan:        args.Orphan,
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, tx, nil
}

// OrphansArgs defines input for cascade_orphans.
type OrphansArgs struct{}

// OrphansResult is the output of cascade_orphans.
type OrphansResult struct {
	Orphans []instance.Orphan `json:"orphans"`
	Message string            `json:"message,omitempty"`
}

func (s *Server) handleOrphans(ctx context.Context, req *mcp.CallToolRequest, args OrphansArgs) (*mcp.CallToolResult, any, error) {
	if s.resolver == nil {
		return nil, nil, fmt.Errorf("instance tracking is not enabled")
	}
	orphans, err := s.resolver.Orphans(ctx, s.engine.DB())
	if err != nil {
		return nil, nil, err
	}
	out := OrphansResult{Orphans: orphans}
	if len(orphans) == 0 {
		out.Message = "No orphaned transactions."
	}
	return nil, out, nil
}

// AdoptArgs defines input for cascade_adopt.
type AdoptArgs struct {
	InstanceID    string `json:"instance_id,omitempty" jsonschema:"Identifier of the calling agent instance (e.g. a terminal pane id)"`
	TTY           string `json:"tty,omitempty" jsonschema:"Terminal device of the calling instance"`
	TransactionID string `json:"transaction_id" jsonschema:"Orphaned transaction to adopt"`
	UserConfirmed bool   `json:"user_confirmed" jsonschema:"Must be true; the user approved the adoption"`
}

func (s *Server) handleAdopt(ctx context.Context, req *mcp.CallToolRequest, args AdoptArgs) (*mcp.CallToolResult, any, error) {
	if !args.UserConfirmed {
		return nil, nil, fmt.Errorf("adoption requires user_confirmed=true after the user approves")
	}
	if s.resolver == nil {
		return nil, nil, fmt.Errorf("instance tracking is not enabled")
	}
	tx, err := s.resolver.Adopt(ctx, s.invocation(args.TransactionID, args.InstanceID, args.TTY), s.engine.DB(), args.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	return nil, tx, nil
}
