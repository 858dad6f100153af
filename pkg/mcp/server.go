package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/internal/streaming"
	"github.com/rendis/hireflow/pkg/schema"
)

// EventIngester queues candidate events. Satisfied by *engine.Engine.
type EventIngester interface {
	Ingest(ctx context.Context, ev schema.CandidateEvent) error
}

// WorkflowManager reads and toggles workflows. Satisfied by *engine.WorkflowService.
type WorkflowManager interface {
	Get(ctx context.Context, id string) (*store.Workflow, error)
	List(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	SetActive(ctx context.Context, id string, active bool) (*store.Workflow, error)
}

// ExecutionReader reads the execution ledger. Satisfied by store.LedgerStore.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*store.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.ExecutionRecord, error)
	GetLedgerEvents(ctx context.Context, entityID string, since int64) ([]*store.LedgerEvent, error)
}

// HireflowServerDeps holds the dependencies for creating a HireflowServer.
type HireflowServerDeps struct {
	Ingester   EventIngester
	Workflows  WorkflowManager
	Executions ExecutionReader
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// HireflowServer wraps an MCP server with hireflow tool handlers.
type HireflowServer struct {
	ingester   EventIngester
	workflows  WorkflowManager
	executions ExecutionReader
	hub        streaming.EventHub
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewHireflowServer creates a HireflowServer with all 5 tools registered.
func NewHireflowServer(deps HireflowServerDeps) *HireflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &HireflowServer{
		ingester:   deps.Ingester,
		workflows:  deps.Workflows,
		executions: deps.Executions,
		hub:        deps.Hub,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"hireflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithInstructions("Hireflow runs recruitment automation rules. Use hireflow.ingest to submit a candidate event, hireflow.workflows to inspect rules, hireflow.set_active to activate or pause a rule, and hireflow.executions to read the execution ledger."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
// Ledger updates from the hub are forwarded to the client as log notifications.
func (s *HireflowServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		if err := s.forwardStream(ctx); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *HireflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *HireflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: ingestTool(), Handler: s.handleIngest},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
		{Tool: executionsTool(), Handler: s.handleExecutions},
		{Tool: setActiveTool(), Handler: s.handleSetActive},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func ingestTool() mcp.Tool {
	return mcp.NewTool("hireflow.ingest",
		mcp.WithDescription("Submit a candidate lifecycle event for workflow matching"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Unique event ID; replays with the same ID are ignored")),
		mcp.WithString("candidate_id", mcp.Required(), mcp.Description("Candidate the event is about")),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum(string(schema.EventStatusChanged), string(schema.EventTagAdded), string(schema.EventScoreUpdated)),
			mcp.Description("Event type"),
		),
		mcp.WithObject("payload", mcp.Description("Event payload (fromStatus, toStatus, tag, score, attributes)")),
		mcp.WithString("occurred_at", mcp.Description("RFC 3339 timestamp (default: now)")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("hireflow.workflows",
		mcp.WithDescription("Get one workflow or list workflows"),
		mcp.WithString("workflow_id", mcp.Description("Return only this workflow")),
		mcp.WithBoolean("active", mcp.Description("Filter by active flag")),
		mcp.WithString("trigger", mcp.Description("Filter by trigger type, e.g. STATUS_CHANGED")),
		mcp.WithBoolean("include_archived", mcp.Description("Include archived workflows")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
	)
}

func executionsTool() mcp.Tool {
	return mcp.NewTool("hireflow.executions",
		mcp.WithDescription("Read execution records and their audit trail"),
		mcp.WithString("execution_id", mcp.Description("Return this execution with its audit events")),
		mcp.WithString("workflow_id", mcp.Description("Filter by workflow")),
		mcp.WithString("candidate_id", mcp.Description("Filter by candidate")),
		mcp.WithString("status", mcp.Description("Filter by execution status")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
	)
}

func setActiveTool() mcp.Tool {
	return mcp.NewTool("hireflow.set_active",
		mcp.WithDescription("Activate or pause a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithBoolean("active", mcp.Required(), mcp.Description("true to activate, false to pause")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("hireflow.diagram",
		mcp.WithDescription("Draw a workflow rule: trigger, gates and actions. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG image"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow to draw")),
		mcp.WithString("execution_id", mcp.Description("Overlay the action results of this execution")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}
