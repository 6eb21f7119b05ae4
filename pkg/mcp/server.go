package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskmesh/internal/engine"
	"github.com/rendis/taskmesh/internal/registry"
	"github.com/rendis/taskmesh/internal/router"
	"github.com/rendis/taskmesh/internal/store"
	"github.com/rendis/taskmesh/internal/streaming"
	"github.com/rendis/taskmesh/internal/toolload"
)

// MeshServerDeps holds the dependencies for creating a MeshServer.
type MeshServerDeps struct {
	Router   *router.Router
	Engine   *engine.Engine
	Registry *registry.Registry
	Loader   *toolload.Loader
	Store    store.Store
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// MeshServer wraps an MCP server with taskmesh-specific tool handlers.
type MeshServer struct {
	router    *router.Router
	engine    *engine.Engine
	registry  *registry.Registry
	loader    *toolload.Loader
	store     store.Store
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewMeshServer creates a new MeshServer with all tools registered.
func NewMeshServer(deps MeshServerDeps) *MeshServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &MeshServer{
		router:   deps.Router,
		engine:   deps.Engine,
		registry: deps.Registry,
		loader:   deps.Loader,
		store:    deps.Store,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"taskmesh",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Taskmesh orchestrates multi-agent task execution. Use taskmesh.submit to run a task, taskmesh.status to check progress, taskmesh.resolve to answer approval gates, taskmesh.register_agent and taskmesh.heartbeat to manage workers, taskmesh.configure_tools to tune tool loading, and taskmesh.query to list workflows/events/agents/approvals."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *MeshServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StreamEvents forwards applied workflow events to the session that submitted
// the workflow. Best-effort, like approval notifications. Blocks until ctx is
// cancelled; run it on its own goroutine.
func (s *MeshServer) StreamEvents(ctx context.Context) {
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		s.logger.Error("event stream subscription failed", slog.String("error", err.Error()))
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			sessionID, ok := s.sessions.SessionForWorkflow(ev.WorkflowID)
			if !ok {
				continue
			}
			err := s.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
				"kind":        "workflow_event",
				"workflow_id": ev.WorkflowID,
				"step_id":     ev.StepID,
				"action":      ev.Action,
				"sequence_no": ev.SequenceNo,
			})
			if errors.Is(err, server.ErrSessionNotFound) {
				s.sessions.Remove(sessionID)
			}
		}
	}
}

// MCPServer returns the underlying MCPServer for notifications, testing, or
// custom transports.
func (s *MeshServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the session registry shared with the notifier.
func (s *MeshServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *MeshServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resolveTool(), Handler: s.handleResolve},
		{Tool: registerAgentTool(), Handler: s.handleRegisterAgent},
		{Tool: heartbeatTool(), Handler: s.handleHeartbeat},
		{Tool: configureToolsTool(), Handler: s.handleConfigureTools},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("taskmesh.submit",
		mcp.WithDescription("Submit a task for decomposition and multi-agent execution"),
		mcp.WithString("description", mcp.Required(), mcp.Description("Natural language description of the task")),
		mcp.WithString("template_name", mcp.Description("Optional workflow template name")),
		mcp.WithObject("payload", mcp.Description("Structured input forwarded to subtasks")),
		mcp.WithString("risk_override", mcp.Enum("low", "medium", "high"),
			mcp.Description("Force a minimum risk level for every subtask")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("taskmesh.status",
		mcp.WithDescription("Get workflow execution status"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("taskmesh.resolve",
		mcp.WithDescription("Resolve an open approval gate"),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("ID of the approval gate")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "reject"),
			mcp.Description("Approve resumes the workflow; reject cancels it"),
		),
		mcp.WithString("resolved_by", mcp.Required(), mcp.Description("Identity of the human resolving the gate")),
		mcp.WithString("reason", mcp.Description("Reason for a rejection")),
	)
}

func registerAgentTool() mcp.Tool {
	return mcp.NewTool("taskmesh.register_agent",
		mcp.WithDescription("Register a worker agent, replacing any previous registration wholesale"),
		mcp.WithObject("descriptor", mcp.Required(), mcp.Description("AgentDescriptor: agent_id, name, endpoint_ref, capabilities")),
	)
}

func heartbeatTool() mcp.Tool {
	return mcp.NewTool("taskmesh.heartbeat",
		mcp.WithDescription("Refresh an agent's liveness"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the agent sending the heartbeat")),
		mcp.WithString("timestamp", mcp.Description("RFC3339 time the heartbeat was taken; defaults to the server clock")),
	)
}

func configureToolsTool() mcp.Tool {
	return mcp.NewTool("taskmesh.configure_tools",
		mcp.WithDescription("Configure the tool loading strategy and budget"),
		mcp.WithString("strategy", mcp.Required(),
			mcp.Enum("MINIMAL", "AGENT_PROFILE", "PROGRESSIVE", "FULL"),
			mcp.Description("Tool selection strategy"),
		),
		mcp.WithNumber("max_tools", mcp.Required(), mcp.Description("Maximum tools per dispatch")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("taskmesh.query",
		mcp.WithDescription("Query workflows, events, agents, approvals, or archived summaries"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "events", "agents", "approvals", "archive"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, since, limit, workflow_id, after_seq)")),
	)
}
