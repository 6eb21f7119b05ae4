package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskmesh/internal/engine"
	"github.com/rendis/taskmesh/internal/store"
	"github.com/rendis/taskmesh/pkg/schema"
)

// handleSubmit decomposes and starts a task, then drives it in the background.
func (s *MeshServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	description, err := req.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError("description is required"), nil
	}

	sub := &schema.TaskSubmission{
		Description:  description,
		TemplateName: req.GetString("template_name", ""),
		RiskOverride: schema.RiskLevel(req.GetString("risk_override", "")),
	}
	if payload := mcp.ParseStringMap(req, "payload", nil); payload != nil {
		if raw, marshalErr := json.Marshal(payload); marshalErr == nil {
			sub.Payload = raw
		}
	}

	workflowID, subtasks, submitErr := s.router.Submit(ctx, sub)
	if submitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", submitErr)), nil
	}

	// Capture session mapping so approval notifications reach the submitter.
	s.captureWorkflowSession(ctx, workflowID)

	if startErr := s.router.Start(context.WithoutCancel(ctx), workflowID); startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task accepted but execution start failed: %v", startErr)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"subtasks":    subtasks,
	})
}

// handleStatus returns the projection row plus the latest sequence number.
func (s *MeshServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, seq, statusErr := s.engine.Status(ctx, workflowID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id":  wf.ID,
		"status":       wf.Status,
		"current_step": wf.CurrentStep,
		"event_count":  seq,
		"archived":     wf.Archived,
	})
}

// handleResolve answers an open approval gate and resumes execution on
// approval. Duplicate resolutions are rejected, not reapplied.
func (s *MeshServer) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	resolvedBy, err := req.RequireString("resolved_by")
	if err != nil {
		return mcp.NewToolResultError("resolved_by is required"), nil
	}
	reason := req.GetString("reason", "")

	state, resolveErr := s.engine.ResolveApproval(ctx, approvalID,
		engine.ApprovalDecision(decision), resolvedBy, reason)
	if resolveErr != nil {
		if engine.IsAlreadyResolved(resolveErr) {
			return mcp.NewToolResultError(fmt.Sprintf("approval %s is already resolved", approvalID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("resolve failed: %v", resolveErr)), nil
	}

	resumed := false
	if state.Status == schema.WorkflowStatusRunning {
		if startErr := s.router.Start(context.WithoutCancel(ctx), state.WorkflowID); startErr == nil {
			resumed = true
		}
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": state.WorkflowID,
		"approval_id": approvalID,
		"decision":    decision,
		"status":      state.Status,
		"resumed":     resumed,
	})
}

// handleRegisterAgent stores a full agent registration.
func (s *MeshServer) handleRegisterAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	descRaw := mcp.ParseStringMap(req, "descriptor", nil)
	if descRaw == nil {
		return mcp.NewToolResultError("descriptor is required"), nil
	}

	descBytes, marshalErr := json.Marshal(descRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid descriptor: %v", marshalErr)), nil
	}
	var desc schema.AgentDescriptor
	if unmarshalErr := json.Unmarshal(descBytes, &desc); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid descriptor: %v", unmarshalErr)), nil
	}

	if regErr := s.registry.Register(ctx, &desc); regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registration failed: %v", regErr)), nil
	}

	s.captureAgentSession(ctx, desc.AgentID)

	return marshalResult(map[string]any{
		"ok":           true,
		"agent_id":     desc.AgentID,
		"capabilities": len(desc.Capabilities),
	})
}

// handleHeartbeat refreshes an agent's liveness.
func (s *MeshServer) handleHeartbeat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	var at time.Time
	if ts := req.GetString("timestamp", ""); ts != "" {
		at, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid timestamp: %v", err)), nil
		}
	}

	if hbErr := s.registry.Heartbeat(ctx, agentID, at); hbErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("heartbeat failed: %v", hbErr)), nil
	}

	s.captureAgentSession(ctx, agentID)

	return marshalResult(map[string]any{"ok": true, "agent_id": agentID})
}

// handleConfigureTools changes the tool loading defaults at runtime.
func (s *MeshServer) handleConfigureTools(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	strategy, err := req.RequireString("strategy")
	if err != nil {
		return mcp.NewToolResultError("strategy is required"), nil
	}
	maxTools, err := req.RequireFloat("max_tools")
	if err != nil {
		return mcp.NewToolResultError("max_tools is required"), nil
	}

	if cfgErr := s.loader.Configure(schema.LoadStrategy(strategy), int(maxTools)); cfgErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("configure failed: %v", cfgErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":        true,
		"strategy":  strategy,
		"max_tools": int(maxTools),
	})
}

// handleQuery lists workflows, events, agents, approvals, or archive rows.
func (s *MeshServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "agents":
		return marshalResult(map[string]any{"agents": s.registry.Health()})
	case "approvals":
		return s.queryApprovals(ctx, filter)
	case "archive":
		return s.queryArchive(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *MeshServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ws := schema.WorkflowStatus(status)
		wf.Status = &ws
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			wf.Since = &t
		}
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *MeshServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflowID, _ := filter["workflow_id"].(string)
	if workflowID == "" {
		return mcp.NewToolResultError("event query requires 'workflow_id' in filter"), nil
	}
	afterSeq := int64(extractInt(filter, "after_seq", 0))

	events, err := s.store.GetEvents(ctx, workflowID, afterSeq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *MeshServer) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	af := store.ApprovalFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if workflowID, ok := filter["workflow_id"].(string); ok {
		af.WorkflowID = workflowID
	}
	if status, ok := filter["status"].(string); ok {
		af.Status = status
	}

	approvals, err := s.store.ListApprovals(ctx, af)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"approvals": approvals})
}

func (s *MeshServer) queryArchive(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflowID, _ := filter["workflow_id"].(string)
	if workflowID == "" {
		return mcp.NewToolResultError("archive query requires 'workflow_id' in filter"), nil
	}

	summaries, err := s.store.ArchivedSummaries(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"summaries": summaries})
}

// --- Internal helpers ---

// captureAgentSession maps the agent ID to its current MCP session.
func (s *MeshServer) captureAgentSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.RegisterAgent(agentID, session.SessionID())
	}
}

// captureWorkflowSession maps the workflow to the submitting MCP session.
func (s *MeshServer) captureWorkflowSession(ctx context.Context, workflowID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.RegisterWorkflow(workflowID, session.SessionID())
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
