package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskmesh/internal/store"
)

// MCPNotifier pushes approval notifications over MCP to the session that
// submitted the workflow. Best-effort: a disconnected submitter is not an
// error, the gate stays open either way.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP notifications.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// ApprovalRequested notifies the submitting session that a gate opened.
func (n *MCPNotifier) ApprovalRequested(_ context.Context, ap *store.Approval) error {
	return n.push(ap, "approval_required")
}

// ApprovalReminder re-sends the notification for a stale open gate.
func (n *MCPNotifier) ApprovalReminder(_ context.Context, ap *store.Approval) error {
	return n.push(ap, "approval_reminder")
}

func (n *MCPNotifier) push(ap *store.Approval, kind string) error {
	sessionID, ok := n.sessions.SessionForWorkflow(ap.WorkflowID)
	if !ok {
		return nil // submitter not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"kind":        kind,
		"workflow_id": ap.WorkflowID,
		"subtask_id":  ap.SubtaskID,
		"approval_id": ap.ApprovalID,
		"rationale":   ap.Rationale,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
