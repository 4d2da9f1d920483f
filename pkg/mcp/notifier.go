package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procman/internal/streaming"
	"github.com/rendis/procman/pkg/schema"
)

// InstanceNotifier pushes instance lifecycle events to connected clients.
type InstanceNotifier interface {
	Notify(ctx context.Context, event streaming.StreamEvent) error
}

// MCPNotifier implements InstanceNotifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the watching session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends event to the session watching its instance. Best-effort: returns
// nil if nobody watches or the session is gone. The watch ends with the
// instance's terminal event.
func (n *MCPNotifier) Notify(_ context.Context, event streaming.StreamEvent) error {
	sessionID, ok := n.sessions.SessionFor(event.InstanceID)
	if !ok {
		return nil
	}
	if isTerminal(event.EventType) {
		n.sessions.Unwatch(event.InstanceID)
	}
	payload := map[string]any{
		"orchestration_instance_id": event.InstanceID,
		"event_type":                event.EventType,
		"sequence":                  event.Sequence,
		"timestamp":                 event.Timestamp,
	}
	if event.StepSequence > 0 {
		payload["step_sequence"] = event.StepSequence
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func isTerminal(eventType string) bool {
	switch eventType {
	case schema.EventInstanceSucceeded, schema.EventInstanceFailed, schema.EventInstanceCanceled:
		return true
	}
	return false
}
