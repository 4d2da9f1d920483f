// Package mcp exposes the procman command surface as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procman/internal/engine"
	"github.com/rendis/procman/internal/streaming"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Coordinator *engine.Coordinator
	// Hub feeds watch notifications. Optional.
	Hub     streaming.EventHub
	Version string
	Logger  *slog.Logger
}

// Server wraps an MCP server with procman tool handlers.
type Server struct {
	coord     *engine.Coordinator
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  InstanceNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		coord:    deps.Coordinator,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"procman",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Procman tracks orchestration instances of registered process descriptions. Use procman.register to publish descriptions, procman.start or procman.schedule to create instances, procman.status and procman.query to inspect them, procman.notify to forward events and procman.cancel to cancel scheduled instances."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Watch notifications are forwarded while it runs.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		go s.forward(ctx)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// forward pushes hub events of watched instances until ctx ends.
func (s *Server) forward(ctx context.Context) {
	ch, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		s.logger.Error("mcp: subscribe to instance events failed", slog.String("error", err.Error()))
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := s.notifier.Notify(ctx, event); err != nil {
				s.logger.Warn("mcp: notify failed",
					slog.String("instance_id", event.InstanceID),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: notifyTool(), Handler: s.handleNotify},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: registerTool(), Handler: s.handleRegister},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("procman.start",
		mcp.WithDescription("Start a new orchestration instance of a registered description"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Description name")),
		mcp.WithNumber("version", mcp.Required(), mcp.Description("Description version")),
		mcp.WithString("identity", mcp.Required(), mcp.Description("Operating identity, e.g. actor:5790001330583/EnergySupplier or user:<uuid>@<actor number>/<role>")),
		mcp.WithObject("parameter", mcp.Description("Input parameter, validated against the description's parameter schema")),
		mcp.WithArray("skip_steps", mcp.Description("Sequences of skippable steps to skip"), mcp.Items(map[string]any{"type": "integer"})),
		mcp.WithString("idempotency_key", mcp.Description("Idempotency key of the triggering actor message; a known key returns the existing instance")),
		mcp.WithString("actor_message_id", mcp.Description("Actor message id (with idempotency_key)")),
		mcp.WithString("transaction_id", mcp.Description("Transaction id (with idempotency_key)")),
		mcp.WithString("metering_point_id", mcp.Description("Metering point id (optional, with idempotency_key)")),
		mcp.WithBoolean("watch", mcp.Description("Push lifecycle events of the new instance to this session")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("procman.schedule",
		mcp.WithDescription("Schedule a new orchestration instance to start at a given time"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Description name")),
		mcp.WithNumber("version", mcp.Required(), mcp.Description("Description version")),
		mcp.WithString("identity", mcp.Required(), mcp.Description("Operating identity")),
		mcp.WithString("run_at", mcp.Required(), mcp.Description("Scheduled start (RFC3339)")),
		mcp.WithObject("parameter", mcp.Description("Input parameter")),
		mcp.WithArray("skip_steps", mcp.Description("Sequences of skippable steps to skip"), mcp.Items(map[string]any{"type": "integer"})),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("procman.cancel",
		mcp.WithDescription("Cancel an instance that is pending for its scheduled start"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Orchestration instance id")),
		mcp.WithString("identity", mcp.Required(), mcp.Description("User identity performing the cancel")),
	)
}

func notifyTool() mcp.Tool {
	return mcp.NewTool("procman.notify",
		mcp.WithDescription("Forward an event to a running orchestration instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Orchestration instance id")),
		mcp.WithString("event_name", mcp.Required(), mcp.Description("Event name")),
		mcp.WithObject("event_data", mcp.Description("Event data")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("procman.status",
		mcp.WithDescription("Get an orchestration instance by id or idempotency key"),
		mcp.WithString("instance_id", mcp.Description("Orchestration instance id")),
		mcp.WithString("idempotency_key", mcp.Description("Idempotency key of the triggering message")),
		mcp.WithBoolean("include_events", mcp.Description("Include the instance's lifecycle events")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("procman.query",
		mcp.WithDescription("Search orchestration instances by name and state, optionally with a cel, expr or jq predicate"),
		mcp.WithString("name", mcp.Description("Description name")),
		mcp.WithNumber("version", mcp.Description("Description version")),
		mcp.WithArray("states", mcp.Description("Lifecycle states (pending, queued, running, terminated)"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("termination_state", mcp.Enum("succeeded", "failed", "user_canceled"), mcp.Description("Termination state")),
		mcp.WithString("language", mcp.Enum("cel", "expr", "jq"), mcp.Description("Predicate language")),
		mcp.WithString("predicate", mcp.Description("Boolean expression over {instance, parameter, custom_state}")),
		mcp.WithString("projection", mcp.Description("jq program reshaping each match")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of instances (default 50)")),
	)
}

func registerTool() mcp.Tool {
	return mcp.NewTool("procman.register",
		mcp.WithDescription("Register or update orchestration descriptions for a host"),
		mcp.WithString("host_name", mcp.Required(), mcp.Description("Host that executes the descriptions")),
		mcp.WithArray("descriptions", mcp.Required(), mcp.Description("Descriptions: unique_name {name, version}, function_name, can_be_scheduled, is_durable_function, recurring_cron_expression, parameter_schema, steps"), mcp.Items(map[string]any{"type": "object"})),
		mcp.WithBoolean("synchronize", mcp.Description("Disable the host's descriptions missing from this call")),
	)
}
