// Package api exposes the coordinator over JSON HTTP and streams instance
// events with Server-Sent Events.
package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/procman/internal/engine"
	"github.com/rendis/procman/internal/store"
	"github.com/rendis/procman/internal/streaming"
)

// IdentityHeader carries the caller's operating identity in its compact form,
// e.g. "actor:5790001330583/EnergySupplier".
const IdentityHeader = "X-Procman-Identity"

// Deps holds the dependencies of the API server.
type Deps struct {
	Coordinator *engine.Coordinator
	Store       store.Store
	Hub         streaming.EventHub
	Logger      *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates a Server. A nil logger defaults to stderr.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Descriptions.
	mux.HandleFunc("POST /api/descriptions", s.handleRegisterDescriptions)
	mux.HandleFunc("GET /api/descriptions", s.handleListDescriptions)

	// Commands.
	mux.HandleFunc("POST /api/instances", s.handleStart)
	mux.HandleFunc("POST /api/instances/message", s.handleStartWithMessage)
	mux.HandleFunc("POST /api/instances/schedule", s.handleSchedule)
	mux.HandleFunc("POST /api/instances/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/instances/{id}/notify", s.handleNotify)

	// Queries.
	mux.HandleFunc("GET /api/instances", s.handleSearch)
	mux.HandleFunc("POST /api/instances/query", s.handleCustomQuery)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	// One pattern serves both ".../idempotency/{key}" and ".../{id}/events";
	// separate patterns would overlap on "/api/instances/idempotency/events".
	mux.HandleFunc("GET /api/instances/{first}/{second}", s.handleInstanceSubresource)

	// Engine callbacks.
	mux.HandleFunc("POST /api/instances/{id}/running", s.handleInstanceRunning)
	mux.HandleFunc("POST /api/instances/{id}/terminate", s.handleTerminateInstance)
	mux.HandleFunc("PUT /api/instances/{id}/custom-state", s.handleSetCustomState)
	mux.HandleFunc("POST /api/instances/{id}/steps/{seq}/running", s.handleStepRunning)
	mux.HandleFunc("POST /api/instances/{id}/steps/{seq}/terminate", s.handleTerminateStep)
	mux.HandleFunc("PUT /api/instances/{id}/steps/{seq}/custom-state", s.handleSetStepCustomState)

	// Send-measurements.
	mux.HandleFunc("POST /api/send-measurements", s.handleStartSendMeasurements)
	mux.HandleFunc("GET /api/send-measurements/{id}", s.handleGetSendMeasurements)
	mux.HandleFunc("GET /api/send-measurements/idempotency/{key}", s.handleGetSendMeasurementsByKey)
	mux.HandleFunc("POST /api/send-measurements/{id}/{milestone}", s.handleAdvanceSendMeasurements)

	// SSE.
	mux.HandleFunc("GET /sse/instances/{id}", s.handleSSEInstance)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
