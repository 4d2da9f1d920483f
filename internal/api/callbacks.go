package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

func (s *Server) handleInstanceRunning(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Coordinator.TransitionInstanceToRunning(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(id))
}

func (s *Server) handleTerminateInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		TerminationState string `json:"termination_state"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	ts, err := schema.ParseInstanceTerminationState(body.TerminationState)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Coordinator.TerminateInstance(r.Context(), id, ts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(id))
}

func (s *Server) handleStepRunning(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	seq, err := pathInt(r, "seq")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Coordinator.TransitionStepToRunning(r.Context(), id, seq); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(id))
}

func (s *Server) handleTerminateStep(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	seq, err := pathInt(r, "seq")
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		TerminationState string `json:"termination_state"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	ts, err := schema.ParseStepTerminationState(body.TerminationState)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Coordinator.TerminateStep(r.Context(), id, seq, ts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(id))
}

// readBox reads the raw request body as a custom state value.
func readBox(r *http.Request) (orchestration.Box, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return orchestration.Box{}, badRequest("read body: %v", err)
	}
	return orchestration.RawBox(json.RawMessage(raw))
}

func (s *Server) handleSetCustomState(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := readBox(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Coordinator.SetInstanceCustomState(r.Context(), id, state); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(id))
}

func (s *Server) handleSetStepCustomState(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	seq, err := pathInt(r, "seq")
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := readBox(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Coordinator.SetStepCustomState(r.Context(), id, seq, state); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(id))
}
