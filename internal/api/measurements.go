package api

import (
	"encoding/json"
	"net/http"

	"github.com/rendis/procman/internal/engine"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

func (s *Server) handleStartSendMeasurements(w http.ResponseWriter, r *http.Request) {
	who, err := callerIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		IdempotencyKey  string          `json:"idempotency_key"`
		TransactionID   string          `json:"transaction_id"`
		MeteringPointID string          `json:"metering_point_id,omitempty"`
		Input           json.RawMessage `json:"input,omitempty"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	input, err := orchestration.RawBox(body.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.deps.Coordinator.StartSendMeasurements(r.Context(), engine.SendMeasurementsRequest{
		Identity:        who,
		IdempotencyKey:  body.IdempotencyKey,
		TransactionID:   body.TransactionID,
		MeteringPointID: body.MeteringPointID,
		Input:           input,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

func (s *Server) handleGetSendMeasurements(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	sm, err := s.deps.Coordinator.GetSendMeasurements(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sm)
}

func (s *Server) handleGetSendMeasurementsByKey(w http.ResponseWriter, r *http.Request) {
	sm, err := s.deps.Coordinator.GetSendMeasurementsByIdempotencyKey(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sm == nil {
		writeError(w, schema.NewError(schema.ErrCodeNotFound, "no send-measurements instance for idempotency key"))
		return
	}
	writeJSON(w, http.StatusOK, sm)
}

func (s *Server) handleAdvanceSendMeasurements(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := decodeBody(r, &body, true); err != nil {
		writeError(w, err)
		return
	}
	sm, err := s.deps.Coordinator.AdvanceSendMeasurements(r.Context(), id,
		schema.SendMeasurementsMilestone(r.PathValue("milestone")), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sm)
}
