package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/engine"
	"github.com/rendis/procman/internal/expressions"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/store"
	"github.com/rendis/procman/pkg/schema"
)

type startBody struct {
	Name                string          `json:"name"`
	Version             int             `json:"version"`
	SkipStepsBySequence []int           `json:"skip_steps_by_sequence,omitempty"`
	Parameter           json.RawMessage `json:"parameter,omitempty"`

	// message
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
	ActorMessageID  string `json:"actor_message_id,omitempty"`
	TransactionID   string `json:"transaction_id,omitempty"`
	MeteringPointID string `json:"metering_point_id,omitempty"`

	// schedule
	RunAt *time.Time `json:"run_at,omitempty"`
}

// startRequest reads the identity header and the common body fields.
func startRequest(r *http.Request) (engine.StartRequest, startBody, error) {
	who, err := callerIdentity(r)
	if err != nil {
		return engine.StartRequest{}, startBody{}, err
	}
	var body startBody
	if err := decodeBody(r, &body, false); err != nil {
		return engine.StartRequest{}, body, err
	}
	if body.Name == "" || body.Version < 1 {
		return engine.StartRequest{}, body, badRequest("name and version are required")
	}
	param, err := orchestration.RawBox(body.Parameter)
	if err != nil {
		return engine.StartRequest{}, body, err
	}
	return engine.StartRequest{
		Identity:            who,
		Name:                orchestration.UniqueName{Name: body.Name, Version: body.Version},
		SkipStepsBySequence: body.SkipStepsBySequence,
		Parameter:           param,
	}, body, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req, _, err := startRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.deps.Coordinator.StartNewOrchestrationInstance(r.Context(), req)
	if err != nil {
		writeInstanceError(w, err, id)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse(id))
}

func (s *Server) handleStartWithMessage(w http.ResponseWriter, r *http.Request) {
	req, body, err := startRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.deps.Coordinator.StartNewOrchestrationInstanceWithMessage(r.Context(), engine.MessageRequest{
		StartRequest:    req,
		IdempotencyKey:  body.IdempotencyKey,
		ActorMessageID:  body.ActorMessageID,
		TransactionID:   body.TransactionID,
		MeteringPointID: body.MeteringPointID,
	})
	if err != nil {
		writeInstanceError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, idResponse(id))
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	req, body, err := startRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if body.RunAt == nil {
		writeError(w, badRequest("run_at is required"))
		return
	}
	id, err := s.deps.Coordinator.ScheduleNewOrchestrationInstance(r.Context(), req, *body.RunAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse(id))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	who, err := callerIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Coordinator.CancelScheduledOrchestrationInstance(r.Context(), id, who); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(id))
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		EventName string          `json:"event_name"`
		EventData json.RawMessage `json:"event_data,omitempty"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Coordinator.NotifyOrchestrationInstance(r.Context(), id, body.EventName, body.EventData); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(id))
}

// searchFilter builds an instance filter from query parameters.
func searchFilter(r *http.Request) (store.InstanceFilter, error) {
	q := r.URL.Query()
	f := store.InstanceFilter{Name: q.Get("name")}

	var err error
	if f.Version, err = queryInt(r, "version", 0); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		return f, err
	}
	if v := q.Get("state"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st, err := schema.ParseInstanceLifecycleState(strings.TrimSpace(part))
			if err != nil {
				return f, err
			}
			f.LifecycleStates = append(f.LifecycleStates, st)
		}
	}
	if v := q.Get("termination_state"); v != "" {
		if f.TerminationState, err = schema.ParseInstanceTerminationState(v); err != nil {
			return f, err
		}
	}
	if f.StartedAtOrLater, err = queryTime(r, "started_at_or_later"); err != nil {
		return f, err
	}
	if f.TerminatedAtOrEarlier, err = queryTime(r, "terminated_at_or_earlier"); err != nil {
		return f, err
	}
	if f.ScheduledAtOrLater, err = queryTime(r, "scheduled_at_or_later"); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	filter, err := searchFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	instances, err := s.deps.Coordinator.SearchOrchestrationInstancesByName(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if instances == nil {
		instances = []*orchestration.Instance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

type queryBody struct {
	Name                  string     `json:"name,omitempty"`
	Version               int        `json:"version,omitempty"`
	LifecycleStates       []string   `json:"lifecycle_states,omitempty"`
	TerminationState      string     `json:"termination_state,omitempty"`
	StartedAtOrLater      *time.Time `json:"started_at_or_later,omitempty"`
	TerminatedAtOrEarlier *time.Time `json:"terminated_at_or_earlier,omitempty"`
	ScheduledAtOrLater    *time.Time `json:"scheduled_at_or_later,omitempty"`
	Limit                 int        `json:"limit,omitempty"`

	expressions.Query
}

type matchResponse struct {
	Instance   *orchestration.Instance `json:"instance"`
	Projection any                     `json:"projection,omitempty"`
}

func (s *Server) handleCustomQuery(w http.ResponseWriter, r *http.Request) {
	var body queryBody
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	q := engine.CustomQuery{
		Filter: store.InstanceFilter{
			Name:                  body.Name,
			Version:               body.Version,
			StartedAtOrLater:      body.StartedAtOrLater,
			TerminatedAtOrEarlier: body.TerminatedAtOrEarlier,
			ScheduledAtOrLater:    body.ScheduledAtOrLater,
			Limit:                 body.Limit,
		},
		Query: body.Query,
	}
	for _, v := range body.LifecycleStates {
		st, err := schema.ParseInstanceLifecycleState(v)
		if err != nil {
			writeError(w, err)
			return
		}
		q.Filter.LifecycleStates = append(q.Filter.LifecycleStates, st)
	}
	if body.TerminationState != "" {
		ts, err := schema.ParseInstanceTerminationState(body.TerminationState)
		if err != nil {
			writeError(w, err)
			return
		}
		q.Filter.TerminationState = ts
	}

	matches, err := s.deps.Coordinator.SearchOrchestrationInstancesByCustomQuery(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]matchResponse, 0, len(matches))
	for _, m := range matches {
		out = append(out, matchResponse{Instance: m.Instance, Projection: m.Projection})
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": out})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.deps.Coordinator.GetOrchestrationInstanceByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleInstanceSubresource(w http.ResponseWriter, r *http.Request) {
	first, second := r.PathValue("first"), r.PathValue("second")
	switch {
	case first == "idempotency":
		s.getByIdempotencyKey(w, r, second)
	case second == "events":
		id, err := uuid.Parse(first)
		if err != nil {
			writeError(w, badRequest("invalid id %q", first))
			return
		}
		s.getEvents(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) getByIdempotencyKey(w http.ResponseWriter, r *http.Request, key string) {
	inst, err := s.deps.Coordinator.GetOrchestrationInstanceByIdempotencyKey(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if inst == nil {
		writeError(w, schema.NewError(schema.ErrCodeNotFound, "no instance for idempotency key"))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	since, err := queryInt(r, "since", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.deps.Coordinator.GetInstanceEvents(r.Context(), id, int64(since))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []orchestration.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
