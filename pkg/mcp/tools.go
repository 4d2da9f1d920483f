package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procman/internal/engine"
	"github.com/rendis/procman/internal/expressions"
	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/store"
	"github.com/rendis/procman/pkg/schema"
)

// handleStart creates an instance. With an idempotency key it behaves like an
// inbound actor message and returns the existing instance for a known key.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start, errResult := startRequest(req)
	if errResult != nil {
		return errResult, nil
	}

	var (
		id  uuid.UUID
		err error
	)
	if key := req.GetString("idempotency_key", ""); key != "" {
		id, err = s.coord.StartNewOrchestrationInstanceWithMessage(ctx, engine.MessageRequest{
			StartRequest:    start,
			IdempotencyKey:  key,
			ActorMessageID:  req.GetString("actor_message_id", ""),
			TransactionID:   req.GetString("transaction_id", ""),
			MeteringPointID: req.GetString("metering_point_id", ""),
		})
	} else {
		id, err = s.coord.StartNewOrchestrationInstance(ctx, start)
	}
	if err != nil && id == uuid.Nil {
		return errorResult("start failed", err), nil
	}

	if req.GetBool("watch", false) {
		s.watch(ctx, id)
	}

	out := map[string]any{"orchestration_instance_id": id.String()}
	if err != nil {
		// The instance exists but the executor did not accept it.
		out["error"] = err.Error()
		out["code"] = schema.CodeOf(err)
	}
	return marshalResult(out)
}

func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start, errResult := startRequest(req)
	if errResult != nil {
		return errResult, nil
	}
	runAtRaw, err := req.RequireString("run_at")
	if err != nil {
		return mcp.NewToolResultError("run_at is required"), nil
	}
	runAt, err := time.Parse(time.RFC3339, runAtRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run_at must be RFC3339: %v", err)), nil
	}

	id, err := s.coord.ScheduleNewOrchestrationInstance(ctx, start, runAt)
	if err != nil {
		return errorResult("schedule failed", err), nil
	}
	return marshalResult(map[string]any{
		"orchestration_instance_id": id.String(),
		"scheduled_to_run_at":       runAt.UTC(),
	})
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := instanceID(req)
	if errResult != nil {
		return errResult, nil
	}
	who, errResult := operatingIdentity(req)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.coord.CancelScheduledOrchestrationInstance(ctx, id, who); err != nil {
		return errorResult("cancel failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "orchestration_instance_id": id.String()})
}

func (s *Server) handleNotify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := instanceID(req)
	if errResult != nil {
		return errResult, nil
	}
	eventName, err := req.RequireString("event_name")
	if err != nil {
		return mcp.NewToolResultError("event_name is required"), nil
	}
	var data json.RawMessage
	if eventData := mcp.ParseStringMap(req, "event_data", nil); eventData != nil {
		if data, err = json.Marshal(eventData); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid event_data: %v", err)), nil
		}
	}
	if err := s.coord.NotifyOrchestrationInstance(ctx, id, eventName, data); err != nil {
		return errorResult("notify failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "orchestration_instance_id": id.String()})
}

// handleStatus returns an instance looked up by id or idempotency key.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		inst *orchestration.Instance
		err  error
	)
	switch key := req.GetString("idempotency_key", ""); {
	case req.GetString("instance_id", "") != "":
		id, errResult := instanceID(req)
		if errResult != nil {
			return errResult, nil
		}
		inst, err = s.coord.GetOrchestrationInstanceByID(ctx, id)
	case key != "":
		inst, err = s.coord.GetOrchestrationInstanceByIdempotencyKey(ctx, key)
		if err == nil && inst == nil {
			err = schema.NewError(schema.ErrCodeNotFound, "no instance for idempotency key")
		}
	default:
		return mcp.NewToolResultError("one of instance_id or idempotency_key is required"), nil
	}
	if err != nil {
		return errorResult("status query failed", err), nil
	}

	if !req.GetBool("include_events", false) {
		return marshalResult(inst)
	}
	events, err := s.coord.GetInstanceEvents(ctx, inst.ID(), 0)
	if err != nil {
		return errorResult("events query failed", err), nil
	}
	return marshalResult(map[string]any{"instance": inst, "events": events})
}

// handleQuery searches instances; a predicate turns the search into a custom query.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.InstanceFilter{
		Name:    req.GetString("name", ""),
		Version: req.GetInt("version", 0),
		Limit:   req.GetInt("limit", 50),
	}
	for _, raw := range stringSlice(req.GetArguments()["states"]) {
		st, err := schema.ParseInstanceLifecycleState(raw)
		if err != nil {
			return errorResult("invalid states", err), nil
		}
		filter.LifecycleStates = append(filter.LifecycleStates, st)
	}
	if raw := req.GetString("termination_state", ""); raw != "" {
		ts, err := schema.ParseInstanceTerminationState(raw)
		if err != nil {
			return errorResult("invalid termination_state", err), nil
		}
		filter.TerminationState = ts
	}

	predicate := req.GetString("predicate", "")
	projection := req.GetString("projection", "")
	if predicate == "" && projection == "" {
		instances, err := s.coord.SearchOrchestrationInstancesByName(ctx, filter)
		if err != nil {
			return errorResult("query failed", err), nil
		}
		if instances == nil {
			instances = []*orchestration.Instance{}
		}
		return marshalResult(map[string]any{"instances": instances})
	}

	matches, err := s.coord.SearchOrchestrationInstancesByCustomQuery(ctx, engine.CustomQuery{
		Filter: filter,
		Query: expressions.Query{
			Language:   expressions.Language(req.GetString("language", "")),
			Predicate:  predicate,
			Projection: projection,
		},
	})
	if err != nil {
		return errorResult("query failed", err), nil
	}
	out := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		entry := map[string]any{"instance": m.Instance}
		if m.Projection != nil {
			entry["projection"] = m.Projection
		}
		out = append(out, entry)
	}
	return marshalResult(map[string]any{"matches": out})
}

func (s *Server) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	host, err := req.RequireString("host_name")
	if err != nil {
		return mcp.NewToolResultError("host_name is required"), nil
	}
	raw, ok := req.GetArguments()["descriptions"]
	if !ok {
		return mcp.NewToolResultError("descriptions is required"), nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid descriptions: %v", err)), nil
	}
	var descs []*orchestration.Description
	if err := json.Unmarshal(data, &descs); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid descriptions: %v", err)), nil
	}

	if req.GetBool("synchronize", false) {
		res, err := s.coord.SynchronizeHost(ctx, host, descs)
		if err != nil {
			return errorResult("register failed", err), nil
		}
		return marshalResult(res)
	}

	res := engine.SyncResult{}
	for _, d := range descs {
		if err := s.coord.RegisterOrUpdateDescription(ctx, d, host); err != nil {
			return errorResult("register failed", err), nil
		}
		res.Registered = append(res.Registered, d.UniqueName)
	}
	return marshalResult(res)
}

// --- Internal helpers ---

// startRequest reads the arguments shared by start and schedule.
func startRequest(req mcp.CallToolRequest) (engine.StartRequest, *mcp.CallToolResult) {
	name, err := req.RequireString("name")
	if err != nil {
		return engine.StartRequest{}, mcp.NewToolResultError("name is required")
	}
	version := req.GetInt("version", 0)
	if version < 1 {
		return engine.StartRequest{}, mcp.NewToolResultError("version must be at least 1")
	}
	who, errResult := operatingIdentity(req)
	if errResult != nil {
		return engine.StartRequest{}, errResult
	}

	var param orchestration.Box
	if p, ok := req.GetArguments()["parameter"]; ok && p != nil {
		if param, err = orchestration.NewBox(p); err != nil {
			return engine.StartRequest{}, mcp.NewToolResultError(fmt.Sprintf("invalid parameter: %v", err))
		}
	}

	skip, err := intSlice(req.GetArguments()["skip_steps"])
	if err != nil {
		return engine.StartRequest{}, mcp.NewToolResultError(fmt.Sprintf("invalid skip_steps: %v", err))
	}

	return engine.StartRequest{
		Identity:            who,
		Name:                orchestration.UniqueName{Name: name, Version: version},
		SkipStepsBySequence: skip,
		Parameter:           param,
	}, nil
}

func operatingIdentity(req mcp.CallToolRequest) (identity.OperatingIdentity, *mcp.CallToolResult) {
	raw, err := req.RequireString("identity")
	if err != nil {
		return nil, mcp.NewToolResultError("identity is required")
	}
	who, err := identity.Parse(raw)
	if err != nil {
		return nil, errorResult("invalid identity", err)
	}
	return who, nil
}

func instanceID(req mcp.CallToolRequest) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := req.RequireString("instance_id")
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError("instance_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, mcp.NewToolResultError(fmt.Sprintf("invalid instance_id %q", raw))
	}
	return id, nil
}

// watch registers the calling session for events of id.
func (s *Server) watch(ctx context.Context, id uuid.UUID) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Watch(id.String(), session.SessionID())
	}
}

func intSlice(v any) ([]int, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, errors.New("expected an array of integers")
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		switch n := item.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		default:
			return nil, fmt.Errorf("expected an integer, got %T", item)
		}
	}
	return out, nil
}

func stringSlice(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func errorResult(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
