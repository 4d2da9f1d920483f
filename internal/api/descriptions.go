package api

import (
	"net/http"
	"strconv"

	"github.com/rendis/procman/internal/engine"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/store"
)

type registerBody struct {
	HostName     string                       `json:"host_name"`
	Synchronize  bool                         `json:"synchronize"`
	Descriptions []*orchestration.Description `json:"descriptions"`
}

// handleRegisterDescriptions upserts descriptions for a host. With
// synchronize set, the host's descriptions missing from the body are disabled.
func (s *Server) handleRegisterDescriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body registerBody
	if err := decodeBody(r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Descriptions) == 0 && !body.Synchronize {
		writeError(w, badRequest("descriptions are required"))
		return
	}

	if body.Synchronize {
		res, err := s.deps.Coordinator.SynchronizeHost(ctx, body.HostName, body.Descriptions)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	res := engine.SyncResult{}
	for _, d := range body.Descriptions {
		if err := s.deps.Coordinator.RegisterOrUpdateDescription(ctx, d, body.HostName); err != nil {
			writeError(w, err)
			return
		}
		res.Registered = append(res.Registered, d.UniqueName)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListDescriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DescriptionFilter{
		HostName: q.Get("host"),
		Name:     q.Get("name"),
	}
	if v := q.Get("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, badRequest("query parameter enabled must be a boolean"))
			return
		}
		filter.EnabledOnly = b
	}
	if v := q.Get("recurring"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, badRequest("query parameter recurring must be a boolean"))
			return
		}
		filter.RecurringOnly = b
	}

	descs, err := s.deps.Coordinator.ListDescriptions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if descs == nil {
		descs = []*orchestration.Description{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"descriptions": descs})
}
