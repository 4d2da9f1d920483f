package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rendis/procman/internal/streaming"
)

// handleSSEInstance streams the events of one instance. With ?since=N the
// persisted events after sequence N are replayed before live events.
func (s *Server) handleSSEInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := queryInt(r, "since", -1)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.deps.Coordinator.GetOrchestrationInstanceByID(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before replaying so nothing committed in between is lost.
	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), streaming.EventFilter{InstanceID: id.String()})
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var last int64
	if since >= 0 {
		events, err := s.deps.Coordinator.GetInstanceEvents(r.Context(), id, int64(since))
		if err != nil {
			s.deps.Logger.Error("SSE replay failed", "error", err)
			return
		}
		for _, ev := range events {
			writeSSE(w, streaming.FromEvent(ev))
			last = ev.Sequence
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Sequence != 0 && event.Sequence <= last {
				continue
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event streaming.StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if event.Sequence > 0 {
		fmt.Fprintf(w, "id: %d\n", event.Sequence)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
}
