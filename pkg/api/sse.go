package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleEvents streams the deployment's event log as server-sent
// events. The full history replays first, then new events follow as
// they are appended. Periodic comment frames keep idle connections
// alive through proxies. With follow=false the history is sent and the
// stream closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.exists(r.Context(), id) {
		writeError(w, http.StatusNotFound, "deployment %s not found", id)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	replayOnly := r.URL.Query().Get("follow") == "false"

	if replayOnly {
		records, err := s.events.Read(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read events: %v", err)
			return
		}
		setSSEHeaders(w)
		for _, rec := range records {
			writeSSE(w, rec)
		}
		flusher.Flush()
		return
	}

	ch, err := s.events.Tail(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to tail events: %v", err)
		return
	}
	setSSEHeaders(w)

	heartbeat := time.NewTicker(s.cfg.API.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case rec, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, rec)
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w http.ResponseWriter, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
