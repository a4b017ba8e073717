package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"otaupdater/internal/logging"
)

const (
	sseBuffer         = 256
	heartbeatInterval = 30 * time.Second
)

// handleEvents streams controller notifications as Server-Sent Events. The
// event name is the notification type; the data carries the download id.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := s.opts.Events.Subscribe(sseBuffer)
	logging.Debug("SSE client %s connected from %s", sub.ID, r.RemoteAddr)
	defer func() {
		s.opts.Events.Unsubscribe(sub)
		logging.Debug("SSE client %s disconnected", sub.ID)
	}()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: ping\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Error("Failed to marshal SSE event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
