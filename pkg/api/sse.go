package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// logStreamHandler streams new status log entries via SSE. Alerts are sent
// as "alert" events, everything else as "log". Supports ?profile= filter.
func (s *Server) logStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		writeError(w, http.StatusServiceUnavailable, "status log not available")
		return
	}
	profile := r.URL.Query().Get("profile")

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	sub := s.log.Subscribe(128)
	defer sub.Close()

	var seq uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.C:
			if profile != "" && e.Profile != profile {
				continue
			}
			seq++
			data, err := json.Marshal(logEntry(e))
			if err != nil {
				continue
			}
			event := "log"
			if e.Alert {
				event = "alert"
			}
			writeSSEEvent(w, fmt.Sprintf("%d", seq), event, string(data))
		}
	}
}
