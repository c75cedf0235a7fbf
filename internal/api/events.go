package api

import (
	"fmt"
	"net/http"
)

// EventsHandler streams session state-change notifications over SSE. The
// client re-fetches whatever it renders when an event arrives; the event
// itself carries no payload, mirroring the store's re-render signal.
func (h *APIHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	st := h.sessionFor(r)
	events, cancel := st.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-events:
			fmt.Fprint(w, "event: state\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}
