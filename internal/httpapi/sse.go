package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/foothold-sh/foothold/internal/stream"
)

// streamSSE drains a stream channel into a Server-Sent-Events response.
// Each event is one `data:` frame of the JSON event. When the client
// disconnects the consumer detaches; the producer keeps running and its
// remaining events are discarded.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, ch *stream.Channel) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "streaming unsupported by connection",
		})
		ch.Detach()
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			ch.Detach()
			return
		case ev, ok := <-ch.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("marshal stream event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				ch.Detach()
				return
			}
			flusher.Flush()
		}
	}
}
