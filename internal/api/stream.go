package api

import (
	"fmt"
	"net/http"
	"time"
)

// heartbeatInterval keeps idle proxies from closing the stream.
const heartbeatInterval = 25 * time.Second

// handleRulesStream pushes the rules snapshot ETag as server-sent events: an
// "init" event with the current ETag, then an "update" event whenever a rule
// write changes it. Hosts refetch /v1/rules/snapshot on update.
func (s *Server) handleRulesStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, r, "Streaming unsupported")
		return
	}

	updates, unsub := s.rules.Subscribe()
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "init", s.rules.Load().ETag)
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case etag, ok := <-updates:
			if !ok {
				return
			}
			writeEvent(w, "update", etag)
			flusher.Flush()
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event, etag string) {
	_, _ = fmt.Fprintf(w, "event: %s\ndata: {\"etag\":%q}\n\n", event, etag)
}
