package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"modconvert/internal/httpx"
)

// handleEvents streams every event published on the bus, regardless of
// job id, generalizing the teacher's per-job sseMsg fan-out into a single
// firehose endpoint.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, "")
}

// handleJobEvents streams only events whose job_id field matches the path
// parameter, the teacher's per-job subscribe/unsubscribe shape.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, chi.URLParam(r, "id"))
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.Write(w, r, httpx.Internal(fmt.Errorf("streaming unsupported")))
		return
	}

	ch, unsubscribe := s.svc.Events().Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if jobID != "" && ev.Fields["job_id"] != jobID {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", ev.Name)
			fmt.Fprintf(w, "data: %s\n\n", encodeFields(ev.Fields))
			flusher.Flush()
		}
	}
}

func encodeFields(fields map[string]string) string {
	out := "{"
	first := true
	for k, v := range fields {
		if !first {
			out += ","
		}
		first = false
		out += fmt.Sprintf("%q:%q", k, v)
	}
	return out + "}"
}
