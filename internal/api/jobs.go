package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"modconvert/internal/httpx"
	"modconvert/internal/jobstats"
	"modconvert/internal/jobtypes"
)

type enqueueRequest struct {
	Type           jobtypes.Type     `json:"type"`
	Priority       jobtypes.Priority `json:"priority"`
	Payload        []byte            `json:"payload"`
	Options        jobtypes.Options  `json:"options"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !enqueueLimiter.Allow() {
		httpx.Write(w, r, httpx.TooManyRequests("rate limit exceeded"))
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Write(w, r, httpx.BadRequest("invalid json"))
		return
	}
	id, err := s.svc.Enqueue(jobtypes.JobData{
		Type:           req.Type,
		Priority:       req.Priority,
		Payload:        req.Payload,
		Options:        req.Options,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeJobErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(enqueueResponse{JobID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.svc.Status(id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	hist, err := s.svc.History(id, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hist)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.svc.Cancel(id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var filter jobtypes.Filter
	if v := r.URL.Query().Get("status"); v != "" {
		st := jobtypes.Status(v)
		filter.Status = &st
	}
	if v := r.URL.Query().Get("type"); v != "" {
		tp := jobtypes.Type(v)
		filter.Type = &tp
	}
	jobs := s.svc.List(filter)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

type statsResponse struct {
	jobtypes.QueueStats
	ByType     []jobstats.TypeBreakdown `json:"by_type"`
	Throughput jobstats.Throughput      `json:"throughput_1h"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	jobs := s.svc.List(jobtypes.Filter{})
	now := time.Now()
	resp := statsResponse{
		QueueStats: s.svc.Stats(),
		ByType:     jobstats.ByType(jobs),
		Throughput: jobstats.WindowedThroughput(jobs, now, time.Hour),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.svc.Resources())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.svc.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.svc.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Stop(r.Context()); err != nil {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeJobErr maps the *jobtypes.JobError kinds Enqueue can return
// onto HTTP status codes, per spec.md §7's error taxonomy.
func writeJobErr(w http.ResponseWriter, r *http.Request, err error) {
	je, ok := err.(*jobtypes.JobError)
	if !ok {
		httpx.Write(w, r, httpx.Internal(err))
		return
	}
	switch je.Kind {
	case jobtypes.KindInvalidOptions:
		httpx.Write(w, r, httpx.BadRequest(je.Message))
	case jobtypes.KindCapacity:
		httpx.Write(w, r, httpx.Capacity(je.Message))
	case jobtypes.KindNotFound:
		httpx.Write(w, r, httpx.NotFound(je.Message))
	default:
		httpx.Write(w, r, httpx.Internal(err))
	}
}
