// Package api exposes JobQueueService over HTTP: a chi router with
// enqueue/cancel/status/history/stats/pause/resume/stop endpoints plus a
// live SSE progress stream, mirroring the shape of the teacher's
// internal/handlers package but fronting the job orchestration core
// instead of the mod-sync database.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"modconvert/internal/httpx"
	"modconvert/internal/service"
	"modconvert/internal/telemetry"
)

// enqueueLimiter throttles the enqueue endpoint the way the teacher's
// writeLimiter throttles secret mutation endpoints: a handful of requests
// per second is plenty for a human-driven admin action, and protects the
// backlog from a runaway client hammering the API.
var enqueueLimiter = rate.NewLimiter(rate.Every(200*time.Millisecond), 10)

// Server wires a *service.Service into a chi.Router.
type Server struct {
	svc    *service.Service
	router chi.Router
}

// New builds a Server ready to be used as an http.Handler.
func New(svc *service.Service) *Server {
	s := &Server{svc: svc}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(telemetry.HTTP)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleEnqueue)
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/history", s.handleHistory)
		r.Get("/{id}/events", s.handleJobEvents)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	r.Get("/api/stats", s.handleStats)
	r.Get("/api/resources", s.handleResources)
	r.Post("/api/pause", s.handlePause)
	r.Post("/api/resume", s.handleResume)
	r.Post("/api/stop", s.handleStop)
	r.Get("/api/events", s.handleEvents)

	return r
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch err {
	case service.ErrNotFound:
		httpx.Write(w, r, httpx.NotFound("job not found"))
	default:
		httpx.Write(w, r, httpx.Internal(err))
	}
}
