package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"ratequeue/internal/domain"
	"ratequeue/internal/gateway"
	"ratequeue/internal/queue"
)

// Queue is the part of the gateway the API drives.
type Queue interface {
	Enqueue(ctx context.Context, call domain.Call) (domain.Execution[domain.Call], error)
	Cancel(ctx context.Context, id domain.ExecutionID) error
	State() gateway.State
	Stats() gateway.Stats
}

type ScheduleLister interface {
	Schedules() []domain.Schedule
}

type Deps struct {
	Queue     Queue
	Repo      queue.Repository[domain.Call]
	Schedules ScheduleLister
	// Limiter throttles POST /api/executions; nil disables it.
	Limiter *rate.Limiter
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

func NewServer(deps Deps) http.Handler {
	return NewServerWithDebug(deps, false)
}

func NewServerWithDebug(deps Deps, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, deps: deps}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.With(s.throttle).Post("/api/executions", s.enqueue)
	r.Get("/api/executions", s.listExecutions)
	r.Get("/api/executions/{id}", s.getExecution)
	r.Delete("/api/executions/{id}", s.cancelExecution)
	r.Get("/api/state", s.state)
	r.Get("/api/schedules", s.listSchedules)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter != nil && !s.deps.Limiter.Allow() {
			w.Header().Set("retry-after", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Repo.Count(r.Context(), queue.Pending())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	stats := s.deps.Queue.Stats()
	reserved := 0
	if s.deps.Queue.State().Status == gateway.Reserved {
		reserved = 1
	}

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ratequeue_up 1\n")
	fmt.Fprintf(w, "ratequeue_pending %d\n", pending)
	fmt.Fprintf(w, "ratequeue_reserved %d\n", reserved)
	fmt.Fprintf(w, "ratequeue_enqueued_total %d\n", stats.Enqueued)
	fmt.Fprintf(w, "ratequeue_canceled_total %d\n", stats.Canceled)
	fmt.Fprintf(w, "ratequeue_completed_total %d\n", stats.Completed)
	fmt.Fprintf(w, "ratequeue_failed_total %d\n", stats.Failed)
}

type submitReq struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type executionResp struct {
	ID         domain.ExecutionID `json:"id"`
	Type       string             `json:"type"`
	Payload    json.RawMessage    `json:"payload,omitempty"`
	ExecutedAt string             `json:"executed_at"`
	IsExecuted bool               `json:"is_executed"`
}

func toResp(e domain.Execution[domain.Call]) executionResp {
	return executionResp{
		ID:         e.ID,
		Type:       e.Args.Type,
		Payload:    e.Args.Payload,
		ExecutedAt: e.ExecutedAt.Format(time.RFC3339Nano),
		IsExecuted: e.IsExecuted,
	}
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", 400)
		return
	}
	exe, err := s.deps.Queue.Enqueue(r.Context(), domain.Call{Type: req.Type, Payload: req.Payload})
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, toResp(exe))
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := queue.Query{Limit: 50}
	values := r.URL.Query()
	if v := values.Get("pending"); v != "" {
		pending, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid pending: "+err.Error(), 400)
			return
		}
		executed := !pending
		q.Filters.IsExecuted = &executed
	}
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", 400)
			return
		}
		q.Limit = n
	}
	if v := values.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid offset", 400)
			return
		}
		q.Offset = n
	}
	if values.Get("order") == "desc" {
		q.Order = queue.Desc
	}

	list, err := s.deps.Repo.GetMany(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]executionResp, len(list))
	for i, e := range list {
		out[i] = toResp(e)
	}
	writeJSON(w, 200, out)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id := domain.ExecutionID(chi.URLParam(r, "id"))
	e, err := s.deps.Repo.GetOneByID(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, 200, toResp(e))
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := domain.ExecutionID(chi.URLParam(r, "id"))
	if err := s.deps.Queue.Cancel(r.Context(), id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stateResp struct {
	gateway.State
	Stats gateway.Stats `json:"stats"`
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, stateResp{State: s.deps.Queue.State(), Stats: s.deps.Queue.Stats()})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules := []domain.Schedule{}
	if s.deps.Schedules != nil {
		schedules = s.deps.Schedules.Schedules()
	}
	writeJSON(w, 200, schedules)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrNotStarted), errors.Is(err, gateway.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
