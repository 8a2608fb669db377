// Package api is the HTTP submit/poll facade: plan submission returns 202
// with a task location, pollers follow it until the pack is ready, and
// finished packs are served as static files.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/tourkit/navpack/metrics"
	"github.com/tourkit/navpack/plan"
	"github.com/tourkit/navpack/storage"
	"github.com/tourkit/navpack/workflow"
)

const maxRequestBodySize = 1 << 20

// Backend submits plan jobs and reads job records back.
type Backend interface {
	Submit(ctx context.Context, req plan.PlanRequest) (*storage.Job, error)
	Job(ctx context.Context, id string) (*storage.Job, error)
}

// RoutePlanner computes the synchronous route-only result.
type RoutePlanner interface {
	RouteOnly(ctx context.Context, req *plan.PlanRequest) (*plan.RouteResult, error)
}

// EngineBackend adapts the workflow engine to the Backend interface.
type EngineBackend struct {
	Engine *workflow.Engine
}

func (b *EngineBackend) Submit(ctx context.Context, req plan.PlanRequest) (*storage.Job, error) {
	return b.Engine.Enqueue(ctx, storage.JobKindPlan, workflow.QueueNav, workflow.PlanPayload{Request: req})
}

func (b *EngineBackend) Job(ctx context.Context, id string) (*storage.Job, error) {
	return b.Engine.Jobs().Get(ctx, id)
}

// Server is the HTTP facade.
type Server struct {
	backend   Backend
	planner   RoutePlanner
	m         *metrics.Metrics
	logger    *slog.Logger
	prefix    string
	packsRoot string

	defaultBuffer atomic.Pointer[plan.Buffer]
}

// NewServer creates the facade. prefix is the path prefix of the nav
// endpoints, "" for none. packsRoot enables static pack serving when set.
func NewServer(backend Backend, planner RoutePlanner, m *metrics.Metrics, logger *slog.Logger, prefix, packsRoot string) *Server {
	return &Server{
		backend:   backend,
		planner:   planner,
		m:         m,
		logger:    logger,
		prefix:    prefix,
		packsRoot: packsRoot,
	}
}

// SetDefaultBuffer sets the corridor buffer applied to requests that omit
// one. Zero values leave request normalization defaults in place. Safe to
// call while serving, so config reloads can adjust it.
func (s *Server) SetDefaultBuffer(carM, footM float64) {
	if carM == 0 && footM == 0 {
		s.defaultBuffer.Store(nil)
		return
	}
	s.defaultBuffer.Store(&plan.Buffer{CarM: carM, FootM: footM})
}

func (s *Server) applyDefaults(req *plan.PlanRequest) {
	if req.Buffer != nil {
		return
	}
	if def := s.defaultBuffer.Load(); def != nil {
		b := *def
		req.Buffer = &b
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+s.prefix+"/nav/plan", s.instrument("/nav/plan", s.handleSubmit))
	mux.Handle("GET "+s.prefix+"/nav/plan/tasks/{id}", s.instrument("/nav/plan/tasks", s.handlePoll))
	mux.Handle("POST "+s.prefix+"/nav/route", s.instrument("/nav/route", s.handleRoute))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", s.m.Handler())
	if s.packsRoot != "" {
		mux.Handle("GET /packs/", http.StripPrefix("/packs/",
			http.FileServer(http.Dir(s.packsRoot))))
	}
	return mux
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type pollResponse struct {
	TaskID string     `json:"task_id"`
	State  string     `json:"state"`
	Ready  bool       `json:"ready"`
	Error  *pollError `json:"error,omitempty"`
}

type pollError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req plan.PlanRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.applyDefaults(&req)
	req.Normalize()
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	job, err := s.backend.Submit(r.Context(), req)
	if err != nil {
		s.logger.Error("plan submit failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, errors.New("queue unavailable"))
		return
	}

	w.Header().Set("Location", s.prefix+"/nav/plan/tasks/"+job.ID)
	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, http.StatusAccepted, submitResponse{TaskID: job.ID, Status: "accepted"})
}

// handlePoll follows child job links so a delegated sub-job's progress shows
// through the parent's task id. The parent owns the final result either way.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	root, err := s.backend.Job(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown task %s", id))
			return
		}
		s.logger.Error("job lookup failed", "task_id", id, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, errors.New("job store unavailable"))
		return
	}

	w.Header().Set("Cache-Control", "no-store")

	switch root.State {
	case storage.JobStateSucceeded:
		var resp plan.PlanResponse
		if err := json.Unmarshal(root.Result, &resp); err != nil {
			s.logger.Error("stored result unreadable", "task_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, errors.New("stored result unreadable"))
			return
		}
		s.writeJSON(w, http.StatusOK, &resp)
	case storage.JobStateFailed:
		s.writeJSON(w, http.StatusInternalServerError, pollResponse{
			TaskID: root.ID,
			State:  string(root.State),
			Ready:  false,
			Error: &pollError{
				Kind:    root.ErrorKind,
				Message: root.ErrorMessage,
			},
		})
	default:
		s.writeJSON(w, http.StatusAccepted, pollResponse{
			TaskID: root.ID,
			State:  string(s.deepestState(r.Context(), root)),
			Ready:  false,
		})
	}
}

// deepestState walks the child chain and reports the most downstream state,
// giving pollers stage-level progress while the parent is still working.
func (s *Server) deepestState(ctx context.Context, job *storage.Job) storage.JobState {
	state := job.State
	for i := 0; job.ChildJobID != "" && i < 8; i++ {
		child, err := s.backend.Job(ctx, job.ChildJobID)
		if err != nil {
			break
		}
		if !child.State.Terminal() {
			state = child.State
		}
		job = child
	}
	return state
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req plan.PlanRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.applyDefaults(&req)
	result, err := s.planner.RouteOnly(r.Context(), &req)
	if err != nil {
		switch workflow.ClassifyError(err) {
		case workflow.KindValidation:
			s.writeError(w, http.StatusBadRequest, err)
		case workflow.KindUpstreamTimeout:
			s.writeError(w, http.StatusGatewayTimeout, errors.New("routing timed out"))
		default:
			s.logger.Error("route computation failed", "error", err)
			s.writeError(w, http.StatusBadGateway, errors.New("routing unavailable"))
		}
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// instrument wraps a handler with the request counter.
func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
