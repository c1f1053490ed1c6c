// Package web is the HTTP gateway in front of the prepare/commit
// coordinator.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"actiongate/internal/coordinator"
	"actiongate/internal/failure"
	"actiongate/internal/metrics"
	"actiongate/internal/plan"
	"actiongate/internal/record"
)

const maxRequestBody = 1 << 20 // 1 MB

// Service is the coordinator surface the gateway exposes.
type Service interface {
	Prepare(ctx context.Context, req coordinator.PrepareRequest) (coordinator.Prepared, error)
	Approve(ctx context.Context, code, approver string) (coordinator.ApproveResult, error)
	Explain(ctx context.Context, id string) (coordinator.Explanation, error)
	Invalidate(ctx context.Context, id plan.PlanID, actor string) error
	ListPlans(ctx context.Context, workspace string, limit, offset int) ([]record.Plan, error)
}

// Committer runs a commit, in process or through a durable workflow.
type Committer interface {
	Commit(ctx context.Context, req coordinator.CommitRequest) (coordinator.CommitResult, error)
}

type Server struct {
	Mux            *http.ServeMux
	Service        Service
	Committer      Committer
	AuthToken      string
	RateLimiter    *RateLimiter
	StoreHealth    HealthFunc
	TemporalHealth HealthFunc
	Loops          *LoopTracker
}

// NewServer registers the routes. When svc can commit and no other
// committer is set later, commits run in process.
func NewServer(svc Service) *Server {
	s := &Server{
		Mux:     http.NewServeMux(),
		Service: svc,
	}
	if c, ok := svc.(Committer); ok {
		s.Committer = c
	}
	s.registerRoutes()
	return s
}

// Handler wraps the mux with request metrics.
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(s.Mux)
}

func (s *Server) withRateLimit(h http.Handler) http.Handler {
	if s.RateLimiter == nil {
		return h
	}
	return RateLimitMiddleware(s.RateLimiter)(h)
}

func (s *Server) guard(h http.HandlerFunc) http.Handler {
	return AuthMiddleware(s.AuthToken, s.withRateLimit(h))
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("/healthz", s.handleHealthz)
	s.Mux.HandleFunc("/readyz", s.handleReadyz)
	s.Mux.Handle("/metrics", metrics.Handler())

	s.Mux.Handle("/v1/prepare", s.guard(s.handlePrepare))
	s.Mux.Handle("/v1/approve", s.guard(s.handleApprove))
	s.Mux.Handle("/v1/commit", s.guard(s.handleCommit))
	s.Mux.Handle("/v1/explain/", s.guard(s.handleExplain))
	s.Mux.Handle("/v1/plans", s.guard(s.handlePlans))
	s.Mux.Handle("/v1/plans/", s.guard(s.handlePlanByID))
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := validatePrepareBody(body); err != nil {
		writeError(w, r, err)
		return
	}
	var req coordinator.PrepareRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, failure.New(failure.ValidationError, "invalid plan: %v", err))
		return
	}
	if req.ActorID == "" {
		req.ActorID = actorID(r.Context())
	}
	out, err := s.Service.Prepare(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, out)
}

type approveRequest struct {
	Code     string `json:"code"`
	Approver string `json:"approver,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, r, failure.New(failure.ApprovalMissing, "code required"))
		return
	}
	approver := strings.TrimSpace(req.Approver)
	if approver == "" {
		approver = actorID(r.Context())
	}
	out, err := s.Service.Approve(r.Context(), req.Code, approver)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, out)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Committer == nil {
		http.Error(w, "commit unavailable", http.StatusServiceUnavailable)
		return
	}
	var req coordinator.CommitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(string(req.PlanID)) == "" {
		writeError(w, r, failure.New(failure.ValidationError, "plan_id required").With("plan_id", "required"))
		return
	}
	if req.Actor == "" {
		req.Actor = actorID(r.Context())
	}
	res, err := s.Committer.Commit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Rejections are results: the body carries the error code.
	respond(w, r, http.StatusOK, res)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/explain/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	out, err := s.Service.Explain(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, out)
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workspace := strings.TrimSpace(r.URL.Query().Get("workspace"))
	if workspace == "" {
		http.Error(w, "workspace required", http.StatusBadRequest)
		return
	}
	limit, offset := parsePagination(r)
	plans, err := s.Service.ListPlans(r.Context(), workspace, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if plans == nil {
		plans = []record.Plan{}
	}
	respond(w, r, http.StatusOK, plans)
}

func (s *Server) handlePlanByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/plans/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		out, err := s.Service.Explain(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		respond(w, r, http.StatusOK, out)
	case http.MethodDelete:
		if err := s.Service.Invalidate(r.Context(), plan.PlanID(id), actorID(r.Context())); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(record.PlanInvalidated), "plan_id": id})
	default:
		w.Header().Set("Allow", "GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, r, failure.New(failure.ValidationError, "invalid json: %v", err))
		return false
	}
	return true
}

// parsePagination extracts limit and offset from query parameters.
// Defaults: limit=50, max limit=200, offset>=0.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
