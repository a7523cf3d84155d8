// Package server exposes the engine over HTTP: issue creation and approval,
// the durable activity snapshot, subscription tokens, and the live stream
// over Server-Sent Events or WebSocket.
//
// Callers are identified by the X-User-ID and X-Org-ID headers set by the
// authenticating proxy in front of this server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lorenzkrinner/gitfix/internal/token"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

const (
	HeaderUserID = "X-User-ID"
	HeaderOrgID  = "X-Org-ID"

	// DefaultHeartbeat is the idle interval after which SSE and WebSocket
	// streams send a keep-alive.
	DefaultHeartbeat = 15 * time.Second
)

type Config struct {
	Engine       api.Engine
	Tokens       *token.Service
	Repositories api.Repositories
	Logger       *slog.Logger
	Heartbeat    time.Duration
}

type Server struct {
	eng       api.Engine
	tokens    *token.Service
	repos     api.Repositories
	logger    *slog.Logger
	heartbeat time.Duration
	mux       *http.ServeMux
}

// New builds a Server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Tokens == nil || cfg.Repositories == nil {
		return nil, errors.New("server: engine, tokens and repositories are required")
	}
	s := &Server{
		eng:       cfg.Engine,
		tokens:    cfg.Tokens,
		repos:     cfg.Repositories,
		logger:    cfg.Logger,
		heartbeat: cfg.Heartbeat,
		mux:       http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.heartbeat <= 0 {
		s.heartbeat = DefaultHeartbeat
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/issues", s.handleCreate)
	s.mux.HandleFunc("GET /api/issues", s.handleList)
	s.mux.HandleFunc("GET /api/issues/{id}", s.handleGet)
	s.mux.HandleFunc("GET /api/issues/{id}/activity", s.handleActivity)
	s.mux.HandleFunc("POST /api/issues/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/issues/{id}/approve-and-post", s.handleApproveAndPost)
	s.mux.HandleFunc("POST /api/issues/{id}/token", s.handleToken)
	s.mux.HandleFunc("GET /api/realtime/sse", s.handleSSE)
	s.mux.HandleFunc("GET /api/realtime/ws", s.handleWS)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// CreateIssueRequest is the body of POST /api/issues.
type CreateIssueRequest struct {
	RepositoryID string `json:"repositoryId"`
	IssueNumber  int    `json:"issueNumber"`
	Title        string `json:"title"`
	Body         string `json:"body,omitempty"`
	URL          string `json:"url,omitempty"`
}

// TokenRequest is the optional body of POST /api/issues/{id}/token.
type TokenRequest struct {
	Topics []string `json:"topics,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func identityFrom(r *http.Request) token.Identity {
	return token.Identity{
		UserID: strings.TrimSpace(r.Header.Get(HeaderUserID)),
		OrgID:  strings.TrimSpace(r.Header.Get(HeaderOrgID)),
	}
}

// authorizeRepo checks that the caller belongs to repoID's organization.
func (s *Server) authorizeRepo(ctx context.Context, id token.Identity, repoID string) error {
	if id.UserID == "" || id.OrgID == "" {
		return fmt.Errorf("missing identity: %w", api.ErrUnauthorized)
	}
	repo, err := s.repos.GetRepository(ctx, repoID)
	if errors.Is(err, api.ErrNotFound) {
		return fmt.Errorf("repository %s: %w", repoID, api.ErrUnauthorized)
	}
	if err != nil {
		return err
	}
	if repo.OrganizationID != id.OrgID {
		return fmt.Errorf("repository %s is outside org %s: %w", repoID, id.OrgID, api.ErrUnauthorized)
	}
	return nil
}

// authorizedInstance loads the {id} instance and checks the caller may see it.
func (s *Server) authorizedInstance(r *http.Request) (*api.WorkflowInstance, error) {
	id := identityFrom(r)
	if id.UserID == "" || id.OrgID == "" {
		return nil, fmt.Errorf("missing identity: %w", api.ErrUnauthorized)
	}
	inst, err := s.eng.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRepo(r.Context(), id, inst.RepositoryID); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.RepositoryID == "" || strings.TrimSpace(req.Title) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "repositoryId and title are required"})
		return
	}
	if err := s.authorizeRepo(r.Context(), identityFrom(r), req.RepositoryID); err != nil {
		s.writeError(w, r, err)
		return
	}

	inst := &api.WorkflowInstance{
		RepositoryID: req.RepositoryID,
		IssueNumber:  req.IssueNumber,
		Title:        req.Title,
		Body:         req.Body,
		URL:          req.URL,
	}
	if err := s.eng.CreateInstance(r.Context(), inst); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.eng.Enqueue(r.Context(), inst.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "issue created",
		slog.String("instance_id", inst.ID),
		slog.String("repository_id", inst.RepositoryID),
	)
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repoID := q.Get("repositoryId")
	if repoID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "repositoryId is required"})
		return
	}
	if err := s.authorizeRepo(r.Context(), identityFrom(r), repoID); err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.eng.ListInstances(r.Context(), api.InstanceListOptions{
		RepositoryID: repoID,
		Status:       api.Status(q.Get("status")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*api.WorkflowInstance{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := s.authorizedInstance(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	inst, err := s.authorizedInstance(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, err := s.eng.ListActivity(r.Context(), inst.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []api.ActivityRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.approve(w, r, s.eng.Approve)
}

func (s *Server) handleApproveAndPost(w http.ResponseWriter, r *http.Request) {
	s.approve(w, r, s.eng.ApproveAndPost)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*api.WorkflowInstance, error)) {
	inst, err := s.authorizedInstance(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := fn(r.Context(), inst.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	topics, err := api.ParseTopics(req.Topics)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	tok, err := s.tokens.Issue(r.Context(), identityFrom(r), r.PathValue("id"), topics)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, api.ErrNoDraftAvailable), errors.Is(err, api.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, api.ErrLeaseHeld):
		return http.StatusConflict
	case errors.Is(err, api.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, api.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
