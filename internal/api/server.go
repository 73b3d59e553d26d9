package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/codessa/internal/report"
	"github.com/MikeSquared-Agency/codessa/internal/workspace"
)

// ActionStore is the part of the workspace store the API exposes.
type ActionStore interface {
	InsertAction(ctx context.Context, a workspace.Action) (workspace.Action, error)
	QueryPendingActions(ctx context.Context, f workspace.ActionFilter) ([]workspace.Action, error)
}

type Server struct {
	router   *chi.Mux
	port     int
	apiToken string
	actions  ActionStore

	mu   sync.RWMutex
	runs map[string]report.Summary // last summary per phase
}

func NewServer(port int, apiToken string, actions ActionStore) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		apiToken: apiToken,
		actions:  actions,
		runs:     make(map[string]report.Summary),
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/codessa/status", s.status)
	router.Route("/api/v1/codessa/actions", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/", s.listActions)
		r.Post("/", s.enqueueAction)
	})

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("API server starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RecordRun makes s the latest summary for phase.
func (s *Server) RecordRun(phase string, sum report.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[phase] = sum
}

// BearerAuthMiddleware rejects requests without the configured token. An
// empty token disables the routes entirely.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusForbidden, "api token not configured")
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	runs := make(map[string]report.Summary, len(s.runs))
	for k, v := range s.runs {
		runs[k] = v
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"agent": "codessa",
		"runs":  runs,
	})
}

type actionJSON struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Target      string     `json:"target"`
	Title       string     `json:"title"`
	Body        string     `json:"body,omitempty"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	FailureKind string     `json:"failure_kind,omitempty"`
	ExternalURL string     `json:"external_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toJSON(a workspace.Action) actionJSON {
	out := actionJSON{
		ID:          a.ID.String(),
		Type:        string(a.Type),
		Target:      a.Target,
		Title:       a.Title,
		Body:        a.Body,
		Status:      string(a.Status),
		RetryCount:  a.RetryCount,
		LastError:   a.LastError,
		FailureKind: a.FailureKind,
		ExternalURL: a.ExternalURL,
		CreatedAt:   a.CreatedAt,
	}
	if !a.CompletedAt.IsZero() {
		t := a.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// listActions handles GET /api/v1/codessa/actions?status=queued&limit=50
func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	f := workspace.ActionFilter{Status: workspace.ActionStatus(r.URL.Query().Get("status"))}
	switch f.Status {
	case "", workspace.ActionQueued, workspace.ActionPushed, workspace.ActionCompleted, workspace.ActionFailed:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	actions, err := s.actions.QueryPendingActions(r.Context(), f)
	if err != nil {
		slog.Error("list actions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list actions failed")
		return
	}
	out := make([]actionJSON, 0, len(actions))
	for _, a := range actions {
		out = append(out, toJSON(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": out, "count": len(out)})
}

type enqueueRequest struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// enqueueAction handles POST /api/v1/codessa/actions
func (s *Server) enqueueAction(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	typ := workspace.ActionType(req.Type)
	switch typ {
	case workspace.ActionIssue, workspace.ActionPullRequest, workspace.ActionDiscussion:
	default:
		writeError(w, http.StatusBadRequest, "type must be issue, pull_request or discussion")
		return
	}
	if strings.TrimSpace(req.Target) == "" || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "target and title are required")
		return
	}

	a, err := s.actions.InsertAction(r.Context(), workspace.Action{
		Type:   typ,
		Target: req.Target,
		Title:  req.Title,
		Body:   req.Body,
		Status: workspace.ActionQueued,
	})
	if err != nil {
		slog.Error("enqueue action failed", "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusCreated, toJSON(a))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
