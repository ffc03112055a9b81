// Package api provides HTTP handlers for the dayboard API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/dayboard/internal/config"
	"github.com/ashureev/dayboard/internal/domain"
	"github.com/ashureev/dayboard/internal/identity"
	"github.com/ashureev/dayboard/internal/store"
	"github.com/ashureev/dayboard/internal/workspace"
)

const maxRequestBodySize = 64 * 1024

// LastOutputSource fetches the most recent plan the upstream produced.
type LastOutputSource interface {
	LastOutput(ctx context.Context) (domain.PlanResult, error)
}

// Handler provides common handler utilities.
type Handler struct {
	registry   *workspace.Registry
	repo       store.Repository
	lastOutput LastOutputSource
	limiter    *RateLimiter
	cfg        *config.Config
}

// NewHandler creates a new Handler with common dependencies. repo,
// lastOutput and limiter may be nil.
func NewHandler(registry *workspace.Registry, repo store.Repository, lastOutput LastOutputSource, limiter *RateLimiter, cfg *config.Config) *Handler {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handler{
		registry:   registry,
		repo:       repo,
		lastOutput: lastOutput,
		limiter:    limiter,
		cfg:        cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// workspaceFor resolves the caller's workspace, writing the error response
// itself when that fails.
func (h *Handler) workspaceFor(w http.ResponseWriter, r *http.Request) (*workspace.Workspace, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	ws, err := h.registry.Get(r.Context(), userID)
	if errors.Is(err, workspace.ErrClosed) {
		Error(w, http.StatusServiceUnavailable, "server shutting down")
		return nil, false
	}
	if err != nil {
		slog.Error("Failed to load workspace", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load workspace")
		return nil, false
	}
	return ws, true
}

// allow applies the per-identity rate limit. The key is the user ID only so
// rotating tab IDs does not bypass it.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	if !h.limiter.Allow(identity.UserIDFromContext(r.Context())) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	Error(w, http.StatusBadRequest, "invalid request body")
	return false
}
