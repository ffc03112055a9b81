package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dayboard/internal/chat"
	"github.com/ashureev/dayboard/internal/config"
	"github.com/ashureev/dayboard/internal/domain"
	"github.com/ashureev/dayboard/internal/identity"
	"github.com/ashureev/dayboard/internal/store"
)

// AccountHandler serves identity and client configuration endpoints.
type AccountHandler struct {
	*Handler
}

// NewAccountHandler creates an account handler.
func NewAccountHandler(base *Handler) *AccountHandler {
	return &AccountHandler{Handler: base}
}

// RegisterRoutes registers account routes.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Get("/api/config", h.GetConfig)
}

// GetMe returns the current user's information.
func (h *AccountHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body := map[string]interface{}{
		"user_id":    userID,
		"username":   identity.UsernameFromContext(r.Context()),
		"session_id": identity.SessionIDFromContext(r.Context()),
	}
	if h.repo != nil {
		user, err := h.repo.GetUser(r.Context(), userID)
		if err != nil || user == nil {
			Error(w, http.StatusUnauthorized, "user not found")
			return
		}
		body["username"] = user.Username
		body["last_seen_at"] = user.LastSeenAt
	}
	JSON(w, http.StatusOK, body)
}

// GetConfig returns the server configuration for the frontend.
func (h *AccountHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_kinds":       []domain.SessionKind{domain.SessionPage, domain.SessionWidget},
		"chat_history_window": h.cfg.ChatHistoryWindow,
		"plan_history_limit":  h.cfg.PlanHistoryLimit,
		"default_model_label": chat.DefaultModelLabel,
		"metrics_enabled":     h.cfg.MetricsEnabled,
	})
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo     store.Repository
	upstream Pinger
	cfg      *config.Config
}

// NewHealthHandler creates a new health handler. upstream may be nil.
func NewHealthHandler(repo store.Repository, upstream Pinger, cfg *config.Config) *HealthHandler {
	return &HealthHandler{repo: repo, upstream: upstream, cfg: cfg}
}

// Health returns the health status of the API and its dependencies. An
// unreachable database fails the check; an unreachable upstream only
// degrades it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	healthCheckTimeout := 5 * time.Second
	if h.cfg != nil && h.cfg.Timeout.HealthCheck > 0 {
		healthCheckTimeout = h.cfg.Timeout.HealthCheck
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status = "unhealthy"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.upstream != nil {
		if err := h.upstream.Ping(ctx); err != nil {
			slog.Warn("Upstream health check failed", "error", err)
			checks["backend"] = "unreachable"
			if statusCode == http.StatusOK {
				status = "degraded"
			}
		} else {
			checks["backend"] = "ok"
		}
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
