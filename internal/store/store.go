// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/dayboard/internal/domain"
)

// Repository persists identities, plan history and chat transcripts.
type Repository interface {
	// GetUser retrieves a user by their user ID. A missing user is (nil, nil).
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// SavePlan appends a successful plan to the user's history.
	SavePlan(ctx context.Context, item *domain.PlanHistoryItem) error

	// ListPlans returns up to limit plans, newest first.
	ListPlans(ctx context.Context, userID string, limit int) ([]domain.PlanHistoryItem, error)

	// LatestPlan returns the newest plan, or nil when the history is empty.
	LatestPlan(ctx context.Context, userID string) (*domain.PlanHistoryItem, error)

	// PrunePlans deletes all but the newest keep plans of a user.
	PrunePlans(ctx context.Context, userID string, keep int) (int64, error)

	// GetTranscript returns the saved chat session, or nil if none exists.
	GetTranscript(ctx context.Context, userID string, kind domain.SessionKind) (*domain.TranscriptRecord, error)

	// SaveTranscript creates or replaces a saved chat session.
	SaveTranscript(ctx context.Context, rec *domain.TranscriptRecord) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
