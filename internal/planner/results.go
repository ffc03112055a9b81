package planner

import (
	"sync"
	"time"

	"github.com/ashureev/dayboard/internal/domain"
)

// ResultSnapshot is a copy of the result store.
type ResultSnapshot struct {
	Result    *domain.PlanResult `json:"result"`
	Error     string             `json:"error,omitempty"`
	UpdatedAt time.Time          `json:"updated_at,omitempty"`
}

// ResultStore holds the last successful plan and the last failure message.
// Results are replaced whole and never edited.
type ResultStore struct {
	mu        sync.RWMutex
	current   *domain.PlanResult
	lastErr   string
	updatedAt time.Time
}

// NewResultStore creates an empty store.
func NewResultStore() *ResultStore {
	return &ResultStore{}
}

// Replace installs res as the live result and clears any error.
func (s *ResultStore) Replace(res domain.PlanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &res
	s.lastErr = ""
	s.updatedAt = time.Now()
}

// Fail records a failure message. The live result is kept.
func (s *ResultStore) Fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = msg
	s.updatedAt = time.Now()
}

// Hydrate installs res only when the store holds no result yet.
func (s *ResultStore) Hydrate(res domain.PlanResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return false
	}
	s.current = &res
	return true
}

// Current returns the live result.
func (s *ResultStore) Current() (domain.PlanResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return domain.PlanResult{}, false
	}
	return *s.current, true
}

// LastError returns the message of the last failure, if not dismissed.
func (s *ResultStore) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// DismissError forgets the last failure.
func (s *ResultStore) DismissError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = ""
}

// Clear drops the live result.
func (s *ResultStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.updatedAt = time.Now()
}

// Snapshot returns a copy of the store contents.
func (s *ResultStore) Snapshot() ResultSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := ResultSnapshot{Error: s.lastErr, UpdatedAt: s.updatedAt}
	if s.current != nil {
		res := *s.current
		snap.Result = &res
	}
	return snap
}
