// Package workspace owns the per-identity planner and chat state.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/dayboard/internal/action"
	"github.com/ashureev/dayboard/internal/chat"
	"github.com/ashureev/dayboard/internal/domain"
	"github.com/ashureev/dayboard/internal/live"
	"github.com/ashureev/dayboard/internal/planner"
	"github.com/ashureev/dayboard/internal/store"
)

const persistTimeout = 5 * time.Second

// State is the full renderer view of a workspace.
type State struct {
	UserID  string                                     `json:"user_id"`
	Planner planner.Snapshot                           `json:"planner"`
	Chats   map[domain.SessionKind]domain.ChatSnapshot `json:"chats"`
}

// Workspace is the state container of one identity: a planner flow and two
// independent chat sessions.
type Workspace struct {
	UserID  string
	Planner *planner.Flow

	sessions map[domain.SessionKind]*chat.Session
	savers   map[domain.SessionKind]*transcriptSaver
	repo     store.Repository
	hub      *live.Hub
	keep     int
	logger   *slog.Logger
}

// Session returns the chat session of kind.
func (w *Workspace) Session(kind domain.SessionKind) (*chat.Session, bool) {
	s, ok := w.sessions[kind]
	return s, ok
}

// Snapshot returns copies of every component's state.
func (w *Workspace) Snapshot() State {
	chats := make(map[domain.SessionKind]domain.ChatSnapshot, len(w.sessions))
	for kind, s := range w.sessions {
		chats[kind] = s.Snapshot()
	}
	return State{UserID: w.UserID, Planner: w.Planner.Snapshot(), Chats: chats}
}

// PublishPlanner pushes the current planner snapshot to live subscribers.
func (w *Workspace) PublishPlanner() {
	if w.hub != nil {
		w.hub.Publish(w.UserID, live.EventPlanner, w.Planner.Snapshot())
	}
}

// History lists saved plans, newest first.
func (w *Workspace) History(ctx context.Context) ([]domain.PlanHistoryItem, error) {
	if w.repo == nil {
		return []domain.PlanHistoryItem{}, nil
	}
	items, err := w.repo.ListPlans(ctx, w.UserID, w.keep)
	if err != nil {
		return nil, fmt.Errorf("list plan history: %w", err)
	}
	return items, nil
}

// Busy reports whether a plan or chat call is outstanding or its outcome is
// still being delivered.
func (w *Workspace) Busy() bool {
	busy := func(s domain.ActionState) bool {
		return s == domain.StateInFlight || s.Transient()
	}
	if busy(w.Planner.State()) {
		return true
	}
	for _, s := range w.sessions {
		if busy(s.State()) {
			return true
		}
	}
	return false
}

// Close aborts outstanding calls.
func (w *Workspace) Close() {
	if w.Planner.Abort() {
		w.logger.Info("Aborted outstanding plan on workspace close")
	}
	for kind, s := range w.sessions {
		if s.Abort() {
			w.logger.Info("Aborted outstanding chat reply on workspace close", "session", string(kind))
		}
	}
}

func (w *Workspace) onTransition(t action.Transition) {
	if w.hub == nil {
		return
	}
	w.hub.Publish(w.UserID, live.EventTransition, t)
	if t.Action == planner.ActionName && t.To == domain.StateIdle {
		w.PublishPlanner()
	}
}

func (w *Workspace) onPlanned(req domain.PlanRequest, res domain.PlanResult) {
	if w.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	item := &domain.PlanHistoryItem{UserID: w.UserID, Input: req, Output: res, Timestamp: time.Now()}
	if err := w.repo.SavePlan(ctx, item); err != nil {
		w.logger.Warn("Failed to save plan history", "error", err)
		return
	}
	if n, err := w.repo.PrunePlans(ctx, w.UserID, w.keep); err != nil {
		w.logger.Warn("Failed to prune plan history", "error", err)
	} else if n > 0 {
		w.logger.Debug("Pruned plan history", "deleted", n)
	}
}

// transcriptSaver serializes the saves of one session and remembers the
// last revision written.
type transcriptSaver struct {
	mu    sync.Mutex
	saved uint64
}

func (w *Workspace) onChatChange(snap domain.ChatSnapshot) {
	if w.hub != nil {
		w.hub.Publish(w.UserID, live.EventChat, snap)
	}
	if w.repo == nil {
		return
	}
	sv, ok := w.savers[snap.Kind]
	if !ok {
		return
	}

	sv.mu.Lock()
	defer sv.mu.Unlock()
	// Input edits and snapshots overtaken by a newer save.
	if snap.Revision <= sv.saved {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	rec := &domain.TranscriptRecord{
		UserID:     w.UserID,
		Kind:       snap.Kind,
		Messages:   snap.Transcript,
		ModelLabel: snap.ModelLabel,
	}
	if err := w.repo.SaveTranscript(ctx, rec); err != nil {
		w.logger.Warn("Failed to save chat transcript", "session", string(snap.Kind), "error", err)
		return
	}
	sv.saved = snap.Revision
}
