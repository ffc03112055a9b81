// Package live fans workspace state changes out to websocket subscribers.
package live

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published on the feed.
const (
	EventSnapshot   = "snapshot"
	EventTransition = "transition"
	EventPlanner    = "planner"
	EventChat       = "chat"
)

const defaultBuffer = 32

// Event is one message on the feed.
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Subscription receives the events of one user until closed.
type Subscription struct {
	UserID    string
	SessionID string

	events chan Event
	once   sync.Once
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.events) })
}

// Hub tracks subscriptions per user. Slow subscribers lose events rather
// than stall publishers.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*Subscription]struct{}
	buffer int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[*Subscription]struct{}),
		buffer: defaultBuffer,
	}
}

// Subscribe registers a new subscription for userID.
func (h *Hub) Subscribe(userID, sessionID string) *Subscription {
	sub := &Subscription{
		UserID:    userID,
		SessionID: sessionID,
		events:    make(chan Event, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[*Subscription]struct{})
	}
	h.active[userID][sub] = struct{}{}
	slog.Info("Live subscription registered", "user_id", userID, "session_id", sessionID)
	return sub
}

// Unsubscribe removes and closes sub.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.active[sub.UserID]; ok {
		if _, exists := subs[sub]; exists {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.active, sub.UserID)
			}
			slog.Info("Live subscription unregistered", "user_id", sub.UserID, "session_id", sub.SessionID)
		}
	}
	sub.close()
}

// Publish delivers an event to every subscriber of userID.
func (h *Hub) Publish(userID, eventType string, payload any) {
	ev := Event{Type: eventType, Payload: payload, At: time.Now()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.active[userID] {
		select {
		case sub.events <- ev:
		default:
			slog.Debug("Live subscriber behind, dropping event", "user_id", userID, "session_id", sub.SessionID, "type", eventType)
		}
	}
}

// CloseUser ends all subscriptions of a user.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.active[userID]
	if !ok {
		return
	}
	for sub := range subs {
		sub.close()
		slog.Info("Live subscription closed", "user_id", userID, "session_id", sub.SessionID)
	}
	delete(h.active, userID)
}

// Subscribers returns the number of live subscriptions of userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID])
}
