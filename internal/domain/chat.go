package domain

import (
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// WelcomeMessageID is the fixed id of the synthetic greeting that opens
// every transcript.
const WelcomeMessageID = "welcome"

// ChatMessage is one transcript entry. Entries are never edited after they
// are appended.
type ChatMessage struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	UsedContext bool      `json:"used_context,omitempty"`
	IsError     bool      `json:"is_error,omitempty"`
}

// IsWelcome reports whether m is the synthetic greeting.
func (m ChatMessage) IsWelcome() bool {
	return m.ID == WelcomeMessageID
}

// HistoryTurn is the wire shape of a prior message sent as context.
type HistoryTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SessionKind names one of the independent chat sessions of a workspace.
type SessionKind string

const (
	SessionPage   SessionKind = "page"
	SessionWidget SessionKind = "widget"
)

// Valid reports whether k is a known session kind.
func (k SessionKind) Valid() bool {
	return k == SessionPage || k == SessionWidget
}

// ChatSnapshot is a read-only view of a chat session.
type ChatSnapshot struct {
	Kind         SessionKind   `json:"kind"`
	Transcript   []ChatMessage `json:"transcript"`
	PendingInput string        `json:"pending_input"`
	State        ActionState   `json:"state"`
	ModelLabel   string        `json:"model_label"`
	Generation   uint64        `json:"generation"`
	// Revision increases on every transcript mutation, not on input edits.
	Revision uint64 `json:"revision"`
}

// TranscriptRecord is the persisted form of a chat session.
type TranscriptRecord struct {
	UserID     string
	Kind       SessionKind
	Messages   []ChatMessage
	ModelLabel string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
