// Package backend is the HTTP client for the upstream dashboard API that
// hosts planning, chat and Google Workspace reads.
package backend

import (
	"github.com/ashureev/dayboard/internal/domain"
)

// AskRequest is the body of POST /api/chatbot/ask.
type AskRequest struct {
	Message string               `json:"message"`
	History []domain.HistoryTurn `json:"history"`
}

// AskResponse is the assistant reply.
type AskResponse struct {
	Reply       string `json:"reply"`
	Model       string `json:"model,omitempty"`
	UsedContext bool   `json:"used_context,omitempty"`
}

// Event is a calendar entry returned by the range endpoint. The upstream
// maps Google's summary to title; both are accepted.
type Event struct {
	Summary string `json:"summary,omitempty"`
	Title   string `json:"title,omitempty"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Name returns the display title of the event.
func (e Event) Name() string {
	if e.Summary != "" {
		return e.Summary
	}
	return e.Title
}

// TaskItem is an entry of a Google Tasks list.
type TaskItem struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Due    string `json:"due,omitempty"`
}

// Completed reports whether the task is already done.
func (t TaskItem) Completed() bool {
	return t.Status == "completed"
}

// EventRange selects calendar events.
type EventRange struct {
	Start      string
	End        string
	MaxResults int
}

// TaskQuery selects tasks from a list.
type TaskQuery struct {
	ListID        string
	ShowCompleted bool
}

type eventsEnvelope struct {
	Events []Event `json:"events"`
}

type tasksEnvelope struct {
	Tasks []TaskItem `json:"tasks"`
}
