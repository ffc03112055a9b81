package domain

import (
	"time"
)

// Priority ranks meetings and tasks.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Meeting is a timed entry on the plan date. Times are same-day HH:MM.
type Meeting struct {
	Title     string   `json:"title"`
	StartTime string   `json:"startTime"`
	EndTime   string   `json:"endTime"`
	Priority  Priority `json:"priority"`
}

// Task is a duration-tagged entry to be scheduled around meetings.
type Task struct {
	Title    string   `json:"title"`
	Duration int      `json:"duration"` // minutes
	Priority Priority `json:"priority"`
}

// PlanRequest is the composed input to a planning action.
type PlanRequest struct {
	Date     string    `json:"date"`
	Meetings []Meeting `json:"meetings"`
	Tasks    []Task    `json:"tasks"`
}

// Clone returns a deep copy so callers can hand the request off without
// sharing backing arrays.
func (r PlanRequest) Clone() PlanRequest {
	out := PlanRequest{Date: r.Date}
	out.Meetings = append(make([]Meeting, 0, len(r.Meetings)), r.Meetings...)
	out.Tasks = append(make([]Task, 0, len(r.Tasks)), r.Tasks...)
	return out
}

// PlanResult is the narrative outcome of a successful planning call.
type PlanResult struct {
	CalendarAnalysis string `json:"calendar_analysis,omitempty"`
	TaskAnalysis     string `json:"task_analysis,omitempty"`
	ConflictAnalysis string `json:"conflict_analysis"`
	TravelReminders  string `json:"travel_reminders"`
	RuleBasedPlan    string `json:"rule_based_plan"`
	AIExplanation    string `json:"ai_explanation"`
	GeneratedAt      string `json:"generated_at"`
}

// PlanHistoryItem records one successful planning round trip.
type PlanHistoryItem struct {
	ID        string      `json:"id"`
	UserID    string      `json:"-"`
	Input     PlanRequest `json:"input"`
	Output    PlanResult  `json:"output"`
	Timestamp time.Time   `json:"timestamp"`
}
