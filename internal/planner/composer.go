// Package planner composes, confirms and dispatches day-plan requests.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/dayboard/internal/backend"
	"github.com/ashureev/dayboard/internal/domain"
)

const (
	// DefaultTaskDuration is the duration given to new and auto-filled tasks.
	DefaultTaskDuration = 30
	// MinTaskDuration is the shortest schedulable task, in minutes.
	MinTaskDuration = 5

	autoFillMaxEvents = 50
	defaultTaskList   = "@default"
)

// ErrNoDate is the reason AutoFill skips when neither the argument nor the
// draft carries a date; its text lands in AutoFillOutcome.Reason.
var ErrNoDate = errors.New("date is required")

// Sources reads the collaborators used to pre-populate a draft.
type Sources interface {
	EventsInRange(ctx context.Context, r backend.EventRange) ([]backend.Event, error)
	OpenTasks(ctx context.Context, q backend.TaskQuery) ([]backend.TaskItem, error)
}

// AutoFillRecorder counts auto-fill attempts.
type AutoFillRecorder interface {
	AutoFill(applied bool)
}

// ValidationErrors maps a field path such as "meetings.0.title" to a message.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "no validation errors"
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+v[k])
	}
	return "invalid plan request: " + strings.Join(parts, "; ")
}

// AutoFillOutcome reports what an auto-fill did to the draft.
type AutoFillOutcome struct {
	Applied  bool   `json:"applied"`
	Meetings int    `json:"meetings"`
	Tasks    int    `json:"tasks"`
	Skipped  int    `json:"skipped_events,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Composer holds the editable draft of the next plan request.
type Composer struct {
	mu    sync.Mutex
	draft domain.PlanRequest

	sources  Sources
	timeout  time.Duration
	recorder AutoFillRecorder
	logger   *slog.Logger
}

// ComposerConfig configures a Composer.
type ComposerConfig struct {
	Sources         Sources
	AutoFillTimeout time.Duration
	Recorder        AutoFillRecorder
	Logger          *slog.Logger
	// Today seeds the draft date. Empty leaves it unset.
	Today string
}

// NewComposer creates a composer with an empty draft.
func NewComposer(cfg ComposerConfig) *Composer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Composer{
		draft: domain.PlanRequest{
			Date:     cfg.Today,
			Meetings: []domain.Meeting{},
			Tasks:    []domain.Task{},
		},
		sources:  cfg.Sources,
		timeout:  cfg.AutoFillTimeout,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
	}
}

// Snapshot returns a deep copy of the draft.
func (c *Composer) Snapshot() domain.PlanRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft.Clone()
}

// Replace overwrites the draft.
func (c *Composer) Replace(req domain.PlanRequest) {
	req = req.Clone()
	c.mu.Lock()
	c.draft = req
	c.mu.Unlock()
}

// SetDate changes the draft date.
func (c *Composer) SetDate(date string) {
	c.mu.Lock()
	c.draft.Date = date
	c.mu.Unlock()
}

// AddMeeting appends a meeting. A zero priority becomes medium.
func (c *Composer) AddMeeting(m domain.Meeting) int {
	if m.Priority == "" {
		m.Priority = domain.PriorityMedium
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft.Meetings = append(c.draft.Meetings, m)
	return len(c.draft.Meetings)
}

// AddTask appends a task. A zero duration becomes DefaultTaskDuration and a
// zero priority becomes medium.
func (c *Composer) AddTask(t domain.Task) int {
	if t.Duration == 0 {
		t.Duration = DefaultTaskDuration
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft.Tasks = append(c.draft.Tasks, t)
	return len(c.draft.Tasks)
}

// RemoveMeeting removes the meeting at index i. Out of range is a no-op.
func (c *Composer) RemoveMeeting(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.draft.Meetings) {
		return false
	}
	c.draft.Meetings = append(c.draft.Meetings[:i:i], c.draft.Meetings[i+1:]...)
	return true
}

// RemoveTask removes the task at index i. Out of range is a no-op.
func (c *Composer) RemoveTask(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.draft.Tasks) {
		return false
	}
	c.draft.Tasks = append(c.draft.Tasks[:i:i], c.draft.Tasks[i+1:]...)
	return true
}

// Validate checks the current draft.
func (c *Composer) Validate() ValidationErrors {
	return Validate(c.Snapshot())
}

// Validate returns every field-level problem of req. An empty map means req
// may be submitted.
func Validate(req domain.PlanRequest) ValidationErrors {
	errs := ValidationErrors{}
	if strings.TrimSpace(req.Date) == "" {
		errs["date"] = "Date is required"
	}
	for i, m := range req.Meetings {
		prefix := fmt.Sprintf("meetings.%d.", i)
		if strings.TrimSpace(m.Title) == "" {
			errs[prefix+"title"] = "Title is required"
		}
		if m.StartTime == "" {
			errs[prefix+"startTime"] = "Start time is required"
		}
		if m.EndTime == "" {
			errs[prefix+"endTime"] = "End time is required"
		}
		// Same-day HH:MM strings order lexically.
		if m.StartTime != "" && m.EndTime != "" && m.StartTime >= m.EndTime {
			errs[prefix+"endTime"] = "End time must be after start time"
		}
		if !m.Priority.Valid() {
			errs[prefix+"priority"] = "Priority must be low, medium or high"
		}
	}
	for i, t := range req.Tasks {
		prefix := fmt.Sprintf("tasks.%d.", i)
		if strings.TrimSpace(t.Title) == "" {
			errs[prefix+"title"] = "Title is required"
		}
		if t.Duration < MinTaskDuration {
			errs[prefix+"duration"] = fmt.Sprintf("Duration must be at least %d minutes", MinTaskDuration)
		}
		if !t.Priority.Valid() {
			errs[prefix+"priority"] = "Priority must be low, medium or high"
		}
	}
	return errs
}

// AutoFill replaces the draft's meetings and tasks with the calendar events
// of date and the open tasks of the default list. Both reads run
// concurrently and must succeed; otherwise the draft is left as it was and
// the failure is only logged.
func (c *Composer) AutoFill(ctx context.Context, date string) AutoFillOutcome {
	if date == "" {
		date = c.Snapshot().Date
	}
	if date == "" {
		return c.skip(ErrNoDate)
	}
	if c.sources == nil {
		return c.skip(errors.New("no sources configured"))
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var (
		events []backend.Event
		tasks  []backend.TaskItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = c.sources.EventsInRange(gctx, backend.EventRange{
			Start:      date + "T00:00:00Z",
			End:        date + "T23:59:59Z",
			MaxResults: autoFillMaxEvents,
		})
		if err != nil {
			return fmt.Errorf("fetch events: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		tasks, err = c.sources.OpenTasks(gctx, backend.TaskQuery{ListID: defaultTaskList})
		if err != nil {
			return fmt.Errorf("fetch tasks: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return c.skip(err)
	}

	meetings, skipped := meetingsFromEvents(events)
	drafted := tasksFromItems(tasks)

	c.mu.Lock()
	c.draft.Date = date
	c.draft.Meetings = meetings
	c.draft.Tasks = drafted
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.AutoFill(true)
	}
	c.logger.Info("Draft auto-filled", "date", date, "meetings", len(meetings), "tasks", len(drafted), "skipped_events", skipped)
	return AutoFillOutcome{Applied: true, Meetings: len(meetings), Tasks: len(drafted), Skipped: skipped}
}

func (c *Composer) skip(err error) AutoFillOutcome {
	if c.recorder != nil {
		c.recorder.AutoFill(false)
	}
	c.logger.Warn("Auto-fill skipped, keeping draft", "error", err)
	return AutoFillOutcome{Reason: backend.Message(err)}
}

// meetingsFromEvents maps timed events to meetings. All-day events carry no
// time of day and are skipped.
func meetingsFromEvents(events []backend.Event) ([]domain.Meeting, int) {
	out := make([]domain.Meeting, 0, len(events))
	skipped := 0
	for _, e := range events {
		start, okStart := clockTime(e.Start)
		end, okEnd := clockTime(e.End)
		if !okStart || !okEnd {
			skipped++
			continue
		}
		out = append(out, domain.Meeting{
			Title:     e.Name(),
			StartTime: start,
			EndTime:   end,
			Priority:  domain.PriorityMedium,
		})
	}
	return out, skipped
}

func tasksFromItems(items []backend.TaskItem) []domain.Task {
	out := make([]domain.Task, 0, len(items))
	for _, it := range items {
		if it.Completed() {
			continue
		}
		out = append(out, domain.Task{
			Title:    it.Title,
			Duration: DefaultTaskDuration,
			Priority: domain.PriorityMedium,
		})
	}
	return out
}

// clockTime extracts HH:MM in the timestamp's own offset.
func clockTime(ts string) (string, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Format("15:04"), true
		}
	}
	return "", false
}
