//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dayboard/internal/backend"
	"github.com/ashureev/dayboard/internal/config"
	"github.com/ashureev/dayboard/internal/domain"
	"github.com/ashureev/dayboard/internal/identity"
	"github.com/ashureev/dayboard/internal/planner"
	"github.com/ashureev/dayboard/internal/store"
	"github.com/ashureev/dayboard/internal/workspace"
)

const testUserHeader = "X-Test-User"

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

// fakeUpstream answers every upstream call. When gate is set, PlanDay waits
// on it or on cancellation.
type fakeUpstream struct {
	mu      sync.Mutex
	planErr error
	askErr  error
	gate    chan struct{}
}

func (f *fakeUpstream) PlanDay(ctx context.Context, req domain.PlanRequest) (domain.PlanResult, error) {
	f.mu.Lock()
	gate, planErr := f.gate, f.planErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.PlanResult{}, ctx.Err()
		}
	}
	if planErr != nil {
		return domain.PlanResult{}, planErr
	}
	return domain.PlanResult{AIExplanation: "planned", GeneratedAt: req.Date + "T10:00:00Z"}, nil
}

func (f *fakeUpstream) LastOutput(context.Context) (domain.PlanResult, error) {
	return domain.PlanResult{AIExplanation: "from upstream"}, nil
}

func (f *fakeUpstream) EventsInRange(context.Context, backend.EventRange) ([]backend.Event, error) {
	return nil, nil
}

func (f *fakeUpstream) OpenTasks(context.Context, backend.TaskQuery) ([]backend.TaskItem, error) {
	return nil, nil
}

func (f *fakeUpstream) Ask(_ context.Context, req backend.AskRequest) (backend.AskResponse, error) {
	f.mu.Lock()
	askErr := f.askErr
	f.mu.Unlock()
	if askErr != nil {
		return backend.AskResponse{}, askErr
	}
	return backend.AskResponse{Reply: "echo " + req.Message, Model: "gemini-2.0-flash"}, nil
}

func newTestRouter(t *testing.T, up *fakeUpstream, limiter *RateLimiter) http.Handler {
	t.Helper()
	reg, err := workspace.NewRegistry(workspace.Deps{
		Planner: up,
		Sources: up,
		Asker:   up,
		Now:     func() time.Time { return time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC) },
	}, workspace.Options{Size: 8})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	base := NewHandler(reg, nil, up, limiter, &config.Config{ChatHistoryWindow: 10, PlanHistoryLimit: 20})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := r.Header.Get(testUserHeader)
			if user == "" {
				user = "anon_test"
			}
			next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), user)))
		})
	})
	NewPlannerHandler(base).RegisterRoutes(r)
	NewChatHandler(base).RegisterRoutes(r)
	NewAccountHandler(base).RegisterRoutes(r)
	return r
}

func call(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func plannerSnapshot(t *testing.T, h http.Handler) planner.Snapshot {
	t.Helper()
	rec := call(t, h, http.MethodGet, "/api/planner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decodeBody[planner.Snapshot](t, rec)
}

func TestPlannerValidationBlocksSubmit(t *testing.T) {
	h := newTestRouter(t, &fakeUpstream{}, nil)

	rec := call(t, h, http.MethodPut, "/api/planner/draft", domain.PlanRequest{
		Date: "2024-06-01",
		Meetings: []domain.Meeting{
			{Title: "", StartTime: "10:00", EndTime: "09:00", Priority: domain.PriorityMedium},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, h, http.MethodPost, "/api/planner/submit", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody[struct {
		Fields map[string]string `json:"fields"`
	}](t, rec)
	assert.Equal(t, "Title is required", body.Fields["meetings.0.title"])
	assert.Equal(t, "End time must be after start time", body.Fields["meetings.0.endTime"])

	snap := plannerSnapshot(t, h)
	assert.Equal(t, domain.StateIdle, snap.State)
	assert.Nil(t, snap.Pending)

	rec = call(t, h, http.MethodGet, "/api/planner/validate", nil)
	valid := decodeBody[struct {
		Valid bool `json:"valid"`
	}](t, rec)
	assert.False(t, valid.Valid)
}

func TestPlannerConfirmFlow(t *testing.T) {
	h := newTestRouter(t, &fakeUpstream{}, nil)

	rec := call(t, h, http.MethodPost, "/api/planner/tasks", domain.Task{Title: "Write report"})
	require.Equal(t, http.StatusCreated, rec.Code)
	added := decodeBody[struct {
		Index int                `json:"index"`
		Draft domain.PlanRequest `json:"draft"`
	}](t, rec)
	assert.Equal(t, 0, added.Index)
	assert.Equal(t, 30, added.Draft.Tasks[0].Duration)
	assert.Equal(t, "2024-06-01", added.Draft.Date)

	rec = call(t, h, http.MethodPost, "/api/planner/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := plannerSnapshot(t, h)
	assert.Equal(t, domain.StateAwaitingConfirmation, snap.State)
	require.NotNil(t, snap.Pending)
	assert.Equal(t, 1, snap.Pending.Tasks)

	rec = call(t, h, http.MethodPost, "/api/planner/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decodeBody[planner.Snapshot](t, rec)
	assert.Equal(t, domain.StateIdle, snap.State)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "planned", snap.Result.AIExplanation)

	rec = call(t, h, http.MethodPost, "/api/planner/confirm", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, h, http.MethodDelete, "/api/planner/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeBody[planner.Snapshot](t, rec).Result)
}

func TestPlannerSetDateKeepsEntries(t *testing.T) {
	h := newTestRouter(t, &fakeUpstream{}, nil)

	call(t, h, http.MethodPost, "/api/planner/tasks", domain.Task{Title: "Write report"})
	rec := call(t, h, http.MethodPut, "/api/planner/date", map[string]string{"date": "2024-06-03"})
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeBody[planner.Snapshot](t, rec)
	assert.Equal(t, "2024-06-03", snap.Draft.Date)
	require.Len(t, snap.Draft.Tasks, 1)

	rec = call(t, h, http.MethodPut, "/api/planner/date", map[string]string{"date": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "2024-06-03", plannerSnapshot(t, h).Draft.Date)
}

func TestPlannerCancelKeepsDraft(t *testing.T) {
	h := newTestRouter(t, &fakeUpstream{}, nil)

	call(t, h, http.MethodPost, "/api/planner/tasks", domain.Task{Title: "Inbox zero", Duration: 15})
	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/api/planner/submit", nil).Code)

	rec := call(t, h, http.MethodPost, "/api/planner/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeBody[planner.Snapshot](t, rec)
	assert.Equal(t, domain.StateIdle, snap.State)
	assert.Nil(t, snap.Pending)
	require.Len(t, snap.Draft.Tasks, 1)
	assert.Equal(t, "Inbox zero", snap.Draft.Tasks[0].Title)
}

func TestPlannerFailureIsReported(t *testing.T) {
	up := &fakeUpstream{planErr: &backend.APIError{Status: http.StatusInternalServerError, Message: "planner exploded"}}
	h := newTestRouter(t, up, nil)

	call(t, h, http.MethodPost, "/api/planner/tasks", domain.Task{Title: "Deploy"})
	call(t, h, http.MethodPost, "/api/planner/submit", nil)

	rec := call(t, h, http.MethodPost, "/api/planner/confirm", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeBody[struct {
		Error   string           `json:"error"`
		Planner planner.Snapshot `json:"planner"`
	}](t, rec)
	assert.Equal(t, "planner exploded", body.Error)
	assert.Equal(t, "planner exploded", body.Planner.Error)
	assert.Equal(t, domain.StateIdle, body.Planner.State)

	rec = call(t, h, http.MethodDelete, "/api/planner/error", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[planner.Snapshot](t, rec).Error)
}

func TestPlannerRejectsSubmitWhileInFlight(t *testing.T) {
	up := &fakeUpstream{gate: make(chan struct{})}
	h := newTestRouter(t, up, nil)

	call(t, h, http.MethodPost, "/api/planner/tasks", domain.Task{Title: "Review PRs"})
	call(t, h, http.MethodPost, "/api/planner/submit", nil)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- call(t, h, http.MethodPost, "/api/planner/confirm", nil)
	}()
	require.Eventually(t, func() bool {
		return plannerSnapshot(t, h).State == domain.StateInFlight
	}, 2*time.Second, 10*time.Millisecond)

	rec := call(t, h, http.MethodPost, "/api/planner/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	refused := decodeBody[struct {
		Accepted bool `json:"accepted"`
	}](t, rec)
	assert.False(t, refused.Accepted)

	rec = call(t, h, http.MethodPost, "/api/planner/abort", nil)
	assert.Equal(t, map[string]bool{"aborted": true}, decodeBody[map[string]bool](t, rec))

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusConflict, rec.Code)
		body := decodeBody[struct {
			Error string `json:"error"`
		}](t, rec)
		assert.Equal(t, "request canceled", body.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("confirm did not settle after abort")
	}
	assert.Equal(t, domain.StateIdle, plannerSnapshot(t, h).State)
}

func TestPlannerRemoveEntry(t *testing.T) {
	h := newTestRouter(t, &fakeUpstream{}, nil)

	call(t, h, http.MethodPost, "/api/planner/meetings", domain.Meeting{Title: "Standup", StartTime: "09:00", EndTime: "09:15"})
	call(t, h, http.MethodPost, "/api/planner/meetings", domain.Meeting{Title: "1:1", StartTime: "11:00", EndTime: "11:30"})

	assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodDelete, "/api/planner/meetings/first", nil).Code)
	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodDelete, "/api/planner/meetings/5", nil).Code)

	rec := call(t, h, http.MethodDelete, "/api/planner/meetings/0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeBody[planner.Snapshot](t, rec)
	require.Len(t, snap.Draft.Meetings, 1)
	assert.Equal(t, "1:1", snap.Draft.Meetings[0].Title)
}

func TestPlannerHistoryAndLastOutput(t *testing.T) {
	h := newTestRouter(t, &fakeUpstream{}, nil)

	rec := call(t, h, http.MethodGet, "/api/planner/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[struct {
		Items []domain.PlanHistoryItem `json:"items"`
	}](t, rec)
	assert.Empty(t, history.Items)

	rec = call(t, h, http.MethodGet, "/api/planner/last-output", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from upstream", decodeBody[domain.PlanResult](t, rec).AIExplanation)
}

func TestWorkspacesAreIsolatedPerIdentity(t *testing.T) {
	h := newTestRouter(t, &fakeUpstream{}, nil)

	call(t, h, http.MethodPost, "/api/planner/tasks", domain.Task{Title: "Mine"})

	req := httptest.NewRequest(http.MethodGet, "/api/planner", nil)
	req.Header.Set(testUserHeader, "anon_other")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[planner.Snapshot](t, rec).Draft.Tasks)
}

func TestChatSendAndClear(t *testing.T) {
	h := newTestRouter(t, &fakeUpstream{}, nil)

	rec := call(t, h, http.MethodPost, "/api/chat/page/send", sendRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Accepted bool                `json:"accepted"`
		Message  domain.ChatMessage  `json:"message"`
		Chat     domain.ChatSnapshot `json:"chat"`
	}](t, rec)
	assert.True(t, body.Accepted)
	assert.Equal(t, "echo hi", body.Message.Content)
	assert.Len(t, body.Chat.Transcript, 3)
	assert.Equal(t, "Gemini 2.0 Flash", body.Chat.ModelLabel)

	rec = call(t, h, http.MethodGet, "/api/chat/widget", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[domain.ChatSnapshot](t, rec).Transcript, 1)

	rec = call(t, h, http.MethodPost, "/api/chat/page/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := decodeBody[domain.ChatSnapshot](t, rec)
	require.Len(t, cleared.Transcript, 1)
	assert.Equal(t, domain.WelcomeMessageID, cleared.Transcript[0].ID)
}

func TestChatSendFallsBackToPendingInput(t *testing.T) {
	h := newTestRouter(t, &fakeUpstream{}, nil)

	rec := call(t, h, http.MethodPut, "/api/chat/widget/input", inputRequest{Text: "what's next?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "what's next?", decodeBody[domain.ChatSnapshot](t, rec).PendingInput)

	rec = call(t, h, http.MethodPost, "/api/chat/widget/send", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Message domain.ChatMessage  `json:"message"`
		Chat    domain.ChatSnapshot `json:"chat"`
	}](t, rec)
	assert.Equal(t, "echo what's next?", body.Message.Content)
	assert.Empty(t, body.Chat.PendingInput)
}

func TestChatRejectsBadInput(t *testing.T) {
	h := newTestRouter(t, &fakeUpstream{}, nil)

	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodGet, "/api/chat/sidebar", nil).Code)
	assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodPost, "/api/chat/page/send", sendRequest{Message: "   "}).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/page/send", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, h, http.MethodGet, "/api/chat/page", nil)
	assert.Len(t, decodeBody[domain.ChatSnapshot](t, rec).Transcript, 1)
}

func TestChatFailureIsNarrated(t *testing.T) {
	h := newTestRouter(t, &fakeUpstream{askErr: &backend.APIError{Status: http.StatusServiceUnavailable, Message: "model overloaded"}}, nil)

	rec := call(t, h, http.MethodPost, "/api/chat/page/send", sendRequest{Message: "hello?"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Error   string             `json:"error"`
		Message domain.ChatMessage `json:"message"`
	}](t, rec)
	assert.Equal(t, "model overloaded", body.Error)
	assert.True(t, body.Message.IsError)
	assert.Equal(t, "⚠️ **Error:** model overloaded", body.Message.Content)
}

func TestSendIsRateLimited(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	t.Cleanup(limiter.Stop)
	h := newTestRouter(t, &fakeUpstream{}, limiter)

	assert.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/api/chat/page/send", sendRequest{Message: "one"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, call(t, h, http.MethodPost, "/api/chat/page/send", sendRequest{Message: "two"}).Code)
}

func TestGetMeAndConfig(t *testing.T) {
	h := newTestRouter(t, &fakeUpstream{}, nil)

	rec := call(t, h, http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "anon_test", me["user_id"])

	rec = call(t, h, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decodeBody[map[string]any](t, rec)
	assert.Equal(t, float64(10), cfg["chat_history_window"])
	assert.Equal(t, []any{"page", "widget"}, cfg["session_kinds"])
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return assert.AnError }

func TestHealth(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "health.db"))
	require.NoError(t, err)

	h := NewHealthHandler(repo, failingPinger{}, &config.Config{})
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}](t, rec)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])
	assert.Equal(t, "unreachable", body.Checks["backend"])

	require.NoError(t, repo.Close())
	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
