package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ashureev/dayboard/internal/chat"
	"github.com/ashureev/dayboard/internal/domain"
	"github.com/ashureev/dayboard/internal/live"
	"github.com/ashureev/dayboard/internal/metrics"
	"github.com/ashureev/dayboard/internal/planner"
	"github.com/ashureev/dayboard/internal/store"
)

// ErrClosed is returned by Get once the registry has been closed.
var ErrClosed = errors.New("workspace registry closed")

// Deps are the collaborators shared by every workspace.
type Deps struct {
	Planner planner.Planner
	Sources planner.Sources
	Asker   chat.Asker

	// Optional.
	Repo            store.Repository
	Hub             *live.Hub
	Metrics         *metrics.Metrics
	ConversationLog chat.ConversationLogger
	Logger          *slog.Logger
	Now             func() time.Time
}

// Options tunes the workspaces a Registry builds.
type Options struct {
	Size            int
	PlanTimeout     time.Duration
	ChatTimeout     time.Duration
	AutoFillTimeout time.Duration
	HistoryWindow   int
	HistoryLimit    int
}

// Registry builds workspaces on first use and keeps the most recently used
// ones in memory. Evicted workspaces are closed; their saved state is
// restored the next time the identity shows up. A workspace evicted while a
// call is outstanding drains instead: the call completes, and the identity
// gets the same workspace back if it returns before the registry sweeps it.
type Registry struct {
	deps Deps
	opts Options

	// mu guards cache, draining and closing. The eviction callback runs with
	// mu held.
	mu       sync.Mutex
	cache    *lru.Cache[string, *Workspace]
	draining map[string]*Workspace
	closing  bool
}

// NewRegistry creates a registry holding at most opts.Size workspaces.
func NewRegistry(deps Deps, opts Options) (*Registry, error) {
	if deps.Planner == nil || deps.Sources == nil || deps.Asker == nil {
		return nil, errors.New("workspace registry requires planner, sources and asker")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.Size <= 0 {
		opts.Size = 512
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}

	r := &Registry{deps: deps, opts: opts, draining: make(map[string]*Workspace)}
	cache, err := lru.NewWithEvict[string, *Workspace](opts.Size, r.evicted)
	if err != nil {
		return nil, fmt.Errorf("create workspace cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// Get returns the workspace of userID, building and hydrating it on first
// use.
func (r *Registry) Get(ctx context.Context, userID string) (*Workspace, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return nil, ErrClosed
	}
	if ws, ok := r.cache.Get(userID); ok {
		return ws, nil
	}
	if ws, ok := r.draining[userID]; ok {
		delete(r.draining, userID)
		r.cache.Add(userID, ws)
		r.deps.Logger.Debug("Workspace readopted", "user_id", userID)
		return ws, nil
	}
	r.sweep()

	ws := r.build(ctx, userID)
	r.cache.Add(userID, ws)
	return ws, nil
}

// Len returns the number of cached workspaces.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close aborts every call, cached or draining, and ends the live feeds of
// the identities it held.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closing = true
	users := r.cache.Keys()
	r.cache.Purge()
	for userID, ws := range r.draining {
		ws.Close()
		users = append(users, userID)
		delete(r.draining, userID)
	}
	if r.deps.Hub != nil {
		for _, userID := range users {
			r.deps.Hub.CloseUser(userID)
		}
	}
}

func (r *Registry) evicted(userID string, ws *Workspace) {
	if !r.closing && ws.Busy() {
		r.draining[userID] = ws
		r.deps.Logger.Info("Workspace evicted while busy, draining", "user_id", userID)
		return
	}
	r.deps.Logger.Info("Workspace evicted", "user_id", userID)
	ws.Close()
}

// sweep forgets draining workspaces whose calls have settled.
func (r *Registry) sweep() {
	for userID, ws := range r.draining {
		if !ws.Busy() {
			delete(r.draining, userID)
		}
	}
}

func (r *Registry) build(ctx context.Context, userID string) *Workspace {
	logger := r.deps.Logger.With("user_id", userID)
	ws := &Workspace{
		UserID:   userID,
		sessions: make(map[domain.SessionKind]*chat.Session, 2),
		savers:   make(map[domain.SessionKind]*transcriptSaver, 2),
		repo:     r.deps.Repo,
		hub:      r.deps.Hub,
		keep:     r.opts.HistoryLimit,
		logger:   logger,
	}

	var recorder metrics.Recorder = metrics.Nop{}
	var autoFill planner.AutoFillRecorder
	if r.deps.Metrics != nil {
		recorder = r.deps.Metrics
		autoFill = r.deps.Metrics
	}

	ws.Planner = planner.NewFlow(planner.FlowConfig{
		Planner:         r.deps.Planner,
		Sources:         r.deps.Sources,
		Timeout:         r.opts.PlanTimeout,
		AutoFillTimeout: r.opts.AutoFillTimeout,
		Recorder:        recorder,
		AutoFill:        autoFill,
		Observer:        ws.onTransition,
		OnPlanned:       ws.onPlanned,
		Logger:          logger,
		Today:           r.deps.Now().Format("2006-01-02"),
	})

	for _, kind := range []domain.SessionKind{domain.SessionPage, domain.SessionWidget} {
		ws.savers[kind] = &transcriptSaver{}
		ws.sessions[kind] = chat.NewSession(chat.Config{
			Kind:          kind,
			UserID:        userID,
			Asker:         r.deps.Asker,
			Timeout:       r.opts.ChatTimeout,
			HistoryWindow: r.opts.HistoryWindow,
			Recorder:      recorder,
			Observer:      ws.onTransition,
			OnChange:      ws.onChatChange,
			Log:           r.deps.ConversationLog,
			Logger:        logger,
			Restore:       r.restoreTranscript(ctx, logger, userID, kind),
			Now:           r.deps.Now,
		})
	}

	r.hydratePlan(ctx, logger, ws)
	logger.Info("Workspace created")
	return ws
}

func (r *Registry) hydratePlan(ctx context.Context, logger *slog.Logger, ws *Workspace) {
	if r.deps.Repo == nil {
		return
	}
	item, err := r.deps.Repo.LatestPlan(ctx, ws.UserID)
	if err != nil {
		logger.Warn("Failed to load latest plan", "error", err)
		return
	}
	if item != nil {
		ws.Planner.Results.Hydrate(item.Output)
	}
}

func (r *Registry) restoreTranscript(ctx context.Context, logger *slog.Logger, userID string, kind domain.SessionKind) *domain.TranscriptRecord {
	if r.deps.Repo == nil {
		return nil
	}
	rec, err := r.deps.Repo.GetTranscript(ctx, userID, kind)
	if err != nil {
		logger.Warn("Failed to load chat transcript", "session", string(kind), "error", err)
		return nil
	}
	return rec
}
