package planner

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/dayboard/internal/action"
	"github.com/ashureev/dayboard/internal/backend"
	"github.com/ashureev/dayboard/internal/domain"
	"github.com/ashureev/dayboard/internal/metrics"
)

// ActionName labels the plan controller in logs, metrics and live events.
const ActionName = "plan"

// Planner produces a plan for a request.
type Planner interface {
	PlanDay(ctx context.Context, req domain.PlanRequest) (domain.PlanResult, error)
}

// FlowConfig wires a Flow.
type FlowConfig struct {
	Planner         Planner
	Sources         Sources
	Timeout         time.Duration
	AutoFillTimeout time.Duration
	Recorder        metrics.Recorder
	AutoFill        AutoFillRecorder
	Observer        func(action.Transition)
	// OnPlanned runs after a successful plan has replaced the result.
	OnPlanned func(req domain.PlanRequest, res domain.PlanResult)
	Logger    *slog.Logger
	Today     string
}

// Snapshot is the renderer view of the planner.
type Snapshot struct {
	Draft   domain.PlanRequest `json:"draft"`
	Pending *Summary           `json:"pending"`
	State   domain.ActionState `json:"state"`
	ResultSnapshot
}

// Flow ties composer, gate, controller and result store together.
type Flow struct {
	Composer *Composer
	Gate     *Gate
	Results  *ResultStore

	ctl    *action.Controller[domain.PlanRequest, domain.PlanResult]
	logger *slog.Logger
}

// NewFlow creates an idle planner.
func NewFlow(cfg FlowConfig) *Flow {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &Flow{
		Composer: NewComposer(ComposerConfig{
			Sources:         cfg.Sources,
			AutoFillTimeout: cfg.AutoFillTimeout,
			Recorder:        cfg.AutoFill,
			Logger:          cfg.Logger,
			Today:           cfg.Today,
		}),
		Results: NewResultStore(),
		logger:  cfg.Logger,
	}

	onPlanned := cfg.OnPlanned
	f.ctl = action.New(cfg.Planner.PlanDay, action.Hooks[domain.PlanRequest, domain.PlanResult]{
		OnSuccess: func(req domain.PlanRequest, res domain.PlanResult) {
			f.Results.Replace(res)
			if onPlanned != nil {
				onPlanned(req, res)
			}
		},
		OnFailure: func(_ domain.PlanRequest, err error) {
			f.Results.Fail(backend.Message(err))
		},
	}, action.Options{
		Name:     ActionName,
		Timeout:  cfg.Timeout,
		Recorder: cfg.Recorder,
		Observer: cfg.Observer,
		Logger:   cfg.Logger,
	})
	f.Gate = NewGate(f.ctl)
	return f
}

// Submit validates the draft and opens the gate with a copy of it. The
// draft itself stays as it is so a cancel loses nothing.
func (f *Flow) Submit() error {
	req := f.Composer.Snapshot()
	if errs := Validate(req); len(errs) > 0 {
		return errs
	}
	return f.Gate.Open(req)
}

// Confirm dispatches the pending request and blocks until it settles.
func (f *Flow) Confirm(ctx context.Context) (domain.PlanResult, error) {
	req, ok := f.Gate.Take()
	if !ok {
		return domain.PlanResult{}, ErrNothingPending
	}
	f.logger.Info("Plan confirmed", "date", req.Date, "meetings", len(req.Meetings), "tasks", len(req.Tasks))
	return f.ctl.Submit(ctx, req)
}

// Cancel closes the gate without dispatching.
func (f *Flow) Cancel() bool {
	return f.Gate.Cancel()
}

// Abort cancels the outstanding plan call, if any.
func (f *Flow) Abort() bool {
	return f.ctl.Cancel()
}

// State returns the controller state.
func (f *Flow) State() domain.ActionState {
	return f.ctl.State()
}

// Snapshot returns a consistent-enough copy for renderers.
func (f *Flow) Snapshot() Snapshot {
	return Snapshot{
		Draft:          f.Composer.Snapshot(),
		Pending:        f.Gate.Summary(),
		State:          f.ctl.State(),
		ResultSnapshot: f.Results.Snapshot(),
	}
}
