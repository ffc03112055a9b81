// Package action implements a single-flight controller for fallible,
// user-confirmed external calls.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/dayboard/internal/domain"
	"github.com/ashureev/dayboard/internal/metrics"
)

var (
	// ErrInFlight is returned when a submission arrives while another call
	// is outstanding. Callers treat it as a silent no-op.
	ErrInFlight = errors.New("action already in flight")
	// ErrCanceled is the cause recorded when Cancel aborts a call.
	ErrCanceled = errors.New("request canceled")
	// ErrTimeout is the cause recorded when the per-call timeout elapses.
	ErrTimeout = errors.New("request timed out")
)

// Func performs the external call.
type Func[Req, Res any] func(ctx context.Context, req Req) (Res, error)

// Hooks run after the call settles and before the controller publishes the
// outcome, while the state is still in_flight.
type Hooks[Req, Res any] struct {
	OnSuccess func(req Req, res Res)
	OnFailure func(req Req, err error)
}

// Transition describes one lifecycle change.
type Transition struct {
	Action string             `json:"action"`
	From   domain.ActionState `json:"from"`
	To     domain.ActionState `json:"to"`
	Error  string             `json:"error,omitempty"`
	At     time.Time          `json:"at"`
}

// Options configures a Controller.
type Options struct {
	Name     string
	Timeout  time.Duration
	Recorder metrics.Recorder
	Observer func(Transition)
	Logger   *slog.Logger
}

// Controller runs at most one outstanding call and owns its ActionState.
type Controller[Req, Res any] struct {
	name     string
	call     Func[Req, Res]
	hooks    Hooks[Req, Res]
	timeout  time.Duration
	recorder metrics.Recorder
	observer func(Transition)
	logger   *slog.Logger

	mu     sync.Mutex
	state  domain.ActionState
	cancel context.CancelCauseFunc
}

// New creates a controller in the idle state.
func New[Req, Res any](call Func[Req, Res], hooks Hooks[Req, Res], opts Options) *Controller[Req, Res] {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	if opts.Name == "" {
		opts.Name = "action"
	}
	return &Controller[Req, Res]{
		name:     opts.Name,
		call:     call,
		hooks:    hooks,
		timeout:  opts.Timeout,
		recorder: opts.Recorder,
		observer: opts.Observer,
		logger:   opts.Logger,
		state:    domain.StateIdle,
	}
}

// Name returns the label used in logs and metrics.
func (c *Controller[Req, Res]) Name() string {
	return c.name
}

// State returns the current lifecycle tag.
func (c *Controller[Req, Res]) State() domain.ActionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hold moves an idle controller to awaiting_confirmation.
func (c *Controller[Req, Res]) Hold() error {
	c.mu.Lock()
	if c.state == domain.StateInFlight {
		c.mu.Unlock()
		return ErrInFlight
	}
	from := c.state
	c.state = domain.StateAwaitingConfirmation
	c.mu.Unlock()

	if from != domain.StateAwaitingConfirmation {
		c.emit(Transition{From: from, To: domain.StateAwaitingConfirmation})
	}
	return nil
}

// Release returns an awaiting controller to idle. It is a no-op in any other
// state.
func (c *Controller[Req, Res]) Release() {
	c.mu.Lock()
	if c.state != domain.StateAwaitingConfirmation {
		c.mu.Unlock()
		return
	}
	c.state = domain.StateIdle
	c.mu.Unlock()

	c.emit(Transition{From: domain.StateAwaitingConfirmation, To: domain.StateIdle})
}

// Cancel aborts the outstanding call, if any. It reports whether a call was
// in flight.
func (c *Controller[Req, Res]) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel(ErrCanceled)
	return true
}

// Submit runs call with req and blocks until it settles. A submission while
// another call is outstanding returns ErrInFlight without side effects.
// Every failure is terminal for the attempt; nothing is retried.
func (c *Controller[Req, Res]) Submit(ctx context.Context, req Req) (Res, error) {
	var zero Res

	c.mu.Lock()
	if c.state == domain.StateInFlight {
		c.mu.Unlock()
		c.recorder.Rejected(c.name)
		c.logger.Debug("Submission rejected, call already in flight", "action", c.name)
		return zero, ErrInFlight
	}
	from := c.state
	callCtx, cancel := context.WithCancelCause(ctx)
	c.state = domain.StateInFlight
	c.cancel = cancel
	c.mu.Unlock()

	c.emit(Transition{From: from, To: domain.StateInFlight})
	c.recorder.Started(c.name)
	started := time.Now()

	res, err := c.invoke(callCtx, req)
	cancel(nil)

	if err != nil {
		if c.hooks.OnFailure != nil {
			c.hooks.OnFailure(req, err)
		}
	} else if c.hooks.OnSuccess != nil {
		c.hooks.OnSuccess(req, res)
	}

	outcome := domain.StateSucceeded
	errMsg := ""
	label := metrics.OutcomeSucceeded
	if err != nil {
		outcome = domain.StateFailed
		errMsg = err.Error()
		label = metrics.OutcomeFailed
		if errors.Is(err, ErrCanceled) {
			label = metrics.OutcomeCanceled
		}
	}
	c.recorder.Finished(c.name, label, time.Since(started))

	c.mu.Lock()
	c.state = domain.StateIdle
	c.cancel = nil
	c.mu.Unlock()

	c.emit(Transition{From: domain.StateInFlight, To: outcome, Error: errMsg})
	c.emit(Transition{From: outcome, To: domain.StateIdle})

	if err != nil {
		c.logger.Warn("Action failed", "action", c.name, "error", err, "elapsed", time.Since(started))
		return zero, err
	}
	c.logger.Info("Action succeeded", "action", c.name, "elapsed", time.Since(started))
	return res, nil
}

func (c *Controller[Req, Res]) invoke(ctx context.Context, req Req) (res Res, err error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.timeout, ErrTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", c.name, r)
		}
	}()

	res, err = c.call(ctx, req)
	if err == nil {
		return res, nil
	}

	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrCanceled):
		return res, ErrCanceled
	case errors.Is(cause, ErrTimeout):
		return res, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	return res, err
}

func (c *Controller[Req, Res]) emit(t Transition) {
	if c.observer == nil {
		return
	}
	t.Action = c.name
	t.At = time.Now()
	c.observer(t)
}
