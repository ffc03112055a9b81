package planner

import (
	"errors"
	"sync"

	"github.com/ashureev/dayboard/internal/domain"
)

// ErrNothingPending is returned when Confirm is called on a closed gate.
var ErrNothingPending = errors.New("no request awaiting confirmation")

// holder is the part of an action controller the gate drives.
type holder interface {
	Hold() error
	Release()
}

// Summary is the intent shown while a request awaits confirmation.
type Summary struct {
	Date     string `json:"date"`
	Meetings int    `json:"meetings"`
	Tasks    int    `json:"tasks"`
}

// Gate keeps a composed request until the user confirms or cancels it.
type Gate struct {
	ctl holder

	mu      sync.Mutex
	pending *domain.PlanRequest
}

// NewGate creates a closed gate in front of ctl.
func NewGate(ctl holder) *Gate {
	return &Gate{ctl: ctl}
}

// Open stores a copy of req and moves the controller to
// awaiting_confirmation. Reopening replaces the pending request.
func (g *Gate) Open(req domain.PlanRequest) error {
	if err := g.ctl.Hold(); err != nil {
		return err
	}
	req = req.Clone()
	g.mu.Lock()
	g.pending = &req
	g.mu.Unlock()
	return nil
}

// Take closes the gate and hands out the pending request.
func (g *Gate) Take() (domain.PlanRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return domain.PlanRequest{}, false
	}
	req := *g.pending
	g.pending = nil
	return req, true
}

// Cancel discards the pending request and releases the controller.
func (g *Gate) Cancel() bool {
	g.mu.Lock()
	open := g.pending != nil
	g.pending = nil
	g.mu.Unlock()
	g.ctl.Release()
	return open
}

// Pending returns a copy of the request awaiting confirmation.
func (g *Gate) Pending() (domain.PlanRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return domain.PlanRequest{}, false
	}
	return g.pending.Clone(), true
}

// Summary describes the pending request, or nil when the gate is closed.
func (g *Gate) Summary() *Summary {
	req, ok := g.Pending()
	if !ok {
		return nil
	}
	return &Summary{Date: req.Date, Meetings: len(req.Meetings), Tasks: len(req.Tasks)}
}
