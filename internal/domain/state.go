package domain

// ActionState is the lifecycle tag of an action controller.
type ActionState string

const (
	StateIdle                 ActionState = "idle"
	StateAwaitingConfirmation ActionState = "awaiting_confirmation"
	StateInFlight             ActionState = "in_flight"
	StateSucceeded            ActionState = "succeeded"
	StateFailed               ActionState = "failed"
)

// Transient reports whether s is a notification-only state that the
// controller leaves immediately.
func (s ActionState) Transient() bool {
	return s == StateSucceeded || s == StateFailed
}
