// Package worker holds the Worker entity: a GPU VM bound to at most one
// deployment at a time, driven through a setup state machine by the
// fleet manager.
package worker

import "encoding/json"

// Worker is the durable record of one coding/imagegen VM.
type Worker struct {
	ID                 int
	Hardware           json.RawMessage
	CoderDeployment    *int64
	ImagegenDeployment *int64
	SetupFinished      bool
	Assignment         *int
	Dynamic            bool
}

// SetupState reports which step of the setup state machine a worker is
// in, derived purely from its columns (S0/S1/S2 in the fleet manager's
// reconciliation loop).
type SetupState int

const (
	SetupNoCoder SetupState = iota
	SetupCoderPending
	SetupImagegenPending
	SetupFinished
)

func (w Worker) SetupState() SetupState {
	switch {
	case w.SetupFinished:
		return SetupFinished
	case w.ImagegenDeployment != nil:
		return SetupImagegenPending
	case w.CoderDeployment != nil:
		return SetupCoderPending
	default:
		return SetupNoCoder
	}
}

// Available reports whether a worker may accept a new assignment.
func (w Worker) Available() bool {
	return w.SetupFinished && w.Assignment == nil
}

// EligibleForTeardown reports whether a dynamic, idle worker may be
// undeployed during a scale-down tick.
func (w Worker) EligibleForTeardown() bool {
	return w.Dynamic && w.Assignment == nil
}
