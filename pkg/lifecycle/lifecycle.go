// Package lifecycle defines the run state machine: the states a run
// moves through, the transitions the orchestrator accepts, and the
// closed sets of worker types and risk levels. It is pure data and
// pure functions; persistence and side effects live elsewhere.
//
// # State machine
//
//	PENDING -> CLAIMED -> WORKING -> VALIDATING -> MERGING -> DONE
//	                                     |            |
//	                                     v            v
//	                                  BLOCKED <-> MERGING
//
// DONE and FAILED are terminal. Any non-terminal state may move to
// FAILED (unrecoverable error, exhausted retries, or cancellation),
// and any post-claim state may re-enter CLAIMED for a retry.
package lifecycle

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a run.
type State string

// Run states.
const (
	StatePending    State = "PENDING"
	StateClaimed    State = "CLAIMED"
	StateWorking    State = "WORKING"
	StateValidating State = "VALIDATING"
	StateMerging    State = "MERGING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
	StateBlocked    State = "BLOCKED"
)

// RiskLevel is the assessed risk of a run.
type RiskLevel string

// Risk levels.
const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// WorkerType identifies which kind of external worker an issue is
// dispatched to.
type WorkerType string

// Worker types.
const (
	WorkerCode  WorkerType = "code"
	WorkerImage WorkerType = "image"
	WorkerCopy  WorkerType = "copy"
	WorkerAgent WorkerType = "agent"
)

// IssueStatus is the dispatch status of a single run issue.
type IssueStatus string

// Issue statuses.
const (
	IssuePending    IssueStatus = "pending"
	IssueDispatched IssueStatus = "dispatched"
	IssueCompleted  IssueStatus = "completed"
	IssueFailed     IssueStatus = "failed"
)

// Trigger identities for transitions not caused by a specific worker
// or human.
const (
	TriggerSystem  = "system"
	TriggerSweeper = "sweeper"
)

// ErrInvalidTransition is returned when a requested state change is not
// allowed by the state machine.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions maps each state to the states it may move to.
// PENDING -> FAILED exists only for the cancellation path; normal
// processing always goes through CLAIMED first.
var validTransitions = map[State][]State{
	StatePending:    {StateClaimed, StateFailed},
	StateClaimed:    {StateWorking, StatePending, StateClaimed, StateFailed},
	StateWorking:    {StateValidating, StateClaimed, StateFailed},
	StateValidating: {StateMerging, StateBlocked, StateClaimed, StateFailed},
	StateMerging:    {StateDone, StateBlocked, StateClaimed, StateFailed},
	StateBlocked:    {StateMerging, StateClaimed, StateFailed},
	StateDone:       {},
	StateFailed:     {},
}

// States returns all run states in lifecycle order.
func States() []State {
	return []State{
		StatePending,
		StateClaimed,
		StateWorking,
		StateValidating,
		StateMerging,
		StateDone,
		StateFailed,
		StateBlocked,
	}
}

// ActiveStates returns the states in which a run occupies its
// repository: claimed or beyond, but not yet terminal.
func ActiveStates() []State {
	return []State{
		StateClaimed,
		StateWorking,
		StateValidating,
		StateMerging,
		StateBlocked,
	}
}

// IsValidState checks whether s is a known run state.
func IsValidState(s State) bool {
	_, ok := validTransitions[s]

	return ok
}

// IsTerminal reports whether a run in state s will never change again.
func IsTerminal(s State) bool {
	return s == StateDone || s == StateFailed
}

// CanTransition reports whether the state machine allows moving from
// one state to another.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// ValidateTransition returns ErrInvalidTransition (wrapped with the
// offending pair) when from -> to is not allowed.
func ValidateTransition(from, to State) error {
	if !IsValidState(from) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}

	if !IsValidState(to) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}

	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

// IssueTerminal reports whether an issue has reached a final status.
func IssueTerminal(s IssueStatus) bool {
	return s == IssueCompleted || s == IssueFailed
}

// validWorkerTypes is the closed set of supported worker types.
var validWorkerTypes = map[WorkerType]struct{}{
	WorkerCode:  {},
	WorkerImage: {},
	WorkerCopy:  {},
	WorkerAgent: {},
}

// IsValidWorkerType checks if the given worker type is supported.
func IsValidWorkerType(t WorkerType) bool {
	_, ok := validWorkerTypes[t]

	return ok
}

// WorkerTypes returns all supported worker types.
func WorkerTypes() []WorkerType {
	return []WorkerType{WorkerCode, WorkerImage, WorkerCopy, WorkerAgent}
}

// validRiskLevels is the closed set of risk levels.
var validRiskLevels = map[RiskLevel]struct{}{
	RiskLow:    {},
	RiskMedium: {},
	RiskHigh:   {},
}

// IsValidRiskLevel checks if the given risk level is supported.
func IsValidRiskLevel(r RiskLevel) bool {
	_, ok := validRiskLevels[r]

	return ok
}
