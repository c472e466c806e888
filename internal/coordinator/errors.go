package coordinator

import "fmt"

// CallError identifies which phase of the call failed, per the
// user-visible-behavior requirement that every failure names dispatch,
// step i, integration, smoke, or fix-attempt n plus the underlying cause.
type CallError struct {
	Phase string
	Cause error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Cause)
}

func (e *CallError) Unwrap() error { return e.Cause }

// ChainStepError names which step of a chain failed and why, so a CallError
// wrapping it reports both the position and the underlying agent failure.
type ChainStepError struct {
	Step   int
	Agent  string
	Reason string
}

func (e *ChainStepError) Error() string {
	return fmt.Sprintf("step %d (%s): %s", e.Step, e.Agent, e.Reason)
}
