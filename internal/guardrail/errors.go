package guardrail

import "fmt"

// LoopDetectedError is returned when a reservation's (agent, task)
// fingerprint already exists within the current run.
type LoopDetectedError struct {
	Fingerprint string
}

func (e *LoopDetectedError) Error() string {
	return fmt.Sprintf("loop detected: duplicate delegation for %q within this run", e.Fingerprint)
}

// BudgetExhaustedError is returned when the remaining token pool cannot
// cover a reservation's own slot plus its requested descendant tokens.
type BudgetExhaustedError struct {
	Need      int
	Remaining int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted: need %d agent token(s), %d remaining", e.Need, e.Remaining)
}

// DepthExceededError is returned when a reservation is attempted at or
// beyond the run's configured max depth.
type DepthExceededError struct {
	Depth    int
	MaxDepth int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("depth exceeded: at depth %d, max depth is %d", e.Depth, e.MaxDepth)
}

// DeadlineReachedError is returned when the run's absolute wall-time
// deadline has already passed at the point of a spawn attempt.
type DeadlineReachedError struct {
	DeadlineAtMs int64
	NowMs        int64
}

func (e *DeadlineReachedError) Error() string {
	return fmt.Sprintf("deadline reached: now=%dms exceeds deadline=%dms", e.NowMs, e.DeadlineAtMs)
}

// NestedSpawnBlockedError is returned by CheckEntry when a non-root
// orchestrator runs without delegation permission.
type NestedSpawnBlockedError struct {
	Depth int
}

func (e *NestedSpawnBlockedError) Error() string {
	return fmt.Sprintf("nested spawn blocked: agent at depth %d lacks the delegation capability", e.Depth)
}
