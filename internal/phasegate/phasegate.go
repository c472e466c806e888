// Package phasegate implements the post-execution verification gate: a
// topology gate that always passes immediately, and a smoke gate that runs
// configured shell commands with bounded retries and an optional bounded
// fix-loop remediation via a delegated child agent.
package phasegate

import "fmt"

const (
	defaultSmokeMaxRetries     = 1
	defaultSmokeMaxFixAttempts = 2
	minSmokeBound              = 1
	maxSmokeBound              = 5
)

// GateStatus is the lifecycle state of a single gate.
type GateStatus string

const (
	StatusPending GateStatus = "pending"
	StatusPassed  GateStatus = "passed"
	StatusFailed  GateStatus = "failed"
	StatusSkipped GateStatus = "skipped"
)

// Gate is one named checkpoint in the phase gate state machine.
type Gate struct {
	Name     string
	Required bool
	Status   GateStatus
	Detail   string
}

// FixOutcome is the result of one fix-loop attempt.
type FixOutcome string

const (
	FixOutcomeSuccess FixOutcome = "success"
	FixOutcomeError   FixOutcome = "error"
)

// FixRecord is one entry in the smoke fix history: either a fix attempt
// or, implicitly via SmokeAttempts, a plain retry.
type FixRecord struct {
	Attempt int
	Agent   string
	Outcome FixOutcome
	Detail  string
}

// State tracks the gates and smoke/fix bookkeeping for one coordinator run.
type State struct {
	Gates               map[string]*Gate
	SmokeCommands       []string
	SmokeMaxRetries     int
	SmokeMaxFixAttempts int
	RequireSmoke        bool

	SmokeAttempts    int
	SmokeFixAttempts int
	SmokeFixHistory  []FixRecord
}

// NewState initializes the topology gate (immediately passed, carrying the
// topology summary as its detail) and the smoke gate (required iff smoke
// commands are configured or the caller explicitly requires it; otherwise
// skipped).
func NewState(topologySummary string, smokeCommands []string, requireSmoke bool, smokeMaxRetries, smokeMaxFixAttempts int) *State {
	smokeRequired := requireSmoke || len(smokeCommands) > 0

	s := &State{
		Gates:               map[string]*Gate{},
		SmokeCommands:       smokeCommands,
		SmokeMaxRetries:     clampSmokeBound(smokeMaxRetries, defaultSmokeMaxRetries),
		SmokeMaxFixAttempts: clampSmokeBound(smokeMaxFixAttempts, defaultSmokeMaxFixAttempts),
		RequireSmoke:        requireSmoke,
	}

	s.Gates["topology"] = &Gate{
		Name:     "topology",
		Required: true,
		Status:   StatusPassed,
		Detail:   topologySummary,
	}

	smokeStatus := StatusPending
	smokeDetail := ""
	if !smokeRequired {
		smokeStatus = StatusSkipped
		smokeDetail = "no smoke commands configured and smoke not required"
	}
	s.Gates["smoke"] = &Gate{
		Name:     "smoke",
		Required: smokeRequired,
		Status:   smokeStatus,
		Detail:   smokeDetail,
	}

	return s
}

// clampSmokeBound applies def when n is unset (zero, the Go zero value for
// "caller didn't specify"), then clamps to [minSmokeBound, maxSmokeBound].
func clampSmokeBound(n, def int) int {
	if n == 0 {
		n = def
	}
	if n < minSmokeBound {
		return minSmokeBound
	}
	if n > maxSmokeBound {
		return maxSmokeBound
	}
	return n
}

// SmokeGate returns the smoke gate, or nil if the state was not built via
// NewState (should not happen in practice).
func (s *State) SmokeGate() *Gate { return s.Gates["smoke"] }

// TerminalError is returned when the phase gate cannot reach a passed or
// skipped state: either smoke exhausted its retries with no fix loop
// configured, or the fix loop exhausted its attempts without a pass.
type TerminalError struct {
	GateName string
	Reason   string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("phase gate %q failed: %s", e.GateName, e.Reason)
}
