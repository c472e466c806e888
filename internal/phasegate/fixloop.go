package phasegate

import (
	"context"
	"strconv"
)

// FixAgentInvoker delegates a remediation prompt to a single child agent
// and reports whether the delegation itself succeeded. This is the phase
// gate's only dependency on the child process driver, kept abstract so the
// gate can be tested without spawning anything.
type FixAgentInvoker interface {
	Invoke(ctx context.Context, agent, prompt string) error
}

// RunFixLoop attempts, up to SmokeMaxFixAttempts times, to delegate a
// remediation fix and rerun smoke. It only runs when RequireSmoke is set
// and at least one fix attempt is configured; otherwise the smoke gate's
// failed status from RunSmoke stands as terminal.
func (s *State) RunFixLoop(ctx context.Context, runner CommandRunner, invoker FixAgentInvoker, fixAgent string, failing AttemptResult) error {
	gate := s.SmokeGate()

	if !s.RequireSmoke || s.SmokeMaxFixAttempts <= 0 {
		return &TerminalError{GateName: "smoke", Reason: gate.Detail}
	}

	current := failing
	for attempt := 1; attempt <= s.SmokeMaxFixAttempts; attempt++ {
		s.SmokeFixAttempts++
		prompt := BuildRemediationPrompt(current.FailedCommand, current.FailedExitCode, current.FailedOutput, attempt)

		if err := invoker.Invoke(ctx, fixAgent, prompt); err != nil {
			s.SmokeFixHistory = append(s.SmokeFixHistory, FixRecord{
				Attempt: attempt, Agent: fixAgent, Outcome: FixOutcomeError, Detail: err.Error(),
			})
			continue
		}

		retried := s.RunSmoke(ctx, runner)
		if retried.Passed {
			s.SmokeFixHistory = append(s.SmokeFixHistory, FixRecord{
				Attempt: attempt, Agent: fixAgent, Outcome: FixOutcomeSuccess,
				Detail: "phase smoke passed after fix attempt " + strconv.Itoa(attempt),
			})
			gate.Status = StatusPassed
			gate.Detail = "passed after fix attempt " + strconv.Itoa(attempt)
			return nil
		}

		s.SmokeFixHistory = append(s.SmokeFixHistory, FixRecord{
			Attempt: attempt, Agent: fixAgent, Outcome: FixOutcomeError,
			Detail: "smoke still failing: " + retried.FailedCommand,
		})
		current = retried
	}

	gate.Status = StatusFailed
	gate.Detail = "exhausted fix attempts without a pass"
	return &TerminalError{GateName: "smoke", Reason: gate.Detail}
}
