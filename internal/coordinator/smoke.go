package coordinator

import (
	"context"
	"errors"

	"github.com/4xguy/pi-mono/internal/guardrail"
	"github.com/4xguy/pi-mono/internal/ledger"
	"github.com/4xguy/pi-mono/internal/phasegate"
)

// fixInvoker adapts the coordinator's own delegation path into a
// phasegate.FixAgentInvoker, so a remediation prompt travels through the
// same budget-reservation and ledger bookkeeping as any other delegated
// task.
type fixInvoker struct {
	coordinator *Coordinator
	budget      *guardrail.Budget
	ledger      ledger.Ledger
	contextMode ledger.ContextMode
	sharedLimit int
	registry    *AgentRegistry
	cwd         string
}

func (f *fixInvoker) Invoke(ctx context.Context, agent, prompt string) error {
	reserved := f.budget.RemainingTokens - 1
	if reserved < 0 {
		reserved = 0
	}
	allowNested := hasDelegationTool(f.registry.ToolsFor(agent))
	task := TaskInput{Agent: agent, Task: prompt}
	d := f.coordinator.delegateOne(ctx, f.budget, f.ledger, f.contextMode, f.sharedLimit, "", task, f.registry.ToolsFor(agent), modelFor(f.registry, agent), reserved, allowNested, f.cwd)
	if d.err != nil {
		return d.err
	}
	if d.result.Failed() {
		msg := d.result.ErrorMessage
		if msg == "" {
			msg = d.result.Stderr
		}
		return &CallError{Phase: "fix", Cause: errors.New(msg)}
	}
	return nil
}

// runSmokeGate runs the configured smoke commands in gateLane, and — when
// required and still failing — hands the bounded fix loop to fixAgent.
func (c *Coordinator) runSmokeGate(
	ctx context.Context,
	budget *guardrail.Budget,
	ledgerInst ledger.Ledger,
	contextMode ledger.ContextMode,
	sharedLimit int,
	gateLane string,
	registry *AgentRegistry,
	state *phasegate.State,
	fixAgent string,
) error {
	if len(state.SmokeCommands) == 0 {
		return nil
	}

	runner := phasegate.NewShellCommandRunner(gateLane)
	result := state.RunSmoke(ctx, runner)
	if result.Passed {
		return nil
	}
	if !state.RequireSmoke {
		return nil
	}

	invoker := &fixInvoker{
		coordinator: c,
		budget:      budget,
		ledger:      ledgerInst,
		contextMode: contextMode,
		sharedLimit: sharedLimit,
		registry:    registry,
		cwd:         gateLane,
	}
	return state.RunFixLoop(ctx, runner, invoker, fixAgent, result)
}
