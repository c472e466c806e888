package coordinator

import (
	"context"
	"strconv"

	"github.com/4xguy/pi-mono/internal/guardrail"
	"github.com/4xguy/pi-mono/internal/ledger"
	"github.com/4xguy/pi-mono/internal/topology"
	"github.com/4xguy/pi-mono/internal/worktree"
)

// runChain reserves and runs each step in order, substituting the previous
// step's output into the next step's task text, stopping at the first
// failure. A single shared lane carries every step when worktree isolation
// is active.
func (c *Coordinator) runChain(
	ctx context.Context,
	req Request,
	budget *guardrail.Budget,
	ledgerInst ledger.Ledger,
	contextMode ledger.ContextMode,
	sharedLimit int,
	inputs []TaskInput,
	registry *AgentRegistry,
	wtManager *worktree.Manager,
	useWorktree bool,
	cwd string,
	consumer UpdateConsumer,
	runID int,
) ([]TaskOutcome, *worktree.IntegrationReport, *worktree.Lane, error) {
	n := len(inputs)
	if budget.RemainingTokens < n {
		return nil, nil, nil, &CallError{Phase: "dispatch", Cause: &guardrail.BudgetExhaustedError{Need: n, Remaining: budget.RemainingTokens}}
	}

	var lane *worktree.Lane
	laneLabel := ""
	taskCwd := cwd
	if useWorktree {
		created, err := wtManager.CreateLane(ctx, worktree.ModeWorktree, "chain", 0)
		if err != nil {
			return nil, nil, nil, &CallError{Phase: "dispatch", Cause: err}
		}
		lane = created
		laneLabel = lane.Label
		taskCwd, _ = wtManager.LaneCwd(lane, req.Cwd)
	}

	outcomes := make([]TaskOutcome, 0, n)
	previousOutput := ""
	remaining := budget.RemainingTokens

	for i, input := range inputs {
		stepsAfter := n - i - 1
		reservedDescendants := remaining - (stepsAfter + 1)
		if reservedDescendants < 0 {
			reservedDescendants = 0
		}

		task := input
		task.Task = topology.SubstitutePrevious(task.Task, previousOutput)

		consumer.OnUpdate(Update{RunningCount: 1, CompletedCount: i, TotalCount: n, LastItems: []string{task.Agent}})
		c.Monitor.SetRunning(runID, 1)
		c.Monitor.UpdateAgent(runID, task.Agent, "running")

		allowNested := hasDelegationTool(registry.ToolsFor(task.Agent))
		d := c.delegateOne(ctx, budget, ledgerInst, contextMode, sharedLimit, "", task, registry.ToolsFor(task.Agent), modelFor(registry, task.Agent), reservedDescendants, allowNested, taskCwd)
		remaining = budget.RemainingTokens

		outcome := toOutcome(d, laneLabel)
		outcomes = append(outcomes, outcome)
		c.Monitor.UpdateAgent(runID, task.Agent, outcome.Status)

		if d.err != nil {
			return outcomes, nil, lane, &CallError{Phase: stepPhase(i), Cause: d.err}
		}
		if outcome.Status != "success" {
			return outcomes, nil, lane, &CallError{Phase: stepPhase(i), Cause: &ChainStepError{Step: i, Agent: task.Agent, Reason: outcome.ErrorMessage}}
		}
		previousOutput = outcome.Text
	}

	consumer.OnUpdate(Update{RunningCount: 0, CompletedCount: n, TotalCount: n})
	c.Monitor.SetRunning(runID, 0)

	if contextMode == ledger.ModeSharedWrite {
		_ = ledgerInst.AppendDecision(ledger.NewTaskID(), "coordinator", "chain completed")
	}

	if lane == nil {
		return outcomes, nil, nil, nil
	}
	report := wtManager.Integrate(ctx, lane)
	if report.Failed {
		return outcomes, &report, lane, &CallError{Phase: "integration", Cause: report.Err}
	}
	return outcomes, &report, lane, nil
}

func stepPhase(i int) string {
	return "step " + strconv.Itoa(i)
}
