package coordinator

import (
	"context"

	"github.com/4xguy/pi-mono/internal/guardrail"
	"github.com/4xguy/pi-mono/internal/ledger"
	"github.com/4xguy/pi-mono/internal/worktree"
)

// runSingle reserves one child budget (with every remaining descendant
// token handed to it), delegates, appends the success observation and — for
// shared-write context — a decision, integrates the lane if worktree
// isolation is active, and returns the task outcome.
func (c *Coordinator) runSingle(
	ctx context.Context,
	req Request,
	budget *guardrail.Budget,
	ledgerInst ledger.Ledger,
	contextMode ledger.ContextMode,
	sharedLimit int,
	input TaskInput,
	registry *AgentRegistry,
	wtManager *worktree.Manager,
	useWorktree bool,
	cwd string,
	consumer UpdateConsumer,
	runID int,
) ([]TaskOutcome, *worktree.IntegrationReport, *worktree.Lane, error) {
	var lane *worktree.Lane
	laneLabel := ""
	taskCwd := cwd

	if useWorktree {
		created, err := wtManager.CreateLane(ctx, worktree.ModeWorktree, input.Agent, 0)
		if err != nil {
			return nil, nil, nil, &CallError{Phase: "dispatch", Cause: err}
		}
		lane = created
		laneLabel = lane.Label
		taskCwd, _ = wtManager.LaneCwd(lane, req.Cwd)
	}

	reservedDescendants := budget.RemainingTokens - 1
	if reservedDescendants < 0 {
		reservedDescendants = 0
	}

	consumer.OnUpdate(Update{RunningCount: 1, TotalCount: 1, LastItems: []string{input.Agent}})
	c.Monitor.SetRunning(runID, 1)
	c.Monitor.UpdateAgent(runID, input.Agent, "running")

	allowNested := hasDelegationTool(registry.ToolsFor(input.Agent))
	d := c.delegateOne(ctx, budget, ledgerInst, contextMode, sharedLimit, "", input, registry.ToolsFor(input.Agent), modelFor(registry, input.Agent), reservedDescendants, allowNested, taskCwd)
	if d.err != nil {
		return nil, nil, lane, &CallError{Phase: "dispatch", Cause: d.err}
	}

	outcome := toOutcome(d, laneLabel)
	c.Monitor.UpdateAgent(runID, input.Agent, outcome.Status)
	c.Monitor.SetRunning(runID, 0)
	consumer.OnUpdate(Update{RunningCount: 0, CompletedCount: 1, TotalCount: 1, LastItems: []string{outcome.Status}})

	if outcome.Status == "success" && contextMode == ledger.ModeSharedWrite {
		_ = ledgerInst.AppendDecision(d.taskID, "coordinator", "single delegation completed: "+input.Agent)
	}

	if outcome.Status != "success" {
		return []TaskOutcome{outcome}, nil, lane, nil
	}

	if lane == nil {
		return []TaskOutcome{outcome}, nil, lane, nil
	}
	report := wtManager.Integrate(ctx, lane)
	if report.Failed {
		return []TaskOutcome{outcome}, &report, lane, &CallError{Phase: "integration", Cause: report.Err}
	}
	return []TaskOutcome{outcome}, &report, lane, nil
}

func hasDelegationTool(tools []string) bool {
	for _, t := range tools {
		if t == "subagent" || t == "Task" || t == "delegate" {
			return true
		}
	}
	return false
}

func modelFor(registry *AgentRegistry, agent string) string {
	if info, ok := registry.Get(agent); ok {
		return info.Model
	}
	return ""
}
