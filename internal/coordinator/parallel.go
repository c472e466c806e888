package coordinator

import (
	"context"
	"sync"

	"github.com/4xguy/pi-mono/internal/guardrail"
	"github.com/4xguy/pi-mono/internal/ledger"
	"github.com/4xguy/pi-mono/internal/worktree"
)

const parallelConcurrency = 4

// runParallel reserves every task's child budget before launching any of
// them — a reservation failure aborts the whole batch with nothing spawned
// — then fans the reserved tasks out across a bounded pool of workers,
// integrating only the lanes whose task succeeded.
func (c *Coordinator) runParallel(
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
) ([]TaskOutcome, []worktree.IntegrationReport, []*worktree.Lane, error) {
	n := len(inputs)
	if budget.RemainingTokens < n {
		return nil, nil, nil, &CallError{Phase: "dispatch", Cause: &guardrail.BudgetExhaustedError{Need: n, Remaining: budget.RemainingTokens}}
	}

	lanes := make([]*worktree.Lane, n)
	laneLabels := make([]string, n)
	taskCwds := make([]string, n)
	for i, input := range inputs {
		taskCwds[i] = cwd
		if useWorktree {
			lane, err := wtManager.CreateLane(ctx, worktree.ModeWorktree, input.Agent, i)
			if err != nil {
				return nil, nil, lanes, &CallError{Phase: "dispatch", Cause: err}
			}
			lanes[i] = lane
			laneLabels[i] = lane.Label
			taskCwds[i], _ = wtManager.LaneCwd(lane, req.Cwd)
		}
	}

	// Evenly distribute the descendant tokens left after reserving one slot
	// per task for the tasks themselves, spreading any remainder one-per-task.
	afterSelf := budget.RemainingTokens - n
	base := afterSelf / n
	remainder := afterSelf % n

	reservations := make([]reservation, n)
	for i, input := range inputs {
		reserved := base
		if i < remainder {
			reserved++
		}
		allowNested := hasDelegationTool(registry.ToolsFor(input.Agent))
		r := c.reserveChild(budget, ledgerInst, contextMode, sharedLimit, "", input, registry.ToolsFor(input.Agent), modelFor(registry, input.Agent), reserved, allowNested, taskCwds[i])
		if r.err != nil {
			return nil, nil, lanes, &CallError{Phase: "dispatch", Cause: r.err}
		}
		reservations[i] = r
	}

	consumer.OnUpdate(Update{RunningCount: n, TotalCount: n})
	c.Monitor.SetRunning(runID, n)
	for _, input := range inputs {
		c.Monitor.UpdateAgent(runID, input.Agent, "running")
	}

	delegations := make([]delegation, n)
	var wg sync.WaitGroup
	sem := make(chan struct{}, parallelConcurrency)
	var mu sync.Mutex
	completed := 0

	for i, r := range reservations {
		wg.Add(1)
		go func(idx int, res reservation) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			d := c.runReserved(ctx, ledgerInst, contextMode, res)
			delegations[idx] = d

			mu.Lock()
			completed++
			c.Monitor.UpdateAgent(runID, res.input.Agent, statusOf(d))
			c.Monitor.SetRunning(runID, n-completed)
			consumer.OnUpdate(Update{RunningCount: n - completed, CompletedCount: completed, TotalCount: n, LastItems: []string{res.input.Agent}})
			mu.Unlock()
		}(i, r)
	}
	wg.Wait()

	outcomes := make([]TaskOutcome, n)
	for i, d := range delegations {
		outcomes[i] = toOutcome(d, laneLabels[i])
	}

	if contextMode == ledger.ModeSharedWrite {
		anySuccess := false
		for _, o := range outcomes {
			if o.Status == "success" {
				anySuccess = true
				break
			}
		}
		if anySuccess {
			_ = ledgerInst.AppendDecision(ledger.NewTaskID(), "coordinator", "parallel batch completed")
		}
	}

	var reports []worktree.IntegrationReport
	for i, o := range outcomes {
		if lanes[i] == nil {
			continue
		}
		if o.Status != "success" {
			continue
		}
		report := wtManager.Integrate(ctx, lanes[i])
		reports = append(reports, report)
		if report.Failed {
			return outcomes, reports, lanes, &CallError{Phase: "integration", Cause: report.Err}
		}
	}

	return outcomes, reports, lanes, nil
}

func statusOf(d delegation) string {
	if d.err != nil || d.result.Failed() {
		return "error"
	}
	return "success"
}
