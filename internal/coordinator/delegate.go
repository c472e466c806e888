package coordinator

import (
	"context"

	"github.com/4xguy/pi-mono/internal/child"
	"github.com/4xguy/pi-mono/internal/guardrail"
	"github.com/4xguy/pi-mono/internal/ledger"
)

// reservation is a committed budget slot plus the dispatch envelope and
// handoff packet needed to actually run the child. Splitting reservation
// from execution lets parallel mode reserve every task up front — so a
// reservation failure aborts before any process spawns — while single and
// chain mode can reserve-then-run immediately per task.
type reservation struct {
	input       TaskInput
	childBudget *guardrail.ChildBudget
	taskID      string
	taskText    string
	tools       []string
	model       string
	cwd         string
	err         error
}

// delegation is one completed child invocation plus its ledger bookkeeping.
type delegation struct {
	taskID string
	agent  string
	task   string
	result *child.Result
	err    error
}

// reserveChild reserves one child budget slot and appends the dispatch
// entry, returning everything needed to run the child later. err is set
// only when the reservation itself failed (no side effects beyond the
// budget check).
func (c *Coordinator) reserveChild(
	parent *guardrail.Budget,
	ledgerInst ledger.Ledger,
	contextMode ledger.ContextMode,
	sharedLimit int,
	parentTaskID string,
	input TaskInput,
	tools []string,
	model string,
	reservedDescendants int,
	allowNested bool,
	cwd string,
) reservation {
	r := reservation{input: input, tools: tools, model: model, cwd: cwd}

	childBudget, err := parent.Reserve(input.Agent, input.Task, reservedDescendants, allowNested, c.now())
	if err != nil {
		r.err = err
		return r
	}
	r.childBudget = childBudget

	taskID := ledger.NewTaskID()
	r.taskID = taskID
	envelope := ledger.NewEnvelope(parent.RunID, taskID, parentTaskID, input.Agent, input.Task, string(contextMode), childBudget.Depth)
	_ = ledgerInst.AppendDispatch(envelope, contextMode)

	recent, _ := ledgerInst.ReadRecent(sharedLimit)
	packet := ledgerInst.BuildPacket(contextMode, envelope, recent)

	r.taskText = input.Task
	if packet != "" {
		r.taskText = r.taskText + "\n\n" + packet
	}
	return r
}

// runReserved launches the child for an already-committed reservation and
// appends the resulting observation.
func (c *Coordinator) runReserved(ctx context.Context, ledgerInst ledger.Ledger, contextMode ledger.ContextMode, r reservation) delegation {
	d := delegation{agent: r.input.Agent, task: r.input.Task, taskID: r.taskID}

	req := child.Request{
		Binary:       c.AgentBinary,
		Model:        r.model,
		Tools:        r.tools,
		Task:         r.taskText,
		Cwd:          r.cwd,
		Env:          r.childBudget.ToEnv(string(contextMode)),
		DeadlineAtMs: r.childBudget.DeadlineAtMs,
	}

	result, runErr := c.Driver.Run(ctx, req, c.now())
	if runErr != nil {
		result = &child.Result{ErrorMessage: runErr.Error(), Aborted: true}
	}
	d.result = result

	status := "success"
	summary := result.Text
	if result.Failed() {
		status = "error"
		summary = result.ErrorMessage
		if summary == "" {
			summary = result.Stderr
		}
	}
	_ = ledgerInst.AppendObservation(r.taskID, r.input.Agent, status, summary)

	return d
}

// delegateOne reserves and immediately runs one child, for the modes that
// don't need the reserve-all-before-spawning guarantee.
func (c *Coordinator) delegateOne(
	ctx context.Context,
	parent *guardrail.Budget,
	ledgerInst ledger.Ledger,
	contextMode ledger.ContextMode,
	sharedLimit int,
	parentTaskID string,
	input TaskInput,
	tools []string,
	model string,
	reservedDescendants int,
	allowNested bool,
	cwd string,
) delegation {
	r := c.reserveChild(parent, ledgerInst, contextMode, sharedLimit, parentTaskID, input, tools, model, reservedDescendants, allowNested, cwd)
	if r.err != nil {
		return delegation{agent: input.Agent, task: input.Task, err: r.err}
	}
	return c.runReserved(ctx, ledgerInst, contextMode, r)
}

// toOutcome converts a delegation into the user-visible TaskOutcome,
// labeling it with the lane it ran in when worktree isolation was active.
func toOutcome(d delegation, lane string) TaskOutcome {
	out := TaskOutcome{Agent: d.agent, Task: d.task, Lane: lane}
	if d.err != nil {
		out.Status = "error"
		out.ErrorMessage = d.err.Error()
		return out
	}
	if d.result.Failed() {
		out.Status = "error"
		out.ErrorMessage = d.result.ErrorMessage
		if out.ErrorMessage == "" {
			out.ErrorMessage = d.result.Stderr
		}
		return out
	}
	out.Status = "success"
	out.Text = d.result.Text
	return out
}
