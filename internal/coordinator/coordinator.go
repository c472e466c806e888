package coordinator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/4xguy/pi-mono/internal/child"
	"github.com/4xguy/pi-mono/internal/coordinatorconfig"
	"github.com/4xguy/pi-mono/internal/corelog"
	"github.com/4xguy/pi-mono/internal/guardrail"
	"github.com/4xguy/pi-mono/internal/ledger"
	"github.com/4xguy/pi-mono/internal/monitor"
	"github.com/4xguy/pi-mono/internal/phasegate"
	"github.com/4xguy/pi-mono/internal/topology"
	"github.com/4xguy/pi-mono/internal/worktree"
)

const defaultSharedContextLimit = 20

// Coordinator is the single entry point for a subagent delegation call. It
// owns no long-lived state beyond what is injected here; every call reads
// its budget fresh from the environment (or creates a root budget).
type Coordinator struct {
	Logger      corelog.Logger
	Driver      *child.Driver
	Monitor     *monitor.Monitor
	GitRunner   worktree.GitRunner
	AgentBinary string
	Getenv      func(string) string
	Now         func() time.Time
}

// New constructs a Coordinator with sane defaults: a nop logger, a fresh
// child driver, a fresh monitor, the real git runner, "pi" as the agent
// binary, os.Getenv, and time.Now.
func New() *Coordinator {
	logger := corelog.NopLogger{}
	return &Coordinator{
		Logger:      logger,
		Driver:      child.New(logger),
		Monitor:     monitor.New(),
		GitRunner:   worktree.NewGitRunner(),
		AgentBinary: "pi",
		Getenv:      os.Getenv,
		Now:         time.Now,
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) getenv(key string) string {
	if c.Getenv != nil {
		return c.Getenv(key)
	}
	return os.Getenv(key)
}

// Run is C8's entry point: validates the request, loads the run budget,
// resolves the topology and isolation decisions, drives the selected
// execution mode, runs the phase smoke gate, and guarantees worktree
// cleanup and monitor finalization exactly once.
func (c *Coordinator) Run(ctx context.Context, req Request, consumer UpdateConsumer) (*Result, error) {
	if consumer == nil {
		consumer = NopConsumer{}
	}

	plan, inputs, err := buildPlan(req)
	if err != nil {
		return nil, err
	}
	if err := validatePhaseGateRequest(req); err != nil {
		return nil, err
	}

	cwd := req.Cwd
	if cwd == "" {
		if wd, wdErr := os.Getwd(); wdErr == nil {
			cwd = wd
		}
	}

	scope := req.AgentScope
	if scope == "" {
		scope = ScopeProject
	}
	if scope == ScopeProject && !req.ConfirmProjectAgents {
		// Project-scoped agent definitions are untrusted until the caller
		// explicitly confirms them; fall back to user scope only.
		scope = ScopeUser
	}
	if scope == ScopeBoth && !req.ConfirmProjectAgents {
		scope = ScopeUser
	}
	registry, err := LoadAgentRegistry(scope, cwd)
	if err != nil {
		return nil, &CallError{Phase: "dispatch", Cause: err}
	}
	for _, t := range inputs {
		if !registry.Exists(t.Agent) {
			return nil, &CallError{Phase: "dispatch", Cause: &MissingAgentError{Agent: t.Agent}}
		}
	}

	budget := guardrail.Initialize(c.getenv, c.now())
	if err := budget.CheckEntry(); err != nil {
		return nil, &CallError{Phase: "dispatch", Cause: err}
	}
	if budget.Depth >= budget.MaxDepth {
		return nil, &CallError{Phase: "dispatch", Cause: &guardrail.DepthExceededError{Depth: budget.Depth, MaxDepth: budget.MaxDepth}}
	}
	if c.now().UnixMilli() > budget.DeadlineAtMs {
		return nil, &CallError{Phase: "dispatch", Cause: &guardrail.DeadlineReachedError{DeadlineAtMs: budget.DeadlineAtMs, NowMs: c.now().UnixMilli()}}
	}
	if budget.RemainingTokens <= 0 {
		return nil, &CallError{Phase: "dispatch", Cause: &guardrail.BudgetExhaustedError{Need: 1, Remaining: budget.RemainingTokens}}
	}
	if plan.Mode == topology.ModeChain && budget.RemainingTokens < len(inputs) {
		return nil, &CallError{Phase: "dispatch", Cause: fmt.Errorf(
			"insufficient subagent budget for chain: need at least %d, have %d", len(inputs), budget.RemainingTokens)}
	}

	policy := topology.Policy(req.TopologyPolicy)
	if policy == "" {
		policy = topology.Policy(c.getenv(coordinatorconfig.EnvTopologyPolicy))
	}
	if policy != topology.PolicyAdvisory {
		policy = topology.PolicyAuto
	}
	decision := topology.Decide(plan, policy)

	explicitIsolation := worktree.Mode(req.ExecutionIsolation)
	if explicitIsolation == "" {
		explicitIsolation = worktree.Mode(c.getenv(coordinatorconfig.EnvExecutionIsolation))
	}
	wtInputs := make([]worktree.TaskInput, len(inputs))
	for i, t := range inputs {
		wtInputs[i] = worktree.TaskInput{Task: t.Task, AgentTools: registry.ToolsFor(t.Agent)}
	}
	isolationMode, isolationReason := worktree.Decide(execModeFor(decision.FinalMode), explicitIsolation, wtInputs)
	decision.Reasons = append(decision.Reasons, isolationReason)

	worktreeBaseDir := req.WorktreeBaseDir
	if worktreeBaseDir == "" {
		worktreeBaseDir = c.getenv(coordinatorconfig.EnvWorktreeBaseDir)
	}
	wtManager := worktree.NewManager(c.GitRunner, cwd, budget.RunID, worktreeBaseDir)
	useWorktree := isolationMode == worktree.ModeWorktree && wtManager.IsRepo(ctx)
	if isolationMode == worktree.ModeWorktree && !useWorktree {
		decision.Reasons = append(decision.Reasons, "worktree isolation requested but cwd is not a git repository; running shared")
		isolationMode = worktree.ModeShared
	}

	contextMode := ledger.ContextMode(req.ContextMode)
	if contextMode == "" {
		contextMode = ledger.ModeSharedRead
	}
	sharedLimit := req.SharedContextLimit
	if sharedLimit <= 0 {
		sharedLimit = defaultSharedContextLimit
	}
	ledgerInst := ledger.New(budget.RunID, cwd, req.MemoryDir)

	runID := c.Monitor.StartRun(len(inputs))
	var lanes []*worktree.Lane
	var cleanupWarnings []string
	cleanedUp := false
	cleanup := func() {
		if cleanedUp {
			return
		}
		cleanedUp = true
		for _, lane := range lanes {
			cleanupWarnings = append(cleanupWarnings, wtManager.Cleanup(ctx, lane)...)
		}
	}
	defer cleanup()

	details := Details{
		Topology:        decision,
		Isolation:       isolationMode,
		IsolationReason: isolationReason,
	}

	var finalErr error
	switch decision.FinalMode {
	case topology.ModeSingle:
		var report *worktree.IntegrationReport
		var lane *worktree.Lane
		details.Tasks, report, lane, finalErr = c.runSingle(ctx, req, budget, ledgerInst, contextMode, sharedLimit, inputs[0], registry, wtManager, useWorktree, cwd, consumer, runID)
		if lane != nil {
			lanes = append(lanes, lane)
		}
		if report != nil {
			details.WorktreeReports = append(details.WorktreeReports, *report)
		}

	case topology.ModeParallel:
		var reports []worktree.IntegrationReport
		var createdLanes []*worktree.Lane
		details.Tasks, reports, createdLanes, finalErr = c.runParallel(ctx, req, budget, ledgerInst, contextMode, sharedLimit, inputs, registry, wtManager, useWorktree, cwd, consumer, runID)
		lanes = append(lanes, createdLanes...)
		details.WorktreeReports = append(details.WorktreeReports, reports...)

	case topology.ModeChain:
		var report *worktree.IntegrationReport
		var lane *worktree.Lane
		details.Tasks, report, lane, finalErr = c.runChain(ctx, req, budget, ledgerInst, contextMode, sharedLimit, inputs, registry, wtManager, useWorktree, cwd, consumer, runID)
		if lane != nil {
			lanes = append(lanes, lane)
		}
		if report != nil {
			details.WorktreeReports = append(details.WorktreeReports, *report)
		}
	}

	if finalErr == nil {
		// Every successful lane has already been integrated into cwd by this
		// point, so the smoke gate (and its fix agent) must run there too —
		// a lane path only ever contains one lane's changes.
		fixAgent := inputs[len(inputs)-1].Agent
		state := phasegate.NewState(summarizeDecision(decision), req.PhaseSmokeCommands, req.RequirePhaseSmoke, req.PhaseSmokeRetries, req.PhaseMaxFixAttempts)
		details.PhaseGate = state
		if err := c.runSmokeGate(ctx, budget, ledgerInst, contextMode, sharedLimit, cwd, registry, state, fixAgent); err != nil {
			finalErr = &CallError{Phase: "smoke", Cause: err}
		}
	} else {
		details.PhaseGate = phasegate.NewState(summarizeDecision(decision), nil, false, 0, 0)
	}

	cleanup()
	details.Warnings = append(details.Warnings, cleanupWarnings...)
	c.Monitor.Finish(runID, finalErr)

	result := &Result{Text: buildResultText(details, finalErr), Details: details}
	return result, finalErr
}

func execModeFor(mode topology.Mode) worktree.ExecMode {
	switch mode {
	case topology.ModeParallel:
		return worktree.ExecParallel
	case topology.ModeChain:
		return worktree.ExecChain
	default:
		return worktree.ExecSingle
	}
}

func summarizeDecision(d topology.Decision) string {
	return fmt.Sprintf("mode=%s (requested=%s, recommended=%s)", d.FinalMode, d.RequestedMode, d.RecommendedMode)
}

func buildResultText(d Details, err error) string {
	var b strings.Builder
	succeeded := 0
	for _, t := range d.Tasks {
		if t.Status == "success" {
			succeeded++
		}
	}
	fmt.Fprintf(&b, "%d/%d succeeded\n", succeeded, len(d.Tasks))
	for _, t := range d.Tasks {
		if t.Status == "success" {
			fmt.Fprintf(&b, "- %s: %s\n", t.Agent, t.Text)
		} else {
			fmt.Fprintf(&b, "- %s: error: %s\n", t.Agent, t.ErrorMessage)
		}
	}
	if d.PhaseGate != nil {
		if gate := d.PhaseGate.SmokeGate(); gate != nil && gate.Status == phasegate.StatusPassed && len(d.PhaseGate.SmokeFixHistory) > 0 {
			last := d.PhaseGate.SmokeFixHistory[len(d.PhaseGate.SmokeFixHistory)-1]
			if last.Outcome == phasegate.FixOutcomeSuccess {
				fmt.Fprintf(&b, "Phase smoke passed after fix attempt %d\n", last.Attempt)
			}
		}
	}
	if err != nil {
		fmt.Fprintf(&b, "call failed: %v\n", err)
	}
	return strings.TrimSpace(b.String())
}
