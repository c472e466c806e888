package coordinator

import (
	"github.com/4xguy/pi-mono/internal/topology"
	"github.com/4xguy/pi-mono/internal/worktree"
)

// ValidationResult is the dry-run outcome of scoring a request's plan
// without loading an agent registry, reserving budget, or spawning any
// child process.
type ValidationResult struct {
	Plan            topology.Plan
	Decision        topology.Decision
	Isolation       worktree.Mode
	IsolationReason string
}

// Validate builds and scores req's plan as Run would, but stops before any
// agent lookup or delegation — useful for a CLI "validate" command or other
// pre-flight check. It reads policy and isolation from req only; the
// SUBAGENT_* environment fallbacks that Run consults are not read.
func Validate(req Request) (ValidationResult, error) {
	plan, inputs, err := buildPlan(req)
	if err != nil {
		return ValidationResult{}, err
	}
	if err := validatePhaseGateRequest(req); err != nil {
		return ValidationResult{}, err
	}

	policy := topology.Policy(req.TopologyPolicy)
	if policy != topology.PolicyAdvisory {
		policy = topology.PolicyAuto
	}
	decision := topology.Decide(plan, policy)

	explicitIsolation := worktree.Mode(req.ExecutionIsolation)
	wtInputs := make([]worktree.TaskInput, len(inputs))
	for i, t := range inputs {
		// Tool information is unavailable without loading the agent
		// registry; the isolation decision here is content-only and may
		// differ from Run's once tool-based signals are considered.
		wtInputs[i] = worktree.TaskInput{Task: t.Task}
	}
	isolationMode, isolationReason := worktree.Decide(execModeFor(decision.FinalMode), explicitIsolation, wtInputs)

	return ValidationResult{
		Plan:            plan,
		Decision:        decision,
		Isolation:       isolationMode,
		IsolationReason: isolationReason,
	}, nil
}
