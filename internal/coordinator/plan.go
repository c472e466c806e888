package coordinator

import "github.com/4xguy/pi-mono/internal/topology"

// buildPlan validates that exactly one of Single/Parallel/Chain was
// provided and returns both the topology plan (for scoring) and the flat,
// mode-ordered task list used by the execution functions regardless of
// any later topology conversion.
func buildPlan(req Request) (topology.Plan, []TaskInput, error) {
	count := 0
	if req.Single != nil {
		count++
	}
	if len(req.Parallel) > 0 {
		count++
	}
	if len(req.Chain) > 0 {
		count++
	}
	if count != 1 {
		return topology.Plan{}, nil, &ValidationError{Reason: "exactly one of single, parallel, or chain must be provided"}
	}

	switch {
	case req.Single != nil:
		if req.Single.Agent == "" || req.Single.Task == "" {
			return topology.Plan{}, nil, &ValidationError{Reason: "single requires both agent and task"}
		}
		plan := topology.Plan{
			Mode:   topology.ModeSingle,
			Single: &topology.TaskSpec{Agent: req.Single.Agent, Task: req.Single.Task},
		}
		return plan, []TaskInput{*req.Single}, nil

	case len(req.Parallel) > 0:
		if len(req.Parallel) > 8 {
			return topology.Plan{}, nil, &ValidationError{Reason: "parallel supports at most 8 tasks"}
		}
		specs := make([]topology.TaskSpec, len(req.Parallel))
		for i, t := range req.Parallel {
			if t.Agent == "" || t.Task == "" {
				return topology.Plan{}, nil, &ValidationError{Reason: "every parallel task requires both agent and task"}
			}
			specs[i] = topology.TaskSpec{Agent: t.Agent, Task: t.Task}
		}
		return topology.Plan{Mode: topology.ModeParallel, Parallel: specs}, append([]TaskInput(nil), req.Parallel...), nil

	default:
		specs := make([]topology.TaskSpec, len(req.Chain))
		for i, t := range req.Chain {
			if t.Agent == "" || t.Task == "" {
				return topology.Plan{}, nil, &ValidationError{Reason: "every chain step requires both agent and task"}
			}
			specs[i] = topology.TaskSpec{Agent: t.Agent, Task: t.Task}
		}
		return topology.Plan{Mode: topology.ModeChain, Chain: specs}, append([]TaskInput(nil), req.Chain...), nil
	}
}

// validatePhaseGateRequest enforces require_smoke => |smoke_commands| >= 1
// before any budget reservation or spawn, so a misconfigured phase gate
// fails as a structured configuration error rather than silently passing.
func validatePhaseGateRequest(req Request) error {
	if req.RequirePhaseSmoke && len(req.PhaseSmokeCommands) == 0 {
		return &ValidationError{Reason: "require_smoke is set but no phase smoke commands were provided"}
	}
	return nil
}
