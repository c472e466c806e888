// Package topology implements the policy engine that scores a requested
// execution plan (single/parallel/chain), recommends a topology, and
// converts between topologies when policy=auto allows a safe conversion.
package topology

import (
	"fmt"
	"math"
	"strings"
)

// Mode is one of the three execution topologies.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeParallel Mode = "parallel"
	ModeChain    Mode = "chain"
)

// Policy controls whether the recommended topology may override the
// requested one.
type Policy string

const (
	PolicyAuto     Policy = "auto"
	PolicyAdvisory Policy = "advisory"
)

// TaskSpec is one planned delegation: an agent name and its task text.
type TaskSpec struct {
	Agent string
	Task  string
}

// Plan is the requested execution shape before any policy conversion.
type Plan struct {
	Mode     Mode
	Single   *TaskSpec
	Parallel []TaskSpec
	Chain    []TaskSpec
}

// tasks returns the flat task list implied by the plan's mode, used
// uniformly by scoring regardless of which mode is active.
func (p Plan) tasks() []TaskSpec {
	switch p.Mode {
	case ModeSingle:
		if p.Single == nil {
			return nil
		}
		return []TaskSpec{*p.Single}
	case ModeParallel:
		return p.Parallel
	case ModeChain:
		return p.Chain
	default:
		return nil
	}
}

// riskKeywords is the fixed list scanned against task text for the risk score.
var riskKeywords = []string{
	"migration", "database", "schema", "auth", "security",
	"payment", "delete", "production", "infra", "refactor",
}

// Score holds the policy signals for a plan: the estimated agent count
// (at least 1, not capped) and four signals clamped to 1..10.
type Score struct {
	EstimatedAgentCount int
	Complexity          int
	Risk                int
	Coupling            int
	Confidence          int
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Compute scores a plan per the fixed, centralized weights below. These
// constants are product decisions, not learned — keep them here, not
// scattered across callers.
func Compute(p Plan) Score {
	tasks := p.tasks()
	agentCount := len(tasks)
	if agentCount < 1 {
		agentCount = 1
	}

	var totalLen, riskHits int
	for _, t := range tasks {
		totalLen += len(t.Task)
		lower := strings.ToLower(t.Task)
		for _, kw := range riskKeywords {
			if strings.Contains(lower, kw) {
				riskHits++
			}
		}
	}
	avgLen := 0.0
	if len(tasks) > 0 {
		avgLen = float64(totalLen) / float64(len(tasks))
	}

	chainBonus := 0
	if p.Mode == ModeChain {
		chainBonus = 1
	}
	complexity := clamp(int(math.Round(float64(agentCount)+avgLen/120+float64(chainBonus))), 1, 10)

	risk := 1
	if riskHits > 0 {
		risk = 1 + 2*riskHits
	}
	risk = clamp(risk, 1, 10)

	coupling := 2
	switch p.Mode {
	case ModeChain:
		coupling = 8
	case ModeParallel:
		coupling = 4
	}

	penalty := 0
	if avgLen > 300 {
		penalty += 2
	}
	if risk >= 7 {
		penalty += 2
	}
	if agentCount > 4 {
		penalty += 1
	}
	confidence := clamp(8-penalty, 1, 10)

	return Score{
		EstimatedAgentCount: agentCount,
		Complexity:          complexity,
		Risk:                risk,
		Coupling:            coupling,
		Confidence:          confidence,
	}
}

// Recommend picks the topology a fresh score implies, independent of what
// was actually requested.
func Recommend(s Score) Mode {
	if s.Complexity >= 7 || s.Risk >= 7 || s.Coupling >= 7 {
		return ModeChain
	}
	if s.EstimatedAgentCount >= 2 && s.Coupling <= 5 {
		return ModeParallel
	}
	return ModeSingle
}

// hasPreviousDependency reports whether any task text references the
// prior chain step's output.
func hasPreviousDependency(tasks []TaskSpec) bool {
	for _, t := range tasks {
		if strings.Contains(t.Task, "{previous}") {
			return true
		}
	}
	return false
}

// Decision is the outcome of applying a policy to a requested plan: the
// score, the raw recommendation, the final (possibly converted) mode, and
// a human-readable trail of why.
type Decision struct {
	RequestedMode   Mode
	RecommendedMode Mode
	FinalMode       Mode
	Policy          Policy
	Score           Score
	Reasons         []string
}

// Decide scores the plan, computes a recommendation, and — for
// policy=auto — applies the safe-conversion rules. Policy=advisory always
// keeps the requested mode, recording the recommendation for visibility.
func Decide(p Plan, policy Policy) Decision {
	score := Compute(p)
	recommended := Recommend(score)

	d := Decision{
		RequestedMode:   p.Mode,
		RecommendedMode: recommended,
		FinalMode:       p.Mode,
		Policy:          policy,
		Score:           score,
	}

	if policy != PolicyAuto {
		d.Reasons = append(d.Reasons, fmt.Sprintf(
			"policy=advisory: keeping requested mode %s (recommended %s)", p.Mode, recommended))
		return d
	}

	if recommended == p.Mode {
		d.Reasons = append(d.Reasons, fmt.Sprintf("requested mode %s already matches recommendation", p.Mode))
		return d
	}

	tasks := p.tasks()
	switch {
	case p.Mode == ModeParallel && recommended == ModeChain:
		d.FinalMode = ModeChain
		d.Reasons = append(d.Reasons, "converted parallel to chain: higher-coupling downgrade is always safe")

	case p.Mode == ModeSingle && recommended == ModeChain:
		d.FinalMode = ModeChain
		d.Reasons = append(d.Reasons, "converted single to chain: wrapped as a one-step chain")

	case p.Mode == ModeChain && recommended == ModeParallel:
		if !hasPreviousDependency(tasks) && len(tasks) > 1 {
			d.FinalMode = ModeParallel
			d.Reasons = append(d.Reasons, "converted chain to parallel: no {previous} dependency and length > 1")
		} else {
			d.Reasons = append(d.Reasons, "no safe topology conversion: chain has a {previous} dependency or length <= 1, keeping chain")
		}

	case (p.Mode == ModeParallel || p.Mode == ModeChain) && recommended == ModeSingle:
		if len(tasks) == 1 && !hasPreviousDependency(tasks) {
			d.FinalMode = ModeSingle
			d.Reasons = append(d.Reasons, fmt.Sprintf("converted %s to single: exactly one task remains with no {previous} dependency", p.Mode))
		} else {
			d.Reasons = append(d.Reasons, fmt.Sprintf("no safe topology conversion: keeping requested %s", p.Mode))
		}

	default:
		d.Reasons = append(d.Reasons, fmt.Sprintf("no safe topology conversion: keeping requested %s", p.Mode))
	}

	return d
}

// SubstitutePrevious replaces every literal "{previous}" occurrence in
// task with the prior chain step's final assistant output. Substitution
// is purely textual — no structural parsing of either string.
func SubstitutePrevious(task, previousOutput string) string {
	return strings.ReplaceAll(task, "{previous}", previousOutput)
}
