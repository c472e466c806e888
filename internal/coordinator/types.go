// Package coordinator wires the guardrail budget, shared-context ledger,
// topology policy, worktree isolation, phase gate, coordinator monitor,
// and child process driver into the single top-level entry point for a
// subagent delegation call.
package coordinator

import (
	"github.com/4xguy/pi-mono/internal/phasegate"
	"github.com/4xguy/pi-mono/internal/topology"
	"github.com/4xguy/pi-mono/internal/worktree"
)

// TaskInput is one requested delegation: an agent name and its task text.
type TaskInput struct {
	Agent string
	Task  string
}

// Request is the full input to one coordinator call. Exactly one of
// Single, Parallel, or Chain must be set.
type Request struct {
	Single   *TaskInput
	Parallel []TaskInput
	Chain    []TaskInput

	AgentScope           AgentScope
	ContextMode          string
	ExecutionIsolation   string
	TopologyPolicy       string
	SharedContextLimit   int
	MemoryDir            string
	WorktreeBaseDir      string
	PhaseName            string
	RequirePhaseSmoke    bool
	PhaseSmokeCommands   []string
	PhaseSmokeRetries    int
	PhaseMaxFixAttempts  int
	ConfirmProjectAgents bool
	Cwd                  string
}

// TaskOutcome is one delegated task's final, user-visible result.
type TaskOutcome struct {
	Agent        string
	Task         string
	Status       string // "success" | "error"
	Text         string
	ErrorMessage string
	Lane         string
}

// Details is the machine-readable record accompanying a Result's text.
type Details struct {
	Topology        topology.Decision
	Isolation       worktree.Mode
	IsolationReason string
	PhaseGate       *phasegate.State
	WorktreeReports []worktree.IntegrationReport
	Tasks           []TaskOutcome
	Warnings        []string
}

// Result is the coordinator's output: opaque display text plus the
// structured Details record for programmatic inspection.
type Result struct {
	Text    string
	Details Details
}

// Update is one incremental progress snapshot, emitted best-effort for a
// consumer to render in real time.
type Update struct {
	RunningCount   int
	CompletedCount int
	TotalCount     int
	LastItems      []string
}

// UpdateConsumer is the single capability the orchestrator needs from a
// caller that wants live progress: deliver one partial update. Delivery is
// best-effort — a consumer must not block the orchestrator.
type UpdateConsumer interface {
	OnUpdate(Update)
}

// NopConsumer discards every update.
type NopConsumer struct{}

func (NopConsumer) OnUpdate(Update) {}
