package worktree

import "strings"

// Mode is the isolation mode for a lane: a worktree-backed checkout or the
// shared repository working tree.
type Mode string

const (
	ModeShared   Mode = "shared"
	ModeWorktree Mode = "worktree"
)

// ExecMode mirrors the three execution topologies, kept as a plain string
// here so this package has no dependency on the topology package.
type ExecMode string

const (
	ExecSingle   ExecMode = "single"
	ExecParallel ExecMode = "parallel"
	ExecChain    ExecMode = "chain"
)

// TaskInput is the minimal shape the isolation decider needs per task: its
// text (to scan for write/read-only keywords) and the delegated agent's
// declared tool names (to check direct-write capability).
type TaskInput struct {
	Task       string
	AgentTools []string
}

var writeKeywords = []string{
	"edit", "modify", "update", "implement", "write", "create", "refactor",
	"fix", "delete", "add", "remove", "patch", "rename", "replace", "migrate", "apply",
}

var readOnlyKeywords = []string{
	"list", "find", "search", "inspect", "read", "analyze", "summarize",
	"explain", "locate", "show", "identify", "scan", "report",
}

var directWriteTools = map[string]struct{}{
	"write": {}, "edit": {}, "bash": {},
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func hasDirectWriteTool(tools []string) bool {
	for _, tool := range tools {
		if _, ok := directWriteTools[strings.ToLower(tool)]; ok {
			return true
		}
	}
	return false
}

// Decide selects shared vs worktree isolation for a plan. explicit, when
// non-empty, always wins over the auto decision. reason is a short
// human-readable explanation suitable for inclusion in a topology decision.
func Decide(execMode ExecMode, explicit Mode, tasks []TaskInput) (mode Mode, reason string) {
	if explicit == ModeShared || explicit == ModeWorktree {
		return explicit, "explicit isolation override: " + string(explicit)
	}

	switch execMode {
	case ExecParallel:
		if len(tasks) <= 1 {
			return ModeShared, "single task defaulting to shared"
		}
		allReadOnly := true
		for _, t := range tasks {
			if containsAny(t.Task, writeKeywords) || !containsAny(t.Task, readOnlyKeywords) {
				allReadOnly = false
				break
			}
		}
		if allReadOnly {
			return ModeShared, "all parallel tasks are read-only with no write keyword"
		}
		return ModeWorktree, "parallel tasks include write intent"

	case ExecChain:
		for _, t := range tasks {
			if containsAny(t.Task, writeKeywords) || hasDirectWriteTool(t.AgentTools) {
				return ModeWorktree, "chain has write intent or a write-capable agent"
			}
		}
		return ModeShared, "chain has no write intent and no write-capable agent"

	case ExecSingle:
		if len(tasks) == 1 && containsAny(tasks[0].Task, writeKeywords) && hasDirectWriteTool(tasks[0].AgentTools) {
			return ModeWorktree, "single task has write keyword and write-capable agent tools"
		}
		return ModeShared, "single task defaulting to shared"

	default:
		return ModeShared, "unknown execution mode defaulting to shared"
	}
}
