// Package guardrail implements the shared run budget: depth limits, wall-time
// deadlines, a remaining-agent-token pool, and duplicate-delegation
// (fingerprint) detection. It is the cross-process contract described in the
// coordinator's environment propagation scheme: a parent reserves tokens for
// a planned child, then serializes the resulting child budget into the
// child's environment so the child's own orchestrator (if any) observes only
// its subtree's remaining tokens.
package guardrail

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxDepth bounds how many levels of nested delegation a run allows.
	DefaultMaxDepth = 2

	// DefaultDeadline is the wall-time budget for an entire run, from root start.
	DefaultDeadline = 10 * time.Minute

	// DefaultRootTokens is the number of agents-remaining at the root of a run.
	DefaultRootTokens = 16
)

// Environment variable names used to propagate a Budget across the child
// process boundary. Nine variables travel: run identity, depth bookkeeping,
// the wall-clock deadline, the remaining token count, the fingerprint set,
// the nesting permission, and the ledger context mode.
const (
	EnvRunID            = "SUBAGENT_RUN_ID"
	EnvDepth            = "SUBAGENT_DEPTH"
	EnvMaxDepth         = "SUBAGENT_MAX_DEPTH"
	EnvRootStartedAtMs  = "SUBAGENT_ROOT_STARTED_AT_MS"
	EnvDeadlineAtMs     = "SUBAGENT_DEADLINE_AT_MS"
	EnvRemainingTokens  = "SUBAGENT_REMAINING_TOKENS"
	EnvFingerprints     = "SUBAGENT_FINGERPRINTS"
	EnvCanSpawnChildren = "SUBAGENT_CAN_SPAWN_CHILDREN"
	EnvContextMode      = "SUBAGENT_CONTEXT_MODE"
)

// Budget is the shared run identity and quantitative limits for one
// coordinator run and all of its descendants.
type Budget struct {
	RunID            string
	Depth            int
	MaxDepth         int
	RootStartedAtMs  int64
	DeadlineAtMs     int64
	RemainingTokens  int
	Fingerprints     map[string]struct{}
	CanSpawnChildren bool
}

// ChildBudget is the Budget handed to one reserved child, scoped to its
// own subtree: RemainingTokens only covers the descendants reserved for it.
type ChildBudget = Budget

// NewRoot creates a fresh root Budget at `now`, with defaults per spec: max
// depth 2, a ten minute deadline, 16 remaining tokens, and nesting allowed.
func NewRoot(now time.Time) *Budget {
	return &Budget{
		RunID:            uuid.NewString(),
		Depth:            0,
		MaxDepth:         DefaultMaxDepth,
		RootStartedAtMs:  now.UnixMilli(),
		DeadlineAtMs:     now.Add(DefaultDeadline).UnixMilli(),
		RemainingTokens:  DefaultRootTokens,
		Fingerprints:     make(map[string]struct{}),
		CanSpawnChildren: true,
	}
}

// Initialize reconstructs a Budget from a child process's environment, or
// creates a fresh root Budget if no run id is present (i.e. this invocation
// is the top-level one). Malformed or missing fields fall back to safe
// defaults rather than failing, per the cross-language environment contract.
func Initialize(getenv func(string) string, now time.Time) *Budget {
	runID := getenv(EnvRunID)
	if runID == "" {
		return NewRoot(now)
	}

	b := &Budget{
		RunID:            runID,
		Depth:            parseIntDefault(getenv(EnvDepth), 0),
		MaxDepth:         parseIntDefault(getenv(EnvMaxDepth), DefaultMaxDepth),
		RootStartedAtMs:  parseInt64Default(getenv(EnvRootStartedAtMs), now.UnixMilli()),
		DeadlineAtMs:     parseInt64Default(getenv(EnvDeadlineAtMs), now.Add(DefaultDeadline).UnixMilli()),
		RemainingTokens:  parseIntDefault(getenv(EnvRemainingTokens), 0),
		Fingerprints:     parseFingerprints(getenv(EnvFingerprints)),
		CanSpawnChildren: getenv(EnvCanSpawnChildren) == "1",
	}
	return b
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func parseInt64Default(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func parseFingerprints(s string) map[string]struct{} {
	out := make(map[string]struct{})
	if s == "" {
		return out
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return out
	}
	for _, fp := range list {
		out[fp] = struct{}{}
	}
	return out
}

// ToEnv serializes the Budget into the nine propagation variables, ready to
// be appended to a child process's environment (as `KEY=VALUE` strings).
func (b *Budget) ToEnv(contextMode string) []string {
	fps := make([]string, 0, len(b.Fingerprints))
	for fp := range b.Fingerprints {
		fps = append(fps, fp)
	}
	fpJSON, _ := json.Marshal(fps)

	spawn := "0"
	if b.CanSpawnChildren {
		spawn = "1"
	}

	return []string{
		EnvRunID + "=" + b.RunID,
		EnvDepth + "=" + strconv.Itoa(b.Depth),
		EnvMaxDepth + "=" + strconv.Itoa(b.MaxDepth),
		EnvRootStartedAtMs + "=" + strconv.FormatInt(b.RootStartedAtMs, 10),
		EnvDeadlineAtMs + "=" + strconv.FormatInt(b.DeadlineAtMs, 10),
		EnvRemainingTokens + "=" + strconv.Itoa(b.RemainingTokens),
		EnvFingerprints + "=" + string(fpJSON),
		EnvCanSpawnChildren + "=" + spawn,
		EnvContextMode + "=" + contextMode,
	}
}

// Fingerprint computes the normalized (agent, task) key used for duplicate
// delegation detection. Normalization only lowercases and collapses
// whitespace: semantically equivalent rewordings are not caught by design,
// a known limitation carried forward rather than silently "fixed".
func Fingerprint(agent, task string) string {
	return strings.ToLower(strings.TrimSpace(agent)) + "::" + normalizeTask(task)
}

func normalizeTask(task string) string {
	fields := strings.Fields(task)
	return strings.ToLower(strings.Join(fields, " "))
}

// Reserve attempts to reserve 1 (for the child itself) plus reservedDescendants
// tokens for a planned child delegation. On success it mutates the parent
// budget (deducting tokens, recording the fingerprint) and returns the child's
// own scoped Budget. allowNested controls whether the resulting child is
// itself permitted to spawn further children — true only when the target
// agent's declared tool set includes the delegation capability.
func (b *Budget) Reserve(agent, task string, reservedDescendants int, allowNested bool, now time.Time) (*ChildBudget, error) {
	if b.Depth >= b.MaxDepth {
		return nil, &DepthExceededError{Depth: b.Depth, MaxDepth: b.MaxDepth}
	}
	if now.UnixMilli() > b.DeadlineAtMs {
		return nil, &DeadlineReachedError{DeadlineAtMs: b.DeadlineAtMs, NowMs: now.UnixMilli()}
	}

	fp := Fingerprint(agent, task)
	if _, dup := b.Fingerprints[fp]; dup {
		return nil, &LoopDetectedError{Fingerprint: fp}
	}

	need := 1 + reservedDescendants
	if b.RemainingTokens < need {
		return nil, &BudgetExhaustedError{Need: need, Remaining: b.RemainingTokens}
	}

	b.RemainingTokens -= need
	b.Fingerprints[fp] = struct{}{}

	childFingerprints := make(map[string]struct{}, len(b.Fingerprints))
	for k := range b.Fingerprints {
		childFingerprints[k] = struct{}{}
	}

	return &ChildBudget{
		RunID:            b.RunID,
		Depth:            b.Depth + 1,
		MaxDepth:         b.MaxDepth,
		RootStartedAtMs:  b.RootStartedAtMs,
		DeadlineAtMs:     b.DeadlineAtMs,
		RemainingTokens:  reservedDescendants,
		Fingerprints:     childFingerprints,
		CanSpawnChildren: allowNested,
	}, nil
}

// CheckEntry refuses nested delegation at entry per §4.1's nesting gate: a
// non-root orchestrator whose budget says it cannot spawn children must
// refuse before attempting any reservation. A depth-0 invocation (the
// top-level shell) is always allowed to execute directly even if
// CanSpawnChildren was inherited as false — only nested delegation is
// blocked, not direct execution.
func (b *Budget) CheckEntry() error {
	if b.Depth > 0 && !b.CanSpawnChildren {
		return &NestedSpawnBlockedError{Depth: b.Depth}
	}
	return nil
}
