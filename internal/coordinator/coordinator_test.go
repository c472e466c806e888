package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/4xguy/pi-mono/internal/child"
	"github.com/4xguy/pi-mono/internal/corelog"
	"github.com/4xguy/pi-mono/internal/guardrail"
	"github.com/4xguy/pi-mono/internal/monitor"
	"github.com/4xguy/pi-mono/internal/worktree"
)

// fakeGitRunner simulates just enough of git's behavior for the lifecycle
// manager to create, integrate, and clean up lanes without a real
// repository. applyFailOn, when non-zero, fails the Nth "apply" call;
// removeCalls counts "worktree remove" calls.
type fakeGitRunner struct {
	mu          sync.Mutex
	isRepo      bool
	applyFailOn int
	applyCalls  int
	removeCalls int
}

func (g *fakeGitRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	switch args[0] {
	case "rev-parse":
		if len(args) >= 2 && args[1] == "--is-inside-work-tree" {
			if g.isRepo {
				return "true", nil
			}
			return "false", errors.New("not a repository")
		}
		return "base-head", nil
	case "worktree":
		if len(args) >= 2 && args[1] == "add" {
			path := args[len(args)-2]
			_ = os.MkdirAll(path, 0o755)
			return "", nil
		}
		if len(args) >= 2 && args[1] == "remove" {
			g.mu.Lock()
			g.removeCalls++
			g.mu.Unlock()
		}
		return "", nil
	case "diff":
		if len(args) >= 2 && args[1] == "--binary" {
			return "diff --git a/file.go b/file.go\n+changed\n", nil
		}
		return "file.go | 1 +\n", nil
	case "apply":
		g.mu.Lock()
		g.applyCalls++
		n := g.applyCalls
		g.mu.Unlock()
		if g.applyFailOn != 0 && n == g.applyFailOn {
			return "", errors.New("patch does not apply")
		}
		return "", nil
	case "branch":
		return "", nil
	}
	return "", nil
}

func writeAgentFile(t *testing.T, dir, name, tools string) {
	t.Helper()
	agentsDir := filepath.Join(dir, ".claude", "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	content := "---\nname: " + name + "\ndescription: test agent\ntools: " + tools + "\n---\n\nDo the task.\n"
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, name+".md"), []byte(content), 0o644))
}

// writeEchoBinary writes a shell script standing in for the agent binary.
// It always emits a successful assistant message with the given text, and
// additionally touches markerOnFixPrompt when its task argument contains
// the fix-loop's distinctive remediation instruction, and appends its full
// argument list to logPath when logPath is non-empty.
func writeEchoBinary(t *testing.T, dir, text, markerOnFixPrompt, logPath string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-agent.sh")
	script := "#!/bin/sh\n"
	if logPath != "" {
		script += "echo \"$@\" >> " + shellQuote(logPath) + "\n"
	}
	if markerOnFixPrompt != "" {
		script += "case \"$*\" in\n  *\"Apply a minimal fix\"*) touch " + shellQuote(markerOnFixPrompt) + " ;;\nesac\n"
	}
	script += "cat <<'EOF'\n"
	script += `{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"` + text + `"}],"stop_reason":"stop"}}` + "\n"
	script += "EOF\n"
	script += "exit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeFailingBinary(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-agent-fail.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0o755))
	return path
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func writeSmokeScript(t *testing.T, dir, markerPath string) string {
	t.Helper()
	path := filepath.Join(dir, "smoke.sh")
	script := "#!/bin/sh\nif [ -f " + shellQuote(markerPath) + " ]; then exit 0; else exit 1; fi\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestCoordinator(agentBinary string, git worktree.GitRunner, now time.Time) *Coordinator {
	clock := func() time.Time { return now }
	return &Coordinator{
		Logger:      corelog.NopLogger{},
		Driver:      child.New(corelog.NopLogger{}),
		Monitor:     monitor.New(monitor.WithClock(clock)),
		GitRunner:   git,
		AgentBinary: agentBinary,
		Getenv:      func(string) string { return "" },
		Now:         clock,
	}
}

func TestRunSingleReadOnlyDefaultsToSharedIsolation(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "scout", "read")
	bin := writeEchoBinary(t, dir, "file list here", "", "")
	now := time.Now()

	c := newTestCoordinator(bin, &fakeGitRunner{isRepo: false}, now)
	req := Request{
		Single:               &TaskInput{Agent: "scout", Task: "List files"},
		Cwd:                  dir,
		ConfirmProjectAgents: true,
	}

	result, err := c.Run(context.Background(), req, nil)
	require.NoError(t, err)
	require.Equal(t, worktree.ModeShared, result.Details.Isolation)
	require.Contains(t, result.Details.IsolationReason, "single task defaulting to shared")
	require.Len(t, result.Details.Tasks, 1)
	require.Equal(t, "success", result.Details.Tasks[0].Status)
	require.Contains(t, result.Text, "1/1 succeeded")
}

func TestRunParallelWriteIntentUsesWorktreeAndIntegratesBoth(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "worker", "edit,bash")
	bin := writeEchoBinary(t, dir, "done", "", "")
	now := time.Now()

	c := newTestCoordinator(bin, &fakeGitRunner{isRepo: true}, now)
	req := Request{
		Parallel: []TaskInput{
			{Agent: "worker", Task: "Implement auth refactor and modify schema"},
			{Agent: "worker", Task: "Implement other change"},
		},
		Cwd:                  dir,
		ConfirmProjectAgents: true,
	}

	result, err := c.Run(context.Background(), req, nil)
	require.NoError(t, err)
	require.Equal(t, worktree.ModeWorktree, result.Details.Isolation)
	require.Len(t, result.Details.WorktreeReports, 2)
	for _, r := range result.Details.WorktreeReports {
		require.False(t, r.Failed, "unexpected integration failure: %+v", r)
	}
	require.Contains(t, result.Text, "2/2 succeeded")
}

func TestRunChainSubstitutesPreviousOutputAndKeepsChainTopology(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "scout", "read")
	writeAgentFile(t, dir, "worker", "edit,bash")
	logPath := filepath.Join(dir, "invocations.log")
	bin := writeEchoBinary(t, dir, "FACTS_OUTPUT_123", "", logPath)
	now := time.Now()

	c := newTestCoordinator(bin, &fakeGitRunner{isRepo: false}, now)
	req := Request{
		Chain: []TaskInput{
			{Agent: "scout", Task: "Collect facts"},
			{Agent: "worker", Task: "Implement using {previous}"},
		},
		TopologyPolicy:       "auto",
		Cwd:                  dir,
		ConfirmProjectAgents: true,
	}

	result, err := c.Run(context.Background(), req, nil)
	require.NoError(t, err)
	require.EqualValues(t, "chain", result.Details.Topology.FinalMode)
	require.Condition(t, func() bool {
		for _, reason := range result.Details.Topology.Reasons {
			if strings.Contains(reason, "no safe topology conversion") {
				return true
			}
		}
		return false
	}, "expected a no-safe-conversion reason, got %+v", result.Details.Topology.Reasons)

	logBytes, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(logBytes)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], "FACTS_OUTPUT_123")
	require.NotContains(t, lines[1], "{previous}")
}

func TestRunParallelDuplicateTaskTriggersLoopDetectionBeforeAnySpawn(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "worker", "edit,bash")
	logPath := filepath.Join(dir, "invocations.log")
	bin := writeEchoBinary(t, dir, "done", "", logPath)
	now := time.Now()

	c := newTestCoordinator(bin, &fakeGitRunner{isRepo: false}, now)
	req := Request{
		Parallel: []TaskInput{
			{Agent: "worker", Task: "Implement the exact same change"},
			{Agent: "worker", Task: "Implement the exact same change"},
		},
		Cwd:                  dir,
		ConfirmProjectAgents: true,
	}

	_, err := c.Run(context.Background(), req, nil)
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	var loopErr *guardrail.LoopDetectedError
	require.ErrorAs(t, callErr.Cause, &loopErr)

	_, statErr := os.Stat(logPath)
	require.Error(t, statErr, "expected no child process to have spawned before the loop was detected")
}

func TestRunChainRefusesWhenBudgetBelowChainLength(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "worker", "edit,bash")
	bin := writeEchoBinary(t, dir, "done", "", "")
	now := time.Now()

	c := newTestCoordinator(bin, &fakeGitRunner{isRepo: false}, now)
	env := map[string]string{
		guardrail.EnvRunID:            "parent-run",
		guardrail.EnvDepth:            "1",
		guardrail.EnvMaxDepth:         "2",
		guardrail.EnvDeadlineAtMs:     "9999999999999",
		guardrail.EnvRemainingTokens:  "3",
		guardrail.EnvCanSpawnChildren: "1",
	}
	c.Getenv = func(key string) string { return env[key] }

	req := Request{
		Chain: []TaskInput{
			{Agent: "worker", Task: "step 1"},
			{Agent: "worker", Task: "step 2"},
			{Agent: "worker", Task: "step 3"},
			{Agent: "worker", Task: "step 4"},
		},
		Cwd:                  dir,
		ConfirmProjectAgents: true,
	}

	_, err := c.Run(context.Background(), req, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "insufficient subagent budget for chain: need at least 4, have 3")
}

func TestRunSingleSmokeFixLoopSucceedsOnFirstAttempt(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "worker", "edit,bash")
	marker := filepath.Join(dir, "fixed.marker")
	bin := writeEchoBinary(t, dir, "ok", marker, "")
	smokeCmd := writeSmokeScript(t, dir, marker)
	now := time.Now()

	c := newTestCoordinator(bin, &fakeGitRunner{isRepo: false}, now)
	req := Request{
		Single:               &TaskInput{Agent: "worker", Task: "Implement the feature"},
		Cwd:                  dir,
		ConfirmProjectAgents: true,
		RequirePhaseSmoke:    true,
		PhaseSmokeCommands:   []string{"sh " + smokeCmd},
		PhaseSmokeRetries:    0,
		PhaseMaxFixAttempts:  2,
	}

	result, err := c.Run(context.Background(), req, nil)
	require.NoError(t, err)

	gate := result.Details.PhaseGate.SmokeGate()
	require.NotNil(t, gate)
	require.EqualValues(t, "passed", gate.Status)
	require.Equal(t, 1, result.Details.PhaseGate.SmokeFixAttempts)
	require.Len(t, result.Details.PhaseGate.SmokeFixHistory, 1)
	require.EqualValues(t, "success", result.Details.PhaseGate.SmokeFixHistory[0].Outcome)
	require.Contains(t, result.Text, "Phase smoke passed after fix attempt 1")
}

func TestRunParallelIntegrationFailureKeepsEarlierLaneAppliedAndCleansUpBoth(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "worker", "edit,bash")
	bin := writeEchoBinary(t, dir, "done", "", "")
	now := time.Now()

	git := &fakeGitRunner{isRepo: true, applyFailOn: 2}
	c := newTestCoordinator(bin, git, now)
	req := Request{
		Parallel: []TaskInput{
			{Agent: "worker", Task: "Implement change one"},
			{Agent: "worker", Task: "Implement change two"},
		},
		Cwd:                  dir,
		ConfirmProjectAgents: true,
	}

	result, err := c.Run(context.Background(), req, nil)
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	require.Equal(t, "integration", callErr.Phase)

	require.Len(t, result.Details.WorktreeReports, 2)
	require.True(t, result.Details.WorktreeReports[0].Applied)
	require.True(t, result.Details.WorktreeReports[1].Failed)
	require.Equal(t, 2, git.removeCalls)
}

func TestRunSingleChildFailureIsReportedInDetailsNotAsError(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "worker", "edit,bash")
	bin := writeFailingBinary(t, dir)
	now := time.Now()

	c := newTestCoordinator(bin, &fakeGitRunner{isRepo: false}, now)
	req := Request{
		Single:               &TaskInput{Agent: "worker", Task: "Implement something"},
		Cwd:                  dir,
		ConfirmProjectAgents: true,
	}

	result, err := c.Run(context.Background(), req, nil)
	require.NoError(t, err, "a failed single task is reported in Details, not returned as an error")
	require.Len(t, result.Details.Tasks, 1)
	require.Equal(t, "error", result.Details.Tasks[0].Status)
}
