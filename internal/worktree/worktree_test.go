package worktree

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestDecideParallelSingleTaskDefaultsShared(t *testing.T) {
	mode, reason := Decide(ExecParallel, "", []TaskInput{{Task: "Implement a fix"}})
	if mode != ModeShared {
		t.Errorf("expected shared, got %s (%s)", mode, reason)
	}
}

func TestDecideParallelAllReadOnlyIsShared(t *testing.T) {
	tasks := []TaskInput{
		{Task: "List all files in the repo"},
		{Task: "Search for TODO comments"},
	}
	mode, _ := Decide(ExecParallel, "", tasks)
	if mode != ModeShared {
		t.Errorf("expected shared for all read-only parallel tasks, got %s", mode)
	}
}

func TestDecideParallelWithWriteKeywordIsWorktree(t *testing.T) {
	tasks := []TaskInput{
		{Task: "Implement auth refactor and modify schema"},
		{Task: "Implement other change"},
	}
	mode, _ := Decide(ExecParallel, "", tasks)
	if mode != ModeWorktree {
		t.Errorf("expected worktree for write-intent parallel tasks, got %s", mode)
	}
}

func TestDecideChainWriteCapableAgentIsWorktree(t *testing.T) {
	tasks := []TaskInput{
		{Task: "Collect facts"},
		{Task: "Implement using {previous}", AgentTools: []string{"edit", "bash"}},
	}
	mode, _ := Decide(ExecChain, "", tasks)
	if mode != ModeWorktree {
		t.Errorf("expected worktree for chain with write-capable agent, got %s", mode)
	}
}

func TestDecideChainReadOnlyIsShared(t *testing.T) {
	tasks := []TaskInput{
		{Task: "Collect facts", AgentTools: []string{"read"}},
		{Task: "Summarize findings", AgentTools: []string{"read"}},
	}
	mode, _ := Decide(ExecChain, "", tasks)
	if mode != ModeShared {
		t.Errorf("expected shared for read-only chain, got %s", mode)
	}
}

func TestDecideSingleRequiresBothWriteKeywordAndTool(t *testing.T) {
	mode, _ := Decide(ExecSingle, "", []TaskInput{{Task: "List files"}})
	if mode != ModeShared {
		t.Errorf("expected shared for read-only single task, got %s", mode)
	}

	mode, _ = Decide(ExecSingle, "", []TaskInput{{Task: "Edit the config file", AgentTools: []string{"edit"}}})
	if mode != ModeWorktree {
		t.Errorf("expected worktree for write-capable single task, got %s", mode)
	}

	mode, _ = Decide(ExecSingle, "", []TaskInput{{Task: "Edit the config file", AgentTools: []string{"read"}}})
	if mode != ModeShared {
		t.Errorf("expected shared when agent lacks direct-write tools, got %s", mode)
	}
}

func TestDecideExplicitOverrideWins(t *testing.T) {
	mode, reason := Decide(ExecParallel, ModeShared, []TaskInput{
		{Task: "Implement auth refactor"},
		{Task: "Implement other"},
	})
	if mode != ModeShared {
		t.Errorf("expected explicit shared override, got %s", mode)
	}
	if !strings.Contains(reason, "explicit") {
		t.Errorf("expected reason to mention explicit override, got %q", reason)
	}
}

// fakeGitRunner records invocations and returns scripted output per command.
type fakeGitRunner struct {
	calls   [][]string
	outputs map[string]string
	errs    map[string]error
}

func newFakeGitRunner() *fakeGitRunner {
	return &fakeGitRunner{outputs: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeGitRunner) key(args []string) string { return strings.Join(args, " ") }

func (f *fakeGitRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	k := f.key(args)
	if err, ok := f.errs[k]; ok {
		return "", err
	}
	return f.outputs[k], nil
}

func TestManagerIsRepoTrue(t *testing.T) {
	runner := newFakeGitRunner()
	runner.outputs["rev-parse --is-inside-work-tree"] = "true\n"
	m := NewManager(runner, "/repo", "run-1", "")
	if !m.IsRepo(context.Background()) {
		t.Error("expected IsRepo true")
	}
}

func TestManagerIsRepoFalseOnError(t *testing.T) {
	runner := newFakeGitRunner()
	runner.errs["rev-parse --is-inside-work-tree"] = fmt.Errorf("not a git repository")
	m := NewManager(runner, "/repo", "run-1", "")
	if m.IsRepo(context.Background()) {
		t.Error("expected IsRepo false on error")
	}
}

func TestCreateLaneSharedSkipsWorktreeAdd(t *testing.T) {
	runner := newFakeGitRunner()
	runner.outputs["rev-parse HEAD"] = "abc123\n"
	m := NewManager(runner, "/repo", "run-1", "")

	lane, err := m.CreateLane(context.Background(), ModeShared, "Worker One", 1)
	if err != nil {
		t.Fatalf("CreateLane failed: %v", err)
	}
	if lane.Path != "/repo" {
		t.Errorf("expected shared lane path to be repo root, got %s", lane.Path)
	}
	if lane.Label != "worker-one" {
		t.Errorf("expected sanitized label worker-one, got %s", lane.Label)
	}
	for _, call := range runner.calls {
		if len(call) > 0 && call[0] == "worktree" {
			t.Error("expected no worktree add call for shared lane")
		}
	}
}

func TestCreateLaneWorktreeAddsCheckout(t *testing.T) {
	runner := newFakeGitRunner()
	runner.outputs["rev-parse HEAD"] = "abc123\n"
	m := NewManager(runner, "/repo", "run-1", "")

	lane, err := m.CreateLane(context.Background(), ModeWorktree, "Worker One!!", 2)
	if err != nil {
		t.Fatalf("CreateLane failed: %v", err)
	}
	if lane.Branch != "pi/subagent/run-1/worker-one-2" {
		t.Errorf("unexpected branch name: %s", lane.Branch)
	}
	found := false
	for _, call := range runner.calls {
		if len(call) > 0 && call[0] == "worktree" && call[1] == "add" {
			found = true
		}
	}
	if !found {
		t.Error("expected a worktree add call")
	}
}

func TestIntegrateSkipsWhenNoDiff(t *testing.T) {
	runner := newFakeGitRunner()
	lane := &Lane{Label: "worker", Ordinal: 1, Mode: ModeWorktree, Path: "/repo/.pi/worktrees/run-1-worker-1", BaseHead: "abc123"}
	runner.outputs["diff --binary abc123"] = ""
	m := NewManager(runner, "/repo", "run-1", "")

	report := m.Integrate(context.Background(), lane)
	if !report.Skipped {
		t.Errorf("expected skipped integration, got %+v", report)
	}
}

func TestCleanupDeletesBranchWhenNoCommitsLanded(t *testing.T) {
	runner := newFakeGitRunner()
	lane := &Lane{Label: "worker", Ordinal: 1, Mode: ModeWorktree, Path: "/repo/.pi/worktrees/run-1-worker-1", Branch: "pi/subagent/run-1/worker-1", BaseHead: "abc123"}
	runner.outputs["rev-parse pi/subagent/run-1/worker-1"] = "abc123\n"
	m := NewManager(runner, "/repo", "run-1", "")

	warnings := m.Cleanup(context.Background(), lane)
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
	deleted := false
	for _, call := range runner.calls {
		if len(call) >= 3 && call[0] == "branch" && call[1] == "-D" {
			deleted = true
		}
	}
	if !deleted {
		t.Error("expected branch delete call when head equals base_head")
	}
}

func TestCleanupKeepsBranchWhenCommitsLanded(t *testing.T) {
	runner := newFakeGitRunner()
	lane := &Lane{Label: "worker", Ordinal: 1, Mode: ModeWorktree, Path: "/repo/.pi/worktrees/run-1-worker-1", Branch: "pi/subagent/run-1/worker-1", BaseHead: "abc123"}
	runner.outputs["rev-parse pi/subagent/run-1/worker-1"] = "def456\n"
	m := NewManager(runner, "/repo", "run-1", "")

	m.Cleanup(context.Background(), lane)
	for _, call := range runner.calls {
		if len(call) >= 2 && call[0] == "branch" && call[1] == "-D" {
			t.Error("expected branch to be kept when commits landed")
		}
	}
}

func TestSanitizeLabelCollapsesSeparators(t *testing.T) {
	got := sanitizeLabel("Worker  One!! / Two")
	if got != "worker-one-two" {
		t.Errorf("expected worker-one-two, got %s", got)
	}
}
