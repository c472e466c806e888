package phasegate

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewStateSkipsSmokeWhenNotConfigured(t *testing.T) {
	s := NewState("single mode", nil, false, 0, 0)
	if s.Gates["topology"].Status != StatusPassed {
		t.Errorf("expected topology gate passed immediately, got %s", s.Gates["topology"].Status)
	}
	if s.SmokeGate().Status != StatusSkipped {
		t.Errorf("expected smoke gate skipped, got %s", s.SmokeGate().Status)
	}
}

func TestNewStateRequiresSmokeWhenCommandsConfigured(t *testing.T) {
	s := NewState("chain mode", []string{"go test ./..."}, false, 1, 0)
	if s.SmokeGate().Status != StatusPending {
		t.Errorf("expected smoke gate pending, got %s", s.SmokeGate().Status)
	}
	if !s.SmokeGate().Required {
		t.Error("expected smoke gate required when commands are configured")
	}
}

// scriptedRunner returns a fixed sequence of results, one per call, then
// repeats the last result.
type scriptedRunner struct {
	calls   int
	results []struct {
		output   string
		exitCode int
		err      error
	}
}

func (r *scriptedRunner) Run(ctx context.Context, command string) (string, int, error) {
	idx := r.calls
	if idx >= len(r.results) {
		idx = len(r.results) - 1
	}
	r.calls++
	res := r.results[idx]
	return res.output, res.exitCode, res.err
}

func TestRunSmokePassesOnFirstAttempt(t *testing.T) {
	s := NewState("single mode", []string{"make test"}, true, 2, 0)
	runner := &scriptedRunner{results: []struct {
		output   string
		exitCode int
		err      error
	}{{output: "ok", exitCode: 0, err: nil}}}

	result := s.RunSmoke(context.Background(), runner)
	if !result.Passed {
		t.Fatal("expected smoke to pass")
	}
	if s.SmokeAttempts != 1 {
		t.Errorf("expected 1 smoke attempt, got %d", s.SmokeAttempts)
	}
	if s.SmokeGate().Status != StatusPassed {
		t.Errorf("expected smoke gate passed, got %s", s.SmokeGate().Status)
	}
}

func TestRunSmokeRetriesThenFails(t *testing.T) {
	s := NewState("single mode", []string{"make test"}, true, 2, 0)
	runner := &scriptedRunner{results: []struct {
		output   string
		exitCode int
		err      error
	}{
		{output: "fail 1", exitCode: 1, err: errors.New("exit 1")},
		{output: "fail 2", exitCode: 1, err: errors.New("exit 1")},
		{output: "fail 3", exitCode: 1, err: errors.New("exit 1")},
	}}

	result := s.RunSmoke(context.Background(), runner)
	if result.Passed {
		t.Fatal("expected smoke to fail after exhausting retries")
	}
	if s.SmokeAttempts != 3 {
		t.Errorf("expected 1+retries=3 smoke attempts, got %d", s.SmokeAttempts)
	}
	if s.SmokeGate().Status != StatusFailed {
		t.Errorf("expected smoke gate failed, got %s", s.SmokeGate().Status)
	}
}

type fakeInvoker struct {
	fail bool
}

func (f *fakeInvoker) Invoke(ctx context.Context, agent, prompt string) error {
	if f.fail {
		return errors.New("child invocation failed")
	}
	return nil
}

func TestRunFixLoopSucceedsOnFirstAttempt(t *testing.T) {
	// Retries default to 1 (two attempts per RunSmoke call), so the initial
	// smoke check needs two failing results before the fix loop's own
	// RunSmoke call gets a chance to pass.
	s := NewState("single mode", []string{"make test"}, true, 0, 2)
	runner := &scriptedRunner{results: []struct {
		output   string
		exitCode int
		err      error
	}{
		{output: "fail", exitCode: 1, err: errors.New("exit 1")},
		{output: "fail", exitCode: 1, err: errors.New("exit 1")},
		{output: "ok", exitCode: 0, err: nil},
	}}

	failing := s.RunSmoke(context.Background(), runner)
	if failing.Passed {
		t.Fatal("expected initial smoke failure")
	}

	err := s.RunFixLoop(context.Background(), runner, &fakeInvoker{}, "worker", failing)
	if err != nil {
		t.Fatalf("expected fix loop to succeed, got %v", err)
	}
	if s.SmokeGate().Status != StatusPassed {
		t.Errorf("expected smoke gate passed after fix, got %s", s.SmokeGate().Status)
	}
	if s.SmokeFixAttempts != 1 {
		t.Errorf("expected 1 fix attempt, got %d", s.SmokeFixAttempts)
	}
	if len(s.SmokeFixHistory) != 1 || s.SmokeFixHistory[0].Outcome != FixOutcomeSuccess {
		t.Errorf("expected one success history entry, got %+v", s.SmokeFixHistory)
	}
}

func TestRunFixLoopExhaustsAttempts(t *testing.T) {
	s := NewState("single mode", []string{"make test"}, true, 0, 2)
	runner := &scriptedRunner{results: []struct {
		output   string
		exitCode int
		err      error
	}{
		{output: "fail", exitCode: 1, err: errors.New("exit 1")},
	}}

	failing := s.RunSmoke(context.Background(), runner)
	err := s.RunFixLoop(context.Background(), runner, &fakeInvoker{}, "worker", failing)
	if err == nil {
		t.Fatal("expected terminal error after exhausting fix attempts")
	}
	var termErr *TerminalError
	if !errors.As(err, &termErr) {
		t.Errorf("expected TerminalError, got %T", err)
	}
	if s.SmokeFixAttempts != 2 {
		t.Errorf("expected 2 fix attempts, got %d", s.SmokeFixAttempts)
	}
}

func TestNewStateAppliesDefaultsAndClampsBounds(t *testing.T) {
	s := NewState("single mode", []string{"make test"}, true, 0, 0)
	if s.SmokeMaxRetries != 1 {
		t.Errorf("expected default smoke retries 1, got %d", s.SmokeMaxRetries)
	}
	if s.SmokeMaxFixAttempts != 2 {
		t.Errorf("expected default fix attempts 2, got %d", s.SmokeMaxFixAttempts)
	}

	clamped := NewState("single mode", []string{"make test"}, true, 99, 99)
	if clamped.SmokeMaxRetries != 5 {
		t.Errorf("expected smoke retries clamped to 5, got %d", clamped.SmokeMaxRetries)
	}
	if clamped.SmokeMaxFixAttempts != 5 {
		t.Errorf("expected fix attempts clamped to 5, got %d", clamped.SmokeMaxFixAttempts)
	}
}

// RunFixLoop's own zero-fix-attempts guard only matters for a State built
// by hand (NewState's clamp never produces a value below 1).
func TestRunFixLoopSkippedWhenStateHasZeroFixAttempts(t *testing.T) {
	s := &State{
		Gates:               map[string]*Gate{"smoke": {Name: "smoke", Required: true}},
		SmokeCommands:       []string{"make test"},
		RequireSmoke:        true,
		SmokeMaxFixAttempts: 0,
	}
	runner := &scriptedRunner{results: []struct {
		output   string
		exitCode int
		err      error
	}{{output: "fail", exitCode: 1, err: errors.New("exit 1")}}}

	failing := AttemptResult{Passed: false, FailedCommand: "make test", FailedExitCode: 1}
	err := s.RunFixLoop(context.Background(), runner, &fakeInvoker{}, "worker", failing)
	if err == nil {
		t.Fatal("expected terminal error when fix attempts are not configured")
	}
	if s.SmokeFixAttempts != 0 {
		t.Errorf("expected no fix attempts made, got %d", s.SmokeFixAttempts)
	}
}

func TestBuildRemediationPromptIncludesCommandAndInstructions(t *testing.T) {
	prompt := BuildRemediationPrompt("make test", 1, "panic: boom", 1)
	if !strings.Contains(prompt, "make test") {
		t.Errorf("expected prompt to mention the failing command, got %q", prompt)
	}
	if !strings.Contains(prompt, "panic: boom") {
		t.Errorf("expected prompt to include truncated output, got %q", prompt)
	}
	if !strings.Contains(prompt, "minimal fix") {
		t.Errorf("expected prompt to include fix instructions, got %q", prompt)
	}
}
