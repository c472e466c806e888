package child

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// writeFakeBinary writes an executable shell script that ignores its
// arguments and prints the given stdout lines, exiting with exitCode.
func writeFakeBinary(t *testing.T, dir string, lines []string, exitCode int) string {
	t.Helper()
	path := filepath.Join(dir, "fake-pi.sh")
	script := "#!/bin/sh\n"
	for _, line := range lines {
		script += "cat <<'EOF'\n" + line + "\nEOF\n"
	}
	script += "exit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

func TestRunAssemblesTextFromMessageEndEvents(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeBinary(t, dir, []string{
		`{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":10,"output_tokens":5},"stop_reason":"end_turn"}}`,
	}, 0)

	d := New(nil)
	req := Request{Binary: bin, Task: "do the thing", DeadlineAtMs: time.Now().Add(time.Minute).UnixMilli()}
	result, err := d.Run(context.Background(), req, time.Now())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Text != "hello" {
		t.Errorf("expected text %q, got %q", "hello", result.Text)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 {
		t.Errorf("expected usage summed, got %+v", result.Usage)
	}
	if result.StopReason != "end_turn" {
		t.Errorf("expected stop_reason end_turn, got %s", result.StopReason)
	}
	if result.Failed() {
		t.Error("expected a successful result")
	}
}

func TestRunIgnoresUnrecognizedEventKinds(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeBinary(t, dir, []string{
		`{"type":"heartbeat"}`,
		`{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}`,
	}, 0)

	d := New(nil)
	req := Request{Binary: bin, Task: "task", DeadlineAtMs: time.Now().Add(time.Minute).UnixMilli()}
	result, err := d.Run(context.Background(), req, time.Now())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Text != "ok" {
		t.Errorf("expected text ok, got %q", result.Text)
	}
}

func TestRunNonZeroExitIsFailed(t *testing.T) {
	dir := t.TempDir()
	bin := writeFakeBinary(t, dir, nil, 1)

	d := New(nil)
	req := Request{Binary: bin, Task: "task", DeadlineAtMs: time.Now().Add(time.Minute).UnixMilli()}
	result, err := d.Run(context.Background(), req, time.Now())
	if err != nil {
		t.Fatalf("Run should not itself error on nonzero exit: %v", err)
	}
	if !result.Failed() {
		t.Error("expected a failed result for nonzero exit")
	}
	if result.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", result.ExitCode)
	}
}

func TestRunRefusesWhenDeadlineAlreadyPassed(t *testing.T) {
	d := New(nil)
	req := Request{Binary: "/bin/true", Task: "task", DeadlineAtMs: time.Now().Add(-time.Second).UnixMilli()}
	_, err := d.Run(context.Background(), req, time.Now())
	if err == nil {
		t.Fatal("expected WallTimeError when deadline already passed")
	}
	if _, ok := err.(*WallTimeError); !ok {
		t.Errorf("expected *WallTimeError, got %T", err)
	}
}

func TestBuildArgsIncludesOptionalFlags(t *testing.T) {
	req := Request{Model: "sonnet", Tools: []string{"edit", "bash"}, Task: "do it"}
	args := buildArgs(req)

	want := []string{"--mode", "json", "-p", "--no-session", "--model", "sonnet", "--tools", "edit,bash", "do it"}
	if len(args) != len(want) {
		t.Fatalf("expected %d args, got %d: %v", len(want), len(args), args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d: expected %q, got %q", i, want[i], args[i])
		}
	}
}
