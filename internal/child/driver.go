package child

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/4xguy/pi-mono/internal/corelog"
)

const defaultGracePeriod = 5 * time.Second

// Request is one child invocation's full configuration.
type Request struct {
	Binary                 string
	Model                  string
	Tools                  []string
	AppendSystemPromptFile string
	Task                   string
	Cwd                    string
	Env                    []string
	DeadlineAtMs           int64
}

// Result is the assembled outcome of a child invocation.
type Result struct {
	Text         string
	Usage        Usage
	StopReason   string
	ExitCode     int
	Stderr       string
	ErrorMessage string
	Aborted      bool
}

// Failed reports whether the result should be treated as an error outcome:
// a non-zero exit, an explicit error stop-reason, a reported error
// message, or abortion.
func (r *Result) Failed() bool {
	return r.Aborted || r.ExitCode != 0 || r.StopReason == "error" || r.ErrorMessage != ""
}

// WallTimeError is returned when a child's deadline has already passed at
// the point of launch; no process is spawned.
type WallTimeError struct {
	DeadlineAtMs int64
	NowMs        int64
}

func (e *WallTimeError) Error() string {
	return fmt.Sprintf("wall-time deadline already passed: now=%dms deadline=%dms", e.NowMs, e.DeadlineAtMs)
}

// Driver launches and supervises one child process at a time per call.
type Driver struct {
	Logger      corelog.Logger
	GracePeriod time.Duration
}

// New creates a Driver. A nil logger degrades to silent operation.
func New(logger corelog.Logger) *Driver {
	if logger == nil {
		logger = corelog.NopLogger{}
	}
	return &Driver{Logger: logger, GracePeriod: defaultGracePeriod}
}

func buildArgs(req Request) []string {
	args := []string{"--mode", "json", "-p", "--no-session"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if len(req.Tools) > 0 {
		args = append(args, "--tools", strings.Join(req.Tools, ","))
	}
	if req.AppendSystemPromptFile != "" {
		args = append(args, "--append-system-prompt", req.AppendSystemPromptFile)
	}
	args = append(args, req.Task)
	return args
}

// Run launches the child, streams its stdout as JSON-lines events,
// enforces the deadline with a graceful-then-forceful termination
// sequence, and assembles the final Result. ctx cancellation triggers the
// same termination sequence and marks the result aborted.
func (d *Driver) Run(ctx context.Context, req Request, now time.Time) (*Result, error) {
	remaining := time.Duration(req.DeadlineAtMs-now.UnixMilli()) * time.Millisecond
	if remaining <= 0 {
		return nil, &WallTimeError{DeadlineAtMs: req.DeadlineAtMs, NowMs: now.UnixMilli()}
	}

	cmd := exec.CommandContext(ctx, req.Binary, buildArgs(req)...)
	grace := d.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = grace
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	cmd.Env = append(os.Environ(), req.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach child stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start child process: %w", err)
	}

	var aborted atomic.Bool
	timer := time.AfterFunc(remaining, func() {
		d.Logger.Warn("child process deadline reached, sending graceful termination")
		aborted.Store(true)
		_ = cmd.Process.Signal(syscall.SIGTERM)
		time.AfterFunc(grace, func() {
			_ = cmd.Process.Kill()
		})
	})
	defer timer.Stop()

	result := &Result{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		event, ok := parseEvent(line)
		if !ok {
			continue
		}
		applyEvent(result, event)
	}

	waitErr := cmd.Wait()
	result.Stderr = stderr.String()

	if ctx.Err() != nil {
		aborted.Store(true)
	}
	result.Aborted = aborted.Load()

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else if !result.Aborted {
			return nil, fmt.Errorf("child process wait failed: %w", waitErr)
		}
	}

	return result, nil
}

func applyEvent(result *Result, event Event) {
	if event.Message == nil {
		return
	}
	msg := event.Message

	if msg.Usage != nil {
		result.Usage.InputTokens += msg.Usage.InputTokens
		result.Usage.OutputTokens += msg.Usage.OutputTokens
	}

	if event.Type != EventMessageEnd || msg.Role != "assistant" {
		return
	}

	for _, part := range msg.Content {
		if part.Type == "text" && part.Text != "" {
			if result.Text != "" {
				result.Text += "\n"
			}
			result.Text += part.Text
		}
	}
	if msg.StopReason != "" {
		result.StopReason = msg.StopReason
	}
	if msg.Error != "" {
		result.ErrorMessage = msg.Error
	}
}
