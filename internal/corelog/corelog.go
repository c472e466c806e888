// Package corelog provides the console logging implementation shared by the
// coordinator, child process driver, and worktree manager.
package corelog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Log level constants for filtering.
const (
	levelDebug int = 0
	levelInfo  int = 1
	levelWarn  int = 2
	levelError int = 3
)

// Logger is the logging surface used throughout the coordinator.
// Implementations must be safe for concurrent use: the orchestrator logs
// from the main goroutine and from per-task goroutines in parallel mode.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// ConsoleLogger logs to an io.Writer with timestamps and optional color.
// Color output is automatically enabled when writing to a TTY.
type ConsoleLogger struct {
	writer   io.Writer
	level    int
	mu       sync.Mutex
	useColor bool
}

// NewConsoleLogger creates a ConsoleLogger writing to w at the given level
// ("debug", "info", "warn", "error"; defaults to "info" if unrecognized).
func NewConsoleLogger(w io.Writer, level string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:   w,
		level:    levelFromString(level),
		useColor: isTerminal(w),
	}
}

func levelFromString(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return levelDebug
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func isTerminal(w io.Writer) bool {
	if w == os.Stdout {
		return isatty.IsTerminal(os.Stdout.Fd())
	}
	if w == os.Stderr {
		return isatty.IsTerminal(os.Stderr.Fd())
	}
	return false
}

func (c *ConsoleLogger) Debug(format string, args ...interface{}) {
	c.log(levelDebug, "DEBUG", format, args)
}
func (c *ConsoleLogger) Info(format string, args ...interface{}) {
	c.log(levelInfo, "INFO", format, args)
}
func (c *ConsoleLogger) Warn(format string, args ...interface{}) {
	c.log(levelWarn, "WARN", format, args)
}
func (c *ConsoleLogger) Error(format string, args ...interface{}) {
	c.log(levelError, "ERROR", format, args)
}

func (c *ConsoleLogger) log(level int, label, format string, args []interface{}) {
	if c.writer == nil || level < c.level {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ts := time.Now().Format("15:04:05")
	msg := fmt.Sprintf(format, args...)

	if !c.useColor {
		fmt.Fprintf(c.writer, "[%s] [%s] %s\n", ts, label, msg)
		return
	}

	var paint func(format string, a ...interface{}) string
	switch label {
	case "DEBUG":
		paint = color.New(color.FgHiBlack).SprintfFunc()
	case "WARN":
		paint = color.New(color.FgYellow).SprintfFunc()
	case "ERROR":
		paint = color.New(color.FgRed, color.Bold).SprintfFunc()
	default:
		paint = color.New(color.FgCyan).SprintfFunc()
	}
	fmt.Fprintf(c.writer, "[%s] %s %s\n", ts, paint("[%s]", label), msg)
}

// NopLogger discards all messages. Used as the default when no logger is
// configured, avoiding nil checks at every call site.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
