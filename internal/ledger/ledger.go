// Package ledger implements the append-only shared-context ledger: a
// per-run JSONL record of dispatch/observation/decision entries, and the
// handoff packet assembly that injects recent entries into a child's task.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// ContextMode controls how much the ledger participates in a run.
type ContextMode string

const (
	// ModeIsolated skips writes entirely and produces an empty packet.
	ModeIsolated ContextMode = "isolated"
	// ModeSharedRead writes dispatches/observations and injects packets.
	ModeSharedRead ContextMode = "shared-read"
	// ModeSharedWrite additionally allows a coordinator decision entry.
	ModeSharedWrite ContextMode = "shared-write"
)

// EntryKind distinguishes ledger entry types.
type EntryKind string

const (
	KindDispatch    EntryKind = "dispatch"
	KindObservation EntryKind = "observation"
	KindDecision    EntryKind = "decision"
)

// Envelope is the task handoff envelope recorded with a dispatch entry.
type Envelope struct {
	RunID        string `json:"run_id"`
	TaskID       string `json:"task_id"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	Agent        string `json:"agent"`
	Task         string `json:"task"`
	Mode         string `json:"mode"`
	Depth        int    `json:"depth"`
	CreatedAtMs  int64  `json:"created_at_ms"`
}

// Entry is one append-only ledger record.
type Entry struct {
	Type        EntryKind `json:"type"`
	EntryID     string    `json:"entry_id"`
	RunID       string    `json:"run_id"`
	CreatedAtMs int64     `json:"created_at_ms"`

	// dispatch fields
	Envelope    *Envelope `json:"envelope,omitempty"`
	ContextMode string    `json:"context_mode,omitempty"`

	// observation / decision fields
	TaskID      string `json:"task_id,omitempty"`
	Agent       string `json:"agent,omitempty"`
	Coordinator string `json:"coordinator,omitempty"`
	Status      string `json:"status,omitempty"` // "success" | "error"
	Summary     string `json:"summary,omitempty"`
}

const (
	maxObservationSummary = 800
	maxDecisionSummary    = 1000
)

// Ledger is the contract used by the coordinator. There
// are two implementations — a file-backed one and a no-op one — presented
// behind a single constructor so callers never branch on which is active.
type Ledger interface {
	AppendDispatch(envelope Envelope, contextMode ContextMode) error
	AppendObservation(taskID, agent, status, summary string) error
	AppendDecision(taskID, coordinator, summary string) error
	ReadRecent(limit int) ([]Entry, error)
	BuildPacket(contextMode ContextMode, envelope Envelope, recent []Entry) string
}

// New returns a Ledger for the given run, rooted under cwd (or memoryDir if
// non-empty). Any I/O failure while preparing the backing file degrades to
// a silent no-op implementation rather than failing the caller.
func New(runID, cwd, memoryDir string) Ledger {
	root := memoryDir
	if root == "" {
		root = filepath.Join(cwd, ".pi", "subagent-memory", "runs")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return noopLedger{}
	}
	path := filepath.Join(root, runID+".jsonl")
	return &fileLedger{runID: runID, path: path}
}

func clamp(limit, lo, hi int) int {
	if limit < lo {
		return lo
	}
	if limit > hi {
		return hi
	}
	return limit
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// fileLedger is the durable, best-effort implementation.
type fileLedger struct {
	runID string
	path  string
}

func (l *fileLedger) append(e Entry) error {
	lock := flock.New(l.path + ".lock")
	locked, err := lock.TryLock()
	if err != nil || !locked {
		// Best-effort: a lock contention or failure degrades to a silent no-op
		// for this single append rather than failing the caller.
		return nil
	}
	defer lock.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return nil
	}
	return nil
}

func (l *fileLedger) AppendDispatch(envelope Envelope, contextMode ContextMode) error {
	if contextMode == ModeIsolated {
		return nil
	}
	return l.append(Entry{
		Type:        KindDispatch,
		EntryID:     uuid.NewString(),
		RunID:       l.runID,
		CreatedAtMs: envelope.CreatedAtMs,
		Envelope:    &envelope,
		ContextMode: string(contextMode),
	})
}

func (l *fileLedger) AppendObservation(taskID, agent, status, summary string) error {
	return l.append(Entry{
		Type:        KindObservation,
		EntryID:     uuid.NewString(),
		RunID:       l.runID,
		CreatedAtMs: time.Now().UnixMilli(),
		TaskID:      taskID,
		Agent:       agent,
		Status:      status,
		Summary:     truncate(summary, maxObservationSummary),
	})
}

func (l *fileLedger) AppendDecision(taskID, coordinator, summary string) error {
	return l.append(Entry{
		Type:        KindDecision,
		EntryID:     uuid.NewString(),
		RunID:       l.runID,
		CreatedAtMs: time.Now().UnixMilli(),
		TaskID:      taskID,
		Coordinator: coordinator,
		Summary:     truncate(summary, maxDecisionSummary),
	})
}

func (l *fileLedger) ReadRecent(limit int) ([]Entry, error) {
	limit = clamp(limit, 1, 100)

	f, err := os.Open(l.path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	var all []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.RunID != l.runID {
			continue
		}
		all = append(all, e)
	}

	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (l *fileLedger) BuildPacket(contextMode ContextMode, envelope Envelope, recent []Entry) string {
	return buildPacket(contextMode, envelope, recent)
}

// noopLedger degrades silently: reads return empty, writes are ignored.
type noopLedger struct{}

func (noopLedger) AppendDispatch(Envelope, ContextMode) error             { return nil }
func (noopLedger) AppendObservation(string, string, string, string) error { return nil }
func (noopLedger) AppendDecision(string, string, string) error            { return nil }
func (noopLedger) ReadRecent(int) ([]Entry, error)                        { return nil, nil }
func (noopLedger) BuildPacket(contextMode ContextMode, envelope Envelope, recent []Entry) string {
	return buildPacket(contextMode, envelope, recent)
}

// buildPacket wraps recent ledger entries in <shared_context> tags as the
// text block appended to a child's task. isolated mode always yields "".
func buildPacket(contextMode ContextMode, envelope Envelope, recent []Entry) string {
	if contextMode == ModeIsolated {
		return ""
	}

	var b strings.Builder
	b.WriteString("<shared_context>\n")
	fmt.Fprintf(&b, "run_id: %s\n", envelope.RunID)
	fmt.Fprintf(&b, "task_id: %s\n", envelope.TaskID)
	if envelope.ParentTaskID != "" {
		fmt.Fprintf(&b, "parent_task_id: %s\n", envelope.ParentTaskID)
	}
	fmt.Fprintf(&b, "context_mode: %s\n", contextMode)

	if len(recent) > 0 {
		b.WriteString("recent:\n")
		for _, e := range recent {
			b.WriteString("- ")
			b.WriteString(summarizeEntry(e))
			b.WriteString("\n")
		}
	}

	b.WriteString("Treat this context as source of truth; do not duplicate long excerpts from it.\n")
	b.WriteString("</shared_context>")
	return b.String()
}

func summarizeEntry(e Entry) string {
	switch e.Type {
	case KindDispatch:
		if e.Envelope == nil {
			return "dispatch"
		}
		return fmt.Sprintf("dispatch %s task:%s", e.Envelope.Agent, e.Envelope.TaskID)
	case KindObservation:
		return fmt.Sprintf("%s %s task:%s %s", e.Status, e.Agent, e.TaskID, e.Summary)
	case KindDecision:
		return fmt.Sprintf("decision %s task:%s %s", e.Coordinator, e.TaskID, e.Summary)
	default:
		return string(e.Type)
	}
}

// NewTaskID returns a short opaque task identifier.
func NewTaskID() string {
	id := uuid.NewString()
	return "t-" + id[:8]
}

// NewEnvelope builds a dispatch envelope with the current time.
func NewEnvelope(runID, taskID, parentTaskID, agent, task, mode string, depth int) Envelope {
	return Envelope{
		RunID:        runID,
		TaskID:       taskID,
		ParentTaskID: parentTaskID,
		Agent:        agent,
		Task:         task,
		Mode:         mode,
		Depth:        depth,
		CreatedAtMs:  time.Now().UnixMilli(),
	}
}

// FormatDepth formats a depth for log lines.
func FormatDepth(depth int) string {
	return strconv.Itoa(depth)
}
