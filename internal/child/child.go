// Package child drives the opaque child agent process: an external binary
// invoked with a fixed flag contract that reads a task string and emits a
// JSON-lines event stream on stdout.
package child

import "encoding/json"

// EventKind distinguishes the two event kinds the driver understands. All
// other lines on stdout are ignored.
type EventKind string

const (
	EventMessageEnd    EventKind = "message_end"
	EventToolResultEnd EventKind = "tool_result_end"
)

// ContentPart is one ordered piece of an assistant message: either text or
// a tool call.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
}

// Usage carries the token counters reported with a message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message is the payload of a message_end or tool_result_end event.
type Message struct {
	Role       string        `json:"role"`
	Content    []ContentPart `json:"content"`
	Usage      *Usage        `json:"usage,omitempty"`
	Model      string        `json:"model,omitempty"`
	StopReason string        `json:"stop_reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Event is one JSON object decoded from a single stdout line.
type Event struct {
	Type    EventKind `json:"type"`
	Message *Message  `json:"message,omitempty"`
}

// parseEvent decodes one line. Lines that are not a recognized event
// (malformed JSON, or a kind other than the two recognized ones) yield
// ok=false so the caller can skip them without failing the run.
func parseEvent(line []byte) (Event, bool) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, false
	}
	if e.Type != EventMessageEnd && e.Type != EventToolResultEnd {
		return Event{}, false
	}
	return e, true
}
