package agent

import (
	"encoding/json"
	"strings"

	"github.com/accordhq/accord/internal/request"
)

// EventKind classifies a streamed agent event.
type EventKind string

const (
	KindText       EventKind = "text"
	KindThinking   EventKind = "thinking"
	KindToolUse    EventKind = "tool_use"
	KindToolResult EventKind = "tool_result"
	KindStatus     EventKind = "status"
)

// StreamEvent is one backend-neutral output event, forwarded to the
// caller's OnOutput hook as the agent works. Text carries the payload
// for text, thinking, status, and tool_result kinds.
type StreamEvent struct {
	Kind EventKind
	Text string
	// Tool and Input are set for tool_use events; Input is the raw JSON
	// argument object.
	Tool  string
	Input string
	// IsError is set for tool_result events.
	IsError bool
}

// wireEvent is one stream-json line from the claude CLI. Only the fields
// the dispatcher consumes are decoded; everything else is ignored.
type wireEvent struct {
	Type      string       `json:"type"`
	SubType   string       `json:"subtype,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Message   *wireMessage `json:"message,omitempty"`

	// Result-event fields.
	IsError      bool                          `json:"is_error,omitempty"`
	Result       string                        `json:"result,omitempty"`
	TotalCostUSD float64                       `json:"total_cost_usd,omitempty"`
	DurationMs   int64                         `json:"duration_ms,omitempty"`
	NumTurns     int                           `json:"num_turns,omitempty"`
	Usage        *request.UsageTotals          `json:"usage,omitempty"`
	ModelUsage   map[string]request.ModelUsage `json:"modelUsage,omitempty"` //nolint:tagliatelle // upstream API uses camelCase
}

type wireMessage struct {
	Role    string      `json:"role,omitempty"`
	Content []wireBlock `json:"content,omitempty"`
}

type wireBlock struct {
	Type     string `json:"type,omitempty"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	// Tool use fields (Type == "tool_use").
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// Tool result fields (Type == "tool_result"). Content is a bare
	// string or a list of text blocks depending on the tool.
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

func (e *wireEvent) isInit() bool {
	return e.Type == "system" && e.SubType == "init"
}

func (e *wireEvent) isResult() bool {
	return e.Type == "result"
}

// text returns the concatenated text blocks of an assistant message.
func (m *wireMessage) text() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func parseWireEvent(line []byte) (*wireEvent, error) {
	var e wireEvent
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// streamEvents maps one wire event to zero or more backend-neutral
// stream events.
func streamEvents(e *wireEvent) []StreamEvent {
	switch {
	case e.isInit():
		return []StreamEvent{{Kind: KindStatus, Text: "session started"}}
	case e.Type == "assistant" && e.Message != nil:
		var out []StreamEvent
		for _, b := range e.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					out = append(out, StreamEvent{Kind: KindText, Text: b.Text})
				}
			case "thinking":
				if b.Thinking != "" {
					out = append(out, StreamEvent{Kind: KindThinking, Text: b.Thinking})
				}
			case "tool_use":
				out = append(out, StreamEvent{Kind: KindToolUse, Tool: b.Name, Input: string(b.Input)})
			}
		}
		return out
	case e.Type == "user" && e.Message != nil:
		// Tool results come back wrapped in user messages.
		var out []StreamEvent
		for _, b := range e.Message.Content {
			if b.Type == "tool_result" {
				out = append(out, StreamEvent{
					Kind:    KindToolResult,
					Text:    toolResultText(b.Content),
					IsError: b.IsError,
				})
			}
		}
		return out
	}
	return nil
}

// toolResultText flattens a tool_result content payload.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
