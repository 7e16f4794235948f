// Package transcript parses agent CLI transcript lines (JSONL) and converts
// them into block-level rendering events. The processor is stateful per
// session: tool results and progress updates mutate blocks created earlier
// in the same file.
package transcript

import (
	"bytes"
	"encoding/json"
	"strings"
)

// LineType classifies one parsed transcript line.
type LineType string

const (
	// User-visible user messages.
	LineUserInput          LineType = "user_input"
	LineToolResult         LineType = "tool_result"
	LineLocalCommandOutput LineType = "local_command_output"

	// User-visible assistant messages.
	LineAssistantText LineType = "assistant_text"
	LineToolUse       LineType = "tool_use"
	LineThinking      LineType = "thinking"

	// System lines.
	LineTurnDuration    LineType = "turn_duration"
	LineCompactBoundary LineType = "compact_boundary"

	// Progress updates that mutate an existing tool-call block.
	LineBashProgress   LineType = "bash_progress"
	LineHookProgress   LineType = "hook_progress"
	LineAgentProgress  LineType = "agent_progress"
	LineQueryUpdate    LineType = "query_update"
	LineSearchResults  LineType = "search_results"
	LineWaitingForTask LineType = "waiting_for_task"

	// Everything else (sidechains, summaries, unknown shapes).
	LineInvisible LineType = "invisible"
)

// BlockType identifies the kind of a visual block.
type BlockType string

const (
	BlockUser      BlockType = "user"
	BlockAssistant BlockType = "assistant"
	BlockToolCall  BlockType = "tool_call"
	BlockThinking  BlockType = "thinking"
	BlockDuration  BlockType = "duration"
	BlockSystem    BlockType = "system"
)

// Block is one visible unit in the rendered output. IDs are unique within a
// session run and restart from 1 after a clear_all.
type Block struct {
	ID   int       `json:"id"`
	Type BlockType `json:"type"`

	// Text carries the body for user, assistant, thinking and system blocks.
	Text string `json:"text,omitempty"`

	// RequestID groups assistant-side blocks into turns.
	RequestID string `json:"request_id,omitempty"`

	// Tool call fields.
	ToolName     string `json:"tool_name,omitempty"`
	ToolUseID    string `json:"tool_use_id,omitempty"`
	Label        string `json:"label,omitempty"`
	ProgressText string `json:"progress_text,omitempty"`
	Result       string `json:"result,omitempty"`
	IsError      bool   `json:"is_error,omitempty"`

	// Duration fields.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// EventKind discriminates the operations on the block list.
type EventKind string

const (
	EventAddBlock    EventKind = "add_block"
	EventUpdateBlock EventKind = "update_block"
	EventClearAll    EventKind = "clear_all"
)

// Event is one operation on a session's ordered block list. AddBlock carries
// the new block; UpdateBlock carries the full replacement content for the
// block identified by Block.ID; ClearAll carries no block.
type Event struct {
	Kind  EventKind `json:"kind"`
	Block *Block    `json:"block,omitempty"`
}

// Line is the lenient envelope of one raw JSONL transcript line. Fields not
// referenced by the pipeline are intentionally absent; unknown keys are
// ignored by the decoder.
type Line struct {
	Type    string `json:"type,omitempty"`
	Subtype string `json:"subtype,omitempty"`

	// Role may appear at the top level or inside Message.
	Role    string   `json:"role,omitempty"`
	Message *Message `json:"message,omitempty"`

	RequestID   string `json:"requestId,omitempty"`
	IsSidechain bool   `json:"isSidechain,omitempty"`

	// Progress envelopes carry the owning tool call at the top level and a
	// typed payload in Data.
	ParentToolUseID string          `json:"parentToolUseID,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`

	// DurationMs is the bare turn_duration form; DurationMsCamel covers the
	// system envelope form which camel-cases the key.
	DurationMs      int64 `json:"duration_ms,omitempty"`
	DurationMsCamel int64 `json:"durationMs,omitempty"`

	// Content carries the body of envelope-only system lines.
	Content string `json:"content,omitempty"`

	// ToolUseResult is the structured result the CLI attaches alongside
	// tool_result content blocks.
	ToolUseResult json.RawMessage `json:"toolUseResult,omitempty"`

	// Envelope metadata, used by the search index rather than the pipeline.
	SessionID string `json:"sessionId,omitempty"`
	UUID      string `json:"uuid,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Version   string `json:"version,omitempty"`
	CWD       string `json:"cwd,omitempty"`
}

// Message is the inner message of user/assistant lines.
type Message struct {
	Role    string         `json:"role,omitempty"`
	Content MessageContent `json:"content,omitempty"`
}

// EffectiveRole resolves the message role across the envelope variants:
// top-level role, inner message role, or the envelope type itself.
func (l *Line) EffectiveRole() string {
	if l.Role != "" {
		return l.Role
	}
	if l.Message != nil && l.Message.Role != "" {
		return l.Message.Role
	}
	if l.Type == "user" || l.Type == "assistant" {
		return l.Type
	}
	return ""
}

// Duration returns the turn duration in milliseconds regardless of which
// envelope form carried it.
func (l *Line) Duration() int64 {
	if l.DurationMs > 0 {
		return l.DurationMs
	}
	return l.DurationMsCamel
}

// MessageContent models the three content shapes of a message: a plain
// string, a list of content blocks, or null. Unknown shapes read as null.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock

	str  bool
	list bool
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	switch trimmed[0] {
	case '"':
		if err := json.Unmarshal(data, &c.Text); err != nil {
			return nil
		}
		c.str = true
	case '[':
		if err := json.Unmarshal(data, &c.Blocks); err != nil {
			c.Blocks = nil
			return nil
		}
		c.list = true
	}
	return nil
}

func (c *MessageContent) MarshalJSON() ([]byte, error) {
	switch {
	case c.str:
		return json.Marshal(c.Text)
	case c.list:
		return json.Marshal(c.Blocks)
	default:
		return []byte("null"), nil
	}
}

// IsString reports whether the content was a plain string.
func (c *MessageContent) IsString() bool { return c.str }

// IsList reports whether the content was a block list.
func (c *MessageContent) IsList() bool { return c.list }

// IsNull reports whether the content was absent, null, or unrecognised.
func (c *MessageContent) IsNull() bool { return !c.str && !c.list }

// ContentBlock is one entry of a block-list message content.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks.
	Text string `json:"text,omitempty"`

	// For thinking blocks.
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks.
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   TextContent `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
}

// TextContent is a string that also accepts the array-of-blocks form used by
// tool_result content. The array form flattens to the text entries joined
// with newlines; unknown shapes read as empty.
type TextContent string

func (t *TextContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = TextContent(s)
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		*t = ""
		return nil
	}

	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	*t = TextContent(strings.Join(texts, "\n"))
	return nil
}

// ProgressPayload is the typed payload of a progress envelope.
type ProgressPayload struct {
	Type        string `json:"type"`
	Output      string `json:"output,omitempty"`
	HookName    string `json:"hookName,omitempty"`
	Status      string `json:"status,omitempty"`
	Message     string `json:"message,omitempty"`
	Query       string `json:"query,omitempty"`
	ResultCount int    `json:"resultCount,omitempty"`
	Description string `json:"taskDescription,omitempty"`
}

// ParseLine decodes one raw JSONL line. Callers treat an error as a malformed
// line: skip it and advance.
func ParseLine(data []byte) (*Line, error) {
	var line Line
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, err
	}
	return &line, nil
}
