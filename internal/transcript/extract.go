package transcript

import (
	"strings"
	"time"
)

// IndexedMessage is the searchable content of one transcript line. The
// search index stores these; the live pipeline never uses them.
type IndexedMessage struct {
	Role      string
	Text      string
	RequestID string
	IsError   bool
	Timestamp time.Time
	SessionID string
	Version   string
	CWD       string
}

// ExtractIndexed pulls the searchable message out of a line: user input,
// assistant text, local command output, or a tool result. Everything else,
// and lines with no text, report ok false.
func ExtractIndexed(line *Line) (IndexedMessage, bool) {
	msg := IndexedMessage{
		RequestID: line.RequestID,
		SessionID: line.SessionID,
		Version:   line.Version,
		CWD:       line.CWD,
	}
	if ts, err := time.Parse(time.RFC3339, line.Timestamp); err == nil {
		msg.Timestamp = ts.UTC()
	}

	switch Classify(line) {
	case LineUserInput:
		msg.Role = "user"
		msg.Text = textFromContent(&line.Message.Content)

	case LineLocalCommandOutput:
		msg.Role = "user"
		if line.Message != nil && line.Message.Content.IsString() {
			msg.Text = localCommandText(line.Message.Content.Text)
		} else {
			msg.Text = strings.TrimSpace(line.Content)
		}

	case LineAssistantText:
		msg.Role = "assistant"
		msg.Text = textFromContent(&line.Message.Content)

	case LineToolResult:
		msg.Role = "tool"
		for _, b := range line.Message.Content.Blocks {
			if b.Type != "tool_result" || b.ToolUseID == "" {
				continue
			}
			msg.Text = string(b.Content)
			if msg.Text == "" {
				msg.Text = resultFromEnvelope(line.ToolUseResult)
			}
			msg.IsError = b.IsError
			break
		}

	default:
		return IndexedMessage{}, false
	}

	if msg.Text == "" {
		return IndexedMessage{}, false
	}
	return msg, true
}
