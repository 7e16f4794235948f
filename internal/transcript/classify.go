package transcript

import (
	"encoding/json"
	"strings"
)

// Classify maps a parsed line to its LineType. Rules are evaluated top-down
// and the first match wins; anything unrecognised is invisible.
func Classify(line *Line) LineType {
	if line == nil {
		return LineInvisible
	}

	role := line.EffectiveRole()

	// Sub-agent traffic is never rendered.
	if line.IsSidechain && (role == "user" || role == "assistant") {
		return LineInvisible
	}

	// Structural lines (summaries, snapshots, queue bookkeeping).
	if line.Type == "summary" {
		return LineInvisible
	}

	switch role {
	case "user":
		return classifyUser(line)
	case "assistant":
		return classifyAssistant(line)
	}

	switch line.Type {
	case "turn_duration":
		return LineTurnDuration
	case "compact_boundary":
		return LineCompactBoundary
	case "system":
		// The system envelope carries these as subtypes.
		switch line.Subtype {
		case "turn_duration":
			return LineTurnDuration
		case "compact_boundary":
			return LineCompactBoundary
		case "local_command":
			return LineLocalCommandOutput
		}
		return LineInvisible
	}

	if line.Type == "progress" || (line.ParentToolUseID != "" && len(line.Data) > 0) {
		return classifyProgress(line)
	}

	return LineInvisible
}

func classifyUser(line *Line) LineType {
	if line.Message == nil {
		return LineInvisible
	}
	content := &line.Message.Content

	if toolResultID(content) != "" {
		return LineToolResult
	}
	if content.IsString() && isLocalCommand(content.Text) {
		return LineLocalCommandOutput
	}
	if textFromContent(content) == "" {
		return LineInvisible
	}
	return LineUserInput
}

func classifyAssistant(line *Line) LineType {
	if line.Message == nil {
		return LineInvisible
	}
	content := &line.Message.Content

	if content.IsString() {
		if content.Text == "" {
			return LineInvisible
		}
		return LineAssistantText
	}
	if content.IsNull() {
		return LineInvisible
	}

	// Block-list content: the first visible block decides the line type.
	// Event production still walks every block, so a mixed message loses
	// nothing by classifying on the first.
	for _, b := range content.Blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				return LineAssistantText
			}
		case "tool_use":
			return LineToolUse
		case "thinking":
			if b.Thinking != "" {
				return LineThinking
			}
		}
	}
	return LineInvisible
}

func classifyProgress(line *Line) LineType {
	if line.ParentToolUseID == "" || len(line.Data) == 0 {
		return LineInvisible
	}
	var payload ProgressPayload
	if err := json.Unmarshal(line.Data, &payload); err != nil {
		return LineInvisible
	}
	switch payload.Type {
	case "bash_progress":
		return LineBashProgress
	case "hook_progress":
		return LineHookProgress
	case "agent_progress":
		return LineAgentProgress
	case "query_update":
		return LineQueryUpdate
	case "search_results":
		return LineSearchResults
	case "waiting_for_task":
		return LineWaitingForTask
	}
	return LineInvisible
}

// toolResultID returns the tool_use_id of the first tool_result entry of a
// block-list content, or "" when the content carries none.
func toolResultID(c *MessageContent) string {
	if !c.IsList() {
		return ""
	}
	for _, b := range c.Blocks {
		if b.Type == "tool_result" && b.ToolUseID != "" {
			return b.ToolUseID
		}
	}
	return ""
}

// textFromContent extracts the display text of a user message: the plain
// string, or the text entries of a block list joined with newlines.
func textFromContent(c *MessageContent) string {
	if c.IsString() {
		return c.Text
	}
	if !c.IsList() {
		return ""
	}
	var texts []string
	for _, b := range c.Blocks {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// isLocalCommand reports whether a string user content is the echo of a local
// slash command or its captured output.
func isLocalCommand(s string) bool {
	return strings.Contains(s, "<local-command-stdout>") ||
		strings.Contains(s, "<command-name>")
}

// localCommandText strips the local-command envelope tags down to the text
// worth showing: captured stdout if present, otherwise the command itself.
func localCommandText(s string) string {
	if out, ok := tagged(s, "local-command-stdout"); ok {
		return strings.TrimSpace(out)
	}
	name, _ := tagged(s, "command-name")
	args, _ := tagged(s, "command-args")
	cmd := strings.TrimSpace(name)
	if a := strings.TrimSpace(args); a != "" {
		cmd += " " + a
	}
	return cmd
}

// tagged extracts the body of <tag>...</tag> from s. A missing close tag
// yields the remainder of the string.
func tagged(s, tag string) (string, bool) {
	open, end := "<"+tag+">", "</"+tag+">"
	i := strings.Index(s, open)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(open):]
	if j := strings.Index(rest, end); j >= 0 {
		return rest[:j], true
	}
	return strings.TrimSpace(rest), true
}
