package transcript

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// labelMaxWidth bounds the rendered detail of a tool label, in code points.
const labelMaxWidth = 80

type renderMode int

const (
	modeTruncate renderMode = iota
	modeBasename
)

// labelRule describes how to abbreviate one tool's input for display.
type labelRule struct {
	inputField string
	secondary  string // appended in parentheses when present
	mode       renderMode
}

// labelRules maps tool names to their abbreviation rule. Tools without an
// entry fall back to the tool name plus truncated input JSON.
var labelRules = map[string]labelRule{
	"Bash":         {inputField: "command", secondary: "description", mode: modeTruncate},
	"Read":         {inputField: "file_path", mode: modeBasename},
	"Write":        {inputField: "file_path", mode: modeBasename},
	"Edit":         {inputField: "file_path", mode: modeBasename},
	"MultiEdit":    {inputField: "file_path", mode: modeBasename},
	"NotebookEdit": {inputField: "notebook_path", mode: modeBasename},
	"LS":           {inputField: "path", mode: modeBasename},
	"Glob":         {inputField: "pattern", mode: modeTruncate},
	"Grep":         {inputField: "pattern", mode: modeTruncate},
	"Task":         {inputField: "description", secondary: "subagent_type", mode: modeTruncate},
	"WebFetch":     {inputField: "url", mode: modeTruncate},
	"WebSearch":    {inputField: "query", mode: modeTruncate},
}

// ToolLabel builds the one-line human label for a tool call, e.g.
// "Bash: go test ./..." or "Read: main.go".
func ToolLabel(name string, input map[string]any) string {
	if name == "" {
		name = "tool"
	}
	rule, ok := labelRules[name]
	if !ok {
		return name + genericDetail(input)
	}

	value, _ := input[rule.inputField].(string)
	if value == "" {
		return name + genericDetail(input)
	}

	var detail string
	switch rule.mode {
	case modeBasename:
		detail = filepath.Base(value)
	default:
		detail = truncateLine(value, labelMaxWidth)
	}

	label := name + ": " + detail
	if rule.secondary != "" {
		if sec, _ := input[rule.secondary].(string); sec != "" {
			label += " (" + truncateLine(sec, 40) + ")"
		}
	}
	return label
}

// genericDetail renders unknown tool input as truncated JSON, or nothing when
// the input is empty.
func genericDetail(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return ": " + truncateLine(string(raw), labelMaxWidth)
}

// truncateLine collapses s to a single line of at most max code points,
// appending an ellipsis when cut.
func truncateLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
