package transcript

import (
	"strconv"
	"strings"
)

const (
	// resultMaxLines and resultMaxWidth bound the tool result shown under a
	// tool call line.
	resultMaxLines = 3
	resultMaxWidth = 200
)

// RenderBlocks renders an ordered block list to markdown. Blocks are
// separated by a blank line, except that assistant text and tool calls
// sharing a request id group together with a single newline.
func RenderBlocks(blocks []Block) string {
	var sb strings.Builder
	var prev *Block
	for i := range blocks {
		text := RenderBlock(blocks[i])
		if text == "" {
			continue
		}
		if prev != nil {
			if sameTurnGroup(prev, &blocks[i]) {
				sb.WriteString("\n")
			} else {
				sb.WriteString("\n\n")
			}
		}
		sb.WriteString(text)
		prev = &blocks[i]
	}
	return sb.String()
}

// sameTurnGroup reports whether cur renders directly under prev without a
// blank line: both are assistant-side blocks of the same request.
func sameTurnGroup(prev, cur *Block) bool {
	if prev.RequestID == "" || prev.RequestID != cur.RequestID {
		return false
	}
	return groupable(prev.Type) && groupable(cur.Type)
}

func groupable(t BlockType) bool {
	return t == BlockAssistant || t == BlockToolCall
}

// RenderBlock renders a single block to markdown.
func RenderBlock(b Block) string {
	switch b.Type {
	case BlockUser:
		return quote(b.Text)
	case BlockAssistant:
		return b.Text
	case BlockThinking:
		if b.Text == "" {
			return ""
		}
		return "_" + b.Text + "_"
	case BlockToolCall:
		return renderToolCall(b)
	case BlockDuration:
		return "⏱ " + FormatDuration(b.DurationMs)
	case BlockSystem:
		return b.Text
	}
	return ""
}

func renderToolCall(b Block) string {
	marker := "◌"
	switch {
	case b.IsError:
		marker = "✗"
	case b.Result != "":
		marker = "✓"
	}

	label := b.Label
	if label == "" {
		label = b.ToolName
	}

	var sb strings.Builder
	sb.WriteString(marker)
	sb.WriteString(" ")
	sb.WriteString(label)
	if b.ProgressText != "" {
		sb.WriteString("\n  ")
		sb.WriteString(b.ProgressText)
	}
	if b.Result != "" {
		sb.WriteString("\n")
		sb.WriteString(indent(truncateResult(b.Result)))
	}
	return sb.String()
}

// quote prefixes every line with a markdown quote marker.
func quote(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

// indent prefixes every line with two spaces to nest it under the tool label.
func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n")
}

// truncateResult bounds a tool result to a few short lines.
func truncateResult(s string) string {
	s = strings.TrimRight(s, "\n")
	lines := strings.Split(s, "\n")
	cut := false
	if len(lines) > resultMaxLines {
		lines = lines[:resultMaxLines]
		cut = true
	}
	out := strings.Join(lines, "\n")
	runes := []rune(out)
	if len(runes) > resultMaxWidth {
		out = string(runes[:resultMaxWidth])
		cut = true
	}
	if cut {
		out += "…"
	}
	return out
}

// FormatDuration renders a turn duration as a short elapsed-time string:
// "2m 5s", "12s", or "850ms".
func FormatDuration(ms int64) string {
	switch {
	case ms < 1000:
		return strconv.FormatInt(ms, 10) + "ms"
	case ms < 60_000:
		return strconv.FormatInt(ms/1000, 10) + "s"
	default:
		m := ms / 60_000
		s := (ms % 60_000) / 1000
		return strconv.FormatInt(m, 10) + "m " + strconv.FormatInt(s, 10) + "s"
	}
}
