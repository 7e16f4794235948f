package transcript

import (
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

// Context is the per-session processing state that survives across batches
// and restarts. ToolBlocks keeps the latest state of every tool-call block so
// later results and progress updates can emit a full replacement block.
type Context struct {
	ToolBlocks       map[string]Block `json:"tool_use_blocks"`
	CurrentRequestID string           `json:"current_request_id"`
	NextBlockID      int              `json:"next_block_id"`
}

// NewContext creates an empty processing context. Block IDs start at 1.
func NewContext() *Context {
	return &Context{
		ToolBlocks:  make(map[string]Block),
		NextBlockID: 1,
	}
}

// Reset clears the context back to its initial state. Block IDs are reused
// after a clear, so the counter restarts too.
func (c *Context) Reset() {
	c.ToolBlocks = make(map[string]Block)
	c.CurrentRequestID = ""
	c.NextBlockID = 1
}

// normalize repairs a context loaded from disk so the processor can rely on
// its invariants.
func (c *Context) normalize() {
	if c.ToolBlocks == nil {
		c.ToolBlocks = make(map[string]Block)
	}
	if c.NextBlockID < 1 {
		c.NextBlockID = 1
	}
}

// Processor converts parsed lines into block events, mutating its context as
// it goes. It is not safe for concurrent use; each session owns one.
type Processor struct {
	ctx *Context
	log *logger.Logger
}

// NewProcessor creates a processor around the given context. A nil context
// starts fresh.
func NewProcessor(ctx *Context, log *logger.Logger) *Processor {
	if ctx == nil {
		ctx = NewContext()
	}
	ctx.normalize()
	if log == nil {
		log = logger.Default()
	}
	return &Processor{ctx: ctx, log: log}
}

// Context exposes the live processing context for persistence snapshots.
func (p *Processor) Context() *Context { return p.ctx }

// Reset clears the processing context (file truncation, compaction).
func (p *Processor) Reset() { p.ctx.Reset() }

// ProcessRaw parses and processes one raw line. Malformed JSON is dropped
// with a debug log; the method never fails.
func (p *Processor) ProcessRaw(data []byte) []Event {
	if len(data) == 0 {
		return nil
	}
	line, err := ParseLine(data)
	if err != nil {
		p.log.Debug("Dropping malformed transcript line", zap.Error(err))
		return nil
	}
	return p.Process(line)
}

// ProcessBatch processes parsed lines in order and returns the concatenated
// events.
func (p *Processor) ProcessBatch(lines []*Line) []Event {
	var events []Event
	for _, line := range lines {
		events = append(events, p.Process(line)...)
	}
	return events
}

// Process converts one parsed line into zero or more events.
func (p *Processor) Process(line *Line) []Event {
	switch Classify(line) {
	case LineUserInput:
		return p.processUserInput(line)
	case LineToolResult:
		return p.processToolResult(line)
	case LineLocalCommandOutput:
		return p.processLocalCommand(line)
	case LineAssistantText, LineToolUse, LineThinking:
		return p.processAssistant(line)
	case LineTurnDuration:
		return p.addBlock(Block{Type: BlockDuration, DurationMs: line.Duration()})
	case LineCompactBoundary:
		p.ctx.Reset()
		return []Event{{Kind: EventClearAll}}
	case LineBashProgress, LineHookProgress, LineAgentProgress,
		LineQueryUpdate, LineSearchResults, LineWaitingForTask:
		return p.processProgress(line)
	}
	return nil
}

func (p *Processor) processUserInput(line *Line) []Event {
	text := textFromContent(&line.Message.Content)
	if text == "" {
		return nil
	}
	return p.addBlock(Block{Type: BlockUser, Text: text})
}

func (p *Processor) processLocalCommand(line *Line) []Event {
	var text string
	if line.Message != nil && line.Message.Content.IsString() {
		text = localCommandText(line.Message.Content.Text)
	} else {
		// system/local_command envelope form carries the body directly.
		text = strings.TrimSpace(line.Content)
	}
	if text == "" {
		return nil
	}
	return p.addBlock(Block{Type: BlockSystem, Text: text})
}

func (p *Processor) processAssistant(line *Line) []Event {
	content := &line.Message.Content
	if line.RequestID != "" {
		p.ctx.CurrentRequestID = line.RequestID
	}

	if content.IsString() {
		return p.addBlock(Block{
			Type:      BlockAssistant,
			Text:      content.Text,
			RequestID: line.RequestID,
		})
	}

	var events []Event
	for _, b := range content.Blocks {
		switch b.Type {
		case "text":
			if b.Text == "" {
				continue
			}
			events = append(events, p.addBlock(Block{
				Type:      BlockAssistant,
				Text:      b.Text,
				RequestID: line.RequestID,
			})...)
		case "thinking":
			if b.Thinking == "" {
				continue
			}
			events = append(events, p.addBlock(Block{
				Type:      BlockThinking,
				Text:      b.Thinking,
				RequestID: line.RequestID,
			})...)
		case "tool_use":
			if b.ID == "" && b.Name == "" {
				continue
			}
			added := p.addBlock(Block{
				Type:      BlockToolCall,
				ToolName:  b.Name,
				ToolUseID: b.ID,
				Label:     ToolLabel(b.Name, b.Input),
				RequestID: line.RequestID,
			})
			events = append(events, added...)
			if b.ID != "" {
				p.ctx.ToolBlocks[b.ID] = *added[0].Block
			}
		}
	}
	return events
}

func (p *Processor) processToolResult(line *Line) []Event {
	var events []Event
	for _, b := range line.Message.Content.Blocks {
		if b.Type != "tool_result" || b.ToolUseID == "" {
			continue
		}

		result := string(b.Content)
		if result == "" {
			result = resultFromEnvelope(line.ToolUseResult)
		}

		block, ok := p.ctx.ToolBlocks[b.ToolUseID]
		if !ok {
			// Orphan result, usually the tool call predates a compaction.
			if result == "" {
				continue
			}
			events = append(events, p.addBlock(Block{Type: BlockSystem, Text: result})...)
			continue
		}

		block.Result = result
		block.IsError = b.IsError
		// The running indicator is stale once the result lands.
		block.ProgressText = ""
		p.ctx.ToolBlocks[b.ToolUseID] = block

		updated := block
		events = append(events, Event{Kind: EventUpdateBlock, Block: &updated})
	}
	return events
}

func (p *Processor) processProgress(line *Line) []Event {
	block, ok := p.ctx.ToolBlocks[line.ParentToolUseID]
	if !ok {
		p.log.Debug("Dropping progress for unknown tool call",
			zap.String("parent_tool_use_id", line.ParentToolUseID))
		return nil
	}

	var payload ProgressPayload
	if err := json.Unmarshal(line.Data, &payload); err != nil {
		return nil
	}
	text := progressText(payload)
	if text == "" {
		return nil
	}

	block.ProgressText = text
	p.ctx.ToolBlocks[line.ParentToolUseID] = block

	updated := block
	return []Event{{Kind: EventUpdateBlock, Block: &updated}}
}

// addBlock assigns the next block id and wraps the block in an AddBlock event.
func (p *Processor) addBlock(block Block) []Event {
	block.ID = p.ctx.NextBlockID
	p.ctx.NextBlockID++
	return []Event{{Kind: EventAddBlock, Block: &block}}
}

// progressText derives the one-line status shown under a tool call.
func progressText(payload ProgressPayload) string {
	switch payload.Type {
	case "bash_progress":
		return truncateLine(lastLine(payload.Output), labelMaxWidth)
	case "hook_progress":
		text := payload.HookName
		if text == "" {
			text = "hook"
		}
		if payload.Output != "" {
			text += ": " + lastLine(payload.Output)
		}
		return truncateLine(text, labelMaxWidth)
	case "agent_progress":
		return truncateLine(payload.Message, labelMaxWidth)
	case "query_update":
		return truncateLine(payload.Query, labelMaxWidth)
	case "search_results":
		if payload.ResultCount == 1 {
			return "1 result"
		}
		return truncateLine(pluralResults(payload.ResultCount, payload.Query), labelMaxWidth)
	case "waiting_for_task":
		if payload.Description == "" {
			return ""
		}
		return truncateLine("Waiting: "+payload.Description, labelMaxWidth)
	}
	return ""
}

func pluralResults(count int, query string) string {
	text := strconv.Itoa(count) + " results"
	if query != "" {
		text += " for " + query
	}
	return text
}

// lastLine returns the last non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// resultFromEnvelope extracts display text from the structured toolUseResult
// the CLI attaches to result lines.
func resultFromEnvelope(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Stdout string `json:"stdout,omitempty"`
		Stderr string `json:"stderr,omitempty"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	switch {
	case obj.Stdout != "" && obj.Stderr != "":
		return obj.Stdout + "\n" + obj.Stderr
	case obj.Stderr != "":
		return obj.Stderr
	default:
		return obj.Stdout
	}
}
