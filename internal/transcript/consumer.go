package transcript

// ViewState folds a session's event stream into the ordered block list. The
// live pipeline feeds the message tracker directly; ViewState backs replay
// rendering (markdown snapshots, the one-shot CLI) and debugging.
type ViewState struct {
	blocks []Block
	index  map[int]int
}

// NewViewState creates an empty view.
func NewViewState() *ViewState {
	return &ViewState{index: make(map[int]int)}
}

// Apply folds one event into the view. Updates for unknown block ids are
// no-ops.
func (v *ViewState) Apply(ev Event) {
	switch ev.Kind {
	case EventAddBlock:
		if ev.Block == nil {
			return
		}
		v.index[ev.Block.ID] = len(v.blocks)
		v.blocks = append(v.blocks, *ev.Block)
	case EventUpdateBlock:
		if ev.Block == nil {
			return
		}
		if idx, ok := v.index[ev.Block.ID]; ok {
			v.blocks[idx] = *ev.Block
		}
	case EventClearAll:
		v.blocks = nil
		v.index = make(map[int]int)
	}
}

// ApplyAll folds a sequence of events in order.
func (v *ViewState) ApplyAll(events []Event) {
	for _, ev := range events {
		v.Apply(ev)
	}
}

// Blocks returns a copy of the current block list.
func (v *ViewState) Blocks() []Block {
	out := make([]Block, len(v.blocks))
	copy(out, v.blocks)
	return out
}

// Len returns the number of blocks currently held.
func (v *ViewState) Len() int { return len(v.blocks) }

// Render renders the current block list to markdown.
func (v *ViewState) Render() string {
	return RenderBlocks(v.blocks)
}
