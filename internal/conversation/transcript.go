package conversation

import "fmt"

// Transcript 是单次请求内只追加的对话记录。
type Transcript struct {
	turns []Turn
}

// NewTranscript 以给定消息初始化对话记录。
func NewTranscript(turns ...Turn) *Transcript {
	t := &Transcript{}
	t.Append(turns...)
	return t
}

// Append 追加消息。已写入的消息不会被修改或删除。
func (t *Transcript) Append(turns ...Turn) {
	t.turns = append(t.turns, turns...)
}

// Len 返回消息数量。
func (t *Transcript) Len() int {
	if t == nil {
		return 0
	}
	return len(t.turns)
}

// Turns 返回消息副本。
func (t *Transcript) Turns() []Turn {
	if t == nil {
		return nil
	}
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// At 返回指定位置的消息。
func (t *Transcript) At(i int) Turn {
	return t.turns[i]
}

// Last 返回最后一条消息。
func (t *Transcript) Last() (Turn, bool) {
	if t.Len() == 0 {
		return Turn{}, false
	}
	return t.turns[len(t.turns)-1], true
}

// LastAIIndex 返回最后一条 ai 消息的位置，不存在时返回 -1。
func (t *Transcript) LastAIIndex() int {
	for i := t.Len() - 1; i >= 0; i-- {
		if t.turns[i].Role == RoleAI {
			return i
		}
	}
	return -1
}

// PendingCalls 返回最后一条 ai 消息中尚未得到 tool 回应的请求。
func (t *Transcript) PendingCalls() []ToolCall {
	idx := t.LastAIIndex()
	if idx < 0 {
		return nil
	}
	ai := t.turns[idx]
	if len(ai.ToolCalls) == 0 {
		return nil
	}
	answered := make(map[string]struct{})
	for _, turn := range t.turns[idx+1:] {
		if turn.Role == RoleTool {
			answered[turn.ToolCallID] = struct{}{}
		}
	}
	pending := make([]ToolCall, 0, len(ai.ToolCalls))
	for _, call := range ai.ToolCalls {
		if _, ok := answered[call.ID]; !ok {
			pending = append(pending, call)
		}
	}
	return pending
}

// ToolTurns 按顺序返回全部 tool 消息。
func (t *Transcript) ToolTurns() []Turn {
	var out []Turn
	for _, turn := range t.turns {
		if turn.Role == RoleTool {
			out = append(out, turn)
		}
	}
	return out
}

// LastFreeAIText 返回最后一条不携带工具请求且内容非空的 ai 消息文本。
func (t *Transcript) LastFreeAIText() string {
	for i := t.Len() - 1; i >= 0; i-- {
		turn := t.turns[i]
		if turn.Role == RoleAI && len(turn.ToolCalls) == 0 && turn.Content != "" {
			return turn.Content
		}
	}
	return ""
}

// Validate 校验 ai 请求与 tool 回应的顺序关系：每条携带请求的 ai 消息之后、
// 下一条 ai 消息之前，必须按请求顺序出现恰好一条对应的 tool 消息。
func (t *Transcript) Validate() error {
	for i := 0; i < t.Len(); i++ {
		turn := t.turns[i]
		if turn.Role == RoleTool {
			return fmt.Errorf("turn %d: tool turn %q without a preceding request", i, turn.ToolCallID)
		}
		if !turn.HasCalls() {
			continue
		}
		for j, call := range turn.ToolCalls {
			pos := i + 1 + j
			if pos >= t.Len() {
				// 批次尚未完成，后续不能出现新的 ai 消息。
				return nil
			}
			next := t.turns[pos]
			if next.Role != RoleTool || next.ToolCallID != call.ID {
				return fmt.Errorf("turn %d: expected tool result for %q, got %s", pos, call.ID, next.Role)
			}
		}
		i += len(turn.ToolCalls)
	}
	return nil
}
