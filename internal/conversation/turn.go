// Package conversation models the transcript threaded through one agent request:
// turns, tool invocation requests and tool invocation results.
package conversation

import (
	"encoding/json"
	"time"
)

// Role 标识一条对话记录的发送方。
type Role string

const (
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
)

// ToolCall 描述模型发起的一次工具调用请求。
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult 描述一次工具调用的结果。
type ToolResult struct {
	OK        bool      `json:"ok"`
	Source    string    `json:"source"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Turn 是对话记录中的一条消息。
//
// ai 消息可以携带零个或多个 ToolCalls；tool 消息总是回应恰好一个请求，
// 通过 ToolCallID 关联，并在 Result 中携带结构化结果。
type Turn struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Name       string      `json:"name,omitempty"`
	Result     *ToolResult `json:"result,omitempty"`
}

// Human 构造用户消息。
func Human(content string) Turn {
	return Turn{Role: RoleHuman, Content: content}
}

// System 构造系统提示消息。
func System(content string) Turn {
	return Turn{Role: RoleSystem, Content: content}
}

// AI 构造不携带工具调用的模型消息。
func AI(content string) Turn {
	return Turn{Role: RoleAI, Content: content}
}

// AIWithCalls 构造携带工具调用请求的模型消息。
func AIWithCalls(content string, calls ...ToolCall) Turn {
	copied := make([]ToolCall, len(calls))
	copy(copied, calls)
	return Turn{Role: RoleAI, Content: content, ToolCalls: copied}
}

// Tool 构造回应指定调用的工具消息，Content 为结果的 JSON 表示。
func Tool(call ToolCall, result ToolResult) Turn {
	encoded, err := json.Marshal(result)
	content := string(encoded)
	if err != nil {
		content = `{"ok":false,"error":"unserializable tool result"}`
	}
	res := result
	return Turn{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
		Result:     &res,
	}
}

// HasCalls 判断该消息是否为携带工具请求的 ai 消息。
func (t Turn) HasCalls() bool {
	return t.Role == RoleAI && len(t.ToolCalls) > 0
}
