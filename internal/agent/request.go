package agent

import (
	"encoding/json"
	"time"
)

// InputType 是请求的输入模态。
type InputType string

const (
	InputText InputType = "text"
	InputFile InputType = "file"
	InputLine InputType = "line"
	InputRule InputType = "rule"
)

// FileInput 描述文件处理请求。
type FileInput struct {
	Path       string `json:"path"`
	Task       string `json:"task"`
	TemplateID string `json:"template_id,omitempty"`
}

// LineInput 描述 LINE 消息分析请求。
type LineInput struct {
	UserID string `json:"user_id,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
	Start  string `json:"start,omitempty"`
	End    string `json:"end,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// RuleInput 描述规则驱动的查询。
type RuleInput struct {
	Rules      map[string]any `json:"rules,omitempty"`
	Symbols    []string       `json:"symbols,omitempty"`
	Indicators []string       `json:"indicators,omitempty"`
	Thresholds map[string]any `json:"thresholds,omitempty"`
}

// Options 是请求的输出偏好。
type Options struct {
	Lang           string `json:"lang,omitempty"`
	TopK           int    `json:"top_k,omitempty"`
	IncludeSources bool   `json:"include_sources,omitempty"`
	Format         string `json:"format,omitempty"`
}

// Request 是一次 Agent 调用的输入。
type Request struct {
	InputType       InputType  `json:"input_type"`
	Query           string     `json:"query,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	ParentSessionID string     `json:"parent_session_id,omitempty"`
	TraceID         string     `json:"trace_id,omitempty"`
	File            *FileInput `json:"file,omitempty"`
	Line            *LineInput `json:"line,omitempty"`
	Rule            *RuleInput `json:"rule,omitempty"`
	Options         Options    `json:"options,omitempty"`
}

// ToolResultView 是响应中的一条工具结果。
type ToolResultView struct {
	Tool      string `json:"tool"`
	OK        bool   `json:"ok"`
	Source    string `json:"source"`
	Data      any    `json:"data"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// SourceRef 是响应中的一条数据来源。
type SourceRef struct {
	Source    string `json:"source"`
	Tool      string `json:"tool"`
	Timestamp string `json:"timestamp"`
}

// NLGOutput 保存两阶段 NLG 的中间结果。
type NLGOutput struct {
	Raw        string  `json:"raw"`
	Colloquial *string `json:"colloquial"`
}

// Response 是 Agent 调用的最终结构化结果。
type Response struct {
	OK                  bool             `json:"ok"`
	Response            string           `json:"response"`
	InputType           InputType        `json:"input_type"`
	ToolResults         []ToolResultView `json:"tool_results"`
	Sources             []SourceRef      `json:"sources"`
	Warnings            []string         `json:"warnings"`
	Timestamp           string           `json:"timestamp"`
	SupervisorDecision  string           `json:"supervisor_decision"`
	SupervisorReasoning string           `json:"supervisor_reasoning"`
	NLG                 NLGOutput        `json:"nlg"`
	SessionID           string           `json:"session_id,omitempty"`
	TraceID             string           `json:"trace_id,omitempty"`
	LoopCount           int              `json:"loop_count,omitempty"`

	Error string `json:"-"`
}

// failureResponse 是未预期错误时的精简结构。
type failureResponse struct {
	OK        bool      `json:"ok"`
	Error     string    `json:"error"`
	InputType InputType `json:"input_type"`
	Timestamp string    `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// MarshalJSON 在失败时只输出 {ok,error,input_type,timestamp}。
func (r Response) MarshalJSON() ([]byte, error) {
	if !r.OK && r.Error != "" {
		return json.Marshal(failureResponse{
			OK:        false,
			Error:     r.Error,
			InputType: r.InputType,
			Timestamp: r.Timestamp,
			TraceID:   r.TraceID,
		})
	}
	type plain Response
	return json.Marshal(plain(r))
}

func newFailure(req Request, traceID string, err string, now time.Time) *Response {
	return &Response{
		OK:        false,
		Error:     err,
		InputType: req.InputType,
		Timestamp: now.UTC().Format(time.RFC3339),
		TraceID:   traceID,
	}
}
