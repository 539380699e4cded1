package llm

import (
	"context"

	"FinSight-Agent/internal/conversation"
	xerrors "FinSight-Agent/internal/errors"
)

// ToolSchema 描述暴露给模型的一个工具，Parameters 为 JSON Schema。
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request 描述一次模型调用的输入。
type Request struct {
	Messages    []conversation.Turn
	Tools       []ToolSchema
	Temperature float64
	MaxTokens   int
}

// Response 是模型返回的文本与工具调用请求。
type Response struct {
	Content   string
	ToolCalls []conversation.ToolCall
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

const (
	CodeModelUnavailable xerrors.Code = "LLM_UNAVAILABLE"
	CodeModelResponse    xerrors.Code = "LLM_BAD_RESPONSE"
)

func init() {
	xerrors.Register(CodeModelUnavailable, xerrors.Attributes{
		Message:   "model endpoint unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeModelResponse, xerrors.Attributes{
		Message:  "model returned an unusable response",
		Severity: xerrors.SeverityWarning,
	})
}
