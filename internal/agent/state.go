package agent

import (
	"FinSight-Agent/internal/conversation"
	"FinSight-Agent/internal/intent"
	"FinSight-Agent/internal/nlg"
	"FinSight-Agent/internal/rules"
	"FinSight-Agent/internal/supervisor"
)

// ReportRequest 记录文字查询中提出的报告需求。
type ReportRequest struct {
	TemplateID string
	Symbols    []string
}

// State 是单次请求独占的可变状态，不会在请求之间共享。
type State struct {
	Request        Request
	TraceID        string
	Transcript     *conversation.Transcript
	Intent         intent.Intent
	Symbol         string
	SessionContext string

	// LoopCount 只在一个批次的结果全部写回后递增一次；
	// LastToolMark 记录上次计数时的对话长度。
	LoopCount    int
	LastToolMark int
	Seen         map[string]struct{}

	Warnings       []string
	Violation      *rules.Violation
	Converged      bool
	Report         *ReportRequest
	ReportInjected bool
	PersistSession bool

	Evaluation supervisor.Evaluation
	Decision   supervisor.Decision
	Categories nlg.Categories
	NLGRaw     string
	Colloquial *string
	GuardDrops int
}

// NewState 为请求创建初始状态。
func NewState(req Request, traceID string) *State {
	if req.InputType == "" {
		req.InputType = InputText
	}
	return &State{
		Request:    req,
		TraceID:    traceID,
		Transcript: conversation.NewTranscript(),
		Seen:       make(map[string]struct{}),
	}
}

// Warn 追加警告。
func (s *State) Warn(w string) {
	s.Warnings = append(s.Warnings, w)
}

// converge 追加一条不带工具请求的 ai 消息并结束回圈。
func (s *State) converge(text string) {
	s.Transcript.Append(conversation.AI(text))
	s.Converged = true
}
