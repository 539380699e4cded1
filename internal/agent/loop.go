package agent

import (
	"context"
	"fmt"
	"log/slog"

	"FinSight-Agent/internal/conversation"
	xerrors "FinSight-Agent/internal/errors"
	"FinSight-Agent/internal/intent"
	"FinSight-Agent/internal/llm"
	"FinSight-Agent/internal/rules"
	"FinSight-Agent/internal/tools"
)

// Phase 是决策回圈的状态。
type Phase string

const (
	PhaseAwaitingTools Phase = "awaiting_tools"
	PhasePlanning      Phase = "planning"
	PhaseConverged     Phase = "converged"
)

const (
	WarnToolsDisabled = "execute_tools_disabled"

	loopCapText = "(工具回圈達上限，收斂至最終回覆)"
	noModelText = "無法執行 Agent：未設定 LLM 金鑰"
)

// ToolExecutor 执行一批工具调用，每个请求返回一条 tool 消息且顺序一致。
type ToolExecutor interface {
	Execute(ctx context.Context, calls []conversation.ToolCall) []conversation.Turn
}

// ToolCatalog 提供暴露给模型的工具描述。
type ToolCatalog interface {
	Schemas(allow ...string) []llm.ToolSchema
}

// RuleChecker 是规则服务的只读视图。
type RuleChecker interface {
	CheckViolation(query string) *rules.Violation
	PromptBlock() string
	Summary() string
}

// Recorder 记录回圈相关指标。
type Recorder interface {
	ObserveRun(inputType string, ok bool, loops int, seconds float64)
	ObserveGuardDrops(n int)
	ObserveLoopCap()
}

var (
	_ ToolExecutor = (*tools.Executor)(nil)
	_ ToolCatalog  = (*tools.Registry)(nil)
	_ RuleChecker  = (*rules.Service)(nil)
)

// Next 是纯状态转移函数。
func Next(st *State) Phase {
	switch {
	case st.Converged:
		return PhaseConverged
	case len(st.Transcript.PendingCalls()) > 0:
		return PhaseAwaitingTools
	default:
		return PhasePlanning
	}
}

// Loop 驱动单个请求的决策回圈。
type Loop struct {
	model         llm.Client
	executor      ToolExecutor
	catalog       ToolCatalog
	rules         RuleChecker
	metrics       Recorder
	logger        *slog.Logger
	maxLoops      int
	skipExecution bool
	minimalTools  bool
	temperature   float64
}

// Run 推进状态直到收敛。
func (l *Loop) Run(ctx context.Context, st *State) error {
	for {
		if err := ctx.Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "request cancelled")
		}
		switch Next(st) {
		case PhaseConverged:
			return nil
		case PhaseAwaitingTools:
			l.awaitTools(ctx, st)
		case PhasePlanning:
			if err := l.plan(ctx, st); err != nil {
				return err
			}
		}
	}
}

// awaitTools 把整批调用交给执行器，按请求顺序写回结果。
func (l *Loop) awaitTools(ctx context.Context, st *State) {
	pending := st.Transcript.PendingCalls()
	if l.skipExecution || l.executor == nil {
		st.Warn(WarnToolsDisabled)
		st.Converged = true
		return
	}
	for _, call := range pending {
		st.Seen[Signature(call)] = struct{}{}
	}

	results := l.executor.Execute(ctx, pending)
	for i, call := range pending {
		var turn conversation.Turn
		if i < len(results) && results[i].ToolCallID == call.ID {
			turn = results[i]
		} else {
			turn = conversation.Tool(call, conversation.ToolResult{
				Source: tools.SourceOf(call.Name),
				Error:  "missing_tool_result",
			})
		}
		st.Transcript.Append(turn)
	}
	l.logger.Debug("工具批次完成", slog.String("trace_id", st.TraceID), slog.Int("calls", len(pending)))
}

func (l *Loop) plan(ctx context.Context, st *State) error {
	if st.Transcript.Len() == 0 {
		l.selectPipeline(st)
		return nil
	}

	if last, ok := st.Transcript.Last(); ok && last.Role == conversation.RoleTool && st.Transcript.Len() > st.LastToolMark {
		st.LoopCount++
		st.LastToolMark = st.Transcript.Len()
	}

	if st.LoopCount >= l.maxLoops {
		st.Warn(fmt.Sprintf("tool_loops_exceeded: %d >= %d", st.LoopCount, l.maxLoops))
		if l.metrics != nil {
			l.metrics.ObserveLoopCap()
		}
		st.converge(loopCapText)
		return nil
	}

	if l.model == nil {
		st.converge(noModelText)
		return nil
	}

	if st.Report != nil && !st.ReportInjected && st.LoopCount >= 1 {
		l.injectReport(st)
		return nil
	}

	resp, err := l.model.Chat(ctx, llm.Request{
		Messages:    st.Transcript.Turns(),
		Tools:       l.catalog.Schemas(),
		Temperature: l.temperature,
	})
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(llm.CodeModelUnavailable, err, "模型调用失败")
	}
	if resp == nil {
		return xerrors.New(llm.CodeModelResponse, "模型未返回内容")
	}

	// 部分兼容后端会重复使用 call_0 之类的 id，每个工具回合必须对应唯一的调用。
	usedIDs := make(map[string]struct{})
	for _, turn := range st.Transcript.ToolTurns() {
		usedIDs[turn.ToolCallID] = struct{}{}
	}
	calls := make([]conversation.ToolCall, 0, len(resp.ToolCalls))
	for _, call := range resp.ToolCalls {
		if _, taken := usedIDs[call.ID]; call.ID == "" || taken {
			call.ID = newCall(call.Name, nil).ID
		}
		usedIDs[call.ID] = struct{}{}
		calls = append(calls, call)
	}

	accepted, _, allDuplicate := Filter(calls, st.Seen)
	if dropped := len(calls) - len(accepted); dropped > 0 {
		st.GuardDrops += dropped
		if l.metrics != nil {
			l.metrics.ObserveGuardDrops(dropped)
		}
	}
	if allDuplicate {
		st.Warn(WarnDuplicateCalls)
		st.converge(resp.Content)
		return nil
	}
	if l.minimalTools && st.Request.InputType == InputText && len(accepted) > 0 {
		accepted = intent.FilterCalls(st.Intent, accepted)
	}
	if len(accepted) == 0 {
		st.converge(resp.Content)
		return nil
	}
	for _, call := range accepted {
		st.Seen[Signature(call)] = struct{}{}
	}
	st.Transcript.Append(conversation.AIWithCalls(resp.Content, accepted...))
	return nil
}

// injectReport 在首批数据返回后追加一次报告生成调用。
func (l *Loop) injectReport(st *State) {
	reportCtx := map[string]any{
		"symbols": st.Report.Symbols,
		"type":    st.Report.TemplateID,
	}
	for _, turn := range st.Transcript.ToolTurns() {
		if turn.Result == nil || !turn.Result.OK {
			continue
		}
		switch turn.Name {
		case "tool_fmp_quote":
			reportCtx["quotes"] = turn.Result.Data
		case "tool_fmp_profile":
			reportCtx["profiles"] = turn.Result.Data
		case "tool_fmp_news":
			reportCtx["news"] = turn.Result.Data
		}
	}
	call := newCall("tool_report_generate", map[string]any{
		"template_id": st.Report.TemplateID,
		"context":     reportCtx,
	})
	st.ReportInjected = true
	st.Transcript.Append(conversation.AIWithCalls("正在生成報告...", call))
}
