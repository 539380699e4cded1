package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"FinSight-Agent/internal/conversation"
	xerrors "FinSight-Agent/internal/errors"
	"FinSight-Agent/internal/llm"
	"FinSight-Agent/internal/nlg"
	"FinSight-Agent/internal/supervisor"
)

const (
	CodeAgentFailure xerrors.Code = "AGENT_FAILURE"
	CodeAgentPanic   xerrors.Code = "AGENT_PANIC"

	defaultMaxToolLoops = 3
)

func init() {
	xerrors.Register(CodeAgentFailure, xerrors.Attributes{
		Message:  "agent run failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAgentPanic, xerrors.Attributes{
		Message:  "agent run panicked",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// SessionService 是会话持久化的协作者：加载是同步的，保存只入队不等待。
type SessionService interface {
	Load(ctx context.Context, sessionID, parentID string) string
	SaveAsync(ctx context.Context, sessionID string, turns []conversation.Turn, response string)
}

// Settings 是 Agent 的行为开关。
type Settings struct {
	MaxToolLoops        int
	SkipToolExecution   bool
	EnforceMinimalTools bool
	Temperature         float64
	MacroLastN          int
	NewsTopK            int
}

// Deps 是进程启动时构建一次的依赖集合。
type Deps struct {
	Model          llm.Client
	Executor       ToolExecutor
	Catalog        ToolCatalog
	Rules          RuleChecker
	Sessions       SessionService
	Colloquializer *nlg.Colloquializer
	Metrics        Recorder
	Logger         *slog.Logger
	AuditLogger    *slog.Logger
	Settings       Settings
}

// Agent 是请求级编排的入口，构建后不可变，可被多个请求并发使用。
type Agent struct {
	deps Deps
	loop Loop
	now  func() time.Time
}

// New 根据依赖构建 Agent。
func New(deps Deps) *Agent {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.AuditLogger == nil {
		deps.AuditLogger = deps.Logger
	}
	if deps.Settings.MaxToolLoops <= 0 {
		deps.Settings.MaxToolLoops = defaultMaxToolLoops
	}
	if deps.Catalog == nil {
		deps.Catalog = emptyCatalog{}
	}
	return &Agent{
		deps: deps,
		loop: Loop{
			model:         deps.Model,
			executor:      deps.Executor,
			catalog:       deps.Catalog,
			rules:         deps.Rules,
			metrics:       deps.Metrics,
			logger:        deps.Logger,
			maxLoops:      deps.Settings.MaxToolLoops,
			skipExecution: deps.Settings.SkipToolExecution,
			minimalTools:  deps.Settings.EnforceMinimalTools,
			temperature:   deps.Settings.Temperature,
		},
		now: time.Now,
	}
}

// MaxToolLoops 返回生效的回圈上限。
func (a *Agent) MaxToolLoops() int {
	return a.deps.Settings.MaxToolLoops
}

// Run 处理一次请求。任何未预期的错误或 panic 都转成 ok=false 的结构化结果。
func (a *Agent) Run(ctx context.Context, req Request) (resp *Response) {
	start := a.now()
	if req.InputType == "" {
		req.InputType = InputText
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	logger := a.deps.Logger.With(slog.String("trace_id", traceID), slog.String("input_type", string(req.InputType)))

	var st *State
	defer func() {
		if r := recover(); r != nil {
			err := xerrors.New(CodeAgentPanic, fmt.Sprintf("agent panic: %v", r))
			logger.Error("Agent 执行崩溃", slog.Any("error", err), slog.String("stack", string(debug.Stack())))
			resp = newFailure(req, traceID, err.Error(), a.now())
		}
		a.finish(ctx, logger, st, resp, start)
	}()

	st = NewState(req, traceID)
	if a.deps.Sessions != nil && (req.SessionID != "" || req.ParentSessionID != "") {
		st.SessionContext = a.deps.Sessions.Load(ctx, req.SessionID, req.ParentSessionID)
	}

	if err := a.loop.Run(ctx, st); err != nil {
		logger.Warn("决策回圈失败", slog.Any("error", err))
		msg := err.Error()
		if e, ok := xerrors.From(err); ok {
			msg = e.Message()
		}
		return newFailure(req, traceID, msg, a.now())
	}
	if err := st.Transcript.Validate(); err != nil {
		logger.Error("对话顺序校验失败", slog.Any("error", err))
		return newFailure(req, traceID, xerrors.Wrap(CodeAgentFailure, err, "transcript_invalid").Error(), a.now())
	}

	a.supervise(logger, st)
	if st.Violation == nil {
		a.compose(ctx, st)
	} else {
		st.NLGRaw = st.Violation.Explanation
	}
	resp = buildResponse(st, a.now())

	if st.PersistSession && a.deps.Sessions != nil {
		a.deps.Sessions.SaveAsync(ctx, req.SessionID, st.Transcript.Turns(), resp.Response)
	}
	return resp
}

// supervise 只产生评估元数据，不会重新打开回圈。
func (a *Agent) supervise(logger *slog.Logger, st *State) {
	turns := st.Transcript.ToolTurns()
	results := make([]conversation.ToolResult, 0, len(turns))
	for _, turn := range turns {
		if turn.Result != nil {
			results = append(results, *turn.Result)
		}
	}
	st.Evaluation = supervisor.Evaluate(results)
	st.Decision = supervisor.Decide(st.Evaluation, st.LoopCount, a.deps.Settings.MaxToolLoops, supervisor.RequiresTools(st.Request.Query))
	logger.Info("监督评估",
		slog.String("decision", string(st.Decision.Action)),
		slog.String("reasoning", st.Decision.Reasoning),
		slog.Float64("completeness", st.Evaluation.Completeness),
		slog.String("quality", string(st.Evaluation.Quality)),
		slog.String("complexity", supervisor.AssessComplexity(st.Request.Query)))
}

func (a *Agent) compose(ctx context.Context, st *State) {
	toolTurns := st.Transcript.ToolTurns()
	st.Categories = nlg.DetectCategories(st.Request.Query, toolTurns)
	raw := nlg.Compose(toolTurns, st.Categories, nlg.Options{
		MacroLastN: a.deps.Settings.MacroLastN,
		NewsTopK:   a.deps.Settings.NewsTopK,
	})
	if strings.TrimSpace(raw) == "" {
		raw = st.Transcript.LastFreeAIText()
	}
	st.NLGRaw = raw
	colloquial, warning := a.deps.Colloquializer.Rewrite(ctx, raw, st.Request.Query, st.Categories)
	st.Colloquial = colloquial
	if warning != "" {
		st.Warn(warning)
	}
}

func (a *Agent) finish(ctx context.Context, logger *slog.Logger, st *State, resp *Response, start time.Time) {
	if resp == nil {
		return
	}
	elapsed := a.now().Sub(start)
	loops := 0
	if st != nil {
		loops = st.LoopCount
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.ObserveRun(string(resp.InputType), resp.OK, loops, elapsed.Seconds())
	}
	a.deps.AuditLogger.LogAttrs(ctx, slog.LevelInfo, "agent_run",
		slog.String("trace_id", resp.TraceID),
		slog.String("session_id", resp.SessionID),
		slog.String("input_type", string(resp.InputType)),
		slog.Bool("ok", resp.OK),
		slog.Int("loop_count", loops),
		slog.Int("tool_results", len(resp.ToolResults)),
		slog.Any("warnings", resp.Warnings),
		slog.Duration("duration", elapsed))
	if !resp.OK {
		logger.Warn("请求失败", slog.String("error", resp.Error))
	}
}

type emptyCatalog struct{}

func (emptyCatalog) Schemas(...string) []llm.ToolSchema { return nil }
