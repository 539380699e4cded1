package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc/iter"
	"github.com/xeipuuv/gojsonschema"

	"FinSight-Agent/internal/conversation"
	xerrors "FinSight-Agent/internal/errors"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultParallelism = 4
)

// Executor 并行执行一批工具调用，结果顺序与请求顺序一致。
type Executor struct {
	registry    *Registry
	timeout     time.Duration
	maxParallel int
	logger      *slog.Logger
	now         func() time.Time
}

// ExecutorOption 自定义执行器。
type ExecutorOption func(*Executor)

// WithCallTimeout 设置单次调用超时。
func WithCallTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxParallel 设置同一批次的最大并发数。
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithExecutorLogger 设置日志记录器。
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor 创建执行器。
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		timeout:     defaultCallTimeout,
		maxParallel: defaultParallelism,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry 返回执行器使用的注册表。
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute 执行整批调用，为每个请求返回一条 tool 消息。
// 单个调用失败只会体现为 ok=false 的结果，不会中断整批。
func (e *Executor) Execute(ctx context.Context, calls []conversation.ToolCall) []conversation.Turn {
	if len(calls) == 0 {
		return nil
	}
	mapper := iter.Mapper[conversation.ToolCall, conversation.Turn]{MaxGoroutines: e.maxParallel}
	return mapper.Map(calls, func(call *conversation.ToolCall) conversation.Turn {
		return conversation.Tool(*call, e.invoke(ctx, *call))
	})
}

func (e *Executor) invoke(ctx context.Context, call conversation.ToolCall) (result conversation.ToolResult) {
	start := e.now()
	result = conversation.ToolResult{Source: SourceOf(call.Name), Timestamp: start.UTC()}

	defer func() {
		if r := recover(); r != nil {
			result.OK = false
			result.Data = nil
			result.Error = fmt.Sprintf("tool panic: %v", r)
		}
		level := slog.LevelDebug
		if !result.OK {
			level = slog.LevelWarn
		}
		e.logger.Log(ctx, level, "工具调用完成",
			slog.String("tool", call.Name),
			slog.Bool("ok", result.OK),
			slog.String("error", result.Error),
			slog.Duration("duration", e.now().Sub(start)))
	}()

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		result.Error = fmt.Sprintf("unknown_tool: %s", call.Name)
		return result
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArguments(tool.Parameters, args); err != nil {
		result.Error = reason(err)
		return result
	}

	data, err := e.run(ctx, tool, args)
	if err != nil {
		result.Error = reason(err)
		return result
	}
	result.OK = true
	result.Data = data
	return result
}

type outcome struct {
	data any
	err  error
}

func (e *Executor) run(ctx context.Context, tool Tool, args map[string]any) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: xerrors.New(CodeToolFailed, fmt.Sprintf("tool panic: %v", r))}
			}
		}()
		data, err := tool.Handler(callCtx, args)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, out.err, "timeout")
		}
		return out.data, out.err
	case <-callCtx.Done():
		return nil, xerrors.Wrap(xerrors.CodeTimeout, callCtx.Err(), "timeout")
	}
}

// validateArguments 用工具的 JSON Schema 校验参数。
func validateArguments(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	rawSchema, err := json.Marshal(schema)
	if err != nil {
		return xerrors.Wrap(CodeInvalidArguments, err, "invalid_schema")
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return xerrors.Wrap(CodeInvalidArguments, err, "invalid_arguments")
	}
	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(rawSchema), gojsonschema.NewBytesLoader(rawArgs))
	if err != nil {
		return xerrors.Wrap(CodeInvalidArguments, err, "invalid_arguments")
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, desc := range res.Errors() {
		msgs = append(msgs, desc.String())
	}
	return xerrors.New(CodeInvalidArguments, "invalid_arguments: "+strings.Join(msgs, "; "))
}

// reason 返回写入工具结果的错误原因，统一错误只保留消息文本。
func reason(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}
