// Package tools 定义工具注册表、并行执行器与内置工具适配器。
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "FinSight-Agent/internal/errors"
	"FinSight-Agent/internal/llm"
)

const (
	CodeToolNotFound     xerrors.Code = "TOOL_NOT_FOUND"
	CodeInvalidArguments xerrors.Code = "TOOL_INVALID_ARGUMENTS"
	CodeToolFailed       xerrors.Code = "TOOL_FAILED"
	CodeMissingAPIKey    xerrors.Code = "TOOL_MISSING_API_KEY"
)

func init() {
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{
		Message:  "tool not registered",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidArguments, xerrors.Attributes{
		Message:  "tool arguments failed validation",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeToolFailed, xerrors.Attributes{
		Message:   "tool execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeMissingAPIKey, xerrors.Attributes{
		Message:  "upstream api key is not configured",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// MissingAPIKey 是缺少上游金钥时工具结果中的错误原因。
const MissingAPIKey = "missing_api_key"

// Handler 执行一次工具调用，返回可 JSON 序列化的数据。
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool 描述一个可被模型调用的工具。
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Registry 保存已注册的工具，按注册顺序输出 schema。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register 注册工具，名称重复时返回错误。
func (r *Registry) Register(tool Tool) error {
	name := strings.TrimSpace(tool.Name)
	if name == "" || tool.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称与处理函数不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", name))
	}
	if tool.Parameters == nil {
		tool.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Get 按名称查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names 返回按名称排序的工具列表。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

// Schemas 返回暴露给模型的工具定义；传入 allow 时只返回其中列出的工具。
func (r *Registry) Schemas(allow ...string) []llm.ToolSchema {
	var filter map[string]struct{}
	if len(allow) > 0 {
		filter = make(map[string]struct{}, len(allow))
		for _, name := range allow {
			filter[name] = struct{}{}
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		if filter != nil {
			if _, ok := filter[name]; !ok {
				continue
			}
		}
		tool := r.tools[name]
		out = append(out, llm.ToolSchema{Name: tool.Name, Description: tool.Description, Parameters: tool.Parameters})
	}
	return out
}

var sourcePrefixes = []struct{ prefix, source string }{
	{"tool_fmp", "FMP"},
	{"tool_file", "FILE"},
	{"tool_line", "LINE"},
	{"tool_rag", "RAG"},
	{"tool_report", "REPORT"},
}

// SourceOf 根据工具名前缀推导数据来源标签。
func SourceOf(name string) string {
	for _, entry := range sourcePrefixes {
		if strings.HasPrefix(name, entry.prefix) {
			return entry.source
		}
	}
	return "UNKNOWN"
}

func stringArg(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := args[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

// stringsArg 接受字符串数组或逗号分隔的字符串。
func stringsArg(args map[string]any, key string) []string {
	var raw []string
	switch v := args[key].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func objectArg(args map[string]any, key string) map[string]any {
	if v, ok := args[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}
