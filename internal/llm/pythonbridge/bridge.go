// Package pythonbridge 通过子进程调用本地推理脚本，stdin/stdout 交换 JSON。
package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"

	"FinSight-Agent/internal/conversation"
	xerrors "FinSight-Agent/internal/errors"
	"FinSight-Agent/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

type bridgeTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type bridgeRequest struct {
	Messages    []conversation.Turn `json:"messages"`
	Tools       []bridgeTool        `json:"tools,omitempty"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

type bridgeResponse struct {
	Content   string                  `json:"content"`
	ToolCalls []conversation.ToolCall `json:"tool_calls"`
	Error     string                  `json:"error"`
}

// Chat 把对话与工具描述写入脚本 stdin，并从 stdout 解析回复与工具调用。
func (c *Client) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload := bridgeRequest{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, bridgeTool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(llm.CodeModelResponse, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "推理脚本超时")
		}
		return nil, xerrors.Wrap(llm.CodeModelUnavailable, err, "执行 Python 脚本失败: "+strings.TrimSpace(stderr.String()))
	}

	var resp bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(llm.CodeModelResponse, err, "解析 Python 输出失败")
	}
	if resp.Error != "" {
		return nil, xerrors.New(llm.CodeModelUnavailable, "推理脚本返回错误: "+resp.Error)
	}
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Arguments == nil {
			resp.ToolCalls[i].Arguments = map[string]any{}
		}
	}
	return &llm.Response{Content: resp.Content, ToolCalls: resp.ToolCalls}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ llm.Client = (*Client)(nil)
