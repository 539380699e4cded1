// Package finsight 是 finsightd REST 接口的 Go 客户端。
package finsight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout 是未传入 http.Client 时使用的超时，覆盖一次完整的多轮工具调用。
const DefaultHTTPTimeout = 120 * time.Second

// Client 封装与 finsightd 的 HTTP 交互，可并发使用。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// RunRequest 是一次 Agent 调用的请求体。
type RunRequest struct {
	InputType       string         `json:"input_type,omitempty"`
	Query           string         `json:"query,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	ParentSessionID string         `json:"parent_session_id,omitempty"`
	File            map[string]any `json:"file,omitempty"`
	Line            map[string]any `json:"line,omitempty"`
	Rule            map[string]any `json:"rule,omitempty"`
	Options         map[string]any `json:"options,omitempty"`
}

// ToolResult 是响应中的一条工具结果。
type ToolResult struct {
	Tool      string `json:"tool"`
	OK        bool   `json:"ok"`
	Source    string `json:"source"`
	Data      any    `json:"data"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// RunResponse 是 Agent 的回复。
type RunResponse struct {
	OK                  bool         `json:"ok"`
	Response            string       `json:"response"`
	Error               string       `json:"error,omitempty"`
	InputType           string       `json:"input_type"`
	ToolResults         []ToolResult `json:"tool_results"`
	Warnings            []string     `json:"warnings"`
	Timestamp           string       `json:"timestamp"`
	SupervisorDecision  string       `json:"supervisor_decision"`
	SupervisorReasoning string       `json:"supervisor_reasoning"`
	NLG                 struct {
		Raw        string  `json:"raw"`
		Colloquial *string `json:"colloquial"`
	} `json:"nlg"`
	SessionID string `json:"session_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	LoopCount int    `json:"loop_count,omitempty"`
}

// SessionSummary 是服务端保存的会话摘要。
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Summary      string    `json:"summary"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Rule 是一条生效的行为规则。
type Rule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// APIError 表示服务端返回的非 2xx 响应。
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("finsight api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient 创建客户端；httpClient 为 nil 时使用默认超时。
func NewClient(rawURL, apiKey string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, apiKey: apiKey}, nil
}

// Run 调用 Agent。Agent 处理失败时返回的 RunResponse.OK 为 false 且 error 为 *APIError。
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResponse, error) {
	var resp RunResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/agent/run", nil, req, &resp); err != nil {
		return &resp, err
	}
	return &resp, nil
}

// Session 查询单个会话摘要。
func (c *Client) Session(ctx context.Context, sessionID string) (*SessionSummary, error) {
	var body struct {
		Session *SessionSummary `json:"session"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Session, nil
}

// Sessions 列出最近的会话摘要。
func (c *Client) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions", q, nil, &body); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}

// Rules 返回服务端规则版本与规则列表。
func (c *Client) Rules(ctx context.Context) (string, []Rule, error) {
	var body struct {
		Version string `json:"version"`
		Rules   []Rule `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/rules", nil, nil, &body); err != nil {
		return "", nil, err
	}
	return body.Version, body.Rules, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
