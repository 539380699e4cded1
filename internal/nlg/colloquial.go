package nlg

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"FinSight-Agent/internal/conversation"
	"FinSight-Agent/internal/llm"
)

// DefaultColloquialPrompt 是口语化改写使用的固定系统指令。
const DefaultColloquialPrompt = "請將以下正式的資料摘要轉換為自然、口語化的回覆。" +
	"保持資訊準確性，但使用更親切、易懂的語言風格。" +
	"如果內容涉及數據，請用簡潔的方式說明重點。不得新增摘要中沒有的數值。"

// Colloquializer 把摘要改写为口语化回复。
type Colloquializer struct {
	enabled    bool
	client     llm.Client
	prompt     string
	macroLastN int
	logger     *slog.Logger
}

// Option 自定义 Colloquializer。
type Option func(*Colloquializer)

// WithPrompt 覆盖系统指令。
func WithPrompt(prompt string) Option {
	return func(c *Colloquializer) {
		if strings.TrimSpace(prompt) != "" {
			c.prompt = prompt
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(c *Colloquializer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMacroLastN 设置总经规划说明中的期数。
func WithMacroLastN(n int) Option {
	return func(c *Colloquializer) {
		if n > 0 {
			c.macroLastN = n
		}
	}
}

// NewColloquializer 创建改写器；client 可以为 nil。
func NewColloquializer(enabled bool, client llm.Client, opts ...Option) *Colloquializer {
	c := &Colloquializer{
		enabled:    enabled,
		client:     client,
		prompt:     DefaultColloquialPrompt,
		macroLastN: 6,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rewrite 返回口语化文本与可能的警告；功能关闭或无内容时返回 nil。
func (c *Colloquializer) Rewrite(ctx context.Context, raw, query string, cats Categories) (*string, string) {
	if c == nil || !c.enabled {
		return nil, ""
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if !isMacroPlanning(query) {
			return nil, ""
		}
		raw = fmt.Sprintf("將查詢美國總經數據，包含 CPI、GDP、失業率、聯邦基金利率等指標的最近 %d 期數據", c.macroLastN)
	}

	if c.client == nil {
		out := templated(raw, cats)
		return &out, ""
	}

	resp, err := c.client.Chat(ctx, llm.Request{
		Messages: []conversation.Turn{
			conversation.System(c.prompt),
			conversation.Human(raw),
		},
		Temperature: 0.3,
	})
	if err == nil && resp != nil && strings.TrimSpace(resp.Content) != "" {
		out := strings.TrimSpace(resp.Content)
		return &out, ""
	}
	if err == nil {
		err = fmt.Errorf("empty model response")
	}
	c.logger.Warn("口语化转换失败", slog.Any("error", err))
	out := templated(raw, cats)
	return &out, "colloquial_conversion_failed: " + err.Error()
}

func isMacroPlanning(query string) bool {
	q := strings.ToUpper(query)
	for _, k := range []string{"總經", "宏觀", "MACRO", "經濟數據"} {
		if strings.Contains(q, k) {
			return true
		}
	}
	return false
}

// templated 按类别加上固定前缀，不改动原文内容。
func templated(raw string, cats Categories) string {
	lower := strings.ToLower(raw)
	switch {
	case cats.Macro || strings.Contains(raw, "總經") || strings.Contains(lower, "macro"):
		return "以下是相關的總經數據整理。" + raw
	case cats.Quote || strings.Contains(raw, "股價") || strings.Contains(lower, "quote"):
		return "以下是最新的股價資訊。" + raw
	case cats.News || strings.Contains(raw, "新聞") || strings.Contains(lower, "news"):
		return "以下是相關的新聞整理。" + raw
	default:
		return raw
	}
}
