package session

import (
	"strconv"
	"strings"

	"FinSight-Agent/internal/conversation"
)

const (
	defaultSummaryChars = 512
	maxTurnChars        = 500
)

var stockMarkers = []string{"AAPL", "TSLA", "NVDA", "MSFT", "TSM", "2330"}

// Meaningful 过滤出可用于摘要的消息：跳过 system、tool、空内容与工具调用描述。
func Meaningful(turns []conversation.Turn) []conversation.Turn {
	out := make([]conversation.Turn, 0, len(turns))
	for _, turn := range turns {
		content := strings.TrimSpace(turn.Content)
		if content == "" || turn.Role == conversation.RoleSystem || turn.Role == conversation.RoleTool {
			continue
		}
		if strings.Contains(strings.ToLower(content), "tool_call") {
			continue
		}
		turn.Content = truncateRunes(content, maxTurnChars)
		out = append(out, turn)
	}
	return out
}

// Summarize 生成关键字摘要，形如「對話輪數: N 輪 | 主要主題: ...」。
// 没有可用消息时返回空串。
func Summarize(turns []conversation.Turn, maxChars int) string {
	msgs := Meaningful(turns)
	if len(msgs) == 0 {
		return ""
	}
	if maxChars <= 0 {
		maxChars = defaultSummaryChars
	}

	var (
		userTurns int
		all       strings.Builder
	)
	for _, msg := range msgs {
		if msg.Role == conversation.RoleHuman {
			userTurns++
		}
		all.WriteString(msg.Content)
		all.WriteByte(' ')
	}
	content := all.String()
	upper := strings.ToUpper(content)

	var topics []string
	for _, marker := range stockMarkers {
		if strings.Contains(upper, marker) {
			topics = append(topics, "股票查詢")
			break
		}
	}
	if strings.Contains(content, "中文") {
		topics = append(topics, "語言偏好")
	}
	if strings.Contains(content, "報告") || strings.Contains(strings.ToLower(content), "report") {
		topics = append(topics, "報告生成")
	}
	if strings.Contains(content, "簡短") || strings.Contains(content, "重點") {
		topics = append(topics, "簡潔回覆偏好")
	}
	topicText := "一般對話"
	if len(topics) > 0 {
		topicText = strings.Join(topics, ", ")
	}

	summary := "對話輪數: " + strconv.Itoa(userTurns) + " 輪 | 主要主題: " + topicText
	if len([]rune(summary)) > maxChars {
		summary = truncateRunes(summary, maxChars) + "..."
	}
	return summary
}

// ContextBlock 把父会话摘要包装成注入提示的文字。
func ContextBlock(summary string) string {
	if strings.TrimSpace(summary) == "" {
		return ""
	}
	return "根據前一次對話的摘要，使用者的偏好和背景如下：\n" + summary + "\n\n請在回應時考慮這些偏好和背景資訊。"
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
