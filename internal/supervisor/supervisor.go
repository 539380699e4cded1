// Package supervisor evaluates the tool results of a converged run and
// produces decision metadata for logging and the final response. The decision
// is advisory: nothing feeds it back into the decision loop.
package supervisor

import (
	"fmt"
	"strings"

	"FinSight-Agent/internal/conversation"
)

// Action 是监督层给出的决策。
type Action string

const (
	ContinueTools   Action = "continue_tools"
	EndConversation Action = "end_conversation"
)

// Bucket 是完整度分级。
type Bucket string

const (
	BucketHigh   Bucket = "high"
	BucketMedium Bucket = "medium"
	BucketLow    Bucket = "low"
)

// Evaluation 汇总工具结果的有效性。
type Evaluation struct {
	Total             int     `json:"total"`
	Successful        int     `json:"successful"`
	Failed            int     `json:"failed"`
	Completeness      float64 `json:"completeness"`
	Quality           Bucket  `json:"quality"`
	Effectiveness     string  `json:"effectiveness"`
	HasSufficientData bool    `json:"has_sufficient_data"`
	Satisfied         bool    `json:"satisfied"`
}

// Decision 是监督决策与理由。
type Decision struct {
	Action    Action `json:"decision"`
	Reasoning string `json:"reasoning"`
}

// Evaluate 计算完整度 = 成功结果数 / 结果总数。
func Evaluate(results []conversation.ToolResult) Evaluation {
	ev := Evaluation{Total: len(results)}
	if ev.Total == 0 {
		ev.Quality = BucketLow
		ev.Effectiveness = "no_tools"
		return ev
	}
	for _, r := range results {
		if r.OK {
			ev.Successful++
		}
	}
	ev.Failed = ev.Total - ev.Successful
	ev.Completeness = float64(ev.Successful) / float64(ev.Total)

	switch {
	case ev.Completeness >= 0.8:
		ev.Quality = BucketHigh
	case ev.Completeness >= 0.5:
		ev.Quality = BucketMedium
	default:
		ev.Quality = BucketLow
	}
	switch {
	case ev.Completeness > 0.7:
		ev.Effectiveness = "good"
	case ev.Completeness > 0.3:
		ev.Effectiveness = "partial"
	default:
		ev.Effectiveness = "poor"
	}
	ev.HasSufficientData = ev.Completeness > 0.6
	ev.Satisfied = ev.Successful > 0
	return ev
}

// Decide 根据评估结果与回圈次数给出决策。
func Decide(ev Evaluation, loopCount, maxLoops int, requiresTools bool) Decision {
	switch {
	case loopCount >= maxLoops:
		return Decision{EndConversation, fmt.Sprintf("已達到最大工具循環次數 (%d)", maxLoops)}
	case ev.Total == 0 && !requiresTools:
		return Decision{EndConversation, "查詢不需要工具支援，可直接回應"}
	case ev.HasSufficientData && ev.Satisfied:
		return Decision{EndConversation, "已獲得足夠資料且滿足查詢需求"}
	case ev.Total > 0 && !ev.HasSufficientData:
		return Decision{ContinueTools, "資料不足，需要更多工具支援"}
	default:
		return Decision{EndConversation, "基於當前狀態，結束對話並生成回應"}
	}
}

var toolKeywords = []string{"股價", "報價", "新聞", "cpi", "gdp", "price", "quote", "news"}

// RequiresTools 判断查询是否需要工具支持。
func RequiresTools(query string) bool {
	q := strings.ToLower(query)
	for _, k := range toolKeywords {
		if strings.Contains(q, k) {
			return true
		}
	}
	return false
}

var complexityIndicators = []string{"和", "以及", "還有", "比較", "分析", "趨勢", "預測"}

// AssessComplexity 返回 simple、medium 或 complex。
func AssessComplexity(query string) string {
	if strings.TrimSpace(query) == "" {
		return "simple"
	}
	for _, k := range complexityIndicators {
		if strings.Contains(query, k) {
			return "complex"
		}
	}
	if len(strings.Fields(query)) > 10 {
		return "medium"
	}
	return "simple"
}
