package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"FinSight-Agent/internal/conversation"
	"FinSight-Agent/internal/tools"
)

const missingKeyText = "已規劃 FMP 查詢，但未執行：FMP API 金鑰未設定（.env）。"

// buildResponse 遍历整份对话，组装最终响应。
func buildResponse(st *State, now time.Time) *Response {
	resp := &Response{
		OK:                  true,
		InputType:           st.Request.InputType,
		ToolResults:         []ToolResultView{},
		Sources:             []SourceRef{},
		Timestamp:           now.UTC().Format(time.RFC3339),
		SupervisorDecision:  string(st.Decision.Action),
		SupervisorReasoning: st.Decision.Reasoning,
		NLG:                 NLGOutput{Raw: st.NLGRaw, Colloquial: st.Colloquial},
		SessionID:           st.Request.SessionID,
		TraceID:             st.TraceID,
		LoopCount:           st.LoopCount,
	}

	var (
		report     *conversation.Turn
		missingKey = 0
	)
	for _, turn := range st.Transcript.Turns() {
		if turn.Role != conversation.RoleTool {
			continue
		}
		res := conversation.ToolResult{}
		if turn.Result != nil {
			res = *turn.Result
		}
		ts := res.Timestamp
		if ts.IsZero() {
			ts = now
		}
		stamp := ts.UTC().Format(time.RFC3339)
		resp.ToolResults = append(resp.ToolResults, ToolResultView{
			Tool:      turn.Name,
			OK:        res.OK,
			Source:    sourceOf(turn.Name, res),
			Data:      res.Data,
			Error:     res.Error,
			Timestamp: stamp,
		})
		resp.Sources = append(resp.Sources, SourceRef{Source: sourceOf(turn.Name, res), Tool: turn.Name, Timestamp: stamp})

		if !res.OK && res.Error == tools.MissingAPIKey {
			missingKey++
		}
		if turn.Name == "tool_report_generate" {
			t := turn
			report = &t
		}
	}

	resp.Warnings = dedupe(st.Warnings)
	st.PersistSession = st.Request.SessionID != ""

	switch {
	case st.Violation != nil:
		resp.Response = st.Violation.Explanation
	case report != nil:
		resp.Response = reportText(report.Result)
	case missingKey > 0 && missingKey == len(resp.ToolResults):
		resp.Response = missingKeyText
	case st.Colloquial != nil && strings.TrimSpace(*st.Colloquial) != "":
		resp.Response = *st.Colloquial
	case strings.TrimSpace(st.NLGRaw) != "":
		resp.Response = st.NLGRaw
	case st.Transcript.LastFreeAIText() != "":
		resp.Response = st.Transcript.LastFreeAIText()
	default:
		resp.Response = fallbackText(st.Request.Query, resp.ToolResults)
	}
	return resp
}

// sourceOf 优先使用结果自带的来源标签，其次按工具名前缀判断。
func sourceOf(name string, res conversation.ToolResult) string {
	if res.Source != "" {
		return res.Source
	}
	if m, ok := res.Data.(map[string]any); ok {
		if s, ok := m["source"].(string); ok && s != "" {
			return s
		}
	}
	return tools.SourceOf(name)
}

func reportText(res *conversation.ToolResult) string {
	if res == nil || !res.OK {
		reason := "unknown_error"
		if res != nil && res.Error != "" {
			reason = res.Error
		}
		return "產報失敗：" + reason
	}
	var files []string
	switch data := res.Data.(type) {
	case *tools.ReportResult:
		files = data.Files
	case tools.ReportResult:
		files = data.Files
	default:
		var decoded struct {
			Files []string `json:"files"`
		}
		if encoded, err := json.Marshal(data); err == nil {
			_ = json.Unmarshal(encoded, &decoded)
		}
		files = decoded.Files
	}
	var b strings.Builder
	b.WriteString("**報告已生成**\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return strings.TrimRight(b.String(), "\n")
}

func fallbackText(query string, results []ToolResultView) string {
	if len(results) == 0 {
		q := truncate(strings.TrimSpace(query), 120)
		if q == "" {
			q = "(空白)"
		}
		return fmt.Sprintf("已接收輸入：%s。目前沒有可用的模型或工具回覆。", q)
	}
	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
		}
	}
	return fmt.Sprintf("已執行 %d 個工具查詢（%d 個成功），請查看 tool_results 取得細節。查詢內容：%s",
		len(results), ok, truncate(query, 100))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func dedupe(warnings []string) []string {
	out := make([]string, 0, len(warnings))
	seen := make(map[string]struct{}, len(warnings))
	for _, w := range warnings {
		if _, ok := seen[w]; ok || w == "" {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
