package agent

import (
	"strings"

	"FinSight-Agent/internal/intent"
)

const roleLine = "【角色】你是謹慎的金融研究助理。回覆需可驗證、可追溯。"

const baseRules = `【工作守則】
- 嚴禁捏造或猜測任何數據；API 失敗必須回傳結構化錯誤；除 LINE 模擬外不得使用模擬資料。
- 一律以繁體中文回覆；Python 指令一律使用 uv。
- 【重要】當查詢涉及股價、新聞、總經數據時，必須使用 tool_calls 呼叫相應工具獲取實時數據。
- 【禁止】不可僅提供工具調用的文字描述或 JSON 範例，必須實際執行 tool_calls。
- 【執行順序】先呼叫工具獲取數據，再基於工具結果提供回覆。`

var intentPrompts = map[intent.Intent]string{
	intent.Quote:     "【執行策略】必須先呼叫 tool_fmp_quote 獲取股價數據，然後基於結果回覆。【回覆樣式】格式如「目前 {symbol} 股價為 $價格（±漲跌幅%）」；若 tool_results 已含公司基本資料（profile），請在股價行後面加上『｜公司簡介：{一句話描述（行業/主營/地區，≤35字）}』。",
	intent.News:      "【執行策略】必須先呼叫 tool_fmp_news 獲取新聞數據，然後基於結果回覆。【回覆樣式】僅列最近 N 則：每則 1–2 句摘要；其後加「標題｜來源｜時間」。",
	intent.Macro:     "【強制執行】立即使用 tool_fmp_macro 工具調用獲取總經數據，不可提供文字描述。【參數】indicator: 指標名稱, country: 國家代碼。【回覆樣式】基於工具結果輸出最近 N 期指定指標；格式：指標名稱｜最新值｜期別。",
	intent.Report:    "【執行策略】必須先呼叫相關工具收集數據，然後呼叫 tool_report_generate 生成報告。【回覆樣式】僅回報報告產製狀態（檔案路徑/輸出格式）。",
	intent.Rules:     "【回覆樣式】輸出目前生效規則清單（id｜名稱｜一句話）。",
	intent.Ambiguous: "【執行策略】若疑似查價/新聞/總經，必須先呼叫相應工具獲取數據。【回覆樣式】基於工具結果提供準確回覆；不確定請反問 1 句。",
}

// sessionBlock 把历史摘要包装成系统提示的一段。
func sessionBlock(ctx string) string {
	if strings.TrimSpace(ctx) == "" {
		return ""
	}
	return "\n[對話歷史上下文]\n基於之前的對話，以下是相關的背景資訊：\n" + ctx +
		"\n\n請在回應時考慮這些歷史上下文，保持對話的連貫性和一致性。\n[/對話歷史上下文]\n"
}

// systemPrompt 组装文字管线的系统提示。
func systemPrompt(rulesBlock, sessionCtx string, in intent.Intent, symbol string) string {
	parts := []string{roleLine, baseRules}
	if rulesBlock != "" {
		parts = append(parts, rulesBlock)
	}
	if block := sessionBlock(sessionCtx); block != "" {
		parts = append(parts, block)
	}
	hint, ok := intentPrompts[in]
	if !ok {
		hint = intentPrompts[intent.Ambiguous]
	}
	if symbol == "" {
		symbol = "標的"
	}
	parts = append(parts, strings.ReplaceAll(hint, "{symbol}", symbol))
	return strings.Join(parts, "\n")
}
