package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"FinSight-Agent/internal/conversation"
	"FinSight-Agent/internal/intent"
)

const (
	warnMissingFilePath = "檔案路徑未提供"
	warnMissingFileQA   = "file QA 任務需要提供 query"
	warnMissingLineID   = "line 類型需要提供 user_id 或 chat_id"
	warnMissingRule     = "rule 類型需要提供 rule 資訊"
	warnEmptyQuery      = "query 不可為空"

	reportUsage   = "錯誤：/report 指令需要參數。使用方式：/report stock AAPL,NVDA"
	templateUsage = "錯誤：/template 指令需要參數。使用方式：/template file data/notes.md"

	defaultLineLimit = 100
	defaultTopK      = 3
)

func newCall(name string, args map[string]any) conversation.ToolCall {
	return conversation.ToolCall{ID: "call_" + uuid.NewString(), Name: name, Arguments: args}
}

// selectPipeline 根据输入模态构建初始对话。
func (l *Loop) selectPipeline(st *State) {
	switch st.Request.InputType {
	case InputText:
		l.textPipeline(st)
	case InputFile:
		l.filePipeline(st)
	case InputLine:
		l.linePipeline(st)
	case InputRule:
		l.rulePipeline(st)
	default:
		st.Warn(fmt.Sprintf("unsupported_input_type:%s", st.Request.InputType))
		st.converge(fmt.Sprintf("不支援的輸入類型：%s", st.Request.InputType))
	}
}

// reject 记录校验失败：只有一条说明性的 ai 消息，不调用任何工具。
func (st *State) reject(warning, text string) {
	st.Warn(warning)
	if text == "" {
		text = warning
	}
	st.converge(text)
}

// rulesSummary 直接以规则摘要收敛，不调用模型与工具。
func (l *Loop) rulesSummary(st *State, query string) {
	st.Transcript.Append(conversation.Human(query))
	summary := "目前沒有生效的系統規則。"
	if l.rules != nil {
		summary = l.rules.Summary()
	}
	st.converge(summary)
}

func (l *Loop) textPipeline(st *State) {
	query := strings.TrimSpace(st.Request.Query)
	if query == "" {
		st.reject(warnEmptyQuery, "")
		return
	}

	fields := strings.Fields(query)
	if strings.EqualFold(fields[0], "/rules") {
		l.rulesSummary(st, query)
		return
	}

	if l.rules != nil {
		if v := l.rules.CheckViolation(query); v != nil {
			st.Violation = v
			st.Warn("rule_violation:" + v.RuleID)
			st.Transcript.Append(conversation.Human(query))
			st.converge(v.Explanation)
			return
		}
	}

	st.Intent = intent.Classify(query)
	st.Symbol = intent.NormalizeSymbol(query)

	switch {
	case st.Intent == intent.Rules:
		l.rulesSummary(st, query)
		return
	case strings.EqualFold(fields[0], "/report"):
		l.reportCommand(st, query, fields[1:])
		return
	case strings.EqualFold(fields[0], "/template"):
		l.templateCommand(st, query, fields[1:])
		return
	}

	if st.Intent == intent.Report && st.Symbol != "" {
		st.Report = &ReportRequest{TemplateID: "stock", Symbols: []string{st.Symbol}}
	}
	prompt := systemPrompt(l.rulesBlock(), st.SessionContext, st.Intent, st.Symbol)
	st.Transcript.Append(conversation.System(prompt), conversation.Human(query))
}

func (l *Loop) reportCommand(st *State, query string, args []string) {
	if len(args) == 0 {
		st.reject(reportUsage, "")
		return
	}
	templateID, symbolArg := "stock", args[0]
	if len(args) > 1 {
		templateID, symbolArg = args[0], args[1]
	}
	var symbols []string
	for _, s := range strings.Split(symbolArg, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	st.Transcript.Append(
		conversation.Human(query),
		conversation.AIWithCalls("正在生成報告...", newCall("tool_report_generate", map[string]any{
			"template_id": templateID,
			"context":     map[string]any{"symbols": symbols},
		})),
	)
	st.ReportInjected = true
}

func (l *Loop) templateCommand(st *State, query string, args []string) {
	if len(args) < 2 {
		st.reject(templateUsage, "")
		return
	}
	templateID, path := args[0], args[1]
	st.Transcript.Append(
		conversation.Human(query),
		conversation.AIWithCalls("正在依模板處理檔案...",
			newCall("tool_file_load", map[string]any{"file_path": path}),
			newCall("tool_report_generate", map[string]any{
				"template_id": templateID,
				"context":     map[string]any{"file_path": path, "template_id": templateID},
			}),
		),
	)
	st.ReportInjected = true
}

func (l *Loop) filePipeline(st *State) {
	in := st.Request.File
	if in == nil || strings.TrimSpace(in.Path) == "" {
		st.reject(warnMissingFilePath, "")
		return
	}
	task := strings.ToLower(strings.TrimSpace(in.Task))
	if task == "" {
		task = "qa"
	}
	load := newCall("tool_file_load", map[string]any{"file_path": in.Path})

	switch task {
	case "report":
		templateID := in.TemplateID
		if templateID == "" {
			templateID = "file"
		}
		st.Transcript.Append(
			conversation.Human(fmt.Sprintf("請處理檔案並生成報告：\n\n檔案路徑：%s\n報告模板：%s", in.Path, templateID)),
			conversation.AIWithCalls("正在處理檔案...", load, newCall("tool_report_generate", map[string]any{
				"template_id": templateID,
				"context":     map[string]any{"file_path": in.Path, "template_id": templateID, "type": "file_report"},
			})),
		)
		st.ReportInjected = true
	default:
		query := strings.TrimSpace(st.Request.Query)
		if query == "" {
			st.reject(warnMissingFileQA, "")
			return
		}
		topK := st.Request.Options.TopK
		if topK <= 0 {
			topK = defaultTopK
		}
		st.Transcript.Append(
			conversation.Human(fmt.Sprintf("請處理檔案並回答問題：\n\n檔案路徑：%s\n問題：%s", in.Path, query)),
			conversation.AIWithCalls("正在處理檔案...", load, newCall("tool_rag_query", map[string]any{
				"query": query,
				"top_k": topK,
			})),
		)
	}
}

func (l *Loop) linePipeline(st *State) {
	in := st.Request.Line
	if in == nil || (strings.TrimSpace(in.UserID) == "" && strings.TrimSpace(in.ChatID) == "") {
		st.reject(warnMissingLineID, "")
		return
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultLineLimit
	}
	args := map[string]any{"limit": limit}
	for key, val := range map[string]string{
		"user_id": in.UserID, "chat_id": in.ChatID, "start_date": in.Start, "end_date": in.End,
	} {
		if val != "" {
			args[key] = val
		}
	}
	target := in.UserID
	if target == "" {
		target = in.ChatID
	}
	st.Transcript.Append(
		conversation.Human(fmt.Sprintf("請抓取並分析 LINE 訊息：%s（%s ~ %s）", target, orDash(in.Start), orDash(in.End))),
		conversation.AIWithCalls("正在抓取 LINE 聊天記錄...", newCall("tool_line_fetch", args)),
	)
}

func (l *Loop) rulePipeline(st *State) {
	in := st.Request.Rule
	if in == nil || (len(in.Rules) == 0 && len(in.Symbols) == 0 && len(in.Indicators) == 0) {
		st.reject(warnMissingRule, "")
		return
	}
	var b strings.Builder
	b.WriteString("請執行規則查詢：\n\n規則資訊：")
	b.WriteString(compactJSON(in.Rules))
	if len(in.Symbols) > 0 {
		b.WriteString("\n股票代碼：" + strings.Join(in.Symbols, ", "))
	}
	if len(in.Indicators) > 0 {
		b.WriteString("\n總經指標：" + strings.Join(in.Indicators, ", "))
	}
	if len(in.Thresholds) > 0 {
		b.WriteString("\n門檻條件：" + compactJSON(in.Thresholds))
	}
	b.WriteString("\n\n根據規則內容決定要呼叫哪些工具。")

	st.Intent = intent.Ambiguous
	prompt := systemPrompt(l.rulesBlock(), st.SessionContext, st.Intent, "")
	st.Transcript.Append(conversation.System(prompt), conversation.Human(b.String()))
}

func (l *Loop) rulesBlock() string {
	if l.rules == nil {
		return ""
	}
	return l.rules.PromptBlock()
}

func compactJSON(v any) string {
	if v == nil {
		return "{}"
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(encoded)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
