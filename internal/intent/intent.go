// Package intent classifies free-text queries into a closed set of intents and
// derives the tool allow-list that applies to each of them.
package intent

import (
	"regexp"
	"strings"

	"FinSight-Agent/internal/conversation"
)

// Intent 是查询意图的封闭枚举。
type Intent string

const (
	Quote     Intent = "quote"
	News      Intent = "news"
	Macro     Intent = "macro"
	Report    Intent = "report"
	Rules     Intent = "rules"
	Ambiguous Intent = "ambiguous"
)

var (
	newsKeywords  = []string{"新聞", "news", "頭條", "消息", "headline"}
	macroKeywords = []string{"總經", "宏觀", "經濟", "macro", "cpi", "gdp", "失業", "利率", "殖利率", "ism", "通膨", "unemployment", "fed"}
	quoteKeywords = []string{"股價", "報價", "price", "收盤", "開盤", "盤中", "stock", "quote", "ticker"}
)

// Classify 根据关键字判断意图，无法归类时返回 Ambiguous。
func Classify(query string) Intent {
	t := strings.ToLower(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(t, "/rules") || strings.Contains(t, "規則"):
		return Rules
	case strings.HasPrefix(t, "/template") || strings.HasPrefix(t, "/report") ||
		strings.Contains(t, "簡報") || strings.Contains(t, "報告"):
		return Report
	case containsAny(t, newsKeywords):
		return News
	case containsAny(t, macroKeywords):
		return Macro
	case containsAny(t, quoteKeywords):
		return Quote
	default:
		return Ambiguous
	}
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

var nameToTicker = []struct{ name, ticker string }{
	{"台積電", "TSM"},
	{"臺積電", "TSM"},
	{"蘋果", "AAPL"},
	{"輝達", "NVDA"},
	{"微軟", "MSFT"},
}

var tickerPattern = regexp.MustCompile(`[A-Z]{1,5}`)

var tickerStopwords = map[string]struct{}{
	"A": {}, "I": {}, "AN": {}, "AND": {}, "FOR": {}, "GET": {}, "IS": {}, "ME": {}, "OF": {},
	"THE": {}, "WHAT": {}, "SHOW": {}, "PRICE": {}, "QUOTE": {}, "NEWS": {}, "STOCK": {},
	"TODAY": {}, "CPI": {}, "GDP": {}, "FED": {}, "US": {}, "USA": {},
}

// NormalizeSymbol 从查询中提取股票代号，优先匹配中文公司名，
// 其次是原文中的大写代号，最后才把整句转为大写再查找。
func NormalizeSymbol(query string) string {
	for _, entry := range nameToTicker {
		if strings.Contains(query, entry.name) {
			return entry.ticker
		}
	}
	if sym := findTicker(query); sym != "" {
		return sym
	}
	return findTicker(strings.ToUpper(query))
}

func findTicker(text string) string {
	for _, loc := range tickerPattern.FindAllStringIndex(text, -1) {
		// 前后不能紧邻其他拉丁字母。
		if loc[0] > 0 && isLatin(text[loc[0]-1]) {
			continue
		}
		if loc[1] < len(text) && isLatin(text[loc[1]]) {
			continue
		}
		token := text[loc[0]:loc[1]]
		if _, stop := tickerStopwords[token]; stop {
			continue
		}
		return token
	}
	return ""
}

func isLatin(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

var countryKeywords = []struct {
	code     string
	keywords []string
}{
	{"US", []string{"美國", "USA", "U.S.", "United States"}},
	{"CN", []string{"中國", "China", "大陸"}},
	{"TW", []string{"台灣", "臺灣", "Taiwan"}},
	{"JP", []string{"日本", "Japan"}},
	{"EU", []string{"歐元區", "歐洲", "Eurozone"}},
}

// ExtractCountry 从查询中识别国别代码，默认 US。
func ExtractCountry(query string) string {
	upper := strings.ToUpper(query)
	for _, entry := range countryKeywords {
		for _, k := range entry.keywords {
			if strings.Contains(upper, strings.ToUpper(k)) {
				return entry.code
			}
		}
	}
	return "US"
}

// AllowedTools 返回意图允许使用的工具。
func AllowedTools(in Intent) []string {
	switch in {
	case Quote, Report:
		return []string{"tool_fmp_quote", "tool_fmp_profile", "tool_fmp_news", "tool_report_generate"}
	case News:
		return []string{"tool_fmp_news"}
	case Macro:
		return []string{"tool_fmp_macro"}
	case Rules:
		return nil
	default:
		return []string{"tool_fmp_quote", "tool_fmp_news", "tool_fmp_macro", "tool_fmp_profile"}
	}
}

// FilterCalls 按最小工具原则过滤调用：quote/report 保留全部允许的调用，
// 其他意图只保留第一个允许的调用。
func FilterCalls(in Intent, calls []conversation.ToolCall) []conversation.ToolCall {
	allowed := make(map[string]struct{})
	for _, name := range AllowedTools(in) {
		allowed[name] = struct{}{}
	}
	var out []conversation.ToolCall
	for _, call := range calls {
		if _, ok := allowed[call.Name]; !ok {
			continue
		}
		out = append(out, call)
		if in != Quote && in != Report {
			break
		}
	}
	return out
}
