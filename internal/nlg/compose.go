// Package nlg 把工具结果组装成确定性的摘要文本，并可选地改写为口语化回复。
package nlg

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"FinSight-Agent/internal/conversation"
)

// Unavailable 是数据缺失时的固定文案。
const Unavailable = "資料不可用"

// Categories 标记摘要需要覆盖的类别。
type Categories struct {
	Quote bool `json:"is_quote"`
	Macro bool `json:"is_macro"`
	News  bool `json:"is_news"`
}

// Any 判断是否命中任一类别。
func (c Categories) Any() bool {
	return c.Quote || c.Macro || c.News
}

// Options 控制摘要长度。
type Options struct {
	MacroLastN int
	NewsTopK   int
}

func (o Options) withDefaults() Options {
	if o.MacroLastN <= 0 {
		o.MacroLastN = 6
	}
	if o.NewsTopK <= 0 {
		o.NewsTopK = 5
	}
	return o
}

var (
	newsWords  = []string{"新聞", "news", "headline", "headlines"}
	macroWords = []string{"cpi", "通膨", "gdp", "失業", "unemployment", "利率", "fed", "ffr", "總經", "宏觀", "macro", "經濟數據", "經濟指標"}
	quoteWords = []string{"股價", "報價", "price", "quote", "ticker"}
)

// DetectCategories 根据查询关键字与工具结果的来源判断类别。
func DetectCategories(query string, toolTurns []conversation.Turn) Categories {
	q := strings.ToLower(query)
	cats := Categories{
		News:  containsAny(q, newsWords),
		Macro: containsAny(q, macroWords),
		Quote: containsAny(q, quoteWords),
	}
	for _, turn := range toolTurns {
		switch category(turn) {
		case "quote":
			cats.Quote = true
		case "macro":
			cats.Macro = true
		case "news":
			cats.News = true
		}
	}
	return cats
}

// category 通过工具名或 FMP 数据形态推断结果类别。
func category(turn conversation.Turn) string {
	switch turn.Name {
	case "tool_fmp_quote":
		return "quote"
	case "tool_fmp_macro":
		return "macro"
	case "tool_fmp_news":
		return "news"
	}
	if turn.Result != nil && turn.Result.Source == "FMP" && turn.Result.OK {
		for _, item := range records(turn.Result.Data) {
			if _, ok := item["price"]; ok {
				return "quote"
			}
		}
	}
	return ""
}

// Compose 生成确定性摘要；相同输入总是得到相同输出，未命中任何类别时返回空串。
func Compose(toolTurns []conversation.Turn, cats Categories, opts Options) string {
	opts = opts.withDefaults()
	var parts []string
	if cats.Quote {
		if text := composeQuotes(pick(toolTurns, "quote")); text != "" {
			parts = append(parts, text)
		}
	}
	if cats.Macro {
		if text := composeMacro(pick(toolTurns, "macro"), opts.MacroLastN); text != "" {
			parts = append(parts, text)
		}
	}
	if cats.News {
		if text := composeNews(pick(toolTurns, "news"), opts.NewsTopK); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func pick(turns []conversation.Turn, want string) []conversation.Turn {
	var out []conversation.Turn
	for _, turn := range turns {
		if turn.Role == conversation.RoleTool && turn.Result != nil && category(turn) == want {
			out = append(out, turn)
		}
	}
	return out
}

func composeQuotes(turns []conversation.Turn) string {
	var lines []string
	for _, turn := range turns {
		if !turn.Result.OK {
			lines = append(lines, fmt.Sprintf("- %s%s", Unavailable, reasonSuffix(turn.Result.Error)))
			continue
		}
		for _, q := range records(turn.Result.Data) {
			symbol := text(q["symbol"], "N/A")
			price, ok := number(q["price"])
			if !ok {
				lines = append(lines, fmt.Sprintf("- %s: %s", symbol, Unavailable))
				continue
			}
			line := fmt.Sprintf("- %s: $%.2f", symbol, price)
			if pct, ok := number(q["changesPercentage"]); ok {
				line += fmt.Sprintf(" (%+.2f%%)", pct)
			} else if change, ok := number(q["change"]); ok {
				line += fmt.Sprintf(" (%+.2f)", change)
			}
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "股價資訊：\n" + strings.Join(lines, "\n")
}

func composeMacro(turns []conversation.Turn, lastN int) string {
	var lines []string
	for _, turn := range turns {
		if !turn.Result.OK {
			lines = append(lines, fmt.Sprintf("- %s%s", Unavailable, reasonSuffix(turn.Result.Error)))
			continue
		}
		points := records(turn.Result.Data)
		if len(points) == 0 {
			lines = append(lines, "- "+Unavailable)
			continue
		}
		// 按指标分组，保持首次出现顺序。
		var order []string
		groups := make(map[string][]map[string]any)
		for _, p := range points {
			name := text(p["indicator"], text(p["name"], "總經指標"))
			if _, seen := groups[name]; !seen {
				order = append(order, name)
			}
			groups[name] = append(groups[name], p)
		}
		for _, name := range order {
			series := groups[name]
			if len(series) > lastN {
				series = series[:lastN]
			}
			values := make([]string, 0, len(series))
			for _, p := range series {
				v, ok := number(p["value"])
				val := Unavailable
				if ok {
					val = strconv.FormatFloat(v, 'f', -1, 64)
				}
				values = append(values, fmt.Sprintf("%s %s", text(p["date"], "?"), val))
			}
			lines = append(lines, fmt.Sprintf("- %s：最近 %d 期數據（%s）", name, len(series), strings.Join(values, "、")))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "總經數據：\n" + strings.Join(lines, "\n")
}

func composeNews(turns []conversation.Turn, topK int) string {
	var lines []string
	for _, turn := range turns {
		if !turn.Result.OK {
			lines = append(lines, fmt.Sprintf("%s%s", Unavailable, reasonSuffix(turn.Result.Error)))
			continue
		}
		items := records(turn.Result.Data)
		if len(items) > topK {
			items = items[:topK]
		}
		if len(items) == 0 {
			lines = append(lines, Unavailable)
			continue
		}
		lines = append(lines, fmt.Sprintf("最新 %d 則新聞", len(items)))
		for _, item := range items {
			line := "- " + text(item["title"], "（無標題）")
			if site := text(item["site"], ""); site != "" {
				line += "（" + site + "）"
			}
			if url := text(item["url"], ""); url != "" {
				line += " " + url
			}
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "新聞資訊：\n" + strings.Join(lines, "\n")
}

// records 把任意结果数据规整为对象列表。
func records(data any) []map[string]any {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single map[string]any
	if err := json.Unmarshal(raw, &single); err == nil {
		for _, key := range []string{"data", "items", "messages"} {
			if nested, ok := single[key]; ok {
				return records(nested)
			}
		}
		return []map[string]any{single}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func text(v any, fallback string) string {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return "（" + reason + "）"
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
