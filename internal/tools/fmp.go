package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "FinSight-Agent/internal/errors"
)

const defaultFMPBaseURL = "https://financialmodelingprep.com/api"

// FMPConfig 描述 Financial Modeling Prep 客户端配置。
type FMPConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// FMPClient 是行情、公司资料、新闻与总经数据的 HTTP 客户端。
type FMPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewFMPClient 创建客户端；APIKey 为空时所有调用返回 missing_api_key。
func NewFMPClient(cfg FMPConfig) *FMPClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultFMPBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FMPClient{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Quote 是标准化后的报价。
type Quote struct {
	Symbol            string  `json:"symbol"`
	Name              string  `json:"name"`
	Price             float64 `json:"price"`
	Change            float64 `json:"change"`
	ChangesPercentage float64 `json:"changesPercentage"`
	DayLow            float64 `json:"dayLow"`
	DayHigh           float64 `json:"dayHigh"`
	Volume            float64 `json:"volume"`
	Timestamp         int64   `json:"timestamp"`
}

// Profile 是标准化后的公司资料。
type Profile struct {
	Symbol      string  `json:"symbol"`
	CompanyName string  `json:"companyName"`
	Industry    string  `json:"industry"`
	Sector      string  `json:"sector"`
	Description string  `json:"description"`
	Website     string  `json:"website"`
	MarketCap   float64 `json:"marketCap"`
	Employees   string  `json:"employees"`
	Country     string  `json:"country"`
	Exchange    string  `json:"exchange"`
}

// NewsItem 是一条新闻。
type NewsItem struct {
	Title         string `json:"title"`
	Text          string `json:"text"`
	URL           string `json:"url"`
	Symbol        string `json:"symbol"`
	PublishedDate string `json:"publishedDate"`
	Site          string `json:"site"`
}

// MacroPoint 是总经指标的一个数据点。
type MacroPoint struct {
	Indicator string  `json:"indicator"`
	Country   string  `json:"country"`
	Date      string  `json:"date"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
}

const maxNewsText = 500

func (c *FMPClient) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if c.apiKey == "" {
		return xerrors.New(CodeMissingAPIKey, MissingAPIKey)
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return xerrors.Wrap(CodeToolFailed, err, "request_failed")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "timeout")
		}
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "request_failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("http_error: HTTP %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "decode_failed")
	}
	return nil
}

// Quote 查询报价。
func (c *FMPClient) Quote(ctx context.Context, symbols []string) ([]Quote, error) {
	var quotes []Quote
	if err := c.get(ctx, "/v3/quote/"+url.PathEscape(strings.Join(symbols, ",")), nil, &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}

// Profile 查询公司资料。
func (c *FMPClient) Profile(ctx context.Context, symbols []string) ([]Profile, error) {
	var raw []struct {
		Profile
		MktCap            float64 `json:"mktCap"`
		FullTimeEmployees string  `json:"fullTimeEmployees"`
		ExchangeShortName string  `json:"exchangeShortName"`
	}
	if err := c.get(ctx, "/v3/profile/"+url.PathEscape(strings.Join(symbols, ",")), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(raw))
	for _, r := range raw {
		p := r.Profile
		p.MarketCap = r.MktCap
		p.Employees = r.FullTimeEmployees
		p.Exchange = r.ExchangeShortName
		out = append(out, p)
	}
	return out, nil
}

// News 查询新闻；未指定代号时查询综合新闻。
func (c *FMPClient) News(ctx context.Context, symbols []string, limit int) ([]NewsItem, error) {
	if limit <= 0 {
		limit = 10
	}
	endpoint := "/v3/fmp/articles"
	params := url.Values{"page": {"0"}, "size": {strconv.Itoa(limit)}}
	if len(symbols) > 0 {
		endpoint = "/v3/stock_news"
		params = url.Values{"tickers": {strings.Join(symbols, ",")}, "limit": {strconv.Itoa(limit)}}
	}

	var items []NewsItem
	if len(symbols) > 0 {
		if err := c.get(ctx, endpoint, params, &items); err != nil {
			return nil, err
		}
	} else {
		var page struct {
			Content []NewsItem `json:"content"`
		}
		if err := c.get(ctx, endpoint, params, &page); err != nil {
			return nil, err
		}
		items = page.Content
	}

	if len(items) > limit {
		items = items[:limit]
	}
	for i := range items {
		if r := []rune(items[i].Text); len(r) > maxNewsText {
			items[i].Text = string(r[:maxNewsText]) + "..."
		}
	}
	return items, nil
}

// Macro 查询总经指标，最多返回 10 个数据点。
func (c *FMPClient) Macro(ctx context.Context, indicator, country string) ([]MacroPoint, error) {
	if country == "" {
		country = "US"
	}
	params := url.Values{"name": {strings.ToUpper(indicator)}, "country": {strings.ToUpper(country)}}
	var raw []struct {
		Date  string  `json:"date"`
		Value float64 `json:"value"`
		Unit  string  `json:"unit"`
	}
	if err := c.get(ctx, "/v4/economic", params, &raw); err != nil {
		return nil, err
	}
	if len(raw) > 10 {
		raw = raw[:10]
	}
	out := make([]MacroPoint, 0, len(raw))
	for _, r := range raw {
		out = append(out, MacroPoint{Indicator: indicator, Country: country, Date: r.Date, Value: r.Value, Unit: r.Unit})
	}
	return out, nil
}

var symbolsSchema = map[string]any{
	"type":     []string{"array", "string"},
	"items":    map[string]any{"type": "string"},
	"minItems": 1,
}

// FMPTools 返回基于 FMP 客户端的四个工具。
func FMPTools(client *FMPClient) []Tool {
	return []Tool{
		{
			Name:        "tool_fmp_quote",
			Description: "取得股票即時報價，symbols 例如 [\"AAPL\",\"TSLA\"]",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"symbols": symbolsSchema},
				"required":   []string{"symbols"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				symbols := upper(stringsArg(args, "symbols"))
				if len(symbols) == 0 {
					return nil, xerrors.New(CodeInvalidArguments, "symbols 參數為必需")
				}
				return client.Quote(ctx, symbols)
			},
		},
		{
			Name:        "tool_fmp_profile",
			Description: "取得公司基本資料和簡介",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"symbols": symbolsSchema},
				"required":   []string{"symbols"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				symbols := upper(stringsArg(args, "symbols"))
				if len(symbols) == 0 {
					return nil, xerrors.New(CodeInvalidArguments, "symbols 參數為必需")
				}
				return client.Profile(ctx, symbols)
			},
		},
		{
			Name:        "tool_fmp_news",
			Description: "取得新聞資料，可依股票代號篩選",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"symbols": map[string]any{"type": []string{"array", "string"}, "items": map[string]any{"type": "string"}},
					"query":   map[string]any{"type": "string"},
					"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return client.News(ctx, upper(stringsArg(args, "symbols")), intArg(args, "limit", 10))
			},
		},
		{
			Name:        "tool_fmp_macro",
			Description: "取得總體經濟數據，indicator 如 GDP、CPI、UNEMPLOYMENT",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"indicator": map[string]any{"type": "string", "minLength": 1},
					"country":   map[string]any{"type": "string"},
				},
				"required": []string{"indicator"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return client.Macro(ctx, stringArg(args, "indicator"), stringArg(args, "country"))
			},
		},
	}
}

func upper(values []string) []string {
	for i, v := range values {
		values[i] = strings.ToUpper(v)
	}
	return values
}
