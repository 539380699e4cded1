package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	xerrors "FinSight-Agent/internal/errors"
)

const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

var builtinTemplates = map[string]string{
	"stock": `# 個股研究報告：{{ join .symbols }}

> 報告編號 {{ .report_id }}｜產生時間 {{ .generated_at }}

## 標的
{{ range .symbols }}- {{ . }}
{{ else }}- （未指定）
{{ end }}
{{ sections . }}`,
	"macro": `# 總體經濟觀察

> 報告編號 {{ .report_id }}｜產生時間 {{ .generated_at }}

{{ sections . }}`,
	"file": `# 文件摘要報告

> 報告編號 {{ .report_id }}｜產生時間 {{ .generated_at }}

{{ sections . }}`,
}

var reservedKeys = map[string]struct{}{
	"symbols": {}, "report_id": {}, "generated_at": {}, "template_id": {},
}

// ReportGenerator 把模板渲染成 markdown，并用 goldmark 转成 HTML 写入输出目录。
type ReportGenerator struct {
	outputDir string
	mu        sync.RWMutex
	templates map[string]*template.Template
	now       func() time.Time
}

// NewReportGenerator 创建报告生成器，templateDir 下的 *.md.tmpl 会覆盖同名内置模板。
func NewReportGenerator(outputDir, templateDir string) (*ReportGenerator, error) {
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("data", "reports")
	}
	g := &ReportGenerator{outputDir: outputDir, templates: make(map[string]*template.Template), now: time.Now}
	for id, body := range builtinTemplates {
		if err := g.SetTemplate(id, body); err != nil {
			return nil, err
		}
	}
	if templateDir == "" {
		return g, nil
	}
	matches, err := filepath.Glob(filepath.Join(templateDir, "*.md.tmpl"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "扫描报告模板失败")
	}
	for _, path := range matches {
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取报告模板失败")
		}
		if err := g.SetTemplate(strings.TrimSuffix(filepath.Base(path), ".md.tmpl"), string(body)); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// SetTemplate 注册或覆盖模板。
func (g *ReportGenerator) SetTemplate(id, body string) error {
	tpl, err := template.New(id).Funcs(template.FuncMap{
		"join":     joinAny,
		"sections": renderSections,
	}).Parse(body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("模板 %s 解析失败", id))
	}
	g.mu.Lock()
	g.templates[id] = tpl
	g.mu.Unlock()
	return nil
}

// Templates 返回可用模板 ID。
func (g *ReportGenerator) Templates() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.templates))
	for id := range g.templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ReportResult 是 tool_report_generate 的结果数据。
type ReportResult struct {
	ReportID      string   `json:"report_id"`
	TemplateID    string   `json:"template_id"`
	Files         []string `json:"files"`
	OutputFormats []string `json:"output_formats"`
	GeneratedAt   string   `json:"generated_at"`
}

// Generate 渲染报告并写入文件。
func (g *ReportGenerator) Generate(templateID string, data map[string]any, formats []string) (*ReportResult, error) {
	g.mu.RLock()
	tpl, ok := g.templates[templateID]
	g.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "template_not_found: "+templateID)
	}
	if len(formats) == 0 {
		formats = []string{FormatMarkdown, FormatHTML}
	}

	now := g.now()
	reportID := uuid.NewString()
	view := make(map[string]any, len(data)+3)
	for k, v := range data {
		view[k] = v
	}
	view["symbols"] = stringsArg(data, "symbols")
	view["report_id"] = reportID
	view["generated_at"] = now.Format(time.RFC3339)
	view["template_id"] = templateID

	var md bytes.Buffer
	if err := tpl.Execute(&md, view); err != nil {
		return nil, xerrors.Wrap(CodeToolFailed, err, "template_render_error")
	}
	if err := os.MkdirAll(g.outputDir, 0o755); err != nil {
		return nil, xerrors.Wrap(CodeToolFailed, err, "output_dir_unavailable")
	}

	base := fmt.Sprintf("%s_%s_%s", templateID, now.Format("20060102_150405"), reportID[:8])
	result := &ReportResult{ReportID: reportID, TemplateID: templateID, GeneratedAt: view["generated_at"].(string)}
	for _, format := range formats {
		var (
			path    string
			content []byte
		)
		switch strings.ToLower(format) {
		case FormatMarkdown, "md":
			path = filepath.Join(g.outputDir, base+".md")
			content = md.Bytes()
		case FormatHTML:
			var html bytes.Buffer
			if err := goldmark.Convert(md.Bytes(), &html); err != nil {
				return nil, xerrors.Wrap(CodeToolFailed, err, "markdown_convert_failed")
			}
			path = filepath.Join(g.outputDir, base+".html")
			content = html.Bytes()
		default:
			continue
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return nil, xerrors.Wrap(CodeToolFailed, err, "report_write_failed")
		}
		result.Files = append(result.Files, path)
		result.OutputFormats = append(result.OutputFormats, strings.ToLower(format))
	}
	if len(result.Files) == 0 {
		return nil, xerrors.New(CodeInvalidArguments, "unsupported_output_formats")
	}
	return result, nil
}

// Tool 返回 tool_report_generate。
func (g *ReportGenerator) Tool() Tool {
	return Tool{
		Name:        "tool_report_generate",
		Description: "依模板產生報告（markdown 與 html），context 提供報告資料",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"template_id": map[string]any{"type": "string", "minLength": 1},
				"context":     map[string]any{"type": "object"},
				"output_formats": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string", "enum": []string{"markdown", "md", "html"}},
				},
			},
			"required": []string{"template_id"},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return g.Generate(stringArg(args, "template_id"), objectArg(args, "context"), stringsArg(args, "output_formats"))
		},
	}
}

func joinAny(v any) string {
	switch vals := v.(type) {
	case []string:
		return strings.Join(vals, ", ")
	case []any:
		parts := make([]string, 0, len(vals))
		for _, item := range vals {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ", ")
	case nil:
		return ""
	default:
		return fmt.Sprint(vals)
	}
}

// renderSections 把非保留字段按键名排序渲染为二级标题段落。
func renderSections(view map[string]any) string {
	keys := make([]string, 0, len(view))
	for k := range view {
		if _, reserved := reservedKeys[k]; !reserved {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "## %s\n\n", k)
		switch v := view[k].(type) {
		case string:
			b.WriteString(v)
		default:
			encoded, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				fmt.Fprintf(&b, "%v", v)
				break
			}
			b.WriteString("```json\n")
			b.Write(encoded)
			b.WriteString("\n```")
		}
		b.WriteString("\n\n")
	}
	return b.String()
}
