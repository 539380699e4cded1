// Package rules holds the behavioural policy applied to every query: it detects
// requests that violate a rule before any tool runs and renders the rule set for
// system prompts and the /rules command.
package rules

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "FinSight-Agent/internal/errors"
)

// FabricationRuleID 是禁止捏造数据规则的固定标识。
const FabricationRuleID = "no_fabrication"

const maxListedRules = 8

// Rule 描述一条行为规则。
type Rule struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	Explanation      string   `yaml:"violation_message"`
	Patterns         []string `yaml:"patterns"`
	NegationPatterns []string `yaml:"negation_patterns"`
}

// File 是规则文件的顶层结构。
type File struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Violation 表示查询违反了某条规则。
type Violation struct {
	RuleID      string `json:"rule_id"`
	RuleName    string `json:"rule_name"`
	Explanation string `json:"explanation"`
}

type compiledRule struct {
	rule      Rule
	patterns  []*regexp.Regexp
	negations []*regexp.Regexp
}

// Service 负责规则加载与违规检测，可并发使用。
type Service struct {
	mu       sync.RWMutex
	path     string
	version  string
	compiled []compiledRule
}

var fabricationSynonyms = mustCompileAll([]string{
	`編造`, `捏造`, `杜撰`, `虛構`, `猜測`, `臆測`, `模擬數據`, `估算`, `推測`,
	`fabricate`, `make\s+up`, `fake`, `simulate`, `invent`,
})

var defaultNegations = mustCompileAll([]string{
	`不要`, `不可`, `不能`, `禁止`, `避免`, `不得`,
	`don't`, `do\s+not`, `never`, `avoid`, `prevent`, `without`,
})

const fabricationExplanation = "很抱歉，我無法執行此請求，因為它違反了資料真實性規則。\n\n" +
	"根據行為規範：\n" +
	"- 嚴禁捏造任何數據，包括股價、財務資訊、新聞內容等\n" +
	"- 外部服務不可用時，必須回傳結構化錯誤\n" +
	"- 絕不可編造、估算或猜測任何數值"

// DefaultRules 返回内置规则集合。
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          FabricationRuleID,
			Name:        "禁止編造數據",
			Description: "不可編造、估算或猜測任何金融數據，資料缺失時須明確說明",
			Explanation: fabricationExplanation,
		},
		{
			ID:          "structured_errors",
			Name:        "結構化錯誤",
			Description: "外部 API 失敗時回傳結構化錯誤，不以模擬資料替代",
		},
		{
			ID:          "zh_tw_reply",
			Name:        "繁體中文回覆",
			Description: "一律以繁體中文回覆使用者",
		},
		{
			ID:          "cite_sources",
			Name:        "標註來源",
			Description: "回覆中的數據須可追溯至工具結果與資料來源",
		},
	}
}

// NewService 用给定规则创建服务；rules 为空时使用内置规则。
func NewService(rules []Rule) (*Service, error) {
	s := &Service{}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if err := s.install("builtin", rules); err != nil {
		return nil, err
	}
	return s, nil
}

// Load 从 YAML 文件加载规则；path 为空时使用内置规则。
func Load(path string) (*Service, error) {
	if strings.TrimSpace(path) == "" {
		return NewService(nil)
	}
	s := &Service{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload 重新读取规则文件。
func (s *Service) Reload() error {
	if s.path == "" {
		return nil
	}
	content, err := os.ReadFile(s.path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取规则文件失败")
	}
	var file File
	if err := yaml.Unmarshal(content, &file); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析规则文件失败")
	}
	if len(file.Rules) == 0 {
		file.Rules = DefaultRules()
	}
	return s.install(file.Version, file.Rules)
}

func (s *Service) install(version string, rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	hasFabrication := false
	for _, rule := range rules {
		if strings.TrimSpace(rule.ID) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "规则缺少 id")
		}
		cr := compiledRule{rule: rule}
		for _, p := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("规则 %s 的 pattern 无效", rule.ID))
			}
			cr.patterns = append(cr.patterns, re)
		}
		for _, p := range rule.NegationPatterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("规则 %s 的 negation pattern 无效", rule.ID))
			}
			cr.negations = append(cr.negations, re)
		}
		if rule.ID == FabricationRuleID {
			hasFabrication = true
		}
		compiled = append(compiled, cr)
	}
	if !hasFabrication {
		compiled = append([]compiledRule{{rule: DefaultRules()[0]}}, compiled...)
	}

	s.mu.Lock()
	s.version = version
	s.compiled = compiled
	s.mu.Unlock()
	return nil
}

// Rules 返回当前生效的规则。
func (s *Service) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.compiled))
	for _, cr := range s.compiled {
		out = append(out, cr.rule)
	}
	return out
}

// CheckViolation 检查查询是否违反规则，未违反时返回 nil。
//
// 捏造类同义词总是被检测；若否定词出现在同义词之前（如「不要編造」），
// 视为遵守规则。其余规则按各自的 patterns 与 negation_patterns 匹配。
func (s *Service) CheckViolation(query string) *Violation {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cr := range s.compiled {
		if cr.rule.ID != FabricationRuleID {
			continue
		}
		negations := make([]*regexp.Regexp, 0, len(defaultNegations)+len(cr.negations))
		negations = append(append(negations, defaultNegations...), cr.negations...)
		if negatedMatch(query, fabricationSynonyms, negations) {
			return newViolation(cr.rule)
		}
	}

	for _, cr := range s.compiled {
		if cr.rule.ID == FabricationRuleID || len(cr.patterns) == 0 {
			continue
		}
		if matchAny(query, cr.negations) {
			continue
		}
		if matchAny(query, cr.patterns) {
			return newViolation(cr.rule)
		}
	}
	return nil
}

// negatedMatch 判断 query 中是否存在未被否定的命中。
func negatedMatch(query string, targets, negations []*regexp.Regexp) bool {
	first := -1
	for _, re := range targets {
		if loc := re.FindStringIndex(query); loc != nil && (first < 0 || loc[0] < first) {
			first = loc[0]
		}
	}
	if first < 0 {
		return false
	}
	for _, re := range negations {
		if loc := re.FindStringIndex(query); loc != nil && loc[0] < first {
			return false
		}
	}
	return true
}

func matchAny(query string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

func newViolation(rule Rule) *Violation {
	explanation := rule.Explanation
	if explanation == "" {
		if rule.ID == FabricationRuleID {
			explanation = fabricationExplanation
		} else {
			explanation = "此請求違反了系統規則，無法執行。"
		}
	}
	return &Violation{RuleID: rule.ID, RuleName: rule.Name, Explanation: explanation}
}

// PromptBlock 返回注入 system prompt 的规则段落。
func (s *Service) PromptBlock() string {
	rules := s.Rules()
	if len(rules) == 0 {
		return ""
	}
	lines := []string{"以下是必須嚴格遵守的系統規則："}
	for i, rule := range limit(rules) {
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("規則 %d", i+1)
		}
		lines = append(lines, fmt.Sprintf("%d. %s: %s", i+1, name, rule.Description))
	}
	return strings.Join(lines, "\n")
}

// Summary 返回 /rules 指令使用的规则清单（最多 8 条）。
func (s *Service) Summary() string {
	rules := s.Rules()
	if len(rules) == 0 {
		return "目前沒有載入任何規則。"
	}
	lines := []string{"目前生效的系統規則："}
	for _, rule := range limit(rules) {
		lines = append(lines, fmt.Sprintf("%s｜%s｜%s", rule.ID, rule.Name, rule.Description))
	}
	return strings.Join(lines, "\n")
}

// Version 返回规则文件版本。
func (s *Service) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func limit(rules []Rule) []Rule {
	if len(rules) > maxListedRules {
		return rules[:maxListedRules]
	}
	return rules
}

func mustCompileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile("(?i)"+p))
	}
	return out
}
