// Package knowledge 提供 tool_rag_query 使用的轻量检索索引。
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Provider 定义知识检索的通用接口。
type Provider interface {
	Query(query string, topK int) []Snippet
}

// Snippet 描述一段可被引用的文本片段。
type Snippet struct {
	Source   string   `json:"source"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords,omitempty"`
	Score    float64  `json:"score,omitempty"`
}

const defaultChunkSize = 600

// Index 保存已加载文档的分段，按关键字重合度检索。
type Index struct {
	mu        sync.RWMutex
	chunks    []Snippet
	chunkSize int
}

// NewIndex 创建空索引，chunkSize<=0 时使用默认分段长度。
func NewIndex(chunkSize int) *Index {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Index{chunkSize: chunkSize}
}

// LoadSnippets 从 JSON 文件加载预置知识条目。
func LoadSnippets(path string) ([]Snippet, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}
	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	return entries, nil
}

// AddSnippets 直接加入预先切好的片段。
func (i *Index) AddSnippets(items ...Snippet) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.chunks = append(i.chunks, items...)
}

// AddDocument 将文档切段后加入索引，同一 source 的旧片段会被替换。
func (i *Index) AddDocument(source, title, content string) int {
	pieces := chunk(content, i.chunkSize)

	i.mu.Lock()
	defer i.mu.Unlock()
	kept := i.chunks[:0:0]
	for _, c := range i.chunks {
		if c.Source != source {
			kept = append(kept, c)
		}
	}
	for _, p := range pieces {
		kept = append(kept, Snippet{Source: source, Title: title, Content: p})
	}
	i.chunks = kept
	return len(pieces)
}

// Len 返回片段数量。
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.chunks)
}

// Query 返回与查询词重合度最高的 topK 个片段。
func (i *Index) Query(query string, topK int) []Snippet {
	if i == nil {
		return nil
	}
	if topK <= 0 {
		topK = 3
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	scored := make([]Snippet, 0, len(i.chunks))
	for _, c := range i.chunks {
		score := score(c, terms)
		if score <= 0 {
			continue
		}
		c.Score = score
		scored = append(scored, c)
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

func score(snippet Snippet, terms []string) float64 {
	haystack := strings.ToLower(snippet.Title + " " + snippet.Content)
	hits := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			hits++
		}
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		for _, term := range terms {
			if normalized != "" && normalized == term {
				hits++
			}
		}
	}
	return float64(hits) / float64(len(terms))
}

// tokenize 以空白与标点切分拉丁词，中文按单字二元组切分。
func tokenize(text string) []string {
	var (
		terms []string
		word  []rune
		han   []rune
	)
	flushWord := func() {
		if len(word) > 1 {
			terms = append(terms, strings.ToLower(string(word)))
		}
		word = word[:0]
	}
	flushHan := func() {
		if len(han) == 1 {
			terms = append(terms, string(han))
		}
		for k := 0; k+1 < len(han); k++ {
			terms = append(terms, string(han[k:k+2]))
		}
		han = han[:0]
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			word = append(word, r)
		default:
			flushWord()
			flushHan()
		}
	}
	flushWord()
	flushHan()
	return terms
}

func chunk(content string, size int) []string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) == 0 {
		return nil
	}
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

var _ Provider = (*Index)(nil)
