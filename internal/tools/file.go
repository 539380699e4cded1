package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xerrors "FinSight-Agent/internal/errors"
	"FinSight-Agent/internal/knowledge"
)

const (
	defaultMaxFileBytes = 5 << 20
	previewRunes        = 500
	contentRunes        = 4000
)

var supportedExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".markdown": {}, ".csv": {}, ".json": {}, ".log": {},
}

// FileLoader 读取本地文本文件并加入检索索引。
type FileLoader struct {
	baseDir  string
	maxBytes int64
	index    *knowledge.Index
}

// NewFileLoader 创建文件加载器；baseDir 非空时相对路径以其为基准。
func NewFileLoader(baseDir string, maxBytes int64, index *knowledge.Index) *FileLoader {
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}
	return &FileLoader{baseDir: baseDir, maxBytes: maxBytes, index: index}
}

// FileDocument 是 tool_file_load 的结果数据。
type FileDocument struct {
	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
	Chunks   int    `json:"chunks"`
	Preview  string `json:"preview"`
	Content  string `json:"content"`
}

// Load 读取文件内容。
func (l *FileLoader) Load(path string) (*FileDocument, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, xerrors.New(CodeInvalidArguments, "file_path 參數為必需")
	}
	if !filepath.IsAbs(path) && l.baseDir != "" {
		path = filepath.Join(l.baseDir, path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := supportedExtensions[ext]; !ok {
		return nil, xerrors.New(CodeInvalidArguments, fmt.Sprintf("unsupported_file_type: %s", ext))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "file_not_found")
	}
	if info.Size() > l.maxBytes {
		return nil, xerrors.New(CodeInvalidArguments, fmt.Sprintf("file_too_large: %d > %d", info.Size(), l.maxBytes))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(CodeToolFailed, err, "file_read_failed")
	}

	text := string(raw)
	doc := &FileDocument{
		FilePath: path,
		FileName: filepath.Base(path),
		Size:     info.Size(),
		Preview:  truncateRunes(text, previewRunes),
		Content:  truncateRunes(text, contentRunes),
	}
	if l.index != nil {
		doc.Chunks = l.index.AddDocument(path, doc.FileName, text)
	}
	return doc, nil
}

// Tool 返回 tool_file_load。
func (l *FileLoader) Tool() Tool {
	return Tool{
		Name:        "tool_file_load",
		Description: "載入本地文字檔案（txt/md/csv/json）並建立檢索索引",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{"type": "string", "minLength": 1},
			},
			"required": []string{"file_path"},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return l.Load(stringArg(args, "file_path"))
		},
	}
}

// RAGTool 返回基于检索索引的 tool_rag_query。
func RAGTool(index *knowledge.Index) Tool {
	return Tool{
		Name:        "tool_rag_query",
		Description: "在已載入的文件中檢索與問題最相關的段落",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":    map[string]any{"type": "string"},
				"question": map[string]any{"type": "string"},
				"top_k":    map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
			},
			"anyOf": []any{
				map[string]any{"required": []string{"query"}},
				map[string]any{"required": []string{"question"}},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			query := stringArg(args, "query", "question")
			if query == "" {
				return nil, xerrors.New(CodeInvalidArguments, "query 參數為必需")
			}
			if index == nil || index.Len() == 0 {
				return nil, xerrors.New(CodeToolFailed, "no_documents_loaded")
			}
			matches := index.Query(query, intArg(args, "top_k", 5))
			return map[string]any{
				"query":           query,
				"relevant_chunks": matches,
				"count":           len(matches),
			}, nil
		},
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
