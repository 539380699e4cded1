package tools

import (
	"FinSight-Agent/internal/knowledge"
)

// Builtins 汇总内置工具依赖的外部协作者。
type Builtins struct {
	FMP     *FMPClient
	Files   *FileLoader
	Index   *knowledge.Index
	Line    LineSource
	Reports *ReportGenerator
}

// RegisterBuiltins 把内置工具注册到 registry，未配置的协作者对应的工具会被跳过。
func RegisterBuiltins(registry *Registry, b Builtins) error {
	var list []Tool
	if b.FMP != nil {
		list = append(list, FMPTools(b.FMP)...)
	}
	if b.Files != nil {
		list = append(list, b.Files.Tool())
	}
	if b.Index != nil {
		list = append(list, RAGTool(b.Index))
	}
	if b.Line != nil {
		list = append(list, LineTool(b.Line))
	}
	if b.Reports != nil {
		list = append(list, b.Reports.Tool())
	}
	for _, tool := range list {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
