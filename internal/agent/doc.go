// Package agent 实现请求级的编排核心：输入管线选择、工具调用守卫、
// 决策回圈状态机、监督评估、NLG 与最终响应组装。
package agent
