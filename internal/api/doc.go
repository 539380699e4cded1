// Package api 暴露 finsightd 的 REST 接口：Agent 调用、会话摘要、规则与 LINE 消息落地。
package api
