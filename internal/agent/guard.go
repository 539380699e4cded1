package agent

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"FinSight-Agent/internal/conversation"
)

// WarnDuplicateCalls 在整批请求全部重复时记录。
const WarnDuplicateCalls = "duplicate_tool_calls_detected"

// Signature 返回工具调用的稳定签名：名称与参数的规范 JSON 的 SHA-1。
// encoding/json 对 map 键排序，参数顺序不影响结果。
func Signature(call conversation.ToolCall) string {
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{"a": args, "n": call.Name})
	if err != nil {
		payload = []byte(fmt.Sprintf("%s|%v", call.Name, args))
	}
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:])
}

// Filter 去除已执行过或同批次重复的调用。
// 返回的 seen 是输入集合加上本次接受的签名后的新集合，输入集合不被修改。
func Filter(candidates []conversation.ToolCall, seen map[string]struct{}) ([]conversation.ToolCall, map[string]struct{}, bool) {
	updated := make(map[string]struct{}, len(seen)+len(candidates))
	for sig := range seen {
		updated[sig] = struct{}{}
	}
	accepted := make([]conversation.ToolCall, 0, len(candidates))
	for _, call := range candidates {
		sig := Signature(call)
		if _, dup := updated[sig]; dup {
			continue
		}
		updated[sig] = struct{}{}
		accepted = append(accepted, call)
	}
	allDuplicate := len(candidates) > 0 && len(accepted) == 0
	return accepted, updated, allDuplicate
}
