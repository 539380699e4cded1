package tools

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	xerrors "FinSight-Agent/internal/errors"
)

// LineMessage 是一条 LINE 聊天消息。
type LineMessage struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	UserID    string    `json:"userId"`
	ChatID    string    `json:"chatId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LineQuery 描述消息抓取条件。
type LineQuery struct {
	UserID string
	ChatID string
	Start  *time.Time
	End    *time.Time
	Limit  int
}

// LineSource 抽象 LINE 消息来源。
type LineSource interface {
	Fetch(ctx context.Context, q LineQuery) ([]LineMessage, error)
}

// FixtureLineSource 从 webhook 落地的 JSON 文件读取消息。
type FixtureLineSource struct {
	messages []LineMessage
}

// NewFixtureLineSource 用内存消息构造来源。
func NewFixtureLineSource(messages []LineMessage) *FixtureLineSource {
	return &FixtureLineSource{messages: messages}
}

// LoadFixtureLineSource 从 JSON 文件加载消息。
func LoadFixtureLineSource(path string) (*FixtureLineSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取 LINE 消息文件失败")
	}
	var messages []LineMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 LINE 消息文件失败")
	}
	return NewFixtureLineSource(messages), nil
}

// Fetch 按用户、聊天室与时间范围过滤消息。
func (s *FixtureLineSource) Fetch(_ context.Context, q LineQuery) ([]LineMessage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	out := make([]LineMessage, 0)
	for _, msg := range s.messages {
		if q.UserID != "" && msg.UserID != q.UserID {
			continue
		}
		if q.ChatID != "" && msg.ChatID != q.ChatID {
			continue
		}
		if q.Start != nil && msg.Timestamp.Before(*q.Start) {
			continue
		}
		if q.End != nil && msg.Timestamp.After(*q.End) {
			continue
		}
		out = append(out, msg)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LineTool 返回 tool_line_fetch。
func LineTool(source LineSource) Tool {
	return Tool{
		Name:        "tool_line_fetch",
		Description: "抓取 LINE 聊天訊息，可依使用者、聊天室與日期篩選",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":    map[string]any{"type": "string"},
				"chat_id":    map[string]any{"type": "string"},
				"start_date": map[string]any{"type": "string"},
				"end_date":   map[string]any{"type": "string"},
				"limit":      map[string]any{"type": "integer", "minimum": 1, "maximum": 1000},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if source == nil {
				return nil, xerrors.New(CodeToolFailed, "line_source_unavailable")
			}
			q := LineQuery{
				UserID: stringArg(args, "user_id"),
				ChatID: stringArg(args, "chat_id"),
				Limit:  intArg(args, "limit", 100),
			}
			if q.UserID == "" && q.ChatID == "" {
				return nil, xerrors.New(CodeInvalidArguments, "user_id 或 chat_id 至少需要一個")
			}
			var err error
			if q.Start, err = parseDate(stringArg(args, "start_date"), false); err != nil {
				return nil, err
			}
			if q.End, err = parseDate(stringArg(args, "end_date"), true); err != nil {
				return nil, err
			}
			messages, err := source.Fetch(ctx, q)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"messages":   messages,
				"total":      len(messages),
				"user_id":    q.UserID,
				"chat_id":    q.ChatID,
				"date_range": map[string]any{"start": stringArg(args, "start_date"), "end": stringArg(args, "end_date")},
			}, nil
		},
	}
}

// parseDate 解析 RFC3339 或 YYYY-MM-DD，纯日期作为结束时间时取当天结尾。
func parseDate(value string, endOfDay bool) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidArguments, err, "invalid_date: "+value)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
