// Package session 负责会话摘要的加载与异步持久化。
package session

import (
	"context"
	"errors"
	"time"

	"FinSight-Agent/internal/conversation"
	xerrors "FinSight-Agent/internal/errors"
)

const (
	CodeSessionStore   xerrors.Code = "SESSION_STORE_FAILURE"
	CodeSessionPublish xerrors.Code = "SESSION_PUBLISH_FAILURE"
	CodeSessionDecode  xerrors.Code = "SESSION_DECODE_FAILURE"
)

// ErrNotFound 表示会话摘要不存在。
var ErrNotFound = errors.New("session not found")

func init() {
	xerrors.Register(CodeSessionStore, xerrors.Attributes{
		Message:   "session store failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSessionPublish, xerrors.Attributes{
		Message:   "session snapshot publish failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeSessionDecode, xerrors.Attributes{
		Message:  "session snapshot undecodable",
		Severity: xerrors.SeverityInfo,
	})
}

// Summary 是持久化的会话摘要。
type Summary struct {
	SessionID    string    `json:"session_id"`
	Summary      string    `json:"summary"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Snapshot 是一次请求结束后入队等待摘要化的对话。
type Snapshot struct {
	SessionID string              `json:"session_id"`
	Turns     []conversation.Turn `json:"turns"`
	Response  string              `json:"response"`
	CreatedAt time.Time           `json:"created_at"`
}

// Store 定义会话摘要的持久化接口，同一 session_id 的写入会覆盖旧摘要。
type Store interface {
	SaveSummary(ctx context.Context, summary Summary) error
	GetSummary(ctx context.Context, sessionID string) (*Summary, error)
	ListRecent(ctx context.Context, limit int) ([]Summary, error)
	Close() error
}
