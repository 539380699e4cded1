package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"FinSight-Agent/deploy/migrations"
	xerrors "FinSight-Agent/internal/errors"
	"FinSight-Agent/internal/session"
	"FinSight-Agent/internal/storage/migrate"
)

const (
	upsertSummarySQL = `INSERT INTO session_summaries (session_id, summary, message_count, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE summary = VALUES(summary), message_count = VALUES(message_count), updated_at = VALUES(updated_at)`
	selectSummarySQL = `SELECT session_id, summary, message_count, created_at, updated_at
    FROM session_summaries WHERE session_id = ?`
	listSummariesSQL = `SELECT session_id, summary, message_count, created_at, updated_at
    FROM session_summaries ORDER BY updated_at DESC, session_id ASC LIMIT ?`
)

// SessionStore 把会话摘要保存在 MySQL。
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore 连接数据库并执行迁移。
func NewSessionStore(ctx context.Context, cfg Config) (*SessionStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 失败")
	}
	store := &SessionStore{db: db}
	if err := migrate.Run(ctx, db, migrations.Files, migrations.MySQLDir); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return store, nil
}

// SaveSummary 以 session_id 为键覆盖写入。
func (s *SessionStore) SaveSummary(ctx context.Context, summary session.Summary) error {
	created, updated := summary.CreatedAt, summary.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if created.IsZero() {
		created = updated
	}
	if _, err := s.db.ExecContext(ctx, upsertSummarySQL,
		summary.SessionID, summary.Summary, summary.MessageCount, created.UnixMilli(), updated.UnixMilli()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话摘要失败")
	}
	return nil
}

// GetSummary 读取摘要，不存在时返回 session.ErrNotFound。
func (s *SessionStore) GetSummary(ctx context.Context, sessionID string) (*session.Summary, error) {
	row := s.db.QueryRowContext(ctx, selectSummarySQL, sessionID)
	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话摘要失败")
	}
	return summary, nil
}

// ListRecent 按更新时间倒序列出摘要。
func (s *SessionStore) ListRecent(ctx context.Context, limit int) ([]session.Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, listSummariesSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话摘要失败")
	}
	defer rows.Close()

	var out []session.Summary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话摘要失败")
		}
		out = append(out, *summary)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话摘要失败")
	}
	return out, nil
}

// Close 关闭连接池。
func (s *SessionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (*session.Summary, error) {
	var (
		summary          session.Summary
		created, updated int64
	)
	if err := row.Scan(&summary.SessionID, &summary.Summary, &summary.MessageCount, &created, &updated); err != nil {
		return nil, err
	}
	summary.CreatedAt = time.UnixMilli(created).UTC()
	summary.UpdatedAt = time.UnixMilli(updated).UTC()
	return &summary, nil
}

var _ session.Store = (*SessionStore)(nil)
