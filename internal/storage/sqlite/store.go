// Package sqlite 提供单文件部署时使用的 SQLite 存储：会话摘要与 LINE 消息。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"FinSight-Agent/deploy/migrations"
	xerrors "FinSight-Agent/internal/errors"
	"FinSight-Agent/internal/session"
	"FinSight-Agent/internal/storage/migrate"
	"FinSight-Agent/internal/tools"
)

// Store 是 SQLite 上的会话摘要与 LINE 消息存储，所有方法可并发调用。
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库文件并执行迁移。
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	// SQLite 同一时刻只允许一个写者。
	db.SetMaxOpenConns(1)
	if err := migrate.Run(ctx, db, migrations.Files, migrations.SQLiteDir); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 SQLite 迁移失败")
	}
	return &Store{db: db}, nil
}

// Close 关闭数据库。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSummary 以 session_id 为键覆盖写入，保留首次创建时间。
func (s *Store) SaveSummary(ctx context.Context, summary session.Summary) error {
	updated := summary.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	created := summary.CreatedAt
	if created.IsZero() {
		created = updated
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO session_summaries (session_id, summary, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			summary = excluded.summary,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		summary.SessionID, summary.Summary, summary.MessageCount, created.UnixMilli(), updated.UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话摘要失败")
	}
	return nil
}

// GetSummary 读取摘要，不存在时返回 session.ErrNotFound。
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*session.Summary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, summary, message_count, created_at, updated_at
		FROM session_summaries WHERE session_id = ?`, sessionID)
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
func (s *Store) ListRecent(ctx context.Context, limit int) ([]session.Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, summary, message_count, created_at, updated_at
		FROM session_summaries ORDER BY updated_at DESC, session_id ASC LIMIT ?`, limit)
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
	return out, rows.Err()
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

// SaveLineMessages 写入 webhook 收到的消息，event_id 重复的消息会被忽略。
func (s *Store) SaveLineMessages(ctx context.Context, messages []tools.LineMessage) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO line_messages
		(event_id, message_type, message_text, user_id, chat_id, timestamp) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "准备写入语句失败")
	}
	defer stmt.Close()

	inserted := 0
	for _, msg := range messages {
		msgType := msg.Type
		if msgType == "" {
			msgType = "text"
		}
		res, err := stmt.ExecContext(ctx, nullable(msg.ID), msgType, msg.Text, nullable(msg.UserID), nullable(msg.ChatID), msg.Timestamp.UnixMilli())
		if err != nil {
			_ = tx.Rollback()
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入消息 %s 失败", msg.ID))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return inserted, nil
}

// Fetch 实现 tools.LineSource，按时间升序返回。
func (s *Store) Fetch(ctx context.Context, q tools.LineQuery) ([]tools.LineMessage, error) {
	var (
		where []string
		args  []any
	)
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.ChatID != "" {
		where = append(where, "chat_id = ?")
		args = append(args, q.ChatID)
	}
	if q.Start != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Start.UnixMilli())
	}
	if q.End != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, q.End.UnixMilli())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT COALESCE(event_id, ''), message_type, message_text, COALESCE(user_id, ''), COALESCE(chat_id, ''), timestamp FROM line_messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 LINE 消息失败")
	}
	defer rows.Close()

	out := make([]tools.LineMessage, 0)
	for rows.Next() {
		var (
			msg tools.LineMessage
			ts  int64
		)
		if err := rows.Scan(&msg.ID, &msg.Type, &msg.Text, &msg.UserID, &msg.ChatID, &ts); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 LINE 消息失败")
		}
		msg.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, msg)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ session.Store    = (*Store)(nil)
	_ tools.LineSource = (*Store)(nil)
)
