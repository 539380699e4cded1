package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSConfig 描述 NATS 队列的连接参数。
type NATSConfig struct {
	URL     string
	Subject string
	Group   string
}

// NATSQueue 使用 NATS 队列组分发快照，同组内每条消息只投递给一个订阅者。
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	group   string
}

// NewNATSQueue 连接 NATS。
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL 不能为空")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "finsight.sessions"
	}
	group := cfg.Group
	if group == "" {
		group = "finsight-session-workers"
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("finsightd"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return &NATSQueue{conn: conn, subject: subject, group: group}, nil
}

// Publish 发布快照。
func (q *NATSQueue) Publish(_ context.Context, payload []byte) error {
	if q == nil || q.conn == nil {
		return errors.New("NATS 队列未初始化")
	}
	if err := q.conn.Publish(q.subject, payload); err != nil {
		return fmt.Errorf("NATS 发布快照失败: %w", err)
	}
	return nil
}

// Consume 以队列组方式订阅，workerCount 个订阅共享同一组。
func (q *NATSQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return errors.New("NATS 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	subs := make([]*nats.Subscription, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		sub, err := q.conn.QueueSubscribe(q.subject, q.group, func(msg *nats.Msg) {
			_ = handler(ctx, msg.Data)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("订阅 NATS 失败: %w", err)
		}
		subs = append(subs, sub)
	}
	<-ctx.Done()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return ctx.Err()
}

// Close 排空并关闭连接。
func (q *NATSQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
		return err
	}
	return nil
}
