package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"FinSight-Agent/internal/conversation"
	xerrors "FinSight-Agent/internal/errors"
)

const (
	defaultLoadTimeout = 2 * time.Second
	defaultOutboxSize  = 256
)

// Service 是会话持久化的门面：同步加载摘要，异步入队快照。
// 快照先进入本地 outbox，由后台 goroutine 发布到队列。
type Service struct {
	store       Store
	producer    Producer
	logger      *slog.Logger
	loadTimeout time.Duration
	now         func() time.Time

	outbox    chan outboxItem
	startOnce sync.Once
	drained   chan struct{}
	mu        sync.RWMutex
	closed    bool
}

type outboxItem struct {
	ctx       context.Context
	sessionID string
	payload   []byte
}

// ServiceOption 自定义 Service。
type ServiceOption func(*Service)

// WithServiceLogger 设置日志记录器。
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLoadTimeout 设置加载摘要的超时。
func WithLoadTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.loadTimeout = d
		}
	}
}

// WithOutboxSize 设置待发布快照的缓冲上限，满时丢弃新快照。
func WithOutboxSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.outbox = make(chan outboxItem, n)
		}
	}
}

// NewService 创建会话服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		producer:    producer,
		logger:      slog.Default(),
		loadTimeout: defaultLoadTimeout,
		now:         time.Now,
		outbox:      make(chan outboxItem, defaultOutboxSize),
		drained:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load 返回注入提示的历史上下文：优先父会话，其次当前会话。
// 任何失败只记录日志并返回空串。
func (s *Service) Load(ctx context.Context, sessionID, parentID string) string {
	if s == nil || s.store == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()

	for _, id := range []string{parentID, sessionID} {
		if id == "" {
			continue
		}
		summary, err := s.store.GetSummary(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("加载会话摘要失败", slog.String("session_id", id), slog.Any("error", err))
			}
			continue
		}
		if block := ContextBlock(summary.Summary); block != "" {
			return block
		}
	}
	return ""
}

// SaveAsync 把快照放入 outbox 后立即返回；发布失败或 outbox 已满只记录日志。
func (s *Service) SaveAsync(ctx context.Context, sessionID string, turns []conversation.Turn, response string) {
	if s == nil || s.producer == nil || sessionID == "" {
		return
	}
	payload, err := json.Marshal(Snapshot{
		SessionID: sessionID,
		Turns:     turns,
		Response:  response,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("序列化会话快照失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("会话服务已关闭，丢弃快照", slog.String("session_id", sessionID))
		return
	}
	s.startOnce.Do(func() { go s.publishLoop() })
	// 请求结束后 ctx 会被取消，发布只沿用其中的值。
	item := outboxItem{ctx: context.WithoutCancel(ctx), sessionID: sessionID, payload: payload}
	select {
	case s.outbox <- item:
	default:
		s.logger.Warn("会话快照 outbox 已满，丢弃快照", slog.String("session_id", sessionID))
	}
}

func (s *Service) publishLoop() {
	defer close(s.drained)
	for item := range s.outbox {
		ctx, cancel := context.WithTimeout(item.ctx, s.loadTimeout)
		err := s.producer.Publish(ctx, item.payload)
		cancel()
		if err != nil {
			s.logger.Warn("会话快照入队失败",
				slog.String("session_id", item.sessionID),
				slog.Any("error", xerrors.Wrap(CodeSessionPublish, err, "publish snapshot")))
		}
	}
}

// Close 停止接收新快照，并等待 outbox 中已有快照发布完毕。
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.drained
		return nil
	}
	s.closed = true
	close(s.outbox)
	s.mu.Unlock()

	s.startOnce.Do(func() { close(s.drained) })
	<-s.drained
	return nil
}

// Get 返回单个会话摘要。
func (s *Service) Get(ctx context.Context, sessionID string) (*Summary, error) {
	if s == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未配置")
	}
	summary, err := s.store.GetSummary(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "会话不存在")
	}
	return summary, err
}

// ListRecent 返回最近更新的会话摘要。
func (s *Service) ListRecent(ctx context.Context, limit int) ([]Summary, error) {
	if s == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未配置")
	}
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListRecent(ctx, limit)
}
