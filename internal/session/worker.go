package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	xerrors "FinSight-Agent/internal/errors"
	"FinSight-Agent/internal/observability/alerting"
)

// Worker 从队列消费快照，生成摘要后写入存储。
type Worker struct {
	store       Store
	consumer    Consumer
	workerCount int
	maxChars    int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	now         func() time.Time
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerLogger 指定日志输出。
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.workerCount = n
		}
	}
}

// WithSummaryChars 设置摘要最大字数。
func WithSummaryChars(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxChars = n
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) WorkerOption {
	return func(w *Worker) {
		w.alerter = d
	}
}

// NewWorker 构造 Worker。
func NewWorker(store Store, consumer Consumer, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		maxChars:    defaultSummaryChars,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 阻塞消费直到 ctx 取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil || w.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "会话 worker 未配置")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.Handle)
}

// Handle 处理单条快照消息。
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil || snap.SessionID == "" {
		if err == nil {
			err = xerrors.New(CodeSessionDecode, "快照缺少 session_id")
		}
		w.logger.Warn("丢弃无法解析的会话快照", slog.Any("error", err))
		return xerrors.Wrap(CodeSessionDecode, err, "decode snapshot")
	}

	text := Summarize(snap.Turns, w.maxChars)
	if text == "" {
		w.logger.Debug("会话摘要为空，跳过", slog.String("session_id", snap.SessionID))
		return nil
	}
	now := w.now().UTC()
	summary := Summary{
		SessionID:    snap.SessionID,
		Summary:      text,
		MessageCount: len(Meaningful(snap.Turns)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := w.store.SaveSummary(ctx, summary); err != nil {
		wrapped := xerrors.Wrap(CodeSessionStore, err, "保存会话摘要失败")
		w.logger.Error("保存会话摘要失败", slog.String("session_id", snap.SessionID), slog.Any("error", wrapped))
		w.emitAlert(ctx, snap.SessionID, wrapped)
		return wrapped
	}
	w.logger.Debug("会话摘要已保存", slog.String("session_id", snap.SessionID), slog.Int("messages", summary.MessageCount))
	return nil
}

func (w *Worker) emitAlert(ctx context.Context, sessionID string, err *xerrors.Error) {
	if w.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(err.Code())
	event := alerting.Event{
		Code:       err.Code(),
		Message:    err.Error(),
		Severity:   attrs.Severity,
		SessionID:  sessionID,
		Stage:      "save_summary",
		OccurredAt: w.now(),
	}
	if notifyErr := w.alerter.Notify(ctx, event); notifyErr != nil {
		w.logger.Error("告警通知失败", slog.Any("error", notifyErr), slog.String("session_id", sessionID))
	}
}
