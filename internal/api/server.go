package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"FinSight-Agent/internal/agent"
	"FinSight-Agent/internal/auth"
	xerrors "FinSight-Agent/internal/errors"
	"FinSight-Agent/internal/observability/metrics"
	"FinSight-Agent/internal/rules"
	"FinSight-Agent/internal/session"
	"FinSight-Agent/internal/tools"
	loggerpkg "FinSight-Agent/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Runner 执行一次 Agent 调用。
type Runner interface {
	Run(ctx context.Context, req agent.Request) *agent.Response
}

// SessionReader 读取会话摘要。
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*session.Summary, error)
	ListRecent(ctx context.Context, limit int) ([]session.Summary, error)
}

// RuleCatalog 提供当前生效的规则。
type RuleCatalog interface {
	Rules() []rules.Rule
	Version() string
	Reload() error
}

// LineIngestor 保存 webhook 推送的 LINE 消息。
type LineIngestor interface {
	SaveLineMessages(ctx context.Context, messages []tools.LineMessage) (int, error)
}

// Option 定制 Server。
type Option func(*Server)

// WithSessions 启用会话查询接口。
func WithSessions(r SessionReader) Option {
	return func(s *Server) { s.sessions = r }
}

// WithRules 启用规则接口。
func WithRules(c RuleCatalog) Option {
	return func(s *Server) { s.rules = c }
}

// WithLineIngestor 启用 LINE webhook 落地接口。
func WithLineIngestor(i LineIngestor) Option {
	return func(s *Server) { s.line = i }
}

// WithAuth 为除 /healthz、/metrics 外的接口启用 API Key 校验。
func WithAuth(a *auth.Service) Option {
	return func(s *Server) { s.auth = a }
}

// WithLogger 指定日志器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics 指定指标集合，默认使用 metrics.Default。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.metrics = c
		}
	}
}

// WithReadTimeout 设置请求读取超时。
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// Server 负责暴露 REST 接口，供外部驱动智能体执行。
type Server struct {
	addr        string
	agent       Runner
	sessions    SessionReader
	rules       RuleCatalog
	line        LineIngestor
	auth        *auth.Service
	logger      *slog.Logger
	metrics     *metrics.Collector
	readTimeout time.Duration
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runner Runner, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		agent:       runner,
		logger:      loggerpkg.Named("api"),
		metrics:     metrics.Default,
		readTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回带认证与指标的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/agent/run", s.handleRun)
	s.route(mux, "GET /api/v1/sessions", s.handleListSessions)
	s.route(mux, "GET /api/v1/sessions/{id}", s.handleSessionDetail)
	s.route(mux, "GET /api/v1/rules", s.handleRules)
	s.route(mux, "POST /api/v1/rules/reload", s.handleReloadRules)
	s.route(mux, "POST /api/v1/line/webhook", s.handleLineWebhook)
	s.route(mux, "GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	var handler http.Handler = mux
	if s.auth != nil {
		handler = s.auth.Middleware("/healthz", "/metrics")(handler)
	}
	return handler
}

// route 为处理函数记录请求数、状态码与耗时。
func (s *Server) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r)
		s.metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, time.Since(start))
	}))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, http.StatusServiceUnavailable, "Agent 未初始化")
		return
	}
	var req agent.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := s.agent.Run(r.Context(), req)
	status := http.StatusOK
	if resp != nil && !resp.OK && resp.Error != "" {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusNotFound, "会话存储未启用")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit 需为 1-200 的整数")
			return
		}
		limit = n
	}
	items, err := s.sessions.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("查询会话摘要失败", "error", err)
		writeError(w, xerrors.HTTPStatusOf(err), "查询会话摘要失败")
		return
	}
	if items == nil {
		items = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": items})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusNotFound, "会话存储未启用")
		return
	}
	summary, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		status := xerrors.HTTPStatusOf(err)
		if status == http.StatusNotFound {
			writeError(w, status, "会话不存在")
			return
		}
		s.logger.Error("读取会话摘要失败", "error", err)
		writeError(w, status, "读取会话摘要失败")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": summary})
}

type ruleView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	if s.rules == nil {
		writeError(w, http.StatusNotFound, "规则服务未启用")
		return
	}
	list := s.rules.Rules()
	views := make([]ruleView, 0, len(list))
	for _, rule := range list {
		views = append(views, ruleView{ID: rule.ID, Name: rule.Name, Description: rule.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": s.rules.Version(), "rules": views})
}

func (s *Server) handleReloadRules(w http.ResponseWriter, _ *http.Request) {
	if s.rules == nil {
		writeError(w, http.StatusNotFound, "规则服务未启用")
		return
	}
	if err := s.rules.Reload(); err != nil {
		s.logger.Warn("重新加载规则失败", "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": s.rules.Version()})
}

func (s *Server) handleLineWebhook(w http.ResponseWriter, r *http.Request) {
	if s.line == nil {
		writeError(w, http.StatusNotFound, "LINE 消息存储未启用")
		return
	}
	var payload lineWebhook
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	messages := payload.messages()
	stored, err := s.line.SaveLineMessages(r.Context(), messages)
	if err != nil {
		s.logger.Error("保存 LINE 消息失败", "error", err)
		writeError(w, xerrors.HTTPStatusOf(err), "保存 LINE 消息失败")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "received": len(messages), "stored": stored})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "time": time.Now().UTC().Format(time.RFC3339)})
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return errors.New("读取请求体失败")
	}
	if len(body) > maxBodyBytes {
		return errors.New("请求体过大")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.New("请求体不是合法 JSON")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
