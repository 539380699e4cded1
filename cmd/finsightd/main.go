package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"FinSight-Agent/internal/agent"
	"FinSight-Agent/internal/api"
	"FinSight-Agent/internal/auth"
	"FinSight-Agent/internal/config"
	"FinSight-Agent/internal/knowledge"
	"FinSight-Agent/internal/llm"
	"FinSight-Agent/internal/llm/openai"
	"FinSight-Agent/internal/llm/pythonbridge"
	"FinSight-Agent/internal/nlg"
	"FinSight-Agent/internal/observability/alerting"
	"FinSight-Agent/internal/observability/metrics"
	"FinSight-Agent/internal/rules"
	"FinSight-Agent/internal/session"
	"FinSight-Agent/internal/storage/mysql"
	"FinSight-Agent/internal/storage/sqlite"
	"FinSight-Agent/internal/tools"
	"FinSight-Agent/pkg/logger"
)

// main 是 FinSight 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("finsightd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("finsightd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	model, err := createLLMClient(cfg)
	if err != nil {
		return err
	}
	if model == nil {
		lg.Warn("未配置大模型，将以无模型模式运行")
	}

	ruleSvc, err := rules.Load(cfg.Rules.Path)
	if err != nil {
		return err
	}

	// sqlite 同时承担会话摘要与 LINE 消息时共用一个连接。
	var sqliteStore *sqlite.Store
	openSQLite := func() (*sqlite.Store, error) {
		if sqliteStore != nil {
			return sqliteStore, nil
		}
		path := cfg.Session.Store.Path
		if path == "" {
			path = filepath.Join(cfg.Runtime.DataDir, "finsight.db")
		}
		s, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		sqliteStore = s
		return s, nil
	}
	defer func() {
		if sqliteStore != nil {
			_ = sqliteStore.Close()
		}
	}()

	registry, index, err := buildTools(cfg, openSQLite)
	if err != nil {
		return err
	}
	lg.Info("工具已注册", "tools", len(registry.Schemas()), "knowledge_chunks", index.Len())

	store, err := createSessionStore(ctx, cfg, openSQLite)
	if err != nil {
		return err
	}
	if _, shared := store.(*sqlite.Store); !shared {
		defer store.Close()
	}

	queue, err := createQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭会话队列失败", "error", err)
		}
	}()

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	dispatcher := alerting.NewFanout(notifiers...)

	sessions := session.NewService(store, queue, session.WithServiceLogger(logger.Named("session")))
	defer sessions.Close()
	worker := session.NewWorker(store, queue,
		session.WithWorkerLogger(logger.Named("session_worker")),
		session.WithWorkerCount(cfg.Session.Workers),
		session.WithSummaryChars(cfg.Session.SummaryChars),
		session.WithAlertDispatcher(dispatcher),
	)
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("会话 worker 异常退出", "error", err)
		}
	}()

	ag := agent.New(agent.Deps{
		Model:    model,
		Executor: tools.NewExecutor(registry, tools.WithCallTimeout(cfg.Tools.CallTimeout()), tools.WithMaxParallel(cfg.Tools.MaxParallel), tools.WithExecutorLogger(logger.Named("tools"))),
		Catalog:  registry,
		Rules:    ruleSvc,
		Sessions: sessions,
		Colloquializer: nlg.NewColloquializer(cfg.Agent.ColloquialEnabled, model,
			nlg.WithLogger(logger.Named("nlg")),
			nlg.WithMacroLastN(cfg.Agent.MacroLastN),
		),
		Metrics:     metrics.Default,
		Logger:      logger.Named("agent"),
		AuditLogger: logger.Audit(),
		Settings: agent.Settings{
			MaxToolLoops:        cfg.Agent.MaxToolLoops,
			SkipToolExecution:   cfg.Agent.SkipToolExecution,
			EnforceMinimalTools: cfg.Agent.EnforceMinimalTools,
			Temperature:         cfg.LLM.Temperature,
			MacroLastN:          cfg.Agent.MacroLastN,
			NewsTopK:            cfg.Agent.NewsTopK,
		},
	})

	opts := []api.Option{
		api.WithSessions(sessions),
		api.WithRules(ruleSvc),
		api.WithAuth(auth.NewService(cfg.Server.APIKeys, logger.Audit())),
		api.WithLogger(logger.Named("api")),
		api.WithReadTimeout(time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second),
	}
	if cfg.Tools.LineSource == "sqlite" {
		opts = append(opts, api.WithLineIngestor(sqliteStore))
	}
	server := api.NewServer(cfg.Server.Address, ag, opts...)

	lg.Info("finsightd 启动",
		"addr", cfg.Server.Address,
		"session_store", cfg.Session.Store.Driver,
		"session_queue", cfg.Session.Queue.Driver,
		"max_tool_loops", ag.MaxToolLoops(),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "none":
		return nil, nil
	case "python_bridge":
		return pythonbridge.NewClient(cfg.LLM.PythonExec, cfg.LLM.ScriptPath, cfg.Runtime.DataDir)
	case "", "openai":
		if cfg.LLM.APIKey == "" {
			return nil, nil
		}
		return openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Timeout:     cfg.LLM.Timeout(),
			Temperature: cfg.LLM.Temperature,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func buildTools(cfg *config.Config, openSQLite func() (*sqlite.Store, error)) (*tools.Registry, *knowledge.Index, error) {
	index := knowledge.NewIndex(cfg.Tools.ChunkSize)
	if cfg.Tools.KnowledgeFile != "" {
		snippets, err := knowledge.LoadSnippets(cfg.Tools.KnowledgeFile)
		if err != nil {
			return nil, nil, err
		}
		index.AddSnippets(snippets...)
	}

	var line tools.LineSource
	switch cfg.Tools.LineSource {
	case "sqlite":
		s, err := openSQLite()
		if err != nil {
			return nil, nil, err
		}
		line = s
	default:
		if cfg.Tools.LineFixture != "" {
			fixture, err := tools.LoadFixtureLineSource(cfg.Tools.LineFixture)
			if err != nil {
				return nil, nil, err
			}
			line = fixture
		}
	}

	reports, err := tools.NewReportGenerator(cfg.Tools.ReportOutputDir, cfg.Tools.ReportTemplateDir)
	if err != nil {
		return nil, nil, err
	}

	registry := tools.NewRegistry()
	err = tools.RegisterBuiltins(registry, tools.Builtins{
		FMP: tools.NewFMPClient(tools.FMPConfig{
			APIKey:  cfg.Tools.FMPAPIKey,
			BaseURL: cfg.Tools.FMPBaseURL,
			Timeout: time.Duration(cfg.Tools.FMPTimeoutSeconds) * time.Second,
		}),
		Files:   tools.NewFileLoader(cfg.Tools.FileBaseDir, cfg.Tools.MaxFileBytes, index),
		Index:   index,
		Line:    line,
		Reports: reports,
	})
	if err != nil {
		return nil, nil, err
	}
	return registry, index, nil
}

func createSessionStore(ctx context.Context, cfg *config.Config, openSQLite func() (*sqlite.Store, error)) (session.Store, error) {
	switch cfg.Session.Store.Driver {
	case "sqlite":
		return openSQLite()
	case "mysql":
		return mysql.NewSessionStore(ctx, mysql.Config{DSN: cfg.Session.Store.DSN})
	default:
		return session.NewMemoryStore(), nil
	}
}

func createQueue(ctx context.Context, cfg *config.Config) (session.Queue, error) {
	q := cfg.Session.Queue
	switch q.Driver {
	case "redis":
		return session.NewRedisQueue(ctx, session.RedisQueueConfig{Address: q.Address, Password: q.Password, DB: q.DB, Queue: q.Name})
	case "rabbitmq":
		return session.NewRabbitMQQueue(session.RabbitMQConfig{URL: q.URL, Queue: q.Name, Durable: true})
	case "nats":
		return session.NewNATSQueue(session.NATSConfig{URL: q.URL, Subject: q.Name, Group: q.Group})
	default:
		return session.NewMemoryQueue(q.Size), nil
	}
}

var (
	_ agent.SessionService = (*session.Service)(nil)
	_ agent.Recorder       = (*metrics.Collector)(nil)
	_ api.Runner           = (*agent.Agent)(nil)
)
