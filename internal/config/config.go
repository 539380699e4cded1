package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"FinSight-Agent/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "FINSIGHT_CONFIG"

// DefaultPath 是未设置 FINSIGHT_CONFIG 时读取的配置文件。
const DefaultPath = "configs/finsight.json"

// Config 描述了 finsightd 启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  logger.Config  `json:"logging"`
	LLM      LLMConfig      `json:"llm"`
	Agent    AgentConfig    `json:"agent"`
	Tools    ToolsConfig    `json:"tools"`
	Rules    RulesConfig    `json:"rules"`
	Session  SessionConfig  `json:"session"`
	Alerting AlertingConfig `json:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与访问密钥。
type ServerConfig struct {
	Address            string   `json:"address"`
	APIKeys            []string `json:"api_keys"`
	ReadTimeoutSeconds int      `json:"read_timeout_seconds"`
}

// LLMConfig 配置推理服务：openai 为 OpenAI 兼容接口，python_bridge 为本地脚本，none 关闭模型。
// openai 未配置 APIKey 时同样以无模型模式运行。
type LLMConfig struct {
	Provider       string  `json:"provider"`
	PythonExec     string  `json:"python_executable"`
	ScriptPath     string  `json:"script_path"`
	APIKey         string  `json:"api_key"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	Temperature    float64 `json:"temperature"`
}

// AgentConfig 控制决策循环。
type AgentConfig struct {
	MaxToolLoops        int  `json:"max_tool_loops"`
	SkipToolExecution   bool `json:"skip_tool_execution"`
	EnforceMinimalTools bool `json:"enforce_minimal_tools"`
	MacroLastN          int  `json:"macro_last_n"`
	NewsTopK            int  `json:"news_top_k"`
	ColloquialEnabled   bool `json:"colloquial_enabled"`
}

// ToolsConfig 描述内置工具的外部协作者。
type ToolsConfig struct {
	FMPAPIKey          string `json:"fmp_api_key"`
	FMPBaseURL         string `json:"fmp_base_url"`
	FMPTimeoutSeconds  int    `json:"fmp_timeout_seconds"`
	CallTimeoutSeconds int    `json:"call_timeout_seconds"`
	MaxParallel        int    `json:"max_parallel"`
	FileBaseDir        string `json:"file_base_dir"`
	MaxFileBytes       int64  `json:"max_file_bytes"`
	KnowledgeFile      string `json:"knowledge_file"`
	ChunkSize          int    `json:"chunk_size"`
	LineSource         string `json:"line_source"`
	LineFixture        string `json:"line_fixture"`
	ReportOutputDir    string `json:"report_output_dir"`
	ReportTemplateDir  string `json:"report_template_dir"`
}

// RulesConfig 指定规则文件，为空时使用内置规则。
type RulesConfig struct {
	Path string `json:"path"`
}

// SessionConfig 选择会话摘要的存储与异步队列。
type SessionConfig struct {
	Store        SessionStoreConfig `json:"store"`
	Queue        QueueConfig        `json:"queue"`
	Workers      int                `json:"workers"`
	SummaryChars int                `json:"summary_chars"`
}

// SessionStoreConfig 支持 memory、sqlite、mysql 三种驱动。
type SessionStoreConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	DSN    string `json:"dsn"`
}

// QueueConfig 支持 memory、redis、rabbitmq、nats 四种驱动。
type QueueConfig struct {
	Driver   string `json:"driver"`
	Size     int    `json:"size"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Group    string `json:"group"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PathFromEnv 返回 FINSIGHT_CONFIG 或默认路径。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 解析 JSON 配置文件，加载同目录与工作目录下的 .env，再应用环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	if err := loadDotEnv(baseDir); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	return &cfg, cfg.Validate()
}

// loadDotEnv 不覆盖已存在的环境变量。
func loadDotEnv(baseDir string) error {
	candidates := []string{filepath.Join(baseDir, ".env"), ".env"}
	var files []string
	seen := map[string]bool{}
	for _, c := range candidates {
		abs, err := filepath.Abs(c)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err == nil {
			files = append(files, abs)
		}
	}
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("FMP_API_KEY"); v != "" {
		c.Tools.FMPAPIKey = v
	}
	if v := os.Getenv("MAX_TOOL_LOOPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_TOOL_LOOPS 不是整数: %w", err)
		}
		c.Agent.MaxToolLoops = n
	}
	if v := os.Getenv("EXECUTE_TOOLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EXECUTE_TOOLS 不是布尔值: %w", err)
		}
		c.Agent.SkipToolExecution = !b
	}
	if v := os.Getenv("COLLOQUIAL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("COLLOQUIAL_ENABLED 不是布尔值: %w", err)
		}
		c.Agent.ColloquialEnabled = b
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，相对路径以配置文件目录为基准。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.Agent.MaxToolLoops <= 0 {
		c.Agent.MaxToolLoops = 3
	}
	if c.Agent.MacroLastN <= 0 {
		c.Agent.MacroLastN = 6
	}
	if c.Agent.NewsTopK <= 0 {
		c.Agent.NewsTopK = 3
	}
	if c.Tools.CallTimeoutSeconds <= 0 {
		c.Tools.CallTimeoutSeconds = 20
	}
	if c.Tools.MaxParallel <= 0 {
		c.Tools.MaxParallel = 4
	}
	if c.Tools.LineSource == "" {
		c.Tools.LineSource = "fixture"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")
	dataDir := c.Runtime.DataDir
	c.Tools.FileBaseDir = resolve(baseDir, c.Tools.FileBaseDir, dataDir)
	c.Tools.ReportOutputDir = resolve(baseDir, c.Tools.ReportOutputDir, filepath.Join(dataDir, "reports"))
	c.Tools.ReportTemplateDir = resolve(baseDir, c.Tools.ReportTemplateDir, "")
	c.Tools.KnowledgeFile = resolve(baseDir, c.Tools.KnowledgeFile, "")
	c.Tools.LineFixture = resolve(baseDir, c.Tools.LineFixture, "")
	c.Rules.Path = resolve(baseDir, c.Rules.Path, "")
	c.LLM.ScriptPath = resolve(baseDir, c.LLM.ScriptPath, "")
	if c.LLM.PythonExec == "" {
		c.LLM.PythonExec = "python3"
	}

	if c.Session.Store.Driver == "" {
		c.Session.Store.Driver = "memory"
	}
	if c.Session.Store.Driver == "sqlite" {
		c.Session.Store.Path = resolve(baseDir, c.Session.Store.Path, filepath.Join(dataDir, "finsight.db"))
	}
	if c.Session.Queue.Driver == "" {
		c.Session.Queue.Driver = "memory"
	}
	if c.Session.Queue.Size <= 0 {
		c.Session.Queue.Size = 256
	}
	if c.Session.Workers <= 0 {
		c.Session.Workers = 1
	}
	if c.Session.SummaryChars <= 0 {
		c.Session.SummaryChars = 512
	}
}

// resolve 返回 value（空时取 fallback），相对路径拼接到 baseDir。
func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 校验驱动名称与必填连接参数。
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "openai", "none":
	case "python_bridge":
		if c.LLM.ScriptPath == "" {
			errs = append(errs, errors.New("llm.script_path 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的大模型 provider: %s", c.LLM.Provider))
	}
	switch c.Session.Store.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Session.Store.DSN == "" {
			errs = append(errs, errors.New("session.store.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的会话存储驱动: %s", c.Session.Store.Driver))
	}
	switch c.Session.Queue.Driver {
	case "memory":
	case "redis":
		if c.Session.Queue.Address == "" {
			errs = append(errs, errors.New("session.queue.address 不能为空"))
		}
	case "rabbitmq", "nats":
		if c.Session.Queue.URL == "" {
			errs = append(errs, errors.New("session.queue.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动: %s", c.Session.Queue.Driver))
	}
	switch c.Tools.LineSource {
	case "fixture", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("未知的 LINE 消息来源: %s", c.Tools.LineSource))
	}
	return errors.Join(errs...)
}

// CallTimeout 返回单次工具调用超时。
func (c ToolsConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// Timeout 返回模型请求超时。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
