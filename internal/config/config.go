package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Stochastic-Bridge/internal/auth"
	"Stochastic-Bridge/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "STOCHASTIC_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件路径。
var DefaultPath = filepath.Join("configs", "stochastic.yaml")

// Config 描述了守护进程启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   logger.Config   `yaml:"logging"`
	LLM       LLMConfig       `yaml:"llm"`
	Storage   StorageConfig   `yaml:"storage"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Auth      auth.Config     `yaml:"auth"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `yaml:"address"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider     string             `yaml:"provider"`
	StochasticAI StochasticAIConfig `yaml:"stochasticai"`
}

// StochasticAIConfig 对应 StochasticAI 适配器的参数。
// 未识别的键会被收集到 Extra，由客户端构造时并入 model_kwargs。
type StochasticAIConfig struct {
	ModelID         string         `yaml:"model_id"`
	APIKey          string         `yaml:"stochasticai_api_key"`
	ModelKwargs     map[string]any `yaml:"model_kwargs"`
	PollInterval    Duration       `yaml:"poll_interval"`
	Timeout         Duration       `yaml:"timeout"`
	RequestTimeout  Duration       `yaml:"request_timeout"`
	MaxPollAttempts int            `yaml:"max_poll_attempts"`
	Extra           map[string]any `yaml:",inline"`
}

// StorageConfig 描述任务状态的存储后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `yaml:"task_store"`
}

// TaskStoreConfig 支持 memory 与 mysql 两种驱动。
type TaskStoreConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	MaxRetries      int      `yaml:"max_retries"`

	// StaleRunningAfter 之后仍处于 running 的任务在启动时被视为中断。
	StaleRunningAfter Duration `yaml:"stale_running_after"`
}

// TaskQueueConfig 描述任务队列的驱动与并发度。
type TaskQueueConfig struct {
	Driver   string         `yaml:"driver"`
	Workers  int            `yaml:"workers"`
	Buffer   int            `yaml:"buffer"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string   `yaml:"address"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	Queue     string   `yaml:"queue"`
	BlockWait Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// MetricsConfig 控制 Prometheus 指标的暴露。
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Duration 允许在 YAML 中使用 "500ms"、"30s" 这样的写法。
type Duration time.Duration

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("无效的时间间隔 %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 返回标准库 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PathFromEnv 返回配置文件路径，优先读取环境变量。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content)
}

// Parse 解析 YAML 内容并填充默认值。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "stochasticai"
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.MaxRetries <= 0 {
		c.Storage.TaskStore.MaxRetries = 3
	}
	if c.Storage.TaskStore.StaleRunningAfter <= 0 {
		c.Storage.TaskStore.StaleRunningAfter = Duration(15 * time.Minute)
	}
	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 1024
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "stochastic"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}
}

// Validate 检查配置之间的一致性。
func (c *Config) Validate() error {
	if c.LLM.Provider != "stochasticai" {
		return fmt.Errorf("未知的大模型 provider: %s", c.LLM.Provider)
	}
	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.TaskStore.DSN) == "" {
			return errors.New("mysql 任务存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}
	switch c.TaskQueue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.TaskQueue.Redis.Address) == "" {
			return errors.New("redis 队列需要配置 address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.TaskQueue.RabbitMQ.URL) == "" {
			return errors.New("rabbitmq 队列需要配置 url")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.TaskQueue.Driver)
	}
	switch c.Auth.Mode {
	case auth.ModeDisabled:
	case auth.ModeStatic:
		if len(c.Auth.Tokens) == 0 {
			return errors.New("static 认证模式至少需要一个 token")
		}
	default:
		return fmt.Errorf("未知的认证模式: %s", c.Auth.Mode)
	}
	return nil
}
