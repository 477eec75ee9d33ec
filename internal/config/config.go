package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了智能体在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Agent    AgentConfig    `json:"agent"`
	Protocol ProtocolConfig `json:"protocol"`
	Storage  StorageConfig  `json:"storage"`
	Events   EventsConfig   `json:"events"`
	LLM      LLMConfig      `json:"llm"`
	IPFS     IPFSConfig     `json:"ipfs"`
	Payments PaymentsConfig `json:"payments"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig 控制运维 API 的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// AgentConfig 描述本机智能体的身份与工作流参数。
type AgentConfig struct {
	DID string `json:"did"`
	// StepTimeoutSeconds 限制单个事件的处理时长，0 表示不限制。
	StepTimeoutSeconds int `json:"step_timeout_seconds"`
	// Peer 配置后，text2speech 步骤会委托给该智能体并按计划付费。
	Peer PeerConfig `json:"peer"`
}

// PeerConfig 指定委托目标智能体与其订阅计划。
type PeerConfig struct {
	AgentDID string `json:"agent_did"`
	PlanDID  string `json:"plan_did"`
}

// ProtocolConfig 描述协议后台的接入方式。local 模式直接落到本地存储，
// http 模式走托管后台。
type ProtocolConfig struct {
	Mode    string `json:"mode"`
	BaseURL string `json:"base_url"`
	WSURL   string `json:"ws_url"`
	APIKey  string `json:"api_key"`
}

// StorageConfig 统一描述任务存储后端的连接信息。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// EventsConfig 描述事件通道的驱动。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Queue    string         `json:"queue"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL string `json:"url"`
}

// LLMConfig 配置翻译与语音合成所用的大模型服务。
type LLMConfig struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	ChatModel      string `json:"chat_model"`
	SpeechModel    string `json:"speech_model"`
	Voice          string `json:"voice"`
	SourceLang     string `json:"source_lang"`
	TargetLang     string `json:"target_lang"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// IPFSConfig 配置 Pinata 内容发布。
type IPFSConfig struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Gateway   string `json:"gateway"`
}

// PaymentsConfig 配置链上支付。driver 取 memory 或 ethereum。
type PaymentsConfig struct {
	Driver     string `json:"driver"`
	RPCURL     string `json:"rpc_url"`
	PrivateKey string `json:"private_key"`
	ChainID    int64  `json:"chain_id"`
	PlansFile  string `json:"plans_file"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// StepTimeout 返回事件处理超时时间。
func (c AgentConfig) StepTimeout() time.Duration {
	if c.StepTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// LLMTimeout 返回调用大模型的超时时间。
func (c LLMConfig) LLMTimeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load 解析指定路径的 JSON 配置文件，并展开 ${ENV_VAR} 形式的环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	expanded := os.Expand(string(content), func(name string) string {
		return os.Getenv(name)
	})

	var cfg Config
	if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Protocol.Mode == "" {
		c.Protocol.Mode = "local"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}

	if c.LLM.SourceLang == "" {
		c.LLM.SourceLang = "Spanish"
	}
	if c.LLM.TargetLang == "" {
		c.LLM.TargetLang = "English"
	}

	if c.Payments.Driver == "" {
		c.Payments.Driver = "memory"
	}
	if c.Payments.PlansFile != "" && !filepath.IsAbs(c.Payments.PlansFile) {
		c.Payments.PlansFile = filepath.Join(baseDir, c.Payments.PlansFile)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}
