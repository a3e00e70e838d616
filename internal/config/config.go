package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 sqlassistd 启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Log      LogConfig      `json:"log" yaml:"log"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Sessions SessionConfig  `json:"sessions" yaml:"sessions"`
	Skills   SkillsConfig   `json:"skills" yaml:"skills"`
	Events   EventsConfig   `json:"events" yaml:"events"`
}

// ServerConfig 控制 HTTP 服务的监听地址等参数。
type ServerConfig struct {
	Address                string   `json:"address" yaml:"address"`
	CORSOrigins            []string `json:"cors_origins" yaml:"cors_origins"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	APITokens              []string `json:"api_tokens" yaml:"api_tokens"`
	APITokensEnv           string   `json:"api_tokens_env" yaml:"api_tokens_env"`
}

// ResolveAPITokens 合并显式配置与环境变量中以逗号分隔的令牌。
func (c ServerConfig) ResolveAPITokens() []string {
	tokens := make([]string, 0, len(c.APITokens))
	for _, t := range c.APITokens {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	if c.APITokensEnv == "" {
		return tokens
	}
	for _, t := range strings.Split(os.Getenv(c.APITokensEnv), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// ShutdownTimeout 返回优雅退出的等待时间。
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// LogConfig 对应 pkg/logger 的初始化参数。
type LogConfig struct {
	Level     string         `json:"level" yaml:"level"`
	Format    string         `json:"format" yaml:"format"`
	Outputs   []string       `json:"outputs" yaml:"outputs"`
	AddSource bool           `json:"add_source" yaml:"add_source"`
	Audit     AuditLogConfig `json:"audit" yaml:"audit"`
}

// AuditLogConfig 控制审计日志的落盘与轮转。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// LLMConfig 用于配置推理后端的调用方式。
type LLMConfig struct {
	Provider string        `json:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig  `json:"openai" yaml:"openai"`
	Command  CommandConfig `json:"command" yaml:"command"`
}

// OpenAIConfig 描述 Chat Completions 兼容接口。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	Model          string  `json:"model" yaml:"model"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回单次 HTTP 请求的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置，否则读取环境变量。
func (c OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// CommandConfig 描述通过外部进程完成推理时所需的信息。
type CommandConfig struct {
	Executable string   `json:"executable" yaml:"executable"`
	Args       []string `json:"args" yaml:"args"`
	WorkingDir string   `json:"working_dir" yaml:"working_dir"`
}

// AgentConfig 控制会话状态机的行为。
type AgentConfig struct {
	MaxSkillLoads     int `json:"max_skill_loads" yaml:"max_skill_loads"`
	LLMTimeoutSeconds int `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds"`
}

// LLMTimeout 返回单次推理调用的超时时间。
func (c AgentConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// DatabaseConfig 描述业务库连接池与语句执行参数。
type DatabaseConfig struct {
	Driver                  string `json:"driver" yaml:"driver"`
	DSN                     string `json:"dsn" yaml:"dsn"`
	DSNEnv                  string `json:"dsn_env" yaml:"dsn_env"`
	PoolSize                int    `json:"pool_size" yaml:"pool_size"`
	AcquireTimeoutMillis    int    `json:"acquire_timeout_ms" yaml:"acquire_timeout_ms"`
	StatementTimeoutSeconds int    `json:"statement_timeout_seconds" yaml:"statement_timeout_seconds"`
	MaxRows                 int    `json:"max_rows" yaml:"max_rows"`
	ConnMaxLifetimeSeconds  int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds  int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// ResolveDSN 优先使用显式配置，否则读取环境变量。
func (c DatabaseConfig) ResolveDSN() string {
	if dsn := strings.TrimSpace(c.DSN); dsn != "" {
		return dsn
	}
	if c.DSNEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.DSNEnv))
}

func (c DatabaseConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutMillis) * time.Millisecond
}

func (c DatabaseConfig) StatementTimeout() time.Duration {
	return time.Duration(c.StatementTimeoutSeconds) * time.Second
}

func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

func (c DatabaseConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleTimeSeconds) * time.Second
}

// SessionConfig 选择会话存储后端。
type SessionConfig struct {
	Driver string             `json:"driver" yaml:"driver"`
	Redis  RedisSessionConfig `json:"redis" yaml:"redis"`
	MySQL  MySQLSessionConfig `json:"mysql" yaml:"mysql"`
}

// RedisSessionConfig 描述 Redis 会话存储与分布式锁。
type RedisSessionConfig struct {
	Address        string `json:"address" yaml:"address"`
	Password       string `json:"password" yaml:"password"`
	DB             int    `json:"db" yaml:"db"`
	Prefix         string `json:"prefix" yaml:"prefix"`
	TTLHours       int    `json:"ttl_hours" yaml:"ttl_hours"`
	LockTTLSeconds int    `json:"lock_ttl_seconds" yaml:"lock_ttl_seconds"`
}

func (c RedisSessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

func (c RedisSessionConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// MySQLSessionConfig 描述 MySQL 会话存储。
type MySQLSessionConfig struct {
	DSN          string `json:"dsn" yaml:"dsn"`
	DSNEnv       string `json:"dsn_env" yaml:"dsn_env"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns"`
}

// ResolveDSN 优先使用显式配置，否则读取环境变量。
func (c MySQLSessionConfig) ResolveDSN() string {
	if dsn := strings.TrimSpace(c.DSN); dsn != "" {
		return dsn
	}
	if c.DSNEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.DSNEnv))
}

// SkillsConfig 指定技能目录，留空时使用内置技能。
type SkillsConfig struct {
	Directory string `json:"directory" yaml:"directory"`
}

// EventsConfig 选择会话事件的发布方式。
type EventsConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述事件交换机。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
	Durable    bool   `json:"durable" yaml:"durable"`
}

// Default 返回仅包含默认值的配置，适用于未提供配置文件的场景。
func Default() *Config {
	cfg := &Config{}
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	cfg.applyDefaults(wd)
	cfg.applyEnv()
	return cfg
}

// Load 解析指定路径的配置文件，按扩展名选择 YAML 或 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(content, &cfg)
	default:
		err = yaml.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	absDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("解析配置目录失败: %w", err)
	}
	cfg.applyDefaults(absDir)
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查互相冲突或无法识别的配置项。
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "pgx", "mysql":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	switch c.Sessions.Driver {
	case "memory", "redis", "mysql":
	default:
		return fmt.Errorf("不支持的会话存储: %s", c.Sessions.Driver)
	}
	switch c.LLM.Provider {
	case "openai", "command":
	default:
		return fmt.Errorf("不支持的推理后端: %s", c.LLM.Provider)
	}
	switch c.Events.Driver {
	case "log", "rabbitmq", "none":
	default:
		return fmt.Errorf("不支持的事件驱动: %s", c.Events.Driver)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.Server.APITokensEnv == "" {
		c.Server.APITokensEnv = "SQLASSIST_API_TOKENS"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled {
		if c.Log.Audit.Path == "" {
			c.Log.Audit.Path = filepath.Join("logs", "audit.log")
		}
		c.Log.Audit.Path = resolvePath(baseDir, c.Log.Audit.Path)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}
	if c.LLM.Command.WorkingDir == "" {
		c.LLM.Command.WorkingDir = baseDir
	} else {
		c.LLM.Command.WorkingDir = resolvePath(baseDir, c.LLM.Command.WorkingDir)
	}

	if c.Agent.MaxSkillLoads <= 0 {
		c.Agent.MaxSkillLoads = 5
	}
	if c.Agent.LLMTimeoutSeconds <= 0 {
		c.Agent.LLMTimeoutSeconds = 90
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "pgx"
	}
	if c.Database.DSNEnv == "" {
		c.Database.DSNEnv = "DATABASE_URL"
	}
	if c.Database.PoolSize <= 0 {
		c.Database.PoolSize = 20
	}
	if c.Database.AcquireTimeoutMillis <= 0 {
		c.Database.AcquireTimeoutMillis = 5000
	}
	if c.Database.StatementTimeoutSeconds <= 0 {
		c.Database.StatementTimeoutSeconds = 30
	}
	if c.Database.MaxRows <= 0 {
		c.Database.MaxRows = 1000
	}
	if c.Database.ConnMaxLifetimeSeconds <= 0 {
		c.Database.ConnMaxLifetimeSeconds = 1800
	}

	if c.Sessions.Driver == "" {
		c.Sessions.Driver = "memory"
	}
	if c.Sessions.Redis.Prefix == "" {
		c.Sessions.Redis.Prefix = "sqlassist:"
	}
	if c.Sessions.Redis.LockTTLSeconds <= 0 {
		c.Sessions.Redis.LockTTLSeconds = 120
	}
	if c.Sessions.MySQL.DSNEnv == "" {
		c.Sessions.MySQL.DSNEnv = "SESSION_MYSQL_DSN"
	}

	if c.Skills.Directory != "" {
		c.Skills.Directory = resolvePath(baseDir, c.Skills.Directory)
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "log"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "sqlassist.events"
	}
	if c.Events.RabbitMQ.RoutingKey == "" {
		c.Events.RabbitMQ.RoutingKey = "thread"
	}
}

// applyEnv 允许通过 SQLASSIST_* 环境变量覆盖少量常用配置。
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("SQLASSIST_SERVER_ADDRESS")); v != "" {
		c.Server.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("SQLASSIST_DATABASE_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SQLASSIST_LLM_MODEL")); v != "" {
		c.LLM.OpenAI.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("SQLASSIST_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
}

func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
