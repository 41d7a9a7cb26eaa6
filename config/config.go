// =============================================================================
// 📦 AgentHub 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是协调核心的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Storage 存储后端配置
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Graph 知识图谱配置
	Graph GraphConfig `yaml:"graph" env:"GRAPH"`

	// Hub 消息中心配置
	Hub HubConfig `yaml:"hub" env:"HUB"`

	// Consensus 共识协调配置
	Consensus ConsensusConfig `yaml:"consensus" env:"CONSENSUS"`

	// Scheduler 自主调度配置
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// AI 请求路由配置
	AI AIConfig `yaml:"ai" env:"AI"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// StorageConfig 存储后端配置
type StorageConfig struct {
	// Primary 主存储驱动: memory, sqlite, mongo
	Primary string `yaml:"primary" env:"PRIMARY"`
	// SQLitePath SQLite 数据文件路径
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	// MongoURI Mongo 连接串
	MongoURI string `yaml:"mongo_uri" env:"MONGO_URI"`
	// MongoDatabase Mongo 数据库名
	MongoDatabase string `yaml:"mongo_database" env:"MONGO_DATABASE"`

	// Redis 缓存辅助后端
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// VectorEnabled 是否启用语义检索辅助后端
	VectorEnabled bool `yaml:"vector_enabled" env:"VECTOR_ENABLED"`

	// ProbeInterval 辅助后端健康探测间隔
	ProbeInterval time.Duration `yaml:"probe_interval" env:"PROBE_INTERVAL"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
}

// GraphConfig 知识图谱配置
type GraphConfig struct {
	// CacheTTL 检索缓存存活时间
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// SearchLimit 默认检索结果上限
	SearchLimit int `yaml:"search_limit" env:"SEARCH_LIMIT"`
}

// HubConfig 消息中心配置
type HubConfig struct {
	// Retention 消息保留期
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	// StatsWindow 统计窗口
	StatsWindow time.Duration `yaml:"stats_window" env:"STATS_WINDOW"`
	// SubscriberBuffer 订阅通道缓冲
	SubscriberBuffer int `yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
}

// ConsensusConfig 共识配置
type ConsensusConfig struct {
	// DefaultQuorum 默认法定票数
	DefaultQuorum int `yaml:"default_quorum" env:"DEFAULT_QUORUM"`
	// DefaultWindow 默认投票窗口
	DefaultWindow time.Duration `yaml:"default_window" env:"DEFAULT_WINDOW"`
	// SweepInterval 过期清扫间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	// DefaultBudget 每日默认 token 预算
	DefaultBudget int64 `yaml:"default_budget" env:"DEFAULT_BUDGET"`
	// BaseCost 每次动作的固定基础成本
	BaseCost int64 `yaml:"base_cost" env:"BASE_COST"`
	// Encoding tiktoken 编码名
	Encoding string `yaml:"encoding" env:"ENCODING"`
}

// AIConfig AI 路由配置
type AIConfig struct {
	// Providers 按优先级排列的 Provider 列表
	Providers []AIProviderConfig `yaml:"providers" env:"-"`
	// CallTimeout 单次调用超时
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	// BreakerThreshold 熔断连续失败阈值
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	// BreakerCooldown 熔断冷却时间
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" env:"BREAKER_COOLDOWN"`
	// RatePerSecond 每 Provider 速率上限，0 不限
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
}

// AIProviderConfig 单个 AI Provider 配置
type AIProviderConfig struct {
	// 名称
	Name string `yaml:"name"`
	// 方言: openai, anthropic, echo
	Kind string `yaml:"kind"`
	// API 基地址
	BaseURL string `yaml:"base_url"`
	// 鉴权密钥
	APIKey string `yaml:"api_key"`
	// 默认模型
	Model string `yaml:"model"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTHUB",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	switch c.Storage.Primary {
	case "memory", "sqlite", "mongo":
	default:
		errs = append(errs, fmt.Sprintf("unknown primary storage driver %q", c.Storage.Primary))
	}
	if c.Storage.Primary == "mongo" && c.Storage.MongoURI == "" {
		errs = append(errs, "mongo primary requires mongo_uri")
	}
	if c.Consensus.DefaultQuorum <= 0 {
		errs = append(errs, "default_quorum must be positive")
	}
	if c.Scheduler.DefaultBudget <= 0 {
		errs = append(errs, "default_budget must be positive")
	}
	for i, p := range c.AI.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("ai provider %d has no name", i))
		}
		if p.Kind != "echo" && p.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("ai provider %q requires base_url", p.Name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
