// Package config 提供 TOML 配置加载、环境变量覆盖与 schema 校验。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wyfcoding/valuationpipeline/pkg/logger"
)

// Config 估值管道配置结构
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// 事件总线后端：local, redis, kafka
	BusBackend string `mapstructure:"bus_backend"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// 管道配置
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	// 日志配置
	Logger logger.Config `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 主机地址
	Host string `mapstructure:"host"`
	// 端口
	Port int `mapstructure:"port"`
	// 密码
	Password string `mapstructure:"password"`
	// 数据库编号
	DB int `mapstructure:"db"`
	// 最大连接数
	MaxPoolSize int `mapstructure:"max_pool_size"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// Addr 返回 host:port 形式的地址。
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// Broker 地址列表
	Brokers []string `mapstructure:"brokers"`
	// Consumer Group ID
	GroupID string `mapstructure:"group_id"`
	// Topic 前缀
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：mysql, memory
	Driver string `mapstructure:"driver"`
	// 数据源名称
	DSN string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
}

// PipelineConfig 摄取/估值管道配置
type PipelineConfig struct {
	// 批量冲刷条数阈值
	BatchSize int `mapstructure:"batch_size"`
	// 批量冲刷时间阈值
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	// 冲刷条件检查间隔
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// 组合锁 TTL，须覆盖最坏临界区耗时
	LockTTL time.Duration `mapstructure:"lock_ttl"`
	// 取锁等待预算
	LockWait time.Duration `mapstructure:"lock_wait"`
	// 组合锁后端：memory, redis
	LockBackend string `mapstructure:"lock_backend"`
	// 事件频道前缀
	ChannelPrefix string `mapstructure:"channel_prefix"`
	// 快照缓存 TTL
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// 快照缓存内存上限（MB）
	CacheMaxSizeMB int `mapstructure:"cache_max_size_mb"`
	// 是否启用增量估值
	Incremental bool `mapstructure:"incremental"`
	// 订阅标的
	Symbols []string `mapstructure:"symbols"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// Prometheus 监听端口
	Port int `mapstructure:"port"`
	// 指标路径
	Path string `mapstructure:"path"`
}

// Load 从 TOML 文件加载配置，支持 APP_ 前缀环境变量覆盖与默认值。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	switch c.BusBackend {
	case "local", "redis", "kafka":
	default:
		return fmt.Errorf("unsupported bus_backend: %s", c.BusBackend)
	}
	if c.BusBackend == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required for kafka bus backend")
	}
	if c.Database.Driver == "mysql" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for mysql driver")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive")
	}
	if c.Pipeline.BatchTimeout <= 0 {
		return fmt.Errorf("pipeline.batch_timeout must be positive")
	}
	if c.Pipeline.LockTTL <= 0 {
		return fmt.Errorf("pipeline.lock_ttl must be positive")
	}
	switch c.Pipeline.LockBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported pipeline.lock_backend: %s", c.Pipeline.LockBackend)
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("bus_backend", "local")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("kafka.group_id", "valuation-pipeline")
	v.SetDefault("kafka.topic_prefix", "valuation.")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)

	v.SetDefault("pipeline.batch_size", 100)
	v.SetDefault("pipeline.batch_timeout", "2s")
	v.SetDefault("pipeline.flush_interval", "200ms")
	v.SetDefault("pipeline.lock_ttl", "10s")
	v.SetDefault("pipeline.lock_wait", "2s")
	v.SetDefault("pipeline.lock_backend", "memory")
	v.SetDefault("pipeline.channel_prefix", "valuation.events.")
	v.SetDefault("pipeline.cache_ttl", "30s")
	v.SetDefault("pipeline.cache_max_size_mb", 64)
	v.SetDefault("pipeline.incremental", false)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/valuation.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
}
