// Package config 网关与风控引擎的服务配置
package config

import (
	"time"

	envconfig "github.com/mb6226/iranvault/pkg/config"
	commonredis "github.com/mb6226/iranvault/pkg/redis"
)

// RedisConfig Redis 连接
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TLS      commonredis.TLSOptions
}

// Client 转为 pkg/redis 配置
func (c RedisConfig) Client() *commonredis.Config {
	cfg := commonredis.DefaultConfig
	cfg.Addr = c.Addr
	cfg.Password = c.Password
	cfg.DB = c.DB
	cfg.TLS = c.TLS
	return &cfg
}

// TracingConfig 链路追踪
type TracingConfig struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
}

// GatewayConfig 下单网关配置
type GatewayConfig struct {
	ServiceName string
	HTTPPort    int
	LogLevel    string

	Redis   RedisConfig
	Tracing TracingConfig

	// OrderTimeout 等待风控决策的最长时间
	OrderTimeout time.Duration
	// BusTimeout 单次发布的超时
	BusTimeout time.Duration

	// 每个网关实例独立的消费者组，保证每个实例都能收到全部决策
	InstanceID    string
	ConsumerGroup string
}

// DecisionGroup 本实例的决策消费者组
func (c *GatewayConfig) DecisionGroup() string {
	return c.ConsumerGroup + ":" + c.InstanceID
}

// RiskConfig 风控引擎配置
type RiskConfig struct {
	ServiceName string
	HTTPPort    int
	LogLevel    string

	Redis   RedisConfig
	Tracing TracingConfig

	RulesFile string

	ConsumerGroup string
	ConsumerName  string

	BusTimeout   time.Duration
	CacheTimeout time.Duration
	// ApprovalRetention 已冻结但 approved 未发出的订单保留补发状态的时长
	ApprovalRetention time.Duration

	// BaseEquity 强平计算使用的参考权益
	BaseEquity float64
	// DefaultFreeBalance 缓存未命中时的可用余额
	DefaultFreeBalance float64

	CircuitBreakerWindow time.Duration

	StreamMaxLen       int64
	StreamTrimSchedule string
}

func loadRedis() RedisConfig {
	return RedisConfig{
		Addr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		Password: envconfig.GetEnv("REDIS_PASSWORD", ""),
		DB:       envconfig.GetEnvInt("REDIS_DB", 0),
		TLS:      commonredis.TLSOptionsFromEnv(),
	}
}

func loadTracing() TracingConfig {
	return TracingConfig{
		Enabled:    envconfig.GetEnvBool("TRACING_ENABLED", false),
		Endpoint:   envconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		SampleRate: envconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 0.1),
	}
}

// LoadGateway 加载网关配置
func LoadGateway() *GatewayConfig {
	return &GatewayConfig{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "order-gateway"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8081),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),

		Redis:   loadRedis(),
		Tracing: loadTracing(),

		OrderTimeout: envconfig.GetEnvDuration("ORDER_TIMEOUT", 30*time.Second),
		BusTimeout:   envconfig.GetEnvDuration("BUS_TIMEOUT", 3*time.Second),

		InstanceID:    envconfig.GetEnv("GATEWAY_INSTANCE_ID", envconfig.Hostname("gateway-1")),
		ConsumerGroup: envconfig.GetEnv("GATEWAY_CONSUMER_GROUP", "order-gateway"),
	}
}

// LoadRisk 加载风控引擎配置
func LoadRisk() *RiskConfig {
	return &RiskConfig{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "risk-engine"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8090),
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),

		Redis:   loadRedis(),
		Tracing: loadTracing(),

		RulesFile: envconfig.GetEnv("RISK_RULES_FILE", "./risk-rules.yaml"),

		ConsumerGroup: envconfig.GetEnv("RISK_CONSUMER_GROUP", "risk-engine"),
		ConsumerName:  envconfig.GetEnv("RISK_CONSUMER_NAME", envconfig.Hostname("risk-engine-1")),

		BusTimeout:   envconfig.GetEnvDuration("BUS_TIMEOUT", 3*time.Second),
		CacheTimeout: envconfig.GetEnvDuration("CACHE_TIMEOUT", 2*time.Second),

		ApprovalRetention: envconfig.GetEnvDuration("APPROVAL_RETRY_RETENTION", 10*time.Minute),

		BaseEquity:         envconfig.GetEnvFloat64("BASE_EQUITY", 1000),
		DefaultFreeBalance: envconfig.GetEnvFloat64("DEFAULT_FREE_BALANCE", 0),

		CircuitBreakerWindow: envconfig.GetEnvDuration("CIRCUIT_BREAKER_WINDOW", time.Minute),

		StreamMaxLen:       envconfig.GetEnvInt64("STREAM_MAX_LEN", 100000),
		StreamTrimSchedule: envconfig.GetEnv("STREAM_TRIM_SCHEDULE", "@every 1m"),
	}
}
