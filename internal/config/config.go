package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	Agent          AgentConfig
	Changefeed     ChangefeedConfig
	Dimensions     []DimensionSpec
	RateLimit      RateLimitConfig
	CircuitBreaker CircuitBreakerConfig
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers     []string    `mapstructure:"brokers"`
	GroupID     string      `mapstructure:"group_id"`
	ChangeTopic string      `mapstructure:"change_topic"`
	EventTopic  string      `mapstructure:"event_topic"`
	Retry       RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AgentConfig tunes the synchronization engine.
type AgentConfig struct {
	PruneInterval    time.Duration `mapstructure:"prune_interval"`
	PruneDebounce    time.Duration `mapstructure:"prune_debounce"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	EventBuffer      int           `mapstructure:"event_buffer"`
}

// ChangefeedConfig selects how row-level mutations of a source relation
// reach the agent: "listen" (Postgres LISTEN/NOTIFY), "poll" (watermark
// polling) or "kafka" (a CDC topic consumed from the broker).
type ChangefeedConfig struct {
	Type         string        `mapstructure:"type"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DimensionSpec is the static configuration for one filter dimension.
// Enabled defaults to true when omitted.
type DimensionSpec struct {
	Name              string `mapstructure:"name"`
	SourceTable       string `mapstructure:"source_table"`
	SourceColumn      string `mapstructure:"source_column"`
	MasterTable       string `mapstructure:"master_table"`
	Enabled           *bool  `mapstructure:"enabled"`
	RefreshIntervalMS int    `mapstructure:"refresh_interval_ms"`
	ValueFilter       string `mapstructure:"value_filter"`
}

func (d DimensionSpec) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}
