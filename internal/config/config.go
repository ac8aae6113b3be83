package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Consolidation  ConsolidationConfig  `mapstructure:"consolidation"`
	EntityStore    EntityStoreConfig    `mapstructure:"entity_store"`
	AutoApply      AutoApplyConfig      `mapstructure:"auto_apply"`
	API            APIConfig            `mapstructure:"api"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type ServerConfig struct {
	Port                int `mapstructure:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
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
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers           []string    `mapstructure:"brokers"`
	GroupID           string      `mapstructure:"group_id"`
	ProposalTopic     string      `mapstructure:"proposal_topic"`
	ApplicationsTopic string      `mapstructure:"applications_topic"`
	DLQTopic          string      `mapstructure:"dlq_topic"`
	Retry             RetryConfig `mapstructure:"retry"`
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

type ConsolidationConfig struct {
	// OrderSensitiveArrays controls whether list-valued field changes must
	// match element order to count as identical during consensus and
	// subset deduplication.
	OrderSensitiveArrays bool `mapstructure:"order_sensitive_arrays"`
}

type EntityStoreConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type AutoApplyConfig struct {
	Enabled            bool            `mapstructure:"enabled"`
	MinConfidence      float64         `mapstructure:"min_confidence"`
	MaxProposalsPerRun int             `mapstructure:"max_proposals_per_run"`
	Parallelism        int             `mapstructure:"parallelism"`
	Frequency          FrequencyConfig `mapstructure:"frequency"`
	ExclusionRules     []ExclusionRule `mapstructure:"exclusion_rules"`
}

// ExclusionRule excludes a candidate group from unattended application when
// its CEL expression evaluates to true. The name becomes the exclusion
// reason reported in run statistics and metrics.
type ExclusionRule struct {
	Name       string `mapstructure:"name"`
	Expression string `mapstructure:"expression"`
}

type FrequencyConfig struct {
	Mode     string         `mapstructure:"mode"` // "interval", "daily", "weekly"
	Interval IntervalConfig `mapstructure:"interval"`
	Daily    WindowConfig   `mapstructure:"daily"`
	Weekly   WeeklyConfig   `mapstructure:"weekly"`
}

type IntervalConfig struct {
	BaseMinutes   int           `mapstructure:"base_minutes"`
	JitterMinutes int           `mapstructure:"jitter_minutes"`
	Window        *WindowConfig `mapstructure:"window"`
}

// WindowConfig is a daily time window, both bounds in "15:04" wall-clock
// format. End before start means the window wraps past midnight.
type WindowConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

type WeeklyConfig struct {
	Weekdays []string     `mapstructure:"weekdays"`
	Window   WindowConfig `mapstructure:"window"`
}

type APIConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
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

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
