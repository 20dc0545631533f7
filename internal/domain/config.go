package domain

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which infrastructure backends are used
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Decisioning
	RiskConfig RiskConfigSettings `json:"riskConfig"`
	Assessment AssessmentConfig   `json:"assessment"`
	Worker     WorkerConfig       `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// RiskConfigSettings controls where rule weights and grade thresholds come from
// and how often they are refreshed.
type RiskConfigSettings struct {
	// Source is "store" (repository tables) or "file" (YAML document).
	Source          string        `json:"source"`
	FilePath        string        `json:"filePath"`
	RefreshInterval time.Duration `json:"refreshInterval"`
	FetchTimeout    time.Duration `json:"fetchTimeout"`
}

// AssessmentConfig bounds the external lookups performed per assessment.
type AssessmentConfig struct {
	LookupTimeout  time.Duration `json:"lookupTimeout"`
	FallbackTTL    time.Duration `json:"fallbackTtl"`
	InquiryWindow  time.Duration `json:"inquiryWindow"`
	PublishRetries int           `json:"publishRetries"`
}

// WorkerConfig enables the bus-driven assessment worker.
type WorkerConfig struct {
	Enabled     bool `json:"enabled"`
	WorkerCount int  `json:"workerCount"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process LRU and Go channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS (or Kafka).
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		RiskConfig: RiskConfigSettings{
			Source:          "store",
			RefreshInterval: 5 * time.Minute,
			FetchTimeout:    5 * time.Second,
		},
		Assessment: AssessmentConfig{
			LookupTimeout:  3 * time.Second,
			FallbackTTL:    24 * time.Hour,
			InquiryWindow:  30 * 24 * time.Hour,
			PublishRetries: 3,
		},
		Worker: WorkerConfig{
			Enabled:     false,
			WorkerCount: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		ConsumerGroup:     "kestrel-workers",
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig picks the tier from KESTREL_TIER and applies environment overrides.
func LoadConfig() *Config {
	cfg := DefaultConfig()
	if strings.EqualFold(os.Getenv("KESTREL_TIER"), string(TierPro)) {
		cfg = ProConfig()
	}
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides settings from KESTREL_* environment variables.
// Unset or unparsable variables leave the current value untouched.
func (c *Config) ApplyEnv() {
	c.Server.Host = getEnv("KESTREL_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("KESTREL_PORT", c.Server.Port)

	c.Repository.Driver = getEnv("KESTREL_DB_DRIVER", c.Repository.Driver)
	c.Repository.SQLitePath = getEnv("KESTREL_SQLITE_PATH", c.Repository.SQLitePath)
	c.Repository.PostgresHost = getEnv("KESTREL_DB_HOST", c.Repository.PostgresHost)
	c.Repository.PostgresPort = getEnvInt("KESTREL_DB_PORT", c.Repository.PostgresPort)
	c.Repository.PostgresUser = getEnv("KESTREL_DB_USER", c.Repository.PostgresUser)
	c.Repository.PostgresPassword = getEnv("KESTREL_DB_PASSWORD", c.Repository.PostgresPassword)
	c.Repository.PostgresDB = getEnv("KESTREL_DB_NAME", c.Repository.PostgresDB)
	c.Repository.PostgresSSLMode = getEnv("KESTREL_DB_SSLMODE", c.Repository.PostgresSSLMode)

	c.Cache.Type = getEnv("KESTREL_CACHE", c.Cache.Type)
	c.Cache.RedisAddr = getEnv("KESTREL_REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = getEnv("KESTREL_REDIS_PASSWORD", c.Cache.RedisPassword)

	c.EventBus.Type = getEnv("KESTREL_BUS", c.EventBus.Type)
	c.EventBus.NATSUrl = getEnv("KESTREL_NATS_URL", c.EventBus.NATSUrl)
	if brokers := os.Getenv("KESTREL_KAFKA_BROKERS"); brokers != "" {
		c.EventBus.KafkaBrokers = strings.Split(brokers, ",")
	}
	c.EventBus.ConsumerGroup = getEnv("KESTREL_CONSUMER_GROUP", c.EventBus.ConsumerGroup)

	c.RiskConfig.Source = getEnv("KESTREL_RISK_CONFIG_SOURCE", c.RiskConfig.Source)
	c.RiskConfig.FilePath = getEnv("KESTREL_RISK_CONFIG_FILE", c.RiskConfig.FilePath)
	c.RiskConfig.RefreshInterval = getEnvDuration("KESTREL_RISK_CONFIG_REFRESH", c.RiskConfig.RefreshInterval)

	c.Assessment.LookupTimeout = getEnvDuration("KESTREL_LOOKUP_TIMEOUT", c.Assessment.LookupTimeout)

	if v := os.Getenv("KESTREL_ASYNC_WORKER"); v != "" {
		c.Worker.Enabled = v == "true"
	}

	c.Logging.Level = getEnv("KESTREL_LOG_LEVEL", c.Logging.Level)
	if os.Getenv("KESTREL_DEBUG") == "true" {
		c.Logging.Level = "debug"
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
