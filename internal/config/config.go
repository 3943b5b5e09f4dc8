package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Sentry      SentryConfig     `mapstructure:"sentry"`
	Analyzer    AnalyzerConfig   `mapstructure:"analyzer"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Escalation  EscalationConfig `mapstructure:"escalation"`
	Routing     RoutingConfig    `mapstructure:"routing"`
	Affinity    AffinityConfig   `mapstructure:"affinity"`
	Catalog     CatalogConfig    `mapstructure:"catalog"`
	Providers   ProvidersConfig  `mapstructure:"providers"`
	Security    SecurityConfig   `mapstructure:"security"`
	RateLimit   RateLimitConfig  `mapstructure:"rate_limit"`
	Jobs        JobsConfig       `mapstructure:"jobs"`
	Events      EventsConfig     `mapstructure:"events"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	DatabaseURL     string `mapstructure:"database_url"`
	ApplicationName string `mapstructure:"application_name"`
	ConnectTimeout  int    `mapstructure:"connect_timeout"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime string `mapstructure:"conn_max_idle_time"`
	SQLitePath      string `mapstructure:"sqlite_path"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for go-redis options.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type SentryConfig struct {
	DSN              string  `mapstructure:"dsn"`
	Environment      string  `mapstructure:"environment"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"`
}

// AnalyzerConfig tunes the complexity pipeline.
type AnalyzerConfig struct {
	Mode                string        `mapstructure:"mode"`
	ComponentTimeout    time.Duration `mapstructure:"component_timeout"`
	Workers             int           `mapstructure:"workers"`
	QueueSize           int           `mapstructure:"queue_size"`
	ConflictThreshold   float64       `mapstructure:"conflict_threshold"`
	ConflictPenalty     float64       `mapstructure:"conflict_penalty"`
	ConsensusBonus      float64       `mapstructure:"consensus_bonus"`
	EscalationThreshold float64       `mapstructure:"escalation_threshold"`
	UseTiktoken         bool          `mapstructure:"use_tiktoken"`
}

type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Prefix     string        `mapstructure:"prefix"`
	LocalSize  int           `mapstructure:"local_size"`
	LongTTL    time.Duration `mapstructure:"long_ttl"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	ShortTTL   time.Duration `mapstructure:"short_ttl"`
}

// EscalationConfig describes the remote classification model.
type EscalationConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Provider         string        `mapstructure:"provider"`
	Model            string        `mapstructure:"model"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxConcurrent    int64         `mapstructure:"max_concurrent"`
	MaxTokens        int           `mapstructure:"max_tokens"`
	InputPricePer1K  float64       `mapstructure:"input_price_per_1k"`
	OutputPricePer1K float64       `mapstructure:"output_price_per_1k"`
}

type RoutingConfig struct {
	DefaultStrategy   string        `mapstructure:"default_strategy"`
	DefaultMaxTokens  int           `mapstructure:"default_max_tokens"`
	EmergencyProvider string        `mapstructure:"emergency_provider"`
	EmergencyModel    string        `mapstructure:"emergency_model"`
	Seed              int64         `mapstructure:"seed"`
	CatalogTTL        time.Duration `mapstructure:"catalog_ttl"`
	ExecutionTimeout  time.Duration `mapstructure:"execution_timeout"`
}

type AffinityConfig struct {
	Store     string `mapstructure:"store"`
	LocalSize int    `mapstructure:"local_size"`
}

type CatalogConfig struct {
	Source      string        `mapstructure:"source"`
	File        string        `mapstructure:"file"`
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
}

type ProviderConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
}

type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
	AdminToken    string `mapstructure:"admin_token"`
}

// RateLimitConfig bounds requests per organization (or client IP) on /api/v1.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// JobsConfig drives the Redis write-behind queue for usage records.
type JobsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Namespace    string        `mapstructure:"namespace"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// EventsConfig controls decision/outcome publishing and catalog invalidation
// fan-out over Redis pub/sub.
type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Source  string `mapstructure:"source"`
}

// Load reads config.yaml (optional) and environment overrides. Nested keys map
// to upper-case env names with underscores, e.g. ANALYZER_COMPONENT_TIMEOUT.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/optiroute")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.sqlite_path", "SQLITE_PATH", "DATABASE_SQLITE_PATH")
	_ = v.BindEnv("database.database_url", "DATABASE_URL", "DATABASE_DATABASE_URL")
	_ = v.BindEnv("sentry.dsn", "SENTRY_DSN")
	_ = v.BindEnv("providers.openai.api_key", "OPENAI_API_KEY", "PROVIDERS_OPENAI_API_KEY")
	_ = v.BindEnv("security.admin_token", "ADMIN_API_KEY", "SECURITY_ADMIN_TOKEN")
	_ = v.BindEnv("providers.anthropic.api_key", "ANTHROPIC_API_KEY", "PROVIDERS_ANTHROPIC_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "change-me-in-production")
	v.SetDefault("database.dbname", "optiroute")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.database_url", "")
	v.SetDefault("database.application_name", "optiroute")
	v.SetDefault("database.connect_timeout", 10)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "300s")
	v.SetDefault("database.conn_max_idle_time", "60s")
	v.SetDefault("database.sqlite_path", "optiroute.db")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "")
	v.SetDefault("sentry.traces_sample_rate", 0.1)

	v.SetDefault("analyzer.mode", "parallel")
	v.SetDefault("analyzer.component_timeout", "40ms")
	v.SetDefault("analyzer.workers", 16)
	v.SetDefault("analyzer.queue_size", 256)
	v.SetDefault("analyzer.conflict_threshold", 0.3)
	v.SetDefault("analyzer.conflict_penalty", 0.2)
	v.SetDefault("analyzer.consensus_bonus", 0.1)
	v.SetDefault("analyzer.escalation_threshold", 0.75)
	v.SetDefault("analyzer.use_tiktoken", false)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.prefix", "complexity:v1")
	v.SetDefault("cache.local_size", 4096)
	v.SetDefault("cache.long_ttl", "2h")
	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.short_ttl", "30m")

	v.SetDefault("escalation.enabled", true)
	v.SetDefault("escalation.provider", "openai")
	v.SetDefault("escalation.model", "gpt-4o-mini")
	v.SetDefault("escalation.timeout", "3s")
	v.SetDefault("escalation.max_concurrent", 8)
	v.SetDefault("escalation.max_tokens", 400)
	v.SetDefault("escalation.input_price_per_1k", 0.00015)
	v.SetDefault("escalation.output_price_per_1k", 0.0006)

	v.SetDefault("routing.default_strategy", "balanced")
	v.SetDefault("routing.default_max_tokens", 1000)
	v.SetDefault("routing.emergency_provider", "openai")
	v.SetDefault("routing.emergency_model", "gpt-4o-mini")
	v.SetDefault("routing.seed", 0)
	v.SetDefault("routing.catalog_ttl", "1m")
	v.SetDefault("routing.execution_timeout", "60s")

	v.SetDefault("affinity.store", "redis")
	v.SetDefault("affinity.local_size", 10000)

	v.SetDefault("catalog.source", "database")
	v.SetDefault("catalog.file", "catalog.yaml")
	v.SetDefault("catalog.load_timeout", "30s")

	v.SetDefault("providers.openai.api_key", "")
	v.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.openai.timeout", "60s")
	v.SetDefault("providers.anthropic.api_key", "")
	v.SetDefault("providers.anthropic.base_url", "https://api.anthropic.com/v1")
	v.SetDefault("providers.anthropic.timeout", "60s")

	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.admin_token", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 600)
	v.SetDefault("rate_limit.window", "1m")

	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.namespace", "optiroute:jobs")
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.retry_backoff", "2s")
	v.SetDefault("jobs.concurrency", 2)
	v.SetDefault("jobs.poll_interval", "200ms")

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.source", "optiroute")
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Analyzer.Mode {
	case "parallel", "serial":
	default:
		return fmt.Errorf("invalid analyzer.mode %q (supported: parallel, serial)", c.Analyzer.Mode)
	}
	switch c.Affinity.Store {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid affinity.store %q (supported: redis, memory)", c.Affinity.Store)
	}
	switch c.Catalog.Source {
	case "database", "file":
	default:
		return fmt.Errorf("invalid catalog.source %q (supported: database, file)", c.Catalog.Source)
	}
	if _, ok := models.ParseStrategy(c.Routing.DefaultStrategy); !ok {
		return fmt.Errorf("invalid routing.default_strategy %q (supported: cost_first, quality_first, performance_first, balanced)", c.Routing.DefaultStrategy)
	}
	if c.Analyzer.ComponentTimeout <= 0 {
		return fmt.Errorf("analyzer.component_timeout must be positive")
	}
	if c.Escalation.Timeout <= 0 {
		return fmt.Errorf("escalation.timeout must be positive")
	}
	if c.Analyzer.Workers <= 0 {
		return fmt.Errorf("analyzer.workers must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.requests and rate_limit.window must be positive")
	}
	if c.Analyzer.ConflictPenalty < 0 || c.Analyzer.ConflictPenalty >= 1 {
		return fmt.Errorf("analyzer.conflict_penalty must be in [0,1)")
	}
	return nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
