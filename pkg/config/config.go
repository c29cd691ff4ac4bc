package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Book     BookConfig     `mapstructure:"book"`
	Hub      HubConfig      `mapstructure:"hub"`
	Feedsim  FeedsimConfig  `mapstructure:"feedsim"`
}

type AppConfig struct {
	Port       string `mapstructure:"port"`
	Env        string `mapstructure:"env"` // e.g., "local", "prod"
	InstanceID string `mapstructure:"instance_id"`
}

type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Brokers    []string `mapstructure:"brokers"`
	Topic      string   `mapstructure:"topic"`
	GroupID    string   `mapstructure:"group_id"`
	NumWorkers int      `mapstructure:"num_workers"`

	Partitions        int `mapstructure:"partitions"`
	ReplicationFactor int `mapstructure:"replication_factor"`
}

type AuthConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// UpstreamConfig drives the quote ingestion manager.
type UpstreamConfig struct {
	StreamURL            string        `mapstructure:"stream_url"`
	RestURL              string        `mapstructure:"rest_url"`
	APIKey               string        `mapstructure:"api_key"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	BackoffMin           time.Duration `mapstructure:"backoff_min"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	BatchSize            int           `mapstructure:"batch_size"`
	RateLimit            int           `mapstructure:"rate_limit"` // requests per rolling minute
	QuoteTTL             time.Duration `mapstructure:"quote_ttl"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	MockFallback         bool          `mapstructure:"mock_fallback"`
}

type BookConfig struct {
	Levels        int           `mapstructure:"levels"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	StepFraction  float64       `mapstructure:"step_fraction"`
	BaseQuantity  float64       `mapstructure:"base_quantity"`
	Decay         float64       `mapstructure:"decay"`
	PerturbLevels int           `mapstructure:"perturb_levels"`
	PerturbPct    float64       `mapstructure:"perturb_pct"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

type HubConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SendBuffer    int           `mapstructure:"send_buffer"`
	AdminRoles    []string      `mapstructure:"admin_roles"`
}

type FeedsimConfig struct {
	Port     string        `mapstructure:"port"`
	Interval time.Duration `mapstructure:"interval"`
	Symbols  []string      `mapstructure:"symbols"`
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// .env only seeds the process environment; real env vars still win.
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	setDefaults(v)

	// "app.port" -> "APP_PORT"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat env vars only reach nested structs once the key is bound.
	bindEnv(v, "app.port", "app.env", "app.instance_id")
	bindEnv(v, "logger.level", "logger.development")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "kafka.enabled", "kafka.brokers", "kafka.topic", "kafka.group_id", "kafka.num_workers",
		"kafka.partitions", "kafka.replication_factor")
	bindEnv(v, "auth.secret", "auth.issuer")
	bindEnv(v, "upstream.stream_url", "upstream.rest_url", "upstream.api_key",
		"upstream.heartbeat_interval", "upstream.max_reconnect_attempts",
		"upstream.backoff_min", "upstream.backoff_max", "upstream.poll_interval",
		"upstream.batch_size", "upstream.rate_limit", "upstream.quote_ttl",
		"upstream.request_timeout", "upstream.mock_fallback")
	bindEnv(v, "book.levels", "book.tick_interval", "book.step_fraction", "book.base_quantity",
		"book.decay", "book.perturb_levels", "book.perturb_pct", "book.cache_ttl")
	bindEnv(v, "hub.idle_timeout", "hub.sweep_interval", "hub.send_buffer", "hub.admin_roles")
	bindEnv(v, "feedsim.port", "feedsim.interval", "feedsim.symbols")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")
	v.SetDefault("app.instance_id", "")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "market_events")
	v.SetDefault("kafka.group_id", "market-gateway")
	v.SetDefault("kafka.num_workers", 4)
	v.SetDefault("kafka.partitions", 4)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("upstream.stream_url", "ws://localhost:9090/stream")
	v.SetDefault("upstream.rest_url", "http://localhost:9090")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.heartbeat_interval", "10s")
	v.SetDefault("upstream.max_reconnect_attempts", 5)
	v.SetDefault("upstream.backoff_min", "1s")
	v.SetDefault("upstream.backoff_max", "30s")
	v.SetDefault("upstream.poll_interval", "15s")
	v.SetDefault("upstream.batch_size", 8)
	v.SetDefault("upstream.rate_limit", 55)
	v.SetDefault("upstream.quote_ttl", "60s")
	v.SetDefault("upstream.request_timeout", "5s")
	v.SetDefault("upstream.mock_fallback", true)

	v.SetDefault("book.levels", 20)
	v.SetDefault("book.tick_interval", "1s")
	v.SetDefault("book.step_fraction", 0.0005)
	v.SetDefault("book.base_quantity", 1000.0)
	v.SetDefault("book.decay", 0.9)
	v.SetDefault("book.perturb_levels", 5)
	v.SetDefault("book.perturb_pct", 0.1)
	v.SetDefault("book.cache_ttl", "30s")

	v.SetDefault("hub.idle_timeout", "5m")
	v.SetDefault("hub.sweep_interval", "30s")
	v.SetDefault("hub.send_buffer", 256)
	v.SetDefault("hub.admin_roles", []string{"admin", "owner"})

	v.SetDefault("feedsim.port", ":9090")
	v.SetDefault("feedsim.interval", "500ms")
	v.SetDefault("feedsim.symbols", []string{"AAPL", "GOOG", "TSLA", "AMZN", "MSFT"})
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty when kafka is enabled")
	}
	if c.App.Env != "local" && c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required outside local env")
	}
	if c.Book.Levels <= 0 {
		return fmt.Errorf("book levels must be positive, got %d", c.Book.Levels)
	}
	if c.Upstream.BatchSize <= 0 {
		return fmt.Errorf("upstream batch size must be positive, got %d", c.Upstream.BatchSize)
	}
	if c.Upstream.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("upstream max reconnect attempts must be positive, got %d", c.Upstream.MaxReconnectAttempts)
	}
	return nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
