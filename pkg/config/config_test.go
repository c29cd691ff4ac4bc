package config_test

import (
	"testing"
	"time"

	"github.com/shubham-shewale/marketstream/pkg/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.App.Port != ":8080" {
		t.Errorf("Expected default port :8080, got %s", cfg.App.Port)
	}
	if cfg.Book.Levels != 20 {
		t.Errorf("Expected 20 book levels, got %d", cfg.Book.Levels)
	}
	if cfg.Upstream.HeartbeatInterval != 10*time.Second {
		t.Errorf("Expected 10s heartbeat, got %s", cfg.Upstream.HeartbeatInterval)
	}
	if cfg.Hub.IdleTimeout != 5*time.Minute {
		t.Errorf("Expected 5m idle timeout, got %s", cfg.Hub.IdleTimeout)
	}
	if len(cfg.Hub.AdminRoles) == 0 {
		t.Error("Expected default admin roles")
	}
	if cfg.Kafka.Partitions != 4 || cfg.Kafka.ReplicationFactor != 1 {
		t.Errorf("Expected 4 partitions x1, got %d x%d", cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("APP_PORT", ":9999")
	t.Setenv("UPSTREAM_RATE_LIMIT", "7")
	t.Setenv("BOOK_TICK_INTERVAL", "250ms")
	t.Setenv("KAFKA_PARTITIONS", "12")

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.App.Port != ":9999" {
		t.Errorf("Expected env port :9999, got %s", cfg.App.Port)
	}
	if cfg.Upstream.RateLimit != 7 {
		t.Errorf("Expected rate limit 7, got %d", cfg.Upstream.RateLimit)
	}
	if cfg.Book.TickInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms tick, got %s", cfg.Book.TickInterval)
	}
	if cfg.Kafka.Partitions != 12 {
		t.Errorf("Expected 12 partitions, got %d", cfg.Kafka.Partitions)
	}
}

func TestLoadConfig_RequiresSecretOutsideLocal(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("AUTH_SECRET", "")

	if _, err := config.LoadConfig(); err == nil {
		t.Error("Expected error when auth secret is missing in prod")
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	if _, err := config.NewLogger(config.LoggerConfig{Level: "loud"}); err == nil {
		t.Error("Expected error for invalid log level")
	}

	logger, err := config.NewLogger(config.LoggerConfig{Level: "debug", Development: true})
	if err != nil {
		t.Fatalf("Expected valid logger, got %v", err)
	}
	logger.Sync()
}
