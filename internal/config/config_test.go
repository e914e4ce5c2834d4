package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no clickhouse hosts", func(c *Config) { c.Storage.ClickHouse.Hosts = nil }},
		{"min_confidence above 1", func(c *Config) { c.Orchestrator.MinConfidence = 1.5 }},
		{"min_confidence negative", func(c *Config) { c.Orchestrator.MinConfidence = -0.1 }},
		{"kafka enabled without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}},
		{"kafka enabled without execution topic", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.ExecutionTopic = ""
		}},
		{"reports enabled without bucket", func(c *Config) {
			c.Reports.Enabled = true
			c.Reports.S3.Bucket = ""
		}},
		{"ticketing enabled without base url", func(c *Config) {
			c.Ticketing.Enabled = true
		}},
		{"encryption enabled without key ref", func(c *Config) {
			c.Encryption.Enabled = true
			c.Encryption.KeyRef = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: debug
storage:
  clickhouse:
    hosts: ["ch1:9000", "ch2:9000"]
    database: threatflow_test
orchestrator:
  min_confidence: 0.75
kafka:
  enabled: true
  brokers: ["broker:9092"]
  topic: triggers
  execution_topic: executions
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("THREATFLOW_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
	if len(cfg.Storage.ClickHouse.Hosts) != 2 {
		t.Errorf("clickhouse hosts = %v", cfg.Storage.ClickHouse.Hosts)
	}
	if cfg.Storage.ClickHouse.Database != "threatflow_test" {
		t.Errorf("clickhouse database = %q", cfg.Storage.ClickHouse.Database)
	}
	if cfg.Orchestrator.MinConfidence != 0.75 {
		t.Errorf("min_confidence = %v", cfg.Orchestrator.MinConfidence)
	}
	if !cfg.Kafka.Enabled || cfg.Kafka.Topic != "triggers" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}

	// Defaults survive for unspecified sections.
	if cfg.Kafka.ExecutionTopic != "executions" {
		t.Errorf("execution_topic = %q", cfg.Kafka.ExecutionTopic)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %q, want default json", cfg.Logging.Format)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("THREATFLOW_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level = %q, want info", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("THREATFLOW_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	t.Setenv("THREATFLOW_LOG_LEVEL", "warn")
	t.Setenv("CLICKHOUSE_HOST", "a:9000, b:9000")
	t.Setenv("THREATFLOW_REDIS_ADDR", "cache:6379")
	t.Setenv("THREATFLOW_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("THREATFLOW_MIN_CONFIDENCE", "0.5")
	t.Setenv("THREATFLOW_SYNC_INTERVAL", "2m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
	if got := cfg.Storage.ClickHouse.Hosts; len(got) != 2 || got[0] != "a:9000" || got[1] != "b:9000" {
		t.Errorf("clickhouse hosts = %v", got)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "cache:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if cfg.Orchestrator.MinConfidence != 0.5 {
		t.Errorf("min_confidence = %v", cfg.Orchestrator.MinConfidence)
	}
	if cfg.Orchestrator.SyncInterval != 2*time.Minute {
		t.Errorf("sync_interval = %v", cfg.Orchestrator.SyncInterval)
	}
}
