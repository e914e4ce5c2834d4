// Package config handles configuration loading for threatflow.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"threatflow/internal/kafka"
	"threatflow/internal/reports"
	"threatflow/internal/secrets"
	"threatflow/internal/storage"
	"threatflow/internal/storage/s3"
)

// Config holds the complete application configuration.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Storage      StorageConfig      `yaml:"storage"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Reports      ReportsConfig      `yaml:"reports"`
	Secrets      secrets.Config     `yaml:"secrets"`
	Encryption   EncryptionConfig   `yaml:"encryption"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Notify       NotifyConfig       `yaml:"notify"`
	Ticketing    TicketingConfig    `yaml:"ticketing"`
}

// TicketingConfig holds the external ticketing gateway settings. When
// disabled, tickets are logged instead of forwarded.
type TicketingConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
	Retention  storage.RetentionConfig  `yaml:"retention"`
}

// RedisConfig holds the integration status cache settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig holds the trigger/execution stream settings.
type KafkaConfig struct {
	Enabled bool `yaml:"enabled"`

	kafka.Config `yaml:",inline"`

	// ExecutionTopic receives terminal execution outcomes. The inline
	// Topic is the trigger topic the bridge consumes.
	ExecutionTopic string `yaml:"execution_topic"`
}

// ReportsConfig holds report worker and artifact storage settings.
type ReportsConfig struct {
	Enabled bool            `yaml:"enabled"`
	Worker  reports.Config  `yaml:"worker"`
	S3      s3.Config       `yaml:"s3"`
}

// EncryptionConfig holds credential-at-rest settings. KeyRef is resolved
// through the secrets manager ("env:NAME", "file:name", or a literal).
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	KeyRef  string `yaml:"key_ref"`
}

// OrchestratorConfig holds integration fan-out settings.
type OrchestratorConfig struct {
	MinConfidence float64       `yaml:"min_confidence"`
	SyncInterval  time.Duration `yaml:"sync_interval"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	Slack   SlackChannelConfig   `yaml:"slack"`
	Webhook WebhookChannelConfig `yaml:"webhook"`
}

// SlackChannelConfig configures the Slack notification channel.
type SlackChannelConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// WebhookChannelConfig configures the generic webhook channel.
type WebhookChannelConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	kafkaCfg := kafka.DefaultConfig()

	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			ClickHouse: storage.DefaultClickHouseConfig(),
			Retention:  storage.DefaultRetentionConfig(),
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Kafka: KafkaConfig{
			Enabled:        false,
			Config:         *kafkaCfg,
			ExecutionTopic: "threatflow-executions",
		},
		Reports: ReportsConfig{
			Enabled: false,
			Worker:  *reports.DefaultConfig(),
			S3:      *s3.DefaultConfig(),
		},
		Secrets: secrets.DefaultConfig(),
		Encryption: EncryptionConfig{
			Enabled: false,
			KeyRef:  "env:ENCRYPTION_KEY",
		},
		Orchestrator: OrchestratorConfig{
			MinConfidence: 0,
			SyncInterval:  time.Minute,
		},
		Notify: NotifyConfig{
			Slack: SlackChannelConfig{
				Username: "threatflow",
			},
		},
		Ticketing: TicketingConfig{
			Enabled: false,
			Timeout: 30 * time.Second,
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("THREATFLOW_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("THREATFLOW_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(host, ",")
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if addr := os.Getenv("THREATFLOW_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if pass := os.Getenv("THREATFLOW_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if brokers := os.Getenv("THREATFLOW_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	if topic := os.Getenv("THREATFLOW_KAFKA_TOPIC"); topic != "" {
		c.Kafka.Topic = topic
	}

	if bucket := os.Getenv("THREATFLOW_REPORTS_BUCKET"); bucket != "" {
		c.Reports.S3.Bucket = bucket
		c.Reports.Enabled = true
	}
	if region := os.Getenv("THREATFLOW_REPORTS_REGION"); region != "" {
		c.Reports.S3.Region = region
	}
	if endpoint := os.Getenv("THREATFLOW_REPORTS_ENDPOINT"); endpoint != "" {
		c.Reports.S3.Endpoint = endpoint
	}

	if ref := os.Getenv("THREATFLOW_ENCRYPTION_KEY_REF"); ref != "" {
		c.Encryption.KeyRef = ref
		c.Encryption.Enabled = true
	}

	if conf := os.Getenv("THREATFLOW_MIN_CONFIDENCE"); conf != "" {
		if v, err := strconv.ParseFloat(conf, 64); err == nil {
			c.Orchestrator.MinConfidence = v
		}
	}
	if interval := os.Getenv("THREATFLOW_SYNC_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			c.Orchestrator.SyncInterval = d
		}
	}
}

// splitAndTrim splits a string by separator and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Storage.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("config: clickhouse hosts are required")
	}

	if c.Orchestrator.MinConfidence < 0 || c.Orchestrator.MinConfidence > 1 {
		return fmt.Errorf("config: min_confidence must be in [0, 1], got %v", c.Orchestrator.MinConfidence)
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Config.Validate(); err != nil {
			return fmt.Errorf("config: kafka: %w", err)
		}
		if c.Kafka.ExecutionTopic == "" {
			return fmt.Errorf("config: kafka execution_topic is required")
		}
	}

	if c.Reports.Enabled {
		if err := c.Reports.S3.Validate(); err != nil {
			return fmt.Errorf("config: reports: %w", err)
		}
	}

	if c.Ticketing.Enabled && c.Ticketing.BaseURL == "" {
		return fmt.Errorf("config: ticketing base_url is required when ticketing is enabled")
	}

	if c.Encryption.Enabled && c.Encryption.KeyRef == "" {
		return fmt.Errorf("config: encryption key_ref is required when encryption is enabled")
	}

	return nil
}
