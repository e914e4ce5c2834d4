package kafka

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Brokers) == 0 {
		t.Error("expected default brokers")
	}
	if cfg.Topic != "threatflow-triggers" {
		t.Errorf("topic = %q, want threatflow-triggers", cfg.Topic)
	}
	if cfg.ConsumerGroup != "threatflow-workflows" {
		t.Errorf("consumer group = %q, want threatflow-workflows", cfg.ConsumerGroup)
	}
	if cfg.Partitions < 1 {
		t.Error("expected partitions >= 1")
	}
	if cfg.ReplicationFactor < 1 {
		t.Error("expected replication factor >= 1")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty brokers",
			modify: func(c *Config) {
				c.Brokers = nil
			},
			wantErr: true,
		},
		{
			name: "empty topic",
			modify: func(c *Config) {
				c.Topic = ""
			},
			wantErr: true,
		},
		{
			name: "invalid partitions",
			modify: func(c *Config) {
				c.Partitions = 0
			},
			wantErr: true,
		},
		{
			name: "invalid replication factor",
			modify: func(c *Config) {
				c.ReplicationFactor = 0
			},
			wantErr: true,
		},
		{
			name: "invalid security protocol",
			modify: func(c *Config) {
				c.SecurityProtocol = "INVALID"
			},
			wantErr: true,
		},
		{
			name: "SASL without credentials",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
				c.SASLUsername = ""
			},
			wantErr: true,
		},
		{
			name: "valid SASL config",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
			},
			wantErr: false,
		},
		{
			name: "SCRAM-SHA-256",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "SCRAM-SHA-256"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
				c.TLSSkipVerify = true
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetCompression(t *testing.T) {
	tests := []struct {
		compression string
		wantNonZero bool
	}{
		{"gzip", true},
		{"snappy", true},
		{"lz4", true},
		{"zstd", true},
		{"none", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CompressionType = tt.compression

			result := cfg.GetCompression()
			if tt.wantNonZero && result == 0 {
				t.Errorf("expected non-zero compression for %s", tt.compression)
			}
			if !tt.wantNonZero && result != 0 {
				t.Errorf("expected zero compression for %s", tt.compression)
			}
		})
	}
}

func TestGetDialer(t *testing.T) {
	cfg := DefaultConfig()

	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer == nil {
		t.Fatal("expected non-nil dialer")
	}
	if dialer.Timeout != cfg.DialTimeout {
		t.Errorf("timeout = %v, want %v", dialer.Timeout, cfg.DialTimeout)
	}
	if dialer.TLS != nil {
		t.Error("plaintext config should not carry TLS")
	}
}

func TestGetDialerWithTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLSEnabled = true
	cfg.TLSSkipVerify = true

	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer.TLS == nil {
		t.Error("expected TLS config to be set")
	}
}

func TestNewConsumerRequiresHandler(t *testing.T) {
	if _, err := NewConsumer(DefaultConfig(), nil, getTestLogger()); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestProducerClosedRejectsSend(t *testing.T) {
	producer := &Producer{
		config: DefaultConfig(),
		logger: getTestLogger(),
	}
	producer.closed.Store(true)

	err := producer.ProduceWithTopic(context.Background(), "", []byte("key"), []byte("value"))
	if err != ErrProducerClosed {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
}

func TestConsumerStartTwice(t *testing.T) {
	consumer := &Consumer{
		config: DefaultConfig(),
		logger: getTestLogger(),
	}
	consumer.started.Store(true)

	if err := consumer.StartAsync(); err == nil {
		t.Error("expected error when starting twice")
	}
}

// Integration tests - skipped if Kafka is not available.
func getTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func skipIfNoKafka(t *testing.T) {
	t.Helper()
	if os.Getenv("KAFKA_BROKERS") == "" {
		t.Skip("KAFKA_BROKERS not set, skipping integration test")
	}
}

func TestProducerIntegration(t *testing.T) {
	skipIfNoKafka(t)

	cfg := DefaultConfig()
	cfg.Brokers = []string{os.Getenv("KAFKA_BROKERS")}
	cfg.Topic = "test-triggers-" + time.Now().Format("20060102150405")
	cfg.ReplicationFactor = 1

	admin, err := NewAdmin(cfg, getTestLogger())
	if err != nil {
		t.Fatalf("NewAdmin() error = %v", err)
	}
	ctx := context.Background()
	if err := admin.EnsureTopic(ctx, TopicConfig{
		Name:              cfg.Topic,
		Partitions:        1,
		ReplicationFactor: 1,
		RetentionMs:       60_000,
	}); err != nil {
		t.Fatalf("EnsureTopic() error = %v", err)
	}

	producer, err := NewProducer(cfg, getTestLogger())
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}
	defer producer.Close()

	if err := producer.ProduceWithTopic(ctx, cfg.Topic, []byte("wf-1"), []byte(`{"kind":"manual"}`)); err != nil {
		t.Errorf("ProduceWithTopic() error = %v", err)
	}
	// Empty topic falls back to the trigger topic.
	if err := producer.ProduceWithTopic(ctx, "", []byte("wf-1"), []byte(`{"kind":"manual"}`)); err != nil {
		t.Errorf("ProduceWithTopic(default) error = %v", err)
	}
}

func TestAdminIntegration(t *testing.T) {
	skipIfNoKafka(t)

	cfg := DefaultConfig()
	cfg.Brokers = []string{os.Getenv("KAFKA_BROKERS")}
	cfg.ReplicationFactor = 1

	admin, err := NewAdmin(cfg, getTestLogger())
	if err != nil {
		t.Fatalf("NewAdmin() error = %v", err)
	}
	ctx := context.Background()

	name := "test-executions-" + time.Now().Format("20060102150405")
	topicCfg := TopicConfig{Name: name, Partitions: 1, ReplicationFactor: 1, RetentionMs: 60_000}
	if err := admin.EnsureTopic(ctx, topicCfg); err != nil {
		t.Fatalf("EnsureTopic() error = %v", err)
	}
	// Second ensure is a no-op.
	if err := admin.EnsureTopic(ctx, topicCfg); err != nil {
		t.Errorf("EnsureTopic() second call error = %v", err)
	}

	topics, err := admin.ListTopics(ctx)
	if err != nil {
		t.Fatalf("ListTopics() error = %v", err)
	}
	found := false
	for _, topic := range topics {
		if topic == name {
			found = true
		}
	}
	if !found {
		t.Errorf("topic %s missing from ListTopics()", name)
	}
}
