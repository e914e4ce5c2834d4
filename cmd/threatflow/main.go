// Package main is the entry point for the threatflow automation core.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"threatflow/internal/config"
	"threatflow/internal/connector"
	"threatflow/internal/events"
	"threatflow/internal/kafka"
	"threatflow/internal/notify"
	"threatflow/internal/orchestrator"
	"threatflow/internal/reports"
	"threatflow/internal/secrets"
	"threatflow/internal/splunk"
	"threatflow/internal/storage"
	"threatflow/internal/storage/s3"
	"threatflow/internal/ticketing"
	"threatflow/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"clickhouse_hosts", cfg.Storage.ClickHouse.Hosts,
		"kafka_enabled", cfg.Kafka.Enabled,
		"reports_enabled", cfg.Reports.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secrets manager backs credential key resolution and config refs.
	secretsMgr, err := secrets.NewManager(cfg.Secrets, logger)
	if err != nil {
		slog.Error("failed to initialize secrets manager", "error", err)
		os.Exit(1)
	}

	var cipher *secrets.CredentialCipher
	if cfg.Encryption.Enabled {
		key, err := secretsMgr.ResolveRef(ctx, cfg.Encryption.KeyRef)
		if err != nil {
			slog.Error("failed to resolve encryption key", "error", err)
			os.Exit(1)
		}
		cipher, err = secrets.NewCredentialCipher([]byte(key))
		if err != nil {
			slog.Error("failed to initialize credential cipher", "error", err)
			os.Exit(1)
		}
	}

	// Persistence.
	slog.Info("connecting to ClickHouse",
		"hosts", cfg.Storage.ClickHouse.Hosts,
		"database", cfg.Storage.ClickHouse.Database,
	)
	chClient, err := storage.NewClickHouseClient(cfg.Storage.ClickHouse)
	if err != nil {
		slog.Error("failed to connect to ClickHouse", "error", err)
		os.Exit(1)
	}
	defer chClient.Close()

	slog.Info("running database migrations")
	migrator := storage.NewMigrator(chClient)
	if err := migrator.Run(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	retention := storage.NewRetentionManager(chClient, cfg.Storage.Retention)
	if err := retention.ApplyTTLs(ctx); err != nil {
		slog.Warn("failed to apply retention policies", "error", err)
	}

	store := storage.NewStore(chClient, cipher)

	// Integration registry and fan-out.
	factory := connector.NewFactory()
	splunk.Register(factory)

	var cache orchestrator.StatusCache
	var redisCache *orchestrator.RedisStatusCache
	if cfg.Redis.Enabled {
		redisCache, err = orchestrator.NewRedisStatusCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		cache = redisCache
	}

	orch := orchestrator.New(factory, store, cache, logger, orchestrator.Options{
		MinConfidence: cfg.Orchestrator.MinConfidence,
		SyncInterval:  cfg.Orchestrator.SyncInterval,
	})
	if err := orch.LoadPersisted(ctx); err != nil {
		slog.Error("failed to load persisted integrations", "error", err)
		os.Exit(1)
	}
	orch.StartSync(ctx)

	// Notification channels.
	dispatcher := notify.NewDispatcher(logger)
	dispatcher.Register(notify.NewLogChannel(logger))
	if cfg.Notify.Slack.Enabled {
		dispatcher.Register(notify.NewSlackChannel(
			cfg.Notify.Slack.WebhookURL,
			cfg.Notify.Slack.Channel,
			cfg.Notify.Slack.Username,
		))
	}
	if cfg.Notify.Webhook.Enabled {
		dispatcher.Register(notify.NewWebhookChannel(
			"webhook", cfg.Notify.Webhook.URL, cfg.Notify.Webhook.Headers,
		))
	}

	// Engine store: base persistence, then notification dispatch, then
	// execution-event publishing when Kafka is on.
	var engineStore workflow.Store = notify.NewStore(store, dispatcher)

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		admin, err := kafka.NewAdmin(&cfg.Kafka.Config, logger)
		if err != nil {
			slog.Error("failed to create kafka admin", "error", err)
			os.Exit(1)
		}
		for _, topic := range []string{cfg.Kafka.Topic, cfg.Kafka.ExecutionTopic} {
			topicCfg := kafka.TopicConfig{
				Name:              topic,
				Partitions:        cfg.Kafka.Partitions,
				ReplicationFactor: cfg.Kafka.ReplicationFactor,
				RetentionMs:       cfg.Kafka.RetentionMs,
			}
			if err := admin.EnsureTopic(ctx, topicCfg); err != nil {
				slog.Warn("failed to ensure kafka topic", "topic", topic, "error", err)
			}
		}

		producer, err = kafka.NewProducer(&cfg.Kafka.Config, logger)
		if err != nil {
			slog.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
		publisher := events.NewPublisher(producer, cfg.Kafka.ExecutionTopic, logger)
		engineStore = events.NewStore(engineStore, publisher, logger)
	}

	// Ticketing collaborator.
	var ticketSvc ticketing.Service
	if cfg.Ticketing.Enabled {
		ticketSvc = ticketing.NewWebhookService(
			cfg.Ticketing.BaseURL, cfg.Ticketing.APIKey, cfg.Ticketing.Timeout, logger,
		)
	} else {
		ticketSvc = ticketing.NewLogService(logger)
	}

	engine := workflow.NewEngine(engineStore, workflow.Collaborators{
		Ticketing:  ticketSvc,
		Detections: orch,
		Statuses:   orch,
	}, logger)

	// Trigger stream.
	var bridge *events.Bridge
	if cfg.Kafka.Enabled {
		bridge, err = events.NewBridge(&cfg.Kafka.Config, engine, logger)
		if err != nil {
			slog.Error("failed to create trigger bridge", "error", err)
			os.Exit(1)
		}
		if err := bridge.Start(); err != nil {
			slog.Error("failed to start trigger bridge", "error", err)
			os.Exit(1)
		}
	}

	// Report worker.
	var reportWorker *reports.Worker
	if cfg.Reports.Enabled {
		s3Client, err := s3.NewClient(ctx, &cfg.Reports.S3, logger)
		if err != nil {
			slog.Error("failed to create s3 client", "error", err)
			os.Exit(1)
		}
		reportWorker = reports.NewWorker(&cfg.Reports.Worker, store, s3Client, logger)
		reportWorker.Start()
	}

	slog.Info("threatflow started", "integrations", len(orch.ListIntegrations()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if bridge != nil {
		if err := bridge.Stop(); err != nil {
			slog.Error("trigger bridge stop error", "error", err)
		}
	}

	// Let in-flight workflow runs finish before closing shared clients.
	engine.Wait()

	if reportWorker != nil {
		reportWorker.Stop()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			slog.Error("kafka producer close error", "error", err)
		}
	}

	orch.Stop(shutdownCtx)

	slog.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
