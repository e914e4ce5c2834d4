// Package events bridges the Kafka trigger stream into the workflow
// engine and publishes execution outcomes back out.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"threatflow/internal/kafka"
	"threatflow/internal/workflow"
)

// TriggerEvent is the wire format of one upstream trigger on the trigger
// topic. Unknown fields are ignored.
type TriggerEvent struct {
	Kind      string         `json:"kind"`
	JobID     string         `json:"job_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ExecutionEvent is published on the execution topic when a workflow run
// reaches a terminal status.
type ExecutionEvent struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	JobID       string    `json:"job_id,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Triggerer starts workflows for a trigger context. The workflow engine
// satisfies this.
type Triggerer interface {
	TriggerWorkflows(ctx context.Context, trigger workflow.TriggerContext) ([]workflow.Execution, error)
}

// Bridge consumes trigger events and feeds them to the workflow engine.
type Bridge struct {
	consumer *kafka.Consumer
	engine   Triggerer
	logger   *slog.Logger
}

// NewBridge creates a bridge consuming the config's topic.
func NewBridge(cfg *kafka.Config, engine Triggerer, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		engine: engine,
		logger: logger.With("component", "trigger_bridge"),
	}

	consumer, err := kafka.NewConsumer(cfg, b.handleMessage, logger)
	if err != nil {
		return nil, fmt.Errorf("create trigger consumer: %w", err)
	}
	b.consumer = consumer
	return b, nil
}

// Start begins consuming in the background.
func (b *Bridge) Start() error {
	return b.consumer.StartAsync()
}

// Stop shuts the consumer down.
func (b *Bridge) Stop() error {
	return b.consumer.Stop()
}

// handleMessage decodes one trigger event and runs matching workflows.
// A malformed message is acknowledged and dropped; redelivery cannot fix
// it. Engine errors are returned so the message is reprocessed.
func (b *Bridge) handleMessage(ctx context.Context, msg kafka.Message) error {
	var ev TriggerEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		b.logger.Warn("dropping malformed trigger event",
			"offset", msg.Offset, "error", err)
		return nil
	}

	kind := workflow.TriggerKind(ev.Kind)
	if !kind.IsValid() {
		b.logger.Warn("dropping trigger event with unknown kind",
			"kind", ev.Kind, "offset", msg.Offset)
		return nil
	}

	started, err := b.engine.TriggerWorkflows(ctx, workflow.TriggerContext{
		Kind:  kind,
		JobID: ev.JobID,
		Data:  ev.Data,
	})
	if err != nil {
		return fmt.Errorf("trigger workflows: %w", err)
	}

	b.logger.Debug("trigger event processed",
		"kind", ev.Kind, "job_id", ev.JobID, "started", len(started))
	return nil
}

// Publisher publishes execution outcomes to the execution topic.
type Publisher struct {
	producer *kafka.Producer
	topic    string
	logger   *slog.Logger
}

// NewPublisher creates a publisher for the given topic.
func NewPublisher(producer *kafka.Producer, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "execution_publisher"),
	}
}

// Publish emits one execution outcome. Keyed by workflow ID so outcomes
// of the same workflow stay ordered per partition.
func (p *Publisher) Publish(ctx context.Context, exec workflow.Execution) error {
	ev := ExecutionEvent{
		ExecutionID: exec.ID.String(),
		WorkflowID:  exec.WorkflowID.String(),
		JobID:       exec.JobID,
		Status:      string(exec.Status),
		Error:       exec.Error,
		Timestamp:   time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal execution event: %w", err)
	}
	if err := p.producer.ProduceWithTopic(ctx, p.topic, []byte(ev.WorkflowID), data); err != nil {
		return fmt.Errorf("publish execution event: %w", err)
	}
	return nil
}

// ExecutionPublisher publishes terminal execution outcomes.
type ExecutionPublisher interface {
	Publish(ctx context.Context, exec workflow.Execution) error
}

// Store decorates a workflow store so terminal execution updates are also
// published to the execution topic. Publish failures are logged; the
// execution record is the source of truth.
type Store struct {
	workflow.Store
	publisher ExecutionPublisher
	logger    *slog.Logger
}

// NewStore wraps a workflow store with execution-event publishing.
func NewStore(inner workflow.Store, publisher ExecutionPublisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{Store: inner, publisher: publisher, logger: logger}
}

// UpdateExecution persists the update and publishes terminal outcomes.
func (s *Store) UpdateExecution(ctx context.Context, exec workflow.Execution) error {
	if err := s.Store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	if exec.Status == workflow.ExecutionCompleted || exec.Status == workflow.ExecutionFailed {
		if err := s.publisher.Publish(ctx, exec); err != nil {
			s.logger.Warn("failed to publish execution event",
				"execution_id", exec.ID, "error", err)
		}
	}
	return nil
}
