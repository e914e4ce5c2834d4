// Package reports renders queued report requests into JSON artifacts and
// uploads them to object storage.
package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"threatflow/internal/storage/s3"
	"threatflow/internal/workflow"
)

// Store is the persistence surface the worker needs.
type Store interface {
	ListPendingReports(ctx context.Context, limit int) ([]workflow.ReportRequest, error)
	MarkReportCompleted(ctx context.Context, req workflow.ReportRequest, objectKey string) error
	MarkReportFailed(ctx context.Context, req workflow.ReportRequest) error
	GetExecution(ctx context.Context, id uuid.UUID) (*workflow.Execution, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (*workflow.Workflow, error)
}

// Uploader uploads rendered artifacts. The S3 client satisfies this.
type Uploader interface {
	Upload(ctx context.Context, input *s3.UploadInput) (*s3.UploadOutput, error)
}

// Config holds worker behavior configuration.
type Config struct {
	// PollInterval is how often the pending queue is checked.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// BatchSize is the maximum requests processed per poll.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 30 * time.Second,
		BatchSize:    20,
	}
}

// Worker drains the report request queue.
type Worker struct {
	config   *Config
	store    Store
	uploader Uploader
	logger   *slog.Logger
	clock    func() time.Time

	stopCh chan struct{}
	done   chan struct{}
}

// NewWorker creates a report worker.
func NewWorker(cfg *Config, store Store, uploader Uploader, logger *slog.Logger) *Worker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		config:   cfg,
		store:    store,
		uploader: uploader,
		logger:   logger.With("component", "report_worker"),
		clock:    func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the poll loop in the background.
func (w *Worker) Start() {
	go w.loop()
}

// Stop halts the poll loop and waits for the in-flight batch.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.done
}

func (w *Worker) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.config.PollInterval)
			if err := w.ProcessPending(ctx); err != nil {
				w.logger.Error("report batch failed", "error", err)
			}
			cancel()
		}
	}
}

// ProcessPending renders and uploads one batch of pending requests. A
// request that cannot be rendered or uploaded is marked failed; the batch
// continues.
func (w *Worker) ProcessPending(ctx context.Context) error {
	pending, err := w.store.ListPendingReports(ctx, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list pending reports: %w", err)
	}

	for _, req := range pending {
		if err := w.process(ctx, req); err != nil {
			w.logger.Warn("report request failed",
				"report_id", req.ID, "execution_id", req.ExecutionID, "error", err)
			if markErr := w.store.MarkReportFailed(ctx, req); markErr != nil {
				w.logger.Error("failed to mark report failed",
					"report_id", req.ID, "error", markErr)
			}
			continue
		}
	}
	return nil
}

func (w *Worker) process(ctx context.Context, req workflow.ReportRequest) error {
	artifact, err := w.render(ctx, req)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	key := w.objectKey(req)
	out, err := w.uploader.Upload(ctx, &s3.UploadInput{
		Key:         key,
		Body:        bytes.NewReader(data),
		ContentType: "application/json",
		Metadata: map[string]string{
			"report-id":    req.ID.String(),
			"execution-id": req.ExecutionID.String(),
			"report-kind":  req.Kind,
		},
	})
	if err != nil {
		return fmt.Errorf("upload report: %w", err)
	}

	if err := w.store.MarkReportCompleted(ctx, req, out.Key); err != nil {
		return fmt.Errorf("mark report completed: %w", err)
	}

	w.logger.Info("report generated",
		"report_id", req.ID, "key", out.Key, "size", out.Size)
	return nil
}

// objectKey partitions artifacts by date so bucket listings stay usable.
func (w *Worker) objectKey(req workflow.ReportRequest) string {
	return fmt.Sprintf("%s/%s/%s.json",
		w.clock().Format("2006/01/02"), req.Kind, req.ID)
}

// Artifact is the rendered report document.
type Artifact struct {
	ReportID     uuid.UUID        `json:"report_id"`
	Kind         string           `json:"kind"`
	GeneratedAt  time.Time        `json:"generated_at"`
	Parameters   map[string]any   `json:"parameters,omitempty"`
	WorkflowID   uuid.UUID        `json:"workflow_id"`
	WorkflowName string           `json:"workflow_name,omitempty"`
	Execution    ExecutionSummary `json:"execution"`
}

// ExecutionSummary condenses one execution for reporting.
type ExecutionSummary struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	JobID       string          `json:"job_id,omitempty"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Duration    string          `json:"duration,omitempty"`
	Error       string          `json:"error,omitempty"`
	Actions     []ActionSummary `json:"actions"`
}

// ActionSummary condenses one action log entry.
type ActionSummary struct {
	ActionID   string         `json:"action_id"`
	Kind       string         `json:"kind"`
	Status     string         `json:"status"`
	RetryCount int            `json:"retry_count,omitempty"`
	Error      string         `json:"error,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

func (w *Worker) render(ctx context.Context, req workflow.ReportRequest) (*Artifact, error) {
	exec, err := w.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", req.ExecutionID, err)
	}

	artifact := &Artifact{
		ReportID:    req.ID,
		Kind:        req.Kind,
		GeneratedAt: w.clock(),
		Parameters:  req.Parameters,
		WorkflowID:  exec.WorkflowID,
		Execution: ExecutionSummary{
			ExecutionID: exec.ID,
			JobID:       exec.JobID,
			Status:      string(exec.Status),
			StartedAt:   exec.StartedAt,
			EndedAt:     exec.EndedAt,
			Error:       exec.Error,
		},
	}

	if exec.EndedAt != nil {
		artifact.Execution.Duration = exec.EndedAt.Sub(exec.StartedAt).String()
	}

	// Workflow may have been deleted since the run; the report still renders.
	if wf, err := w.store.GetWorkflow(ctx, exec.WorkflowID); err == nil {
		artifact.WorkflowName = wf.Name
	}

	for _, entry := range exec.Log {
		artifact.Execution.Actions = append(artifact.Execution.Actions, ActionSummary{
			ActionID:   entry.ActionID,
			Kind:       string(entry.ActionKind),
			Status:     string(entry.Status),
			RetryCount: entry.RetryCount,
			Error:      entry.Error,
			Result:     entry.Result,
		})
	}

	return artifact, nil
}
