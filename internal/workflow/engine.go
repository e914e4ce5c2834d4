package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine errors.
var (
	ErrWorkflowNotFound  = errors.New("workflow: not found")
	ErrWorkflowDisabled  = errors.New("workflow: disabled")
	ErrExecutionNotFound = errors.New("workflow: execution not found")
)

// Store persists workflow definitions and durable execution records.
// Execution logs are append-only: AppendLog adds an entry and entries are
// never modified after a terminal status is written.
type Store interface {
	SaveWorkflow(ctx context.Context, wf Workflow) error
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]Workflow, error)

	CreateExecution(ctx context.Context, exec Execution) error
	UpdateExecution(ctx context.Context, exec Execution) error
	AppendLog(ctx context.Context, executionID uuid.UUID, entry LogEntry) error
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)

	SaveNotification(ctx context.Context, rec NotificationRecord) error
	CreateReportRequest(ctx context.Context, req ReportRequest) error
}

// Engine matches triggers against enabled workflows and runs their action
// chains asynchronously. Completion is observable only through the
// execution record, never through the trigger call.
type Engine struct {
	store  Store
	collab Collaborators
	logger *slog.Logger

	// sleep is swapped out in tests so retries and delays do not block.
	sleep func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup
}

// NewEngine creates a workflow engine.
func NewEngine(store Store, collab Collaborators, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		collab: collab,
		logger: logger.With("component", "workflow_engine"),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TriggerWorkflows starts every enabled workflow whose trigger kind and
// conditions match the context. Matching workflows get a pending execution
// record before the call returns; the action chains run on detached
// goroutines that outlive the caller's context. The returned executions
// are the records as created, in workflow list order.
func (e *Engine) TriggerWorkflows(ctx context.Context, trigger TriggerContext) ([]Execution, error) {
	workflows, err := e.store.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	var started []Execution
	for _, wf := range workflows {
		if !wf.Enabled || wf.Trigger != trigger.Kind {
			continue
		}
		if !EvaluateConditions(wf.Conditions, trigger.Data) {
			e.logger.Debug("trigger conditions not met",
				"workflow_id", wf.ID, "trigger", trigger.Kind)
			continue
		}

		exec := Execution{
			ID:         uuid.New(),
			WorkflowID: wf.ID,
			JobID:      trigger.JobID,
			Status:     ExecutionPending,
			StartedAt:  time.Now().UTC(),
		}
		if err := e.store.CreateExecution(ctx, exec); err != nil {
			return started, fmt.Errorf("create execution for workflow %s: %w", wf.ID, err)
		}
		started = append(started, exec)

		wf := wf
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.run(context.WithoutCancel(ctx), wf, exec, trigger)
		}()
	}
	return started, nil
}

// ExecuteWorkflow runs one workflow synchronously against a trigger
// context, bypassing trigger and condition matching. Used for manual runs.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID uuid.UUID, trigger TriggerContext) (*Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, ErrWorkflowNotFound
	}
	if !wf.Enabled {
		return nil, ErrWorkflowDisabled
	}

	exec := Execution{
		ID:         uuid.New(),
		WorkflowID: wf.ID,
		JobID:      trigger.JobID,
		Status:     ExecutionPending,
		StartedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	e.run(ctx, *wf, exec, trigger)
	return e.store.GetExecution(ctx, exec.ID)
}

// Wait blocks until every in-flight execution has finished. Used on
// shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// run executes the full action chain for one execution, recording every
// state change through the store.
func (e *Engine) run(ctx context.Context, wf Workflow, exec Execution, trigger TriggerContext) {
	log := e.logger.With("workflow_id", wf.ID, "execution_id", exec.ID)

	exec.Status = ExecutionRunning
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		log.Error("failed to mark execution running", "error", err)
	}

	fields := executionFields(&exec, trigger)

	actions := make([]Action, len(wf.Actions))
	copy(actions, wf.Actions)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Order < actions[j].Order })

	var failed bool
	var failErr error
	for _, action := range actions {
		if action.Delay > 0 {
			if err := e.sleep(ctx, action.Delay); err != nil {
				failed, failErr = true, err
				break
			}
		}

		entry, err := e.executeActionWithRetry(ctx, &exec, action, fields)
		if appendErr := e.store.AppendLog(ctx, exec.ID, entry); appendErr != nil {
			log.Error("failed to append execution log", "action_id", action.ID, "error", appendErr)
		}

		if err != nil {
			log.Warn("action failed",
				"action_id", action.ID, "kind", action.Kind,
				"retries", entry.RetryCount, "error", err)
			if !action.ContinueOnError {
				failed, failErr = true, err
				break
			}
			continue
		}
		// Action results feed the field space of later actions.
		for k, v := range entry.Result {
			fields[action.ID+"."+k] = v
		}
	}

	now := time.Now().UTC()
	exec.EndedAt = &now
	if failed {
		exec.Status = ExecutionFailed
		if failErr != nil {
			exec.Error = failErr.Error()
		}
	} else {
		exec.Status = ExecutionCompleted
	}
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		log.Error("failed to finalize execution", "error", err)
	}

	e.notifyOutcome(ctx, wf, exec)
	log.Info("execution finished", "status", exec.Status)
}

// executeActionWithRetry runs one action up to 1+MaxRetries times with a
// fixed delay between attempts. The delay is constant across attempts.
// The returned entry carries the terminal status and the retry count.
func (e *Engine) executeActionWithRetry(ctx context.Context, exec *Execution, action Action, fields map[string]any) (LogEntry, error) {
	entry := LogEntry{
		ActionID:   action.ID,
		ActionKind: action.Kind,
		Status:     LogRunning,
		StartedAt:  time.Now().UTC(),
	}

	maxRetries := 0
	var delay time.Duration
	if action.Retry != nil {
		maxRetries = action.Retry.MaxRetries
		delay = action.Retry.RetryDelay
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
			entry.RetryCount = attempt
		}
		cfg := interpolateConfig(action.Config, fields)
		result, err := e.executeAction(ctx, exec, action, cfg)
		if err == nil {
			entry.Status = LogSuccess
			entry.Result = result
			lastErr = nil
			break
		}
		lastErr = err
	}

	now := time.Now().UTC()
	entry.EndedAt = &now
	if lastErr != nil {
		entry.Status = LogFailed
		entry.Error = lastErr.Error()
	}
	return entry, lastErr
}

// notifyOutcome persists a success or failure notification when the
// workflow asks for one. Failures here are logged, never fatal.
func (e *Engine) notifyOutcome(ctx context.Context, wf Workflow, exec Execution) {
	var subject string
	switch {
	case exec.Status == ExecutionCompleted && wf.NotifyOnSuccess:
		subject = fmt.Sprintf("Workflow %q completed", wf.Name)
	case exec.Status == ExecutionFailed && wf.NotifyOnFailure:
		subject = fmt.Sprintf("Workflow %q failed", wf.Name)
	default:
		return
	}

	rec := NotificationRecord{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		WorkflowID:  wf.ID,
		Channels:    wf.Channels,
		Subject:     subject,
		Body:        exec.Error,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.SaveNotification(ctx, rec); err != nil {
		e.logger.Error("failed to save outcome notification",
			"execution_id", exec.ID, "error", err)
	}
}
