package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"threatflow/internal/connector"
	"threatflow/internal/secrets"
	"threatflow/internal/workflow"
)

// Store persists backend configurations, workflow definitions, and
// workflow execution records in ClickHouse. Mutable rows live in
// ReplacingMergeTree tables read with FINAL; the execution log is a plain
// MergeTree and is append-only.
//
// With a credential cipher, backend credentials are sealed before they
// reach the database; a nil cipher stores them as-is.
type Store struct {
	client *ClickHouseClient
	cipher *secrets.CredentialCipher
}

// NewStore creates a Store on an established ClickHouse connection.
// cipher may be nil.
func NewStore(client *ClickHouseClient, cipher *secrets.CredentialCipher) *Store {
	return &Store{client: client, cipher: cipher}
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return string(data), nil
}

func unmarshalJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}

// --- backend configs ---

// SaveBackendConfig inserts or replaces a backend configuration.
func (s *Store) SaveBackendConfig(ctx context.Context, cfg connector.BackendConfig) error {
	storedAuth := cfg.Auth
	if s.cipher != nil && len(cfg.Auth.Credentials) > 0 {
		sealed, err := s.cipher.EncryptCredentials(cfg.Auth.Credentials)
		if err != nil {
			return fmt.Errorf("seal credentials: %w", err)
		}
		storedAuth.Credentials = map[string]string{"sealed": sealed}
	}
	auth, err := marshalJSON(storedAuth)
	if err != nil {
		return err
	}
	settings, err := marshalJSON(cfg.Settings)
	if err != nil {
		return err
	}

	err = s.client.Exec(ctx, `
		INSERT INTO backend_configs
			(id, name, kind, base_url, auth, settings, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, cfg.Kind, cfg.BaseURL, auth, settings,
		boolToUInt8(cfg.Enabled), cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return WrapQueryError("SaveBackendConfig", "backend_configs", err)
	}
	return nil
}

// DeleteBackendConfig removes a backend configuration.
func (s *Store) DeleteBackendConfig(ctx context.Context, id uuid.UUID) error {
	err := s.client.Exec(ctx, `DELETE FROM backend_configs WHERE id = ?`, id)
	if err != nil {
		return WrapQueryError("DeleteBackendConfig", "backend_configs", err)
	}
	return nil
}

// ListBackendConfigs returns every stored backend configuration.
func (s *Store) ListBackendConfigs(ctx context.Context) ([]connector.BackendConfig, error) {
	rows, err := s.client.Query(ctx, `
		SELECT id, name, kind, base_url, auth, settings, enabled, created_at, updated_at
		FROM backend_configs FINAL
		ORDER BY created_at`)
	if err != nil {
		return nil, WrapQueryError("ListBackendConfigs", "backend_configs", err)
	}
	defer rows.Close()

	var configs []connector.BackendConfig
	for rows.Next() {
		var (
			cfg            connector.BackendConfig
			auth, settings string
			enabled        uint8
		)
		if err := rows.Scan(&cfg.ID, &cfg.Name, &cfg.Kind, &cfg.BaseURL,
			&auth, &settings, &enabled, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, WrapQueryError("ListBackendConfigs", "backend_configs", err)
		}
		if err := unmarshalJSON(auth, &cfg.Auth); err != nil {
			return nil, err
		}
		if s.cipher != nil {
			if sealed, ok := cfg.Auth.Credentials["sealed"]; ok {
				creds, err := s.cipher.DecryptCredentials(sealed)
				if err != nil {
					return nil, fmt.Errorf("unseal credentials for %s: %w", cfg.ID, err)
				}
				cfg.Auth.Credentials = creds
			}
		}
		if err := unmarshalJSON(settings, &cfg.Settings); err != nil {
			return nil, err
		}
		cfg.Enabled = enabled == 1
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// --- workflows ---

// SaveWorkflow inserts or replaces a workflow definition.
func (s *Store) SaveWorkflow(ctx context.Context, wf workflow.Workflow) error {
	conditions, err := marshalJSON(wf.Conditions)
	if err != nil {
		return err
	}
	actions, err := marshalJSON(wf.Actions)
	if err != nil {
		return err
	}

	err = s.client.Exec(ctx, `
		INSERT INTO workflows
			(id, name, enabled, trigger, conditions, actions,
			 notify_on_success, notify_on_failure, channels, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, boolToUInt8(wf.Enabled), string(wf.Trigger),
		conditions, actions,
		boolToUInt8(wf.NotifyOnSuccess), boolToUInt8(wf.NotifyOnFailure),
		wf.Channels, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return WrapQueryError("SaveWorkflow", "workflows", err)
	}
	return nil
}

// DeleteWorkflow removes a workflow definition. Existing execution records
// are kept.
func (s *Store) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	err := s.client.Exec(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return WrapQueryError("DeleteWorkflow", "workflows", err)
	}
	return nil
}

// GetWorkflow returns one workflow, or nil when it does not exist.
func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*workflow.Workflow, error) {
	rows, err := s.client.Query(ctx, `
		SELECT id, name, enabled, trigger, conditions, actions,
		       notify_on_success, notify_on_failure, channels, created_at, updated_at
		FROM workflows FINAL
		WHERE id = ?`, id)
	if err != nil {
		return nil, WrapQueryError("GetWorkflow", "workflows", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	wf, err := scanWorkflow(rows)
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns every workflow definition.
func (s *Store) ListWorkflows(ctx context.Context) ([]workflow.Workflow, error) {
	rows, err := s.client.Query(ctx, `
		SELECT id, name, enabled, trigger, conditions, actions,
		       notify_on_success, notify_on_failure, channels, created_at, updated_at
		FROM workflows FINAL
		ORDER BY created_at`)
	if err != nil {
		return nil, WrapQueryError("ListWorkflows", "workflows", err)
	}
	defer rows.Close()

	var workflows []workflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*workflow.Workflow, error) {
	var (
		wf                 workflow.Workflow
		enabled            uint8
		trigger            string
		conditions         string
		actions            string
		onSuccess, onFail  uint8
	)
	if err := row.Scan(&wf.ID, &wf.Name, &enabled, &trigger, &conditions, &actions,
		&onSuccess, &onFail, &wf.Channels, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, WrapQueryError("scanWorkflow", "workflows", err)
	}
	wf.Enabled = enabled == 1
	wf.Trigger = workflow.TriggerKind(trigger)
	wf.NotifyOnSuccess = onSuccess == 1
	wf.NotifyOnFailure = onFail == 1
	if err := unmarshalJSON(conditions, &wf.Conditions); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(actions, &wf.Actions); err != nil {
		return nil, err
	}
	return &wf, nil
}

// --- executions ---

// CreateExecution inserts a new execution record.
func (s *Store) CreateExecution(ctx context.Context, exec workflow.Execution) error {
	err := s.client.Exec(ctx, `
		INSERT INTO workflow_executions
			(id, workflow_id, job_id, status, started_at, ended_at, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.JobID, string(exec.Status),
		exec.StartedAt, exec.EndedAt, exec.Error, time.Now().UTC(),
	)
	if err != nil {
		return WrapQueryError("CreateExecution", "workflow_executions", err)
	}
	return nil
}

// UpdateExecution replaces an execution's mutable fields. The log table is
// untouched.
func (s *Store) UpdateExecution(ctx context.Context, exec workflow.Execution) error {
	return s.CreateExecution(ctx, exec)
}

// AppendLog appends one entry to an execution's log. Entries are
// sequentially numbered and never rewritten.
func (s *Store) AppendLog(ctx context.Context, executionID uuid.UUID, entry workflow.LogEntry) error {
	var seq uint32
	rows, err := s.client.Query(ctx,
		`SELECT count() FROM workflow_execution_log WHERE execution_id = ?`, executionID)
	if err != nil {
		return WrapQueryError("AppendLog", "workflow_execution_log", err)
	}
	if rows.Next() {
		var count uint64
		if err := rows.Scan(&count); err != nil {
			rows.Close()
			return WrapQueryError("AppendLog", "workflow_execution_log", err)
		}
		seq = uint32(count)
	}
	rows.Close()

	result, err := marshalJSON(entry.Result)
	if err != nil {
		return err
	}

	err = s.client.Exec(ctx, `
		INSERT INTO workflow_execution_log
			(execution_id, seq, action_id, action_kind, status,
			 started_at, ended_at, result, error, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		executionID, seq, entry.ActionID, string(entry.ActionKind), string(entry.Status),
		entry.StartedAt, entry.EndedAt, result, entry.Error, uint8(entry.RetryCount),
	)
	if err != nil {
		return WrapQueryError("AppendLog", "workflow_execution_log", err)
	}
	return nil
}

// GetExecution returns an execution with its full log.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*workflow.Execution, error) {
	rows, err := s.client.Query(ctx, `
		SELECT id, workflow_id, job_id, status, started_at, ended_at, error
		FROM workflow_executions FINAL
		WHERE id = ?`, id)
	if err != nil {
		return nil, WrapQueryError("GetExecution", "workflow_executions", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, WrapQueryError("GetExecution", "workflow_executions", err)
		}
		return nil, WrapNotFoundError("GetExecution", "workflow_executions", id.String())
	}

	var (
		exec   workflow.Execution
		status string
	)
	if err := rows.Scan(&exec.ID, &exec.WorkflowID, &exec.JobID, &status,
		&exec.StartedAt, &exec.EndedAt, &exec.Error); err != nil {
		return nil, WrapQueryError("GetExecution", "workflow_executions", err)
	}
	exec.Status = workflow.ExecutionStatus(status)

	log, err := s.getExecutionLog(ctx, id)
	if err != nil {
		return nil, err
	}
	exec.Log = log
	return &exec, nil
}

func (s *Store) getExecutionLog(ctx context.Context, executionID uuid.UUID) ([]workflow.LogEntry, error) {
	rows, err := s.client.Query(ctx, `
		SELECT action_id, action_kind, status, started_at, ended_at, result, error, retry_count
		FROM workflow_execution_log
		WHERE execution_id = ?
		ORDER BY seq`, executionID)
	if err != nil {
		return nil, WrapQueryError("getExecutionLog", "workflow_execution_log", err)
	}
	defer rows.Close()

	var log []workflow.LogEntry
	for rows.Next() {
		var (
			entry      workflow.LogEntry
			kind       string
			status     string
			result     string
			retryCount uint8
		)
		if err := rows.Scan(&entry.ActionID, &kind, &status,
			&entry.StartedAt, &entry.EndedAt, &result, &entry.Error, &retryCount); err != nil {
			return nil, WrapQueryError("getExecutionLog", "workflow_execution_log", err)
		}
		entry.ActionKind = workflow.ActionKind(kind)
		entry.Status = workflow.LogStatus(status)
		entry.RetryCount = int(retryCount)
		if err := unmarshalJSON(result, &entry.Result); err != nil {
			return nil, err
		}
		log = append(log, entry)
	}
	return log, rows.Err()
}

// ListExecutions returns the most recent executions for a workflow,
// newest first, without their logs.
func (s *Store) ListExecutions(ctx context.Context, workflowID uuid.UUID, limit int) ([]workflow.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.client.Query(ctx, `
		SELECT id, workflow_id, job_id, status, started_at, ended_at, error
		FROM workflow_executions FINAL
		WHERE workflow_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, workflowID, limit)
	if err != nil {
		return nil, WrapQueryError("ListExecutions", "workflow_executions", err)
	}
	defer rows.Close()

	var executions []workflow.Execution
	for rows.Next() {
		var (
			exec   workflow.Execution
			status string
		)
		if err := rows.Scan(&exec.ID, &exec.WorkflowID, &exec.JobID, &status,
			&exec.StartedAt, &exec.EndedAt, &exec.Error); err != nil {
			return nil, WrapQueryError("ListExecutions", "workflow_executions", err)
		}
		exec.Status = workflow.ExecutionStatus(status)
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// --- notifications ---

// SaveNotification persists a notification record.
func (s *Store) SaveNotification(ctx context.Context, rec workflow.NotificationRecord) error {
	err := s.client.Exec(ctx, `
		INSERT INTO workflow_notifications
			(id, execution_id, workflow_id, channels, subject, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExecutionID, rec.WorkflowID, rec.Channels,
		rec.Subject, rec.Body, rec.CreatedAt,
	)
	if err != nil {
		return WrapQueryError("SaveNotification", "workflow_notifications", err)
	}
	return nil
}

// --- report requests ---

// CreateReportRequest enqueues a report request for the report worker.
func (s *Store) CreateReportRequest(ctx context.Context, req workflow.ReportRequest) error {
	params, err := marshalJSON(req.Parameters)
	if err != nil {
		return err
	}
	err = s.client.Exec(ctx, `
		INSERT INTO report_requests
			(id, execution_id, kind, parameters, status, object_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ExecutionID, req.Kind, params, string(req.Status), "",
		req.CreatedAt, time.Now().UTC(),
	)
	if err != nil {
		return WrapQueryError("CreateReportRequest", "report_requests", err)
	}
	return nil
}

// ListPendingReports returns pending report requests, oldest first.
func (s *Store) ListPendingReports(ctx context.Context, limit int) ([]workflow.ReportRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.client.Query(ctx, `
		SELECT id, execution_id, kind, parameters, status, created_at
		FROM report_requests FINAL
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, WrapQueryError("ListPendingReports", "report_requests", err)
	}
	defer rows.Close()

	var reports []workflow.ReportRequest
	for rows.Next() {
		var (
			req    workflow.ReportRequest
			params string
			status string
		)
		if err := rows.Scan(&req.ID, &req.ExecutionID, &req.Kind, &params,
			&status, &req.CreatedAt); err != nil {
			return nil, WrapQueryError("ListPendingReports", "report_requests", err)
		}
		req.Status = workflow.ReportStatus(status)
		if err := unmarshalJSON(params, &req.Parameters); err != nil {
			return nil, err
		}
		reports = append(reports, req)
	}
	return reports, rows.Err()
}

// MarkReportCompleted transitions a report request to completed, recording
// the storage object key of the rendered report.
func (s *Store) MarkReportCompleted(ctx context.Context, req workflow.ReportRequest, objectKey string) error {
	return s.writeReportStatus(ctx, req, workflow.ReportCompleted, objectKey)
}

// MarkReportFailed transitions a report request to failed.
func (s *Store) MarkReportFailed(ctx context.Context, req workflow.ReportRequest) error {
	return s.writeReportStatus(ctx, req, workflow.ReportFailed, "")
}

func (s *Store) writeReportStatus(ctx context.Context, req workflow.ReportRequest, status workflow.ReportStatus, objectKey string) error {
	params, err := marshalJSON(req.Parameters)
	if err != nil {
		return err
	}
	err = s.client.Exec(ctx, `
		INSERT INTO report_requests
			(id, execution_id, kind, parameters, status, object_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ExecutionID, req.Kind, params, string(status), objectKey,
		req.CreatedAt, time.Now().UTC(),
	)
	if err != nil {
		return WrapQueryError("writeReportStatus", "report_requests", err)
	}
	return nil
}
