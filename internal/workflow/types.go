// Package workflow implements the rule-driven response engine: workflow
// definitions, trigger matching, and ordered action execution with durable
// execution records.
package workflow

import (
	"time"

	"github.com/google/uuid"
)

// TriggerKind names the class of upstream event a workflow reacts to.
type TriggerKind string

const (
	TriggerJobComplete     TriggerKind = "job_complete"
	TriggerGapDetected     TriggerKind = "gap_detected"
	TriggerTechniqueFailed TriggerKind = "technique_failed"
	TriggerTechniquePassed TriggerKind = "technique_passed"
	TriggerManual          TriggerKind = "manual"
	TriggerScheduled       TriggerKind = "scheduled"
)

// IsValid checks if the trigger kind is a known value.
func (t TriggerKind) IsValid() bool {
	switch t {
	case TriggerJobComplete, TriggerGapDetected, TriggerTechniqueFailed,
		TriggerTechniquePassed, TriggerManual, TriggerScheduled:
		return true
	}
	return false
}

// LogicalOperator combines a condition's result with the next condition.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// ConditionOperator compares a trigger context field against a value.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpContains    ConditionOperator = "contains"
	OpIn          ConditionOperator = "in"
	OpNotIn       ConditionOperator = "not_in"
)

// TriggerCondition is one comparison in a workflow's condition chain.
// Logical describes how this condition's result combines with the next
// condition in the list; it defaults to AND when empty.
type TriggerCondition struct {
	Field    string            `json:"field" validate:"required"`
	Operator ConditionOperator `json:"operator" validate:"required"`
	Value    any               `json:"value"`
	Logical  LogicalOperator   `json:"logical,omitempty"`
}

// ActionKind names a response action type.
type ActionKind string

const (
	ActionCreateTicket        ActionKind = "create_ticket"
	ActionDeployDetectionRule ActionKind = "deploy_detection_rule"
	ActionSendNotification    ActionKind = "send_notification"
	ActionUpdateStatus        ActionKind = "update_status"
	ActionEscalate            ActionKind = "escalate"
	ActionCreateReport        ActionKind = "create_report"
	ActionCustomWebhook       ActionKind = "custom_webhook"
)

// IsValid checks if the action kind is a known value.
func (a ActionKind) IsValid() bool {
	switch a {
	case ActionCreateTicket, ActionDeployDetectionRule, ActionSendNotification,
		ActionUpdateStatus, ActionEscalate, ActionCreateReport, ActionCustomWebhook:
		return true
	}
	return false
}

// RetryPolicy retries a failed action a bounded number of times with a
// fixed delay between attempts. The delay is constant, not exponential.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries" validate:"min=0,max=10"`
	RetryDelay time.Duration `json:"retry_delay"`
}

// Action is one step of a workflow's response chain. Order values need not
// be contiguous; actions execute in ascending order.
type Action struct {
	ID              string         `json:"id"`
	Kind            ActionKind     `json:"kind" validate:"required"`
	Config          map[string]any `json:"config,omitempty"`
	Order           int            `json:"order"`
	ContinueOnError bool           `json:"continue_on_error"`
	Delay           time.Duration  `json:"delay,omitempty"`
	Retry           *RetryPolicy   `json:"retry,omitempty"`
}

// Workflow is a rule-driven response definition.
type Workflow struct {
	ID              uuid.UUID          `json:"id"`
	Name            string             `json:"name" validate:"required,max=256"`
	Enabled         bool               `json:"enabled"`
	Trigger         TriggerKind        `json:"trigger" validate:"required"`
	Conditions      []TriggerCondition `json:"conditions,omitempty" validate:"dive"`
	Actions         []Action           `json:"actions" validate:"required,min=1,dive"`
	NotifyOnSuccess bool               `json:"notify_on_success"`
	NotifyOnFailure bool               `json:"notify_on_failure"`
	Channels        []string           `json:"channels,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// ExecutionStatus is the lifecycle state of one workflow run.
// Transitions are monotonic: pending -> running -> completed or failed.
// Cancelled is part of the declared vocabulary but no code path produces
// it; there is no mechanism to cancel an in-flight execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// LogStatus is the state recorded for one action in the execution log.
type LogStatus string

const (
	LogPending LogStatus = "pending"
	LogRunning LogStatus = "running"
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
	LogSkipped LogStatus = "skipped"
)

// LogEntry is one append-only record in an execution's log. Entries are
// never edited or removed.
type LogEntry struct {
	ActionID   string         `json:"action_id"`
	ActionKind ActionKind     `json:"action_kind"`
	Status     LogStatus      `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
}

// Execution is the durable record of one workflow run in response to one
// trigger match.
type Execution struct {
	ID         uuid.UUID       `json:"id"`
	WorkflowID uuid.UUID       `json:"workflow_id"`
	JobID      string          `json:"job_id,omitempty"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Log        []LogEntry      `json:"log"`
	Error      string          `json:"error,omitempty"`
}

// TriggerContext carries the upstream event a trigger call reacts to.
// Data is the field space conditions evaluate against.
type TriggerContext struct {
	Kind  TriggerKind    `json:"kind"`
	JobID string         `json:"job_id,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// NotificationRecord is persisted by the send-notification action and by
// success/failure notifications. Channel dispatch happens outside the core.
type NotificationRecord struct {
	ID          uuid.UUID `json:"id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	WorkflowID  uuid.UUID `json:"workflow_id"`
	Channels    []string  `json:"channels,omitempty"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReportStatus is the lifecycle state of a report request.
type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportCompleted ReportStatus = "completed"
	ReportFailed    ReportStatus = "failed"
)

// ReportRequest is enqueued by the create-report action for the report
// worker to pick up.
type ReportRequest struct {
	ID          uuid.UUID      `json:"id"`
	ExecutionID uuid.UUID      `json:"execution_id"`
	Kind        string         `json:"kind"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Status      ReportStatus   `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}
