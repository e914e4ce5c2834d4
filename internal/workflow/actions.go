package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"threatflow/internal/ticketing"
)

// Action handler errors.
var (
	ErrActionConfig = errors.New("workflow: invalid action config")
	ErrNoHandler    = errors.New("workflow: no handler for action kind")
)

// DetectionDeployer deploys a detection rule to one or all connected
// backends. The orchestrator satisfies this.
type DetectionDeployer interface {
	DeployDetection(ctx context.Context, integrationID string, name, query string) (string, error)
}

// StatusUpdater pushes an alert status change to a backend. The
// orchestrator satisfies this.
type StatusUpdater interface {
	UpdateAlertStatus(ctx context.Context, integrationID, alertID, status string) error
}

// Collaborators are the external services action handlers call into. Any
// field may be nil; an action whose collaborator is missing fails with a
// config error rather than panicking.
type Collaborators struct {
	Ticketing  ticketing.Service
	Detections DetectionDeployer
	Statuses   StatusUpdater
	HTTPClient *http.Client
}

func (c Collaborators) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// executeAction dispatches one action to its handler. The config has
// already been interpolated. The returned map is recorded in the
// execution log entry.
func (e *Engine) executeAction(ctx context.Context, exec *Execution, action Action, cfg map[string]any) (map[string]any, error) {
	switch action.Kind {
	case ActionCreateTicket:
		return e.actionCreateTicket(ctx, cfg)
	case ActionDeployDetectionRule:
		return e.actionDeployDetection(ctx, cfg)
	case ActionSendNotification:
		return e.actionSendNotification(ctx, exec, cfg)
	case ActionUpdateStatus:
		return e.actionUpdateStatus(ctx, cfg)
	case ActionEscalate:
		return e.actionEscalate(ctx, exec, cfg)
	case ActionCreateReport:
		return e.actionCreateReport(ctx, exec, cfg)
	case ActionCustomWebhook:
		return e.actionCustomWebhook(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, action.Kind)
	}
}

func (e *Engine) actionCreateTicket(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	if e.collab.Ticketing == nil {
		return nil, fmt.Errorf("%w: no ticketing service configured", ErrActionConfig)
	}
	title := configString(cfg, "title")
	if title == "" {
		return nil, fmt.Errorf("%w: create_ticket requires title", ErrActionConfig)
	}
	t := ticketing.Ticket{
		Title:       title,
		Description: configString(cfg, "description"),
		Priority:    configString(cfg, "priority"),
		Project:     configString(cfg, "project"),
		Assignee:    configString(cfg, "assignee"),
	}
	if labels, ok := cfg["labels"].([]any); ok {
		for _, l := range labels {
			t.Labels = append(t.Labels, toString(l))
		}
	}
	res, err := e.collab.Ticketing.CreateTicket(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	return map[string]any{
		"ticket_id":          res.TicketID,
		"external_ticket_id": res.ExternalTicketID,
		"url":                res.URL,
	}, nil
}

func (e *Engine) actionDeployDetection(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	if e.collab.Detections == nil {
		return nil, fmt.Errorf("%w: no detection deployer configured", ErrActionConfig)
	}
	name := configString(cfg, "name")
	query := configString(cfg, "query")
	if name == "" || query == "" {
		return nil, fmt.Errorf("%w: deploy_detection_rule requires name and query", ErrActionConfig)
	}
	searchID, err := e.collab.Detections.DeployDetection(ctx, configString(cfg, "integration_id"), name, query)
	if err != nil {
		return nil, fmt.Errorf("deploy detection: %w", err)
	}
	return map[string]any{"search_id": searchID}, nil
}

func (e *Engine) actionSendNotification(ctx context.Context, exec *Execution, cfg map[string]any) (map[string]any, error) {
	subject := configString(cfg, "subject")
	body := configString(cfg, "body")
	if subject == "" && body == "" {
		return nil, fmt.Errorf("%w: send_notification requires subject or body", ErrActionConfig)
	}
	rec := NotificationRecord{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Subject:     subject,
		Body:        body,
		CreatedAt:   time.Now().UTC(),
	}
	if channels, ok := cfg["channels"].([]any); ok {
		for _, c := range channels {
			rec.Channels = append(rec.Channels, toString(c))
		}
	}
	if err := e.store.SaveNotification(ctx, rec); err != nil {
		return nil, fmt.Errorf("save notification: %w", err)
	}
	return map[string]any{"notification_id": rec.ID.String()}, nil
}

func (e *Engine) actionUpdateStatus(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	if e.collab.Statuses == nil {
		return nil, fmt.Errorf("%w: no status updater configured", ErrActionConfig)
	}
	alertID := configString(cfg, "alert_id")
	status := configString(cfg, "status")
	if alertID == "" || status == "" {
		return nil, fmt.Errorf("%w: update_status requires alert_id and status", ErrActionConfig)
	}
	if err := e.collab.Statuses.UpdateAlertStatus(ctx, configString(cfg, "integration_id"), alertID, status); err != nil {
		return nil, fmt.Errorf("update alert status: %w", err)
	}
	return map[string]any{"alert_id": alertID, "status": status}, nil
}

// actionEscalate records a high-priority notification to the escalation
// channels and, when a ticketing service is configured, opens a critical
// ticket assigned to the escalation target. The ticket priority is always
// critical regardless of what the config says. When the config names an
// existing ticket, that ticket is bumped with an escalation comment as
// well.
func (e *Engine) actionEscalate(ctx context.Context, exec *Execution, cfg map[string]any) (map[string]any, error) {
	subject := configString(cfg, "subject")
	if subject == "" {
		subject = "Escalation"
	}
	rec := NotificationRecord{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Subject:     "[ESCALATED] " + subject,
		Body:        configString(cfg, "body"),
		CreatedAt:   time.Now().UTC(),
	}
	if channels, ok := cfg["channels"].([]any); ok {
		for _, c := range channels {
			rec.Channels = append(rec.Channels, toString(c))
		}
	}
	if err := e.store.SaveNotification(ctx, rec); err != nil {
		return nil, fmt.Errorf("save escalation: %w", err)
	}
	result := map[string]any{"notification_id": rec.ID.String()}

	if e.collab.Ticketing != nil {
		res, err := e.collab.Ticketing.CreateTicket(ctx, ticketing.Ticket{
			Title:       rec.Subject,
			Description: rec.Body,
			Priority:    ticketing.PriorityCritical,
			Assignee:    configString(cfg, "escalate_to"),
			Project:     configString(cfg, "project"),
		})
		if err != nil {
			return nil, fmt.Errorf("escalate ticket: %w", err)
		}
		result["ticket_id"] = res.TicketID

		if ticketID := configString(cfg, "ticket_id"); ticketID != "" {
			if _, err := e.collab.Ticketing.UpdateTicketStatus(ctx, ticketID, "escalated", rec.Subject); err != nil {
				return nil, fmt.Errorf("escalate ticket: %w", err)
			}
			result["escalated_ticket_id"] = ticketID
		}
	}
	return result, nil
}

func (e *Engine) actionCreateReport(ctx context.Context, exec *Execution, cfg map[string]any) (map[string]any, error) {
	kind := configString(cfg, "kind")
	if kind == "" {
		kind = "execution_summary"
	}
	req := ReportRequest{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		Kind:        kind,
		Status:      ReportPending,
		CreatedAt:   time.Now().UTC(),
	}
	if params, ok := cfg["parameters"].(map[string]any); ok {
		req.Parameters = params
	}
	if err := e.store.CreateReportRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create report request: %w", err)
	}
	return map[string]any{"report_id": req.ID.String(), "kind": kind}, nil
}

// actionCustomWebhook sends the action config's payload to the configured
// URL. The HTTP method defaults to POST and may be overridden with the
// "method" config key. Any non-2xx response is a failure.
func (e *Engine) actionCustomWebhook(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	url := configString(cfg, "url")
	if url == "" {
		return nil, fmt.Errorf("%w: custom_webhook requires url", ErrActionConfig)
	}
	method := strings.ToUpper(configString(cfg, "method"))
	if method == "" {
		method = http.MethodPost
	}

	payload := cfg["payload"]
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, toString(v))
		}
	}

	resp, err := e.collab.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return map[string]any{"status_code": resp.StatusCode}, nil
}
