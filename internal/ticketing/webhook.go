package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookService forwards ticket operations to an external ticketing
// gateway over HTTP.
type WebhookService struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewWebhookService creates a ticketing service backed by an HTTP gateway.
func NewWebhookService(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *WebhookService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookService{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "ticketing"),
	}
}

// CreateTicket posts the ticket payload to the gateway.
func (s *WebhookService) CreateTicket(ctx context.Context, ticket Ticket) (*CreateResult, error) {
	var result CreateResult
	if err := s.post(ctx, s.baseURL+"/tickets", ticket, &result); err != nil {
		return nil, fmt.Errorf("ticketing: create ticket: %w", err)
	}
	s.logger.Info("ticket created", "ticket_id", result.TicketID, "title", ticket.Title)
	return &result, nil
}

// UpdateTicketStatus posts a status transition to the gateway.
func (s *WebhookService) UpdateTicketStatus(ctx context.Context, ticketID, status, comment string) (*UpdateResult, error) {
	payload := map[string]string{
		"status":  status,
		"comment": comment,
	}
	var result UpdateResult
	url := fmt.Sprintf("%s/tickets/%s/status", s.baseURL, ticketID)
	if err := s.post(ctx, url, payload, &result); err != nil {
		return nil, fmt.Errorf("ticketing: update ticket %s: %w", ticketID, err)
	}
	s.logger.Info("ticket status updated", "ticket_id", ticketID, "status", status)
	return &result, nil
}

func (s *WebhookService) post(ctx context.Context, url string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(data))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// LogService records ticket operations without an external platform.
// Used when no ticketing gateway is configured.
type LogService struct {
	logger *slog.Logger
}

// NewLogService creates a log-only ticketing service.
func NewLogService(logger *slog.Logger) *LogService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogService{logger: logger.With("component", "ticketing")}
}

// CreateTicket logs the ticket and reports success.
func (s *LogService) CreateTicket(ctx context.Context, ticket Ticket) (*CreateResult, error) {
	s.logger.Info("ticket logged (no gateway configured)",
		"title", ticket.Title, "priority", ticket.Priority)
	return &CreateResult{
		Success: true,
		Message: "ticket logged, no gateway configured",
	}, nil
}

// UpdateTicketStatus logs the transition and reports success.
func (s *LogService) UpdateTicketStatus(ctx context.Context, ticketID, status, comment string) (*UpdateResult, error) {
	s.logger.Info("ticket status logged (no gateway configured)",
		"ticket_id", ticketID, "status", status)
	return &UpdateResult{
		Success: true,
		Message: "status logged, no gateway configured",
	}, nil
}
