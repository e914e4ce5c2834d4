// Package ticketing defines the boundary to the external ticketing
// platform. The automation core only builds ticket payloads; platform
// bindings (Jira, ServiceNow, ...) live outside this repository.
package ticketing

import (
	"context"
)

// Priority values the core assigns to tickets.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Ticket is the payload handed to the ticketing platform.
type Ticket struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Labels      []string `json:"labels,omitempty"`
	Project     string   `json:"project,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
}

// CreateResult is the outcome of a ticket creation call.
type CreateResult struct {
	Success          bool   `json:"success"`
	TicketID         string `json:"ticket_id,omitempty"`
	ExternalTicketID string `json:"external_ticket_id,omitempty"`
	URL              string `json:"url,omitempty"`
	Message          string `json:"message"`
}

// UpdateResult is the outcome of a ticket status update call.
type UpdateResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Service is the ticketing collaborator contract.
type Service interface {
	CreateTicket(ctx context.Context, ticket Ticket) (*CreateResult, error)
	UpdateTicketStatus(ctx context.Context, ticketID, status, comment string) (*UpdateResult, error)
}
