package schema

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the common severity vocabulary all backends map into.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AlertStatus is the common alert status vocabulary.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertClosed       AlertStatus = "closed"
)

// IsValid checks if the alert status is a known value.
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertOpen, AlertAcknowledged, AlertResolved, AlertClosed:
		return true
	}
	return false
}

// NormalizedEvent is a single backend event converted to the common shape.
type NormalizedEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Severity  Severity       `json:"severity,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Raw       string         `json:"raw,omitempty"`
}

// NormalizedAlert is a backend-native alert converted to the common shape.
type NormalizedAlert struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Severity    Severity    `json:"severity"`
	Status      AlertStatus `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
	Source      string      `json:"source"`
	Indicators  []Indicator `json:"indicators,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
	Confidence  *float64    `json:"confidence,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
}

// NewAlertID generates an alert identifier for alerts synthesized locally
// (as opposed to alerts carrying a backend-native ID).
func NewAlertID() string {
	return uuid.NewString()
}
