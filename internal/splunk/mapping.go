package splunk

import (
	"threatflow/internal/schema"
)

// severityMap translates Splunk urgency/severity values into the common
// vocabulary. Splunk notable events carry either named urgencies or
// numeric severity levels.
var severityMap = map[string]schema.Severity{
	"informational": schema.SeverityLow,
	"low":           schema.SeverityLow,
	"1":             schema.SeverityLow,
	"medium":        schema.SeverityMedium,
	"2":             schema.SeverityMedium,
	"high":          schema.SeverityHigh,
	"3":             schema.SeverityHigh,
	"critical":      schema.SeverityCritical,
	"4":             schema.SeverityCritical,
	"5":             schema.SeverityCritical,
}

// statusMap translates Splunk notable event statuses into the common
// vocabulary. Numeric keys are Splunk ES status codes.
var statusMap = map[string]schema.AlertStatus{
	"new":         schema.AlertOpen,
	"unassigned":  schema.AlertOpen,
	"0":           schema.AlertOpen,
	"1":           schema.AlertOpen,
	"in progress": schema.AlertAcknowledged,
	"pending":     schema.AlertAcknowledged,
	"2":           schema.AlertAcknowledged,
	"3":           schema.AlertAcknowledged,
	"resolved":    schema.AlertResolved,
	"4":           schema.AlertResolved,
	"closed":      schema.AlertClosed,
	"5":           schema.AlertClosed,
}

// reverseStatusMap translates the common status vocabulary back into the
// Splunk ES status codes used by notable event updates.
var reverseStatusMap = map[schema.AlertStatus]string{
	schema.AlertOpen:         "1",
	schema.AlertAcknowledged: "2",
	schema.AlertResolved:     "4",
	schema.AlertClosed:       "5",
}

// mapSeverity maps a backend severity value, defaulting to medium.
func mapSeverity(value string) schema.Severity {
	if sev, ok := severityMap[value]; ok {
		return sev
	}
	return schema.SeverityMedium
}

// mapStatus maps a backend status value, defaulting to open.
func mapStatus(value string) schema.AlertStatus {
	if status, ok := statusMap[value]; ok {
		return status
	}
	return schema.AlertOpen
}
