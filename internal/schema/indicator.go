// Package schema defines the canonical data model for ThreatFlow.
// Indicator bundles arriving from upstream tooling and alerts produced by
// backend connectors are all normalized to these structures.
package schema

import (
	"time"
)

// IndicatorType classifies a threat indicator value.
type IndicatorType string

const (
	IndicatorIP       IndicatorType = "ip"
	IndicatorDomain   IndicatorType = "domain"
	IndicatorURL      IndicatorType = "url"
	IndicatorHash     IndicatorType = "hash"
	IndicatorEmail    IndicatorType = "email"
	IndicatorFilename IndicatorType = "filename"
	IndicatorOther    IndicatorType = "other"
)

// IsValid checks if the indicator type is a known value.
func (t IndicatorType) IsValid() bool {
	switch t {
	case IndicatorIP, IndicatorDomain, IndicatorURL, IndicatorHash,
		IndicatorEmail, IndicatorFilename, IndicatorOther:
		return true
	}
	return false
}

// Indicator is a typed, valued piece of forensic evidence used to search
// or monitor a backend.
type Indicator struct {
	Type       IndicatorType `json:"type" validate:"required,indicator_type"`
	Value      string        `json:"value" validate:"required,max=2048"`
	Confidence *float64      `json:"confidence,omitempty" validate:"omitempty,min=0,max=1"`
	Severity   string        `json:"severity,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Context    string        `json:"context,omitempty" validate:"max=4096"`
	Tags       []string      `json:"tags,omitempty"`
	FirstSeen  *time.Time    `json:"first_seen,omitempty"`
	LastSeen   *time.Time    `json:"last_seen,omitempty"`
}

// ConfidenceOrDefault returns the indicator confidence, or 0.5 when unset.
func (i Indicator) ConfidenceOrDefault() float64 {
	if i.Confidence == nil {
		return 0.5
	}
	return *i.Confidence
}

// Activity describes attack activity included in an indicator bundle,
// optionally mapped to a MITRE ATT&CK technique.
type Activity struct {
	Name             string   `json:"name" validate:"required,max=512"`
	MitreTechniqueID string   `json:"mitreTechniqueId,omitempty" validate:"max=32"`
	MitreTactic      string   `json:"mitreTactic,omitempty" validate:"max=64"`
	Confidence       float64  `json:"confidence" validate:"min=0,max=1"`
	Severity         string   `json:"severity" validate:"required,oneof=low medium high critical"`
	Signatures       []string `json:"signatures"`
	Context          string   `json:"context,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

// BundleMetadata records the provenance of an indicator bundle.
type BundleMetadata struct {
	ExportTimestamp time.Time `json:"exportTimestamp" validate:"required"`
	Tool            string    `json:"tool" validate:"required,max=128"`
	Version         string    `json:"version" validate:"max=64"`
}

// IndicatorBundle is the upstream input contract: the indicators and
// activities produced by one export of the analysis tooling.
type IndicatorBundle struct {
	Indicators []Indicator    `json:"indicators" validate:"dive"`
	Activities []Activity     `json:"activities" validate:"dive"`
	Metadata   BundleMetadata `json:"metadata" validate:"required"`
}

// IndicatorValues returns the plain values of all indicators in the bundle.
func (b *IndicatorBundle) IndicatorValues() []string {
	values := make([]string, 0, len(b.Indicators))
	for _, ind := range b.Indicators {
		values = append(values, ind.Value)
	}
	return values
}
