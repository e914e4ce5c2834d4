package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"threatflow/internal/schema"
)

const (
	// DefaultLookback is the correlation window used when the caller does
	// not supply one.
	DefaultLookback = 24 * time.Hour

	// maxEventsPerIndicator caps results per indicator query.
	maxEventsPerIndicator = 100

	// highActivityThreshold is the event count above which an indicator
	// earns a high-activity recommendation.
	highActivityThreshold = 5
)

// CorrelationResult is the per-backend outcome of one correlation run.
// It is never mutated after creation.
type CorrelationResult struct {
	IntegrationID    uuid.UUID                `json:"integration_id"`
	IntegrationName  string                   `json:"integration_name"`
	CorrelatedAlerts []schema.NormalizedAlert `json:"correlated_alerts"`
	Score            float64                  `json:"correlation_score"`
	Recommendations  []string                 `json:"recommendations"`
	Duration         time.Duration            `json:"execution_duration"`
}

// DefaultIndicatorQuery translates an indicator into generic search syntax.
// Connectors implementing IndicatorQueryBuilder replace this with
// backend-native field names.
func DefaultIndicatorQuery(ind schema.Indicator) string {
	switch ind.Type {
	case schema.IndicatorIP:
		return fmt.Sprintf(`source_address="%s" OR destination_address="%s"`, ind.Value, ind.Value)
	case schema.IndicatorDomain:
		return fmt.Sprintf(`domain="%s" OR query="%s"`, ind.Value, ind.Value)
	case schema.IndicatorURL:
		return fmt.Sprintf(`url="%s" OR uri="%s"`, ind.Value, ind.Value)
	case schema.IndicatorHash:
		return fmt.Sprintf(`hash="%s" OR md5="%s" OR sha1="%s" OR sha256="%s"`,
			ind.Value, ind.Value, ind.Value, ind.Value)
	case schema.IndicatorEmail:
		return fmt.Sprintf(`sender="%s" OR recipient="%s"`, ind.Value, ind.Value)
	case schema.IndicatorFilename:
		return fmt.Sprintf(`filename="%s" OR process_name="%s"`, ind.Value, ind.Value)
	default:
		return fmt.Sprintf(`"%s"`, ind.Value)
	}
}

// Correlate runs the default correlation algorithm for one connector: one
// query per indicator over the time range, event grouping into alerts,
// activity-weighted scoring, and recommendation synthesis.
//
// A query error aborts the run and propagates to the caller; batch-level
// isolation is the orchestrator's job, not this function's.
func Correlate(ctx context.Context, conn Connector, bundle *schema.IndicatorBundle, tr TimeRange) (*CorrelationResult, error) {
	start := time.Now()

	result := &CorrelationResult{
		IntegrationID:   conn.ID(),
		IntegrationName: conn.Name(),
	}

	if tr.Start.IsZero() || tr.End.IsZero() {
		tr.End = time.Now().UTC()
		tr.Start = tr.End.Add(-DefaultLookback)
	}

	buildQuery := DefaultIndicatorQuery
	if builder, ok := conn.(IndicatorQueryBuilder); ok {
		buildQuery = builder.BuildIndicatorQuery
	}

	var scoreSum float64
	for _, ind := range bundle.Indicators {
		query := buildQuery(ind)

		res, err := conn.Query(ctx, query, QueryOptions{
			TimeRange: &tr,
			Limit:     maxEventsPerIndicator,
		})
		if err != nil {
			return nil, fmt.Errorf("indicator query failed for %s %q: %w", ind.Type, ind.Value, err)
		}

		eventCount := len(res.Events)
		eventScore := float64(eventCount) / 10.0
		if eventScore > 1 {
			eventScore = 1
		}
		scoreSum += eventScore * ind.ConfidenceOrDefault()

		if eventCount > 0 {
			result.CorrelatedAlerts = append(result.CorrelatedAlerts, groupEventsIntoAlerts(ind, res.Events)...)
		}

		if eventCount > highActivityThreshold {
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("High activity for %s %q: %d matching events in %s - investigate immediately",
					ind.Type, ind.Value, eventCount, conn.Name()))
		}

		slog.Debug("indicator correlated",
			"integration_id", conn.ID(),
			"indicator_type", ind.Type,
			"indicator_value", ind.Value,
			"events", eventCount)
	}

	for _, act := range bundle.Activities {
		if act.MitreTechniqueID == "" {
			continue
		}
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("Review detection coverage for %s (%s): activity %q was part of the correlated bundle",
				act.MitreTechniqueID, act.MitreTactic, act.Name))
	}

	if len(bundle.Indicators) > 0 {
		result.Score = clampScore(scoreSum / float64(len(bundle.Indicators)))
	}

	result.CorrelatedAlerts = DeduplicateAlerts(result.CorrelatedAlerts)
	result.Duration = time.Since(start)
	return result, nil
}

// groupEventsIntoAlerts groups events by (source, event type) for one
// indicator, yielding a single alert per distinct group.
func groupEventsIntoAlerts(ind schema.Indicator, events []schema.NormalizedEvent) []schema.NormalizedAlert {
	type groupKey struct {
		source    string
		eventType string
	}

	groups := make(map[groupKey][]schema.NormalizedEvent)
	var order []groupKey
	for _, ev := range events {
		key := groupKey{source: ev.Source, eventType: ev.EventType}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ev)
	}

	alerts := make([]schema.NormalizedAlert, 0, len(order))
	for _, key := range order {
		group := groups[key]

		latest := group[0].Timestamp
		for _, ev := range group[1:] {
			if ev.Timestamp.After(latest) {
				latest = ev.Timestamp
			}
		}

		raw := make(map[string]any, 2)
		raw["event_count"] = len(group)
		raw["indicator_value"] = ind.Value

		alerts = append(alerts, schema.NormalizedAlert{
			ID:    schema.NewAlertID(),
			Title: fmt.Sprintf("%s activity matching %s", key.eventType, ind.Value),
			Description: fmt.Sprintf("%d %s event(s) from %s matched indicator %s %q",
				len(group), key.eventType, key.source, ind.Type, ind.Value),
			Severity:   alertSeverity(ind, len(group)),
			Status:     schema.AlertOpen,
			Timestamp:  latest,
			Source:     key.source,
			Indicators: []schema.Indicator{ind},
			Raw:        raw,
			Confidence: ind.Confidence,
			Tags:       ind.Tags,
		})
	}
	return alerts
}

// alertSeverity derives an alert severity from the indicator and the
// amount of matching activity.
func alertSeverity(ind schema.Indicator, eventCount int) schema.Severity {
	if sev := schema.Severity(ind.Severity); sev.IsValid() {
		return sev
	}
	if eventCount > highActivityThreshold {
		return schema.SeverityHigh
	}
	return schema.SeverityMedium
}

// DeduplicateAlerts collapses alerts sharing (title, source), keeping the
// alert with the latest timestamp.
func DeduplicateAlerts(alerts []schema.NormalizedAlert) []schema.NormalizedAlert {
	type dedupKey struct {
		title  string
		source string
	}

	seen := make(map[dedupKey]int)
	result := make([]schema.NormalizedAlert, 0, len(alerts))
	for _, alert := range alerts {
		key := dedupKey{title: alert.Title, source: alert.Source}
		if idx, ok := seen[key]; ok {
			if alert.Timestamp.After(result[idx].Timestamp) {
				result[idx] = alert
			}
			continue
		}
		seen[key] = len(result)
		result = append(result, alert)
	}
	return result
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
