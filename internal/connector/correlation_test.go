package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"threatflow/internal/schema"
)

// fakeConnector is an in-memory connector for correlation tests. Queries
// return canned events keyed by indicator value.
type fakeConnector struct {
	id        uuid.UUID
	name      string
	events    map[string][]schema.NormalizedEvent
	queryErr  error
	lastQuery string
}

func newFakeConnector(name string) *fakeConnector {
	return &fakeConnector{
		id:     uuid.New(),
		name:   name,
		events: make(map[string][]schema.NormalizedEvent),
	}
}

func (f *fakeConnector) ID() uuid.UUID { return f.id }
func (f *fakeConnector) Name() string  { return f.name }
func (f *fakeConnector) Kind() string  { return "fake" }

func (f *fakeConnector) TestConnection(ctx context.Context) ConnectionStatus {
	return ConnectionStatus{Connected: true, CheckedAt: time.Now()}
}

func (f *fakeConnector) Query(ctx context.Context, query string, opts QueryOptions) (*QueryResult, error) {
	f.lastQuery = query
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	for value, events := range f.events {
		if strings.Contains(query, value) {
			return &QueryResult{Events: events, TotalCount: len(events), Query: query}, nil
		}
	}
	return &QueryResult{Query: query}, nil
}

func (f *fakeConnector) GetAlerts(ctx context.Context, tr *TimeRange, limit int) ([]schema.NormalizedAlert, error) {
	return nil, nil
}

func (f *fakeConnector) GetAlert(ctx context.Context, id string) (*schema.NormalizedAlert, error) {
	return nil, nil
}

func (f *fakeConnector) UpdateAlertStatus(ctx context.Context, id string, status schema.AlertStatus, comment string) error {
	return nil
}

func (f *fakeConnector) PushIndicators(ctx context.Context, indicators []schema.Indicator) error {
	return nil
}

func (f *fakeConnector) CreateSearch(ctx context.Context, name, query string, bundle *schema.IndicatorBundle) (string, error) {
	return "search-1", nil
}

func (f *fakeConnector) Close(ctx context.Context) error { return nil }

func makeEvents(n int, source, eventType string, base time.Time) []schema.NormalizedEvent {
	events := make([]schema.NormalizedEvent, n)
	for i := range events {
		events[i] = schema.NormalizedEvent{
			ID:        fmt.Sprintf("ev-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Source:    source,
			EventType: eventType,
		}
	}
	return events
}

func floatPtr(v float64) *float64 { return &v }

func TestCorrelate_ScoringExample(t *testing.T) {
	// One indicator, confidence 0.9, 12 events: score must be exactly 0.9
	// and a high-activity recommendation must be present.
	conn := newFakeConnector("test-siem")
	conn.events["10.0.0.5"] = makeEvents(12, "firewall", "network.blocked", time.Now().Add(-time.Hour))

	bundle := &schema.IndicatorBundle{
		Indicators: []schema.Indicator{
			{Type: schema.IndicatorIP, Value: "10.0.0.5", Confidence: floatPtr(0.9)},
		},
	}

	result, err := Correlate(context.Background(), conn, bundle, TimeRange{})
	if err != nil {
		t.Fatalf("Correlate returned error: %v", err)
	}

	if result.Score != 0.9 {
		t.Errorf("expected score 0.9, got %v", result.Score)
	}

	foundHighActivity := false
	for _, rec := range result.Recommendations {
		if strings.Contains(rec, "High activity") {
			foundHighActivity = true
		}
	}
	if !foundHighActivity {
		t.Errorf("expected high-activity recommendation, got %v", result.Recommendations)
	}
}

func TestCorrelate_DefaultConfidence(t *testing.T) {
	// Indicator without confidence defaults to 0.5.
	conn := newFakeConnector("test-siem")
	conn.events["evil.example.com"] = makeEvents(10, "dns", "dns.query", time.Now().Add(-time.Hour))

	bundle := &schema.IndicatorBundle{
		Indicators: []schema.Indicator{
			{Type: schema.IndicatorDomain, Value: "evil.example.com"},
		},
	}

	result, err := Correlate(context.Background(), conn, bundle, TimeRange{})
	if err != nil {
		t.Fatalf("Correlate returned error: %v", err)
	}
	if result.Score != 0.5 {
		t.Errorf("expected score 0.5 with default confidence, got %v", result.Score)
	}
}

func TestCorrelate_EmptyBundle(t *testing.T) {
	conn := newFakeConnector("test-siem")

	result, err := Correlate(context.Background(), conn, &schema.IndicatorBundle{}, TimeRange{})
	if err != nil {
		t.Fatalf("Correlate returned error: %v", err)
	}
	if result.Score != 0 {
		t.Errorf("expected zero score for empty bundle, got %v", result.Score)
	}
	if len(result.CorrelatedAlerts) != 0 {
		t.Errorf("expected no alerts for empty bundle, got %d", len(result.CorrelatedAlerts))
	}
}

func TestCorrelate_MeanAcrossIndicators(t *testing.T) {
	// Two indicators: one with 12 events at confidence 1.0 (contribution
	// 1.0), one with no events (contribution 0). Mean is 0.5.
	conn := newFakeConnector("test-siem")
	conn.events["10.0.0.5"] = makeEvents(12, "firewall", "network.blocked", time.Now().Add(-time.Hour))

	bundle := &schema.IndicatorBundle{
		Indicators: []schema.Indicator{
			{Type: schema.IndicatorIP, Value: "10.0.0.5", Confidence: floatPtr(1.0)},
			{Type: schema.IndicatorHash, Value: "d41d8cd98f00b204e9800998ecf8427e", Confidence: floatPtr(1.0)},
		},
	}

	result, err := Correlate(context.Background(), conn, bundle, TimeRange{})
	if err != nil {
		t.Fatalf("Correlate returned error: %v", err)
	}
	if result.Score != 0.5 {
		t.Errorf("expected score 0.5, got %v", result.Score)
	}
}

func TestCorrelate_QueryErrorPropagates(t *testing.T) {
	conn := newFakeConnector("test-siem")
	conn.queryErr = errors.New("backend unreachable")

	bundle := &schema.IndicatorBundle{
		Indicators: []schema.Indicator{
			{Type: schema.IndicatorIP, Value: "10.0.0.5"},
		},
	}

	if _, err := Correlate(context.Background(), conn, bundle, TimeRange{}); err == nil {
		t.Fatal("expected error to propagate from failing query")
	}
}

func TestCorrelate_MITRERecommendations(t *testing.T) {
	conn := newFakeConnector("test-siem")

	bundle := &schema.IndicatorBundle{
		Activities: []schema.Activity{
			{Name: "Credential Dumping", MitreTechniqueID: "T1003", MitreTactic: "credential-access", Severity: "high"},
			{Name: "Untagged Activity", Severity: "low"},
		},
	}

	result, err := Correlate(context.Background(), conn, bundle, TimeRange{})
	if err != nil {
		t.Fatalf("Correlate returned error: %v", err)
	}
	if len(result.Recommendations) != 1 {
		t.Fatalf("expected exactly one MITRE recommendation, got %d: %v",
			len(result.Recommendations), result.Recommendations)
	}
	if !strings.Contains(result.Recommendations[0], "T1003") {
		t.Errorf("recommendation should reference the technique ID: %s", result.Recommendations[0])
	}
}

func TestDeduplicateAlerts(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(2 * time.Hour)

	alerts := []schema.NormalizedAlert{
		{Title: "dup", Source: "firewall", Timestamp: earlier, Description: "old"},
		{Title: "dup", Source: "firewall", Timestamp: later, Description: "new"},
		{Title: "dup", Source: "proxy", Timestamp: earlier},
		{Title: "other", Source: "firewall", Timestamp: earlier},
	}

	deduped := DeduplicateAlerts(alerts)
	if len(deduped) != 3 {
		t.Fatalf("expected 3 alerts after dedup, got %d", len(deduped))
	}
	if deduped[0].Description != "new" {
		t.Errorf("dedup should keep the later alert, got description %q", deduped[0].Description)
	}
}

func TestDefaultIndicatorQuery(t *testing.T) {
	tests := []struct {
		name      string
		indicator schema.Indicator
		want      string
	}{
		{
			name:      "ip uses address clauses",
			indicator: schema.Indicator{Type: schema.IndicatorIP, Value: "10.0.0.5"},
			want:      "source_address",
		},
		{
			name:      "domain uses domain clause",
			indicator: schema.Indicator{Type: schema.IndicatorDomain, Value: "evil.example.com"},
			want:      "domain",
		},
		{
			name:      "hash covers digest variants",
			indicator: schema.Indicator{Type: schema.IndicatorHash, Value: "abcd"},
			want:      "sha256",
		},
		{
			name:      "email uses sender clause",
			indicator: schema.Indicator{Type: schema.IndicatorEmail, Value: "a@b.c"},
			want:      "sender",
		},
		{
			name:      "filename uses process clause",
			indicator: schema.Indicator{Type: schema.IndicatorFilename, Value: "mimikatz.exe"},
			want:      "process_name",
		},
		{
			name:      "unknown type matches verbatim",
			indicator: schema.Indicator{Type: schema.IndicatorOther, Value: "anything"},
			want:      `"anything"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultIndicatorQuery(tt.indicator)
			if !strings.Contains(got, tt.want) {
				t.Errorf("query %q does not contain %q", got, tt.want)
			}
			if tt.indicator.Type != schema.IndicatorOther && !strings.Contains(got, tt.indicator.Value) {
				t.Errorf("query %q does not contain indicator value", got)
			}
		})
	}
}

func TestFactory(t *testing.T) {
	factory := NewFactory()
	factory.Register("fake", func(cfg BackendConfig) (Connector, error) {
		return newFakeConnector(cfg.Name), nil
	})

	t.Run("known kind", func(t *testing.T) {
		conn, err := factory.New(BackendConfig{Kind: "fake", Name: "a"})
		if err != nil {
			t.Fatalf("New returned error: %v", err)
		}
		if conn.Name() != "a" {
			t.Errorf("expected name a, got %s", conn.Name())
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := factory.New(BackendConfig{Kind: "nope"})
		if !errors.Is(err, ErrUnknownKind) {
			t.Errorf("expected ErrUnknownKind, got %v", err)
		}
	})

	t.Run("kinds sorted", func(t *testing.T) {
		factory.Register("alpha", func(cfg BackendConfig) (Connector, error) { return nil, nil })
		kinds := factory.Kinds()
		if len(kinds) != 2 || kinds[0] != "alpha" || kinds[1] != "fake" {
			t.Errorf("unexpected kinds: %v", kinds)
		}
	})
}
