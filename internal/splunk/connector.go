package splunk

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"threatflow/internal/connector"
	"threatflow/internal/schema"
)

// Kind is the backend kind this package registers under.
const Kind = "splunk"

const (
	defaultQueryLimit = 100
	indicatorLookup   = "threatflow_indicators.csv"
	monitorSearchName = "ThreatFlow Indicator Monitor"

	// detectionCron is the example default recurrence for scheduled
	// detection searches: every 4 hours.
	detectionCron = "0 */4 * * *"
)

// Connector implements the backend capability contract for Splunk.
type Connector struct {
	cfg    connector.BackendConfig
	client *Client
}

// Register registers the Splunk constructor with a connector factory.
func Register(factory *connector.Factory) {
	factory.Register(Kind, New)
}

// New constructs a Splunk connector from a backend configuration.
func New(cfg connector.BackendConfig) (connector.Connector, error) {
	if err := checkCredentials(cfg.Auth); err != nil {
		return nil, err
	}
	return &Connector{
		cfg:    cfg,
		client: NewClient(cfg.BaseURL, cfg.Auth),
	}, nil
}

// checkCredentials verifies the credentials the auth type requires are
// present. Missing credentials are a construction-time error.
func checkCredentials(auth connector.AuthConfig) error {
	required := map[connector.AuthType][]string{
		connector.AuthBasic:  {"username", "password"},
		connector.AuthToken:  {"token"},
		connector.AuthOAuth:  {"token"},
		connector.AuthAPIKey: {"api_key"},
	}

	keys, ok := required[auth.Type]
	if !ok {
		return fmt.Errorf("%w: unsupported auth type %q", connector.ErrMissingCredentials, auth.Type)
	}
	for _, key := range keys {
		if auth.Credentials[key] == "" {
			return fmt.Errorf("%w: %s auth requires %q", connector.ErrMissingCredentials, auth.Type, key)
		}
	}
	return nil
}

func (c *Connector) ID() uuid.UUID { return c.cfg.ID }
func (c *Connector) Name() string  { return c.cfg.Name }
func (c *Connector) Kind() string  { return Kind }

// TestConnection checks reachability and authentication. It never returns
// an error; failures surface in the status object.
func (c *Connector) TestConnection(ctx context.Context) connector.ConnectionStatus {
	status := connector.ConnectionStatus{CheckedAt: time.Now().UTC()}

	info, err := c.client.GetServerInfo(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.Connected = true
	status.Version = info.Version
	status.Capabilities = []string{"query", "alerts", "indicator_push", "saved_search"}
	return status
}

// Query runs an ad-hoc search through the job lifecycle: submit, poll at a
// fixed interval until terminal, fetch results, then best-effort delete.
func (c *Connector) Query(ctx context.Context, query string, opts connector.QueryOptions) (*connector.QueryResult, error) {
	start := time.Now()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var earliest, latest time.Time
	if opts.TimeRange != nil {
		earliest, latest = opts.TimeRange.Start, opts.TimeRange.End
	}

	resolved := ensureSearchPrefix(query)
	sid, err := c.client.SubmitSearchJob(ctx, query, earliest, latest)
	if err != nil {
		return nil, err
	}

	if err := c.client.WaitForJob(ctx, sid); err != nil {
		return nil, err
	}

	rows, err := c.client.GetJobResults(ctx, sid, limit)
	if err != nil {
		return nil, err
	}

	// Job deletion is best-effort; the backend reaps expired jobs anyway.
	if err := c.client.DeleteJob(ctx, sid); err != nil {
		slog.Warn("failed to delete search job", "integration_id", c.cfg.ID, "sid", sid, "error", err)
	}

	events := make([]schema.NormalizedEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, c.rowToEvent(row))
	}

	return &connector.QueryResult{
		Events:        events,
		TotalCount:    len(events),
		ExecutionTime: time.Since(start),
		Query:         resolved,
	}, nil
}

// GetAlerts fetches notable events within the time range as alerts.
func (c *Connector) GetAlerts(ctx context.Context, tr *connector.TimeRange, limit int) ([]schema.NormalizedAlert, error) {
	opts := connector.QueryOptions{TimeRange: tr, Limit: limit}
	result, err := c.Query(ctx, "index=notable", opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notable events: %w", err)
	}

	alerts := make([]schema.NormalizedAlert, 0, len(result.Events))
	for _, ev := range result.Events {
		alerts = append(alerts, c.eventToAlert(ev))
	}
	return alerts, nil
}

// GetAlert fetches a single notable event by ID. Returns nil, nil when the
// event does not exist.
func (c *Connector) GetAlert(ctx context.Context, id string) (*schema.NormalizedAlert, error) {
	query := fmt.Sprintf(`index=notable event_id="%s"`, id)
	result, err := c.Query(ctx, query, connector.QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(result.Events) == 0 {
		return nil, nil
	}
	alert := c.eventToAlert(result.Events[0])
	return &alert, nil
}

// UpdateAlertStatus transitions a notable event to the given status.
func (c *Connector) UpdateAlertStatus(ctx context.Context, id string, status schema.AlertStatus, comment string) error {
	code, ok := reverseStatusMap[status]
	if !ok {
		return fmt.Errorf("unsupported alert status %q", status)
	}
	return c.client.UpdateNotableStatus(ctx, id, code, comment)
}

// PushIndicators materializes the indicators as a CSV lookup table and
// creates a standing monitoring search over the same values. Re-pushing
// the same indicators replaces the lookup; it is never an error.
func (c *Connector) PushIndicators(ctx context.Context, indicators []schema.Indicator) error {
	if len(indicators) == 0 {
		return nil
	}

	var csv strings.Builder
	csv.WriteString("type,value,confidence,context\n")
	for _, ind := range indicators {
		csv.WriteString(fmt.Sprintf("%s,%s,%.2f,%s\n",
			ind.Type, csvEscape(ind.Value), ind.ConfidenceOrDefault(), csvEscape(ind.Context)))
	}

	if err := c.client.UploadLookup(ctx, indicatorLookup, csv.String()); err != nil {
		return err
	}

	values := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		values = append(values, ind.Value)
	}

	_, err := c.client.CreateSavedSearch(ctx, SavedSearch{
		Name:         monitorSearchName,
		Query:        buildValueMatchQuery(values),
		CronSchedule: "0 * * * *",
	})
	if err != nil {
		return fmt.Errorf("failed to create monitoring search: %w", err)
	}

	slog.Info("pushed indicators to backend",
		"integration_id", c.cfg.ID,
		"count", len(indicators),
		"lookup", indicatorLookup)
	return nil
}

// CreateSearch persists a scheduled saved search that matches any indicator
// value in the bundle, recurring every 4 hours with an email action when an
// alert address is configured.
func (c *Connector) CreateSearch(ctx context.Context, name, query string, bundle *schema.IndicatorBundle) (string, error) {
	if query == "" && bundle != nil {
		query = buildValueMatchQuery(bundle.IndicatorValues())
	}
	if query == "" {
		return "", fmt.Errorf("search requires a query or a non-empty bundle")
	}

	emailTo, _ := c.cfg.Settings["alert_email"].(string)
	return c.client.CreateSavedSearch(ctx, SavedSearch{
		Name:         name,
		Query:        query,
		CronSchedule: detectionCron,
		EmailTo:      emailTo,
	})
}

// Close releases client resources. The HTTP client needs no teardown.
func (c *Connector) Close(ctx context.Context) error {
	return nil
}

// BuildIndicatorQuery translates an indicator into Splunk search syntax.
func (c *Connector) BuildIndicatorQuery(ind schema.Indicator) string {
	v := ind.Value
	switch ind.Type {
	case schema.IndicatorIP:
		return fmt.Sprintf(`index=* (src_ip="%s" OR dest_ip="%s")`, v, v)
	case schema.IndicatorDomain:
		return fmt.Sprintf(`index=* (query="%s" OR dest_host="%s")`, v, v)
	case schema.IndicatorURL:
		return fmt.Sprintf(`index=* (url="%s" OR uri_path="%s")`, v, v)
	case schema.IndicatorHash:
		return fmt.Sprintf(`index=* (file_hash="%s" OR md5="%s" OR sha1="%s" OR sha256="%s")`, v, v, v, v)
	case schema.IndicatorEmail:
		return fmt.Sprintf(`index=* (src_user="%s" OR recipient="%s")`, v, v)
	case schema.IndicatorFilename:
		return fmt.Sprintf(`index=* (file_name="%s" OR process_name="%s")`, v, v)
	default:
		return fmt.Sprintf(`index=* "%s"`, v)
	}
}

// buildValueMatchQuery builds a search matching any of the given values.
func buildValueMatchQuery(values []string) string {
	if len(values) == 0 {
		return ""
	}
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return "index=* (" + strings.Join(quoted, " OR ") + ")"
}

// rowToEvent converts a raw result row to a normalized event.
func (c *Connector) rowToEvent(row map[string]any) schema.NormalizedEvent {
	ev := schema.NormalizedEvent{
		ID:        stringField(row, "event_id", "_cd", "_bkt"),
		Source:    stringField(row, "source", "host"),
		EventType: stringField(row, "sourcetype", "eventtype"),
		Fields:    row,
		Raw:       stringField(row, "_raw"),
	}

	if ts := stringField(row, "_time"); ts != "" {
		ev.Timestamp = parseSplunkTime(ts)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if sev := stringField(row, "urgency", "severity"); sev != "" {
		ev.Severity = mapSeverity(strings.ToLower(sev))
	}
	if ev.ID == "" {
		ev.ID = schema.NewAlertID()
	}
	return ev
}

// eventToAlert converts a notable event to a normalized alert.
func (c *Connector) eventToAlert(ev schema.NormalizedEvent) schema.NormalizedAlert {
	title := stringField(ev.Fields, "rule_title", "rule_name", "search_name")
	if title == "" {
		title = ev.EventType
	}

	alert := schema.NormalizedAlert{
		ID:          ev.ID,
		Title:       title,
		Description: stringField(ev.Fields, "rule_description", "description"),
		Severity:    mapSeverity(strings.ToLower(stringField(ev.Fields, "urgency", "severity"))),
		Status:      mapStatus(strings.ToLower(stringField(ev.Fields, "status_label", "status"))),
		Timestamp:   ev.Timestamp,
		Source:      c.cfg.Name,
		Raw:         ev.Fields,
	}

	if conf := stringField(ev.Fields, "confidence"); conf != "" {
		if v, err := strconv.ParseFloat(conf, 64); err == nil {
			alert.Confidence = &v
		}
	}
	return alert
}

// stringField returns the first non-empty string value among the keys.
func stringField(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// parseSplunkTime parses the timestamp formats Splunk emits.
func parseSplunkTime(value string) time.Time {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// csvEscape strips characters that would break the lookup CSV.
func csvEscape(value string) string {
	value = strings.ReplaceAll(value, ",", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	return value
}
