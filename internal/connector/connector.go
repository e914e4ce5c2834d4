// Package connector defines the capability contract every alerting backend
// binding implements, the factory that constructs connectors by kind, and
// the default indicator correlation algorithm shared by all backends.
package connector

import (
	"context"
	"time"

	"github.com/google/uuid"

	"threatflow/internal/schema"
)

// AuthType selects the authentication scheme a backend uses.
type AuthType string

const (
	AuthAPIKey AuthType = "apikey"
	AuthBasic  AuthType = "basic"
	AuthToken  AuthType = "token"
	AuthOAuth  AuthType = "oauth"
)

// AuthConfig is the credential descriptor of a backend configuration.
// Credentials is an opaque map whose keys depend on Type (e.g. "username"
// and "password" for basic, "token" for token/oauth, "api_key" for apikey).
type AuthConfig struct {
	Type        AuthType          `json:"type" yaml:"type"`
	Credentials map[string]string `json:"credentials" yaml:"credentials"`
}

// BackendConfig identifies and configures one connector instance.
type BackendConfig struct {
	ID        uuid.UUID      `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name" validate:"required,max=256"`
	Kind      string         `json:"kind" yaml:"kind" validate:"required,max=64"`
	BaseURL   string         `json:"base_url" yaml:"base_url" validate:"required,url"`
	Auth      AuthConfig     `json:"auth" yaml:"auth"`
	Settings  map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
}

// ConnectionStatus is the result of a connection test. TestConnection never
// returns an error; failures surface as Connected=false with Error set.
type ConnectionStatus struct {
	Connected    bool      `json:"connected"`
	CheckedAt    time.Time `json:"checked_at"`
	Version      string    `json:"version,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// TimeRange bounds a query window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// QueryOptions tunes a single backend query.
type QueryOptions struct {
	TimeRange *TimeRange
	Limit     int
	Fields    []string
}

// QueryResult holds the events returned by one backend query.
type QueryResult struct {
	Events        []schema.NormalizedEvent `json:"events"`
	TotalCount    int                      `json:"total_count"`
	ExecutionTime time.Duration            `json:"execution_time"`
	Query         string                   `json:"query"`
}

// Connector is the capability contract for one alerting/correlation backend.
// Query may suspend for the duration of a backend search job. PushIndicators
// is idempotent from the caller's perspective: pushing the same indicator
// twice is not an error.
type Connector interface {
	// ID returns the integration ID this connector was constructed for.
	ID() uuid.UUID

	// Name returns the configured integration name.
	Name() string

	// Kind returns the backend kind (e.g. "splunk").
	Kind() string

	// TestConnection checks backend reachability and authentication.
	TestConnection(ctx context.Context) ConnectionStatus

	// Query runs an ad-hoc search and returns normalized events.
	Query(ctx context.Context, query string, opts QueryOptions) (*QueryResult, error)

	// GetAlerts fetches backend alerts within the time range.
	GetAlerts(ctx context.Context, tr *TimeRange, limit int) ([]schema.NormalizedAlert, error)

	// GetAlert fetches a single alert by backend-native ID.
	// Returns nil, nil when the alert does not exist.
	GetAlert(ctx context.Context, id string) (*schema.NormalizedAlert, error)

	// UpdateAlertStatus transitions an alert to the given status.
	UpdateAlertStatus(ctx context.Context, id string, status schema.AlertStatus, comment string) error

	// PushIndicators publishes indicators for backend-side monitoring.
	PushIndicators(ctx context.Context, indicators []schema.Indicator) error

	// CreateSearch persists a backend-native saved or scheduled search
	// derived from an indicator bundle, returning the backend's search ID.
	CreateSearch(ctx context.Context, name, query string, bundle *schema.IndicatorBundle) (string, error)

	// Close releases backend resources. Idempotent.
	Close(ctx context.Context) error
}

// IndicatorQueryBuilder is implemented by connectors that translate
// indicators into backend-specific query syntax. Connectors that do not
// implement it fall back to the generic DefaultIndicatorQuery.
type IndicatorQueryBuilder interface {
	BuildIndicatorQuery(indicator schema.Indicator) string
}
