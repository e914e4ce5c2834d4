package secrets

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// EnvProvider retrieves secrets from environment variables.
type EnvProvider struct {
	logger *slog.Logger
}

// NewEnvProvider creates a new environment variable provider.
func NewEnvProvider(logger *slog.Logger) *EnvProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnvProvider{logger: logger}
}

// Name returns the provider name.
func (e *EnvProvider) Name() string {
	return "environment"
}

// Get retrieves a secret from environment variables. The key is uppercased
// and prefixed with "THREATFLOW_"; the bare key is tried as a fallback.
func (e *EnvProvider) Get(_ context.Context, key string) (*Secret, error) {
	value := os.Getenv(normalizeEnvKey(key))
	if value == "" {
		value = os.Getenv(key)
		if value == "" {
			return nil, ErrSecretNotFound
		}
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "environment"},
	}, nil
}

// HealthCheck always returns nil; the environment is always available.
func (e *EnvProvider) HealthCheck(context.Context) error {
	return nil
}

// normalizeEnvKey converts a key to uppercase environment variable format.
// Examples:
//   - "splunk_token" -> "THREATFLOW_SPLUNK_TOKEN"
//   - "clickhouse.password" -> "THREATFLOW_CLICKHOUSE_PASSWORD"
func normalizeEnvKey(key string) string {
	normalized := strings.ToUpper(key)
	normalized = strings.ReplaceAll(normalized, ".", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")
	if !strings.HasPrefix(normalized, "THREATFLOW_") {
		normalized = "THREATFLOW_" + normalized
	}
	return normalized
}
