// Package secrets provides secret retrieval from environment variables and
// files, plus AES-256-GCM sealing of backend credentials at rest.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSecretNotFound is returned when a secret is not found in any provider.
	ErrSecretNotFound = errors.New("secrets: not found")

	// ErrNoProvider is returned when no secret providers are configured.
	ErrNoProvider = errors.New("secrets: no provider configured")

	// ErrNotSupported is returned when a provider does not support an operation.
	ErrNotSupported = errors.New("secrets: operation not supported by this provider")
)

// Secret represents a retrieved secret with metadata.
type Secret struct {
	Value    string
	Metadata map[string]string
}

// Provider is the interface that secret providers must implement.
type Provider interface {
	// Name returns the provider name for logging.
	Name() string

	// Get retrieves a secret by key.
	Get(ctx context.Context, key string) (*Secret, error)

	// HealthCheck verifies the provider is accessible.
	HealthCheck(ctx context.Context) error
}

// Config holds configuration for the secrets manager.
type Config struct {
	EnableEnv  bool          `yaml:"enable_env"`
	EnableFile bool          `yaml:"enable_file"`
	FileDir    string        `yaml:"file_dir"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns default secrets manager configuration.
func DefaultConfig() Config {
	return Config{
		EnableEnv:  true,
		EnableFile: false,
		FileDir:    "/etc/threatflow/secrets",
		CacheTTL:   5 * time.Minute,
	}
}

// Manager resolves secrets through a provider chain with caching.
type Manager struct {
	providers []Provider
	cacheTTL  time.Duration
	logger    *slog.Logger

	cacheMu sync.RWMutex
	cache   map[string]cachedSecret
}

type cachedSecret struct {
	secret    *Secret
	fetchedAt time.Time
}

// NewManager creates a secrets manager from the configuration.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cacheTTL: cfg.CacheTTL,
		logger:   logger.With("component", "secrets"),
		cache:    make(map[string]cachedSecret),
	}

	if cfg.EnableEnv {
		m.providers = append(m.providers, NewEnvProvider(logger))
	}
	if cfg.EnableFile {
		m.providers = append(m.providers, NewFileProvider(cfg.FileDir, logger))
	}
	if len(m.providers) == 0 {
		return nil, ErrNoProvider
	}
	return m, nil
}

// Get retrieves a secret, trying each provider in order until found.
// Results are cached for the configured TTL.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if cached := m.getFromCache(key); cached != nil {
		return cached.Value, nil
	}

	var lastErr error
	for _, provider := range m.providers {
		secret, err := provider.Get(ctx, key)
		if err == nil && secret != nil {
			m.cacheSecret(key, secret)
			m.logger.Debug("secret retrieved", "key", key, "provider", provider.Name())
			return secret.Value, nil
		}
		if err != nil && !errors.Is(err, ErrSecretNotFound) {
			m.logger.Warn("provider error",
				"provider", provider.Name(), "key", key, "error", err)
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrSecretNotFound
	}
	return "", fmt.Errorf("get secret %q: %w", key, lastErr)
}

// GetWithDefault retrieves a secret, returning the default value if not found.
func (m *Manager) GetWithDefault(ctx context.Context, key, defaultValue string) string {
	value, err := m.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	return value
}

// ResolveRef resolves a secret reference. "env:KEY" and "file:name" select
// a provider explicitly; anything else is taken as a literal value.
func (m *Manager) ResolveRef(ctx context.Context, ref string) (string, error) {
	scheme, key, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}
	switch scheme {
	case "env", "file":
		return m.Get(ctx, key)
	default:
		return ref, nil
	}
}

// HealthCheck verifies all providers are accessible.
func (m *Manager) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, provider := range m.providers {
		if err := provider.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ClearCache clears all cached secrets.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache = make(map[string]cachedSecret)
}

func (m *Manager) getFromCache(key string) *Secret {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	cached, ok := m.cache[key]
	if !ok || time.Since(cached.fetchedAt) > m.cacheTTL {
		return nil
	}
	return cached.secret
}

func (m *Manager) cacheSecret(key string, secret *Secret) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache[key] = cachedSecret{secret: secret, fetchedAt: time.Now()}
}
