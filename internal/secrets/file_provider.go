package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider retrieves secrets from files on disk. Useful for Docker
// secrets and Kubernetes secrets mounted as files.
type FileProvider struct {
	baseDir string
	logger  *slog.Logger
}

// NewFileProvider creates a file-based secret provider. Each file in the
// directory holds a single secret value.
func NewFileProvider(baseDir string, logger *slog.Logger) *FileProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileProvider{baseDir: baseDir, logger: logger}
}

// Name returns the provider name.
func (f *FileProvider) Name() string {
	return "file"
}

// Get retrieves a secret from a file. The key maps to a filename, e.g.
// "splunk/token" reads "splunk_token".
func (f *FileProvider) Get(_ context.Context, key string) (*Secret, error) {
	fullPath := filepath.Join(f.baseDir, keyToFilename(key))

	data, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}

	// Trailing newlines are common in mounted secrets.
	value := strings.TrimRight(string(data), "\n\r")

	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "file", "path": fullPath},
	}, nil
}

// HealthCheck verifies the base directory is accessible.
func (f *FileProvider) HealthCheck(context.Context) error {
	info, err := os.Stat(f.baseDir)
	if err != nil {
		return fmt.Errorf("cannot access secrets directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("secrets path is not a directory: %s", f.baseDir)
	}
	return nil
}

// keyToFilename converts a secret key to a safe filename.
func keyToFilename(key string) string {
	filename := strings.ReplaceAll(key, "/", "_")
	filename = strings.ReplaceAll(filename, ".", "_")
	filename = strings.ReplaceAll(filename, "-", "_")
	return strings.ToLower(filename)
}
