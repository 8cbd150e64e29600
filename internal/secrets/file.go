package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apexgate/apexgate/internal/observability"
)

// FileProvider reads secrets from files under a base directory. A path
// naming a directory yields one key per contained file; a path naming a
// plain file yields its contents under the "value" key. Trailing
// whitespace is trimmed, matching how mounted secret files are usually
// written.
type FileProvider struct {
	basePath string
	logger   observability.Logger
}

// NewFileProvider creates a local file secrets provider rooted at
// basePath.
func NewFileProvider(basePath string, logger observability.Logger) (*FileProvider, error) {
	if basePath == "" {
		return nil, fmt.Errorf("%w: base path is required", ErrInvalidPath)
	}

	info, err := os.Stat(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: base path does not exist: %s", ErrProviderUnavailable, basePath)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: base path is not a directory: %s", ErrProviderUnavailable, basePath)
	}

	if logger == nil {
		logger = observability.NopLogger()
	}

	return &FileProvider{basePath: basePath, logger: logger}, nil
}

// Type returns the provider type.
func (p *FileProvider) Type() ProviderType {
	return ProviderTypeFile
}

// GetSecret retrieves a secret from the filesystem.
func (p *FileProvider) GetSecret(_ context.Context, path string) (*Secret, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") || filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	target := filepath.Join(p.basePath, cleanPath)
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if info.IsDir() {
		return p.readDirectory(target, path)
	}
	return p.readFile(target, path)
}

// readDirectory reads one key per regular file in the directory.
func (p *FileProvider) readDirectory(dir, name string) (*Secret, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	data := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name())) //nolint:gosec // path rooted at basePath
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		data[entry.Name()] = []byte(strings.TrimRight(string(content), "\r\n"))
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}

	return &Secret{Name: name, Data: data}, nil
}

// readFile reads a single file as a one-key secret.
func (p *FileProvider) readFile(file, name string) (*Secret, error) {
	content, err := os.ReadFile(file) //nolint:gosec // path rooted at basePath
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	return &Secret{
		Name: name,
		Data: map[string][]byte{
			defaultKey: []byte(strings.TrimRight(string(content), "\r\n")),
		},
	}, nil
}

// HealthCheck verifies the base path is still accessible.
func (p *FileProvider) HealthCheck(context.Context) error {
	if _, err := os.Stat(p.basePath); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return nil
}

// Close is a no-op.
func (p *FileProvider) Close() error {
	return nil
}
