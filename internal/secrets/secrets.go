// Package secrets resolves secret references in gateway configuration.
// Values of the form secret://path#key are fetched from a configured
// provider backed by environment variables, local files, or HashiCorp
// Vault; all other values pass through unchanged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// ProviderType identifies a secrets backend.
type ProviderType string

const (
	// ProviderTypeEnv reads secrets from environment variables.
	ProviderTypeEnv ProviderType = "env"
	// ProviderTypeFile reads secrets from local files.
	ProviderTypeFile ProviderType = "file"
	// ProviderTypeVault reads secrets from HashiCorp Vault.
	ProviderTypeVault ProviderType = "vault"
)

// Common errors for secrets providers.
var (
	// ErrSecretNotFound is returned when a secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrInvalidPath is returned when the secret path is invalid.
	ErrInvalidPath = errors.New("invalid secret path")
	// ErrProviderUnavailable is returned when the provider cannot be reached.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrInvalidProviderType is returned for unknown provider types.
	ErrInvalidProviderType = errors.New("invalid provider type")
)

// Secret is a named set of key-value pairs.
type Secret struct {
	Name string
	Data map[string][]byte
}

// GetString returns a string value from the secret data.
func (s *Secret) GetString(key string) (string, bool) {
	if s == nil || s.Data == nil {
		return "", false
	}
	v, ok := s.Data[key]
	if !ok {
		return "", false
	}
	return string(v), true
}

// GetBytes returns a byte slice value from the secret data.
func (s *Secret) GetBytes(key string) ([]byte, bool) {
	if s == nil || s.Data == nil {
		return nil, false
	}
	v, ok := s.Data[key]
	return v, ok
}

// Provider retrieves secrets from a backend.
type Provider interface {
	// Type returns the provider type.
	Type() ProviderType

	// GetSecret retrieves a secret by path. Path interpretation is
	// provider-specific: an env var suffix, a file or directory under
	// the base path, or a KV v2 path in Vault.
	GetSecret(ctx context.Context, path string) (*Secret, error)

	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases provider resources.
	Close() error
}

// NewProvider builds the provider selected by the configuration.
func NewProvider(cfg config.SecretsConfig, logger observability.Logger) (Provider, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch ProviderType(cfg.Provider) {
	case ProviderTypeEnv, "":
		return NewEnvProvider(cfg.EnvPrefix, logger), nil
	case ProviderTypeFile:
		return NewFileProvider(cfg.FilePath, logger)
	case ProviderTypeVault:
		if cfg.Vault == nil {
			return nil, fmt.Errorf("%w: vault configuration is required", ErrInvalidProviderType)
		}
		return NewVaultProvider(*cfg.Vault, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidProviderType, cfg.Provider)
	}
}

// refPrefix marks a configuration value as a secret reference.
const refPrefix = "secret://"

// defaultKey is the data key used when a reference names none.
const defaultKey = "value"

// Resolver resolves secret:// references through a Provider.
type Resolver struct {
	provider Provider
	logger   observability.Logger
}

// NewResolver creates a resolver backed by the given provider.
func NewResolver(provider Provider, logger observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Resolver{provider: provider, logger: logger}
}

// IsRef reports whether value is a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix)
}

// Resolve returns the secret value a reference points at. Values that
// are not references are returned unchanged. A reference has the form
// secret://path or secret://path#key; the key defaults to "value".
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}

	ref := strings.TrimPrefix(value, refPrefix)
	path, key := ref, defaultKey
	if idx := strings.LastIndex(ref, "#"); idx >= 0 {
		path, key = ref[:idx], ref[idx+1:]
	}
	if path == "" || key == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, value)
	}

	secret, err := r.provider.GetSecret(ctx, path)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", value, err)
	}

	resolved, ok := secret.GetString(key)
	if !ok {
		return "", fmt.Errorf("%w: key %q in %q", ErrSecretNotFound, key, path)
	}

	r.logger.Debug("resolved secret reference",
		observability.String("path", path),
		observability.String("provider", string(r.provider.Type())),
	)

	return resolved, nil
}

// ResolveConfig resolves every secret reference the configuration can
// carry, in place. Called once at startup and again on hot reload.
func (r *Resolver) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	fields := []*string{
		&cfg.Admin.PasswordHash,
	}
	if cfg.Cache.Redis != nil {
		fields = append(fields, &cfg.Cache.Redis.URL)
	}
	if cfg.Auth.JWT != nil {
		fields = append(fields, &cfg.Auth.JWT.Secret)
	}
	for i := range cfg.Auth.APIKeys {
		fields = append(fields, &cfg.Auth.APIKeys[i].Key)
	}

	for _, field := range fields {
		resolved, err := r.Resolve(ctx, *field)
		if err != nil {
			return err
		}
		*field = resolved
	}

	return nil
}
