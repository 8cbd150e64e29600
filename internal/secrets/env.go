package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/apexgate/apexgate/internal/observability"
)

// DefaultEnvPrefix is the default prefix for environment variable
// secrets.
const DefaultEnvPrefix = "APEXGATE_SECRET_"

// EnvProvider reads secrets from environment variables. A path maps to
// the variable {prefix}{PATH} with separators normalized to
// underscores. JSON-encoded values become multi-key secrets; anything
// else is stored under the "value" key.
type EnvProvider struct {
	prefix string
	logger observability.Logger
}

// NewEnvProvider creates an environment variable secrets provider.
func NewEnvProvider(prefix string, logger observability.Logger) *EnvProvider {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &EnvProvider{prefix: prefix, logger: logger}
}

// Type returns the provider type.
func (p *EnvProvider) Type() ProviderType {
	return ProviderTypeEnv
}

// normalizeEnvName converts a secret path to an environment variable
// name: uppercase with separators replaced by underscores, prefixed.
func (p *EnvProvider) normalizeEnvName(path string) string {
	name := strings.ToUpper(path)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, "/", "_")
	return p.prefix + name
}

// GetSecret retrieves a secret from the environment.
func (p *EnvProvider) GetSecret(_ context.Context, path string) (*Secret, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}

	envName := p.normalizeEnvName(path)
	value, ok := os.LookupEnv(envName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}

	data := map[string][]byte{}
	var parsed map[string]string
	if err := json.Unmarshal([]byte(value), &parsed); err == nil {
		for k, v := range parsed {
			data[k] = []byte(v)
		}
	} else {
		data[defaultKey] = []byte(value)
	}

	return &Secret{Name: path, Data: data}, nil
}

// HealthCheck always succeeds: the environment is always reachable.
func (p *EnvProvider) HealthCheck(context.Context) error {
	return nil
}

// Close is a no-op.
func (p *EnvProvider) Close() error {
	return nil
}
