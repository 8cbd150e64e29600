package secrets

import (
	"context"
	"fmt"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

// defaultVaultMount is the KV v2 mount used when none is configured.
const defaultVaultMount = "secret"

// VaultProvider reads secrets from a HashiCorp Vault KV v2 engine.
type VaultProvider struct {
	client *vaultapi.Client
	mount  string
	logger observability.Logger
}

// NewVaultProvider creates a Vault secrets provider. The token falls
// back to the VAULT_TOKEN environment variable when unset.
func NewVaultProvider(cfg config.VaultConfig, logger observability.Logger) (*VaultProvider, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	if cfg.Timeout.Duration() > 0 {
		apiConfig.Timeout = cfg.Timeout.Duration()
	} else {
		apiConfig.Timeout = 30 * time.Second
	}

	if cfg.TLSSkipVerify {
		if err := apiConfig.ConfigureTLS(&vaultapi.TLSConfig{Insecure: true}); err != nil {
			return nil, fmt.Errorf("failed to configure vault TLS: %w", err)
		}
	}

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := cfg.MountPath
	if mount == "" {
		mount = defaultVaultMount
	}

	return &VaultProvider{
		client: client,
		mount:  mount,
		logger: logger,
	}, nil
}

// Type returns the provider type.
func (p *VaultProvider) Type() ProviderType {
	return ProviderTypeVault
}

// GetSecret retrieves a secret from the KV v2 engine.
func (p *VaultProvider) GetSecret(ctx context.Context, path string) (*Secret, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}

	kvSecret, err := p.client.KVv2(p.mount).Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if kvSecret == nil || len(kvSecret.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}

	data := make(map[string][]byte, len(kvSecret.Data))
	for k, v := range kvSecret.Data {
		switch value := v.(type) {
		case string:
			data[k] = []byte(value)
		case []byte:
			data[k] = value
		default:
			data[k] = []byte(fmt.Sprintf("%v", value))
		}
	}

	p.logger.Debug("fetched secret from vault",
		observability.String("mount", p.mount),
		observability.String("path", path),
	)

	return &Secret{Name: path, Data: data}, nil
}

// HealthCheck verifies the Vault server is reachable and unsealed.
func (p *VaultProvider) HealthCheck(ctx context.Context) error {
	health, err := p.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if health.Sealed {
		return fmt.Errorf("%w: vault is sealed", ErrProviderUnavailable)
	}
	return nil
}

// Close is a no-op: the API client holds no persistent connections.
func (p *VaultProvider) Close() error {
	return nil
}
