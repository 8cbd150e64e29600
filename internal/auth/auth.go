// Package auth validates request credentials. Routes declare an auth
// requirement and a scope set; the dispatcher extracts the credential,
// asks the Authenticator for the identity behind it, and enforces the
// scope subset rule. Two credential kinds are accepted: static API keys
// bound in configuration and bearer tokens verified against a JWKS
// endpoint or a shared HMAC secret.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
	"github.com/apexgate/apexgate/internal/util"
)

// Kind identifies the credential type presented by a request.
type Kind string

// Credential kinds.
const (
	KindAPIKey Kind = "apikey"
	KindBearer Kind = "bearer"
)

// HeaderAPIKey is the request header carrying an API key.
const HeaderAPIKey = "X-API-Key"

// Credential is a raw credential extracted from a request.
type Credential struct {
	Kind  Kind
	Value string
}

// Identity is the authenticated principal behind a credential.
type Identity struct {
	// UserID identifies the user. May be empty for tokens that carry
	// no user claim.
	UserID string `json:"userId,omitempty"`

	// Scopes granted to the identity.
	Scopes []string `json:"scopes,omitempty"`

	// Kind records which credential kind authenticated the identity.
	Kind Kind `json:"kind"`

	// RateClass names the rate limit class bound to the identity, if
	// any.
	RateClass string `json:"rateClass,omitempty"`
}

// HasScopes reports whether every required scope was granted.
func (id *Identity) HasScopes(required []string) bool {
	for _, want := range required {
		found := false
		for _, got := range id.Scopes {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ExtractCredential pulls the credential off a request. API keys win
// over bearer tokens when both are present. The second return is false
// when the request carries neither.
func ExtractCredential(r *http.Request) (Credential, bool) {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return Credential{Kind: KindAPIKey, Value: key}, true
	}
	if token := ExtractBearerToken(r); token != "" {
		return Credential{Kind: KindBearer, Value: token}, true
	}
	return Credential{}, false
}

// ExtractBearerToken extracts a bearer token from the Authorization
// header. Returns an empty string when the header is absent or carries
// a different scheme.
func ExtractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}

	return strings.TrimSpace(header[len(prefix):])
}

// Validator validates a credential and resolves the identity behind it.
type Validator interface {
	ValidateKey(ctx context.Context, cred Credential) (*Identity, error)
}

// Authenticator validates credentials against the configured API keys
// and bearer token settings.
type Authenticator struct {
	keys   *Keystore
	bearer *BearerValidator
	logger observability.Logger
}

// NewAuthenticator builds an Authenticator from configuration. The
// context bounds the lifetime of the background JWKS refresher when
// bearer validation uses a remote key set.
func NewAuthenticator(ctx context.Context, cfg config.AuthConfig, logger observability.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	a := &Authenticator{
		keys:   NewKeystore(cfg.APIKeys),
		logger: logger,
	}

	if cfg.JWT != nil && cfg.JWT.Enabled {
		bearer, err := NewBearerValidator(ctx, *cfg.JWT, logger)
		if err != nil {
			return nil, err
		}
		a.bearer = bearer
	}

	return a, nil
}

// ValidateKey implements Validator.
func (a *Authenticator) ValidateKey(ctx context.Context, cred Credential) (*Identity, error) {
	if cred.Value == "" {
		return nil, util.NewAuthError("no credentials provided", true)
	}

	switch cred.Kind {
	case KindAPIKey:
		id, err := a.keys.Lookup(cred.Value)
		if err != nil {
			return nil, err
		}
		a.logger.Debug("api key validated",
			observability.String("user_id", id.UserID),
		)
		return id, nil

	case KindBearer:
		if a.bearer == nil {
			return nil, util.NewAuthError("bearer tokens not accepted", false)
		}
		id, err := a.bearer.Validate(ctx, cred.Value)
		if err != nil {
			return nil, err
		}
		a.logger.Debug("bearer token validated",
			observability.String("user_id", id.UserID),
		)
		return id, nil

	default:
		return nil, util.NewAuthError("unsupported credential kind", false)
	}
}

// ReloadKeys replaces the API key set. Called on configuration reload;
// bearer settings are fixed for the lifetime of the Authenticator.
func (a *Authenticator) ReloadKeys(keys []config.APIKeyConfig) {
	a.keys.Replace(keys)
	a.logger.Info("api keys reloaded", observability.Int("count", a.keys.Len()))
}

// Ensure Authenticator implements Validator.
var _ Validator = (*Authenticator)(nil)
