package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
	"github.com/apexgate/apexgate/internal/util"
)

// Bearer validation defaults.
const (
	// DefaultUserClaim is the claim carrying the user identity.
	DefaultUserClaim = "sub"

	// DefaultScopesClaim is the claim carrying granted scopes.
	DefaultScopesClaim = "scope"

	// DefaultClockSkew is the tolerated clock drift for time claims.
	DefaultClockSkew = 30 * time.Second

	// DefaultJWKSMinRefresh bounds how often the remote key set is
	// re-fetched when no refresh interval is configured.
	DefaultJWKSMinRefresh = 15 * time.Minute
)

// BearerValidator verifies bearer tokens against a remote JWKS endpoint
// or a shared HMAC secret and maps their claims onto an Identity.
type BearerValidator struct {
	cfg    config.JWTConfig
	keys   jwk.Set
	secret []byte
	logger observability.Logger
}

// NewBearerValidator builds a validator from configuration. Exactly one
// key source must be set: JWKSURL for asymmetric tokens or Secret for
// HS256. The context bounds the background JWKS refresher.
func NewBearerValidator(ctx context.Context, cfg config.JWTConfig, logger observability.Logger) (*BearerValidator, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	v := &BearerValidator{cfg: cfg, logger: logger}

	switch {
	case cfg.JWKSURL != "":
		cache := jwk.NewCache(ctx)

		var opts []jwk.RegisterOption
		if cfg.RefreshInterval.Duration() > 0 {
			opts = append(opts, jwk.WithRefreshInterval(cfg.RefreshInterval.Duration()))
		} else {
			opts = append(opts, jwk.WithMinRefreshInterval(DefaultJWKSMinRefresh))
		}

		if err := cache.Register(cfg.JWKSURL, opts...); err != nil {
			return nil, fmt.Errorf("registering JWKS endpoint: %w", err)
		}

		// Fetch eagerly so key problems surface at startup. A failure
		// is not fatal: the background refresher keeps trying and
		// validation fails until a key set arrives.
		if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
			logger.Warn("initial JWKS fetch failed",
				observability.String("url", cfg.JWKSURL),
				observability.Error(err),
			)
		}

		v.keys = jwk.NewCachedSet(cache, cfg.JWKSURL)

	case cfg.Secret != "":
		v.secret = []byte(cfg.Secret)

	default:
		return nil, util.NewConfigError("auth.jwt", "no key source configured: set jwksUrl or secret")
	}

	return v, nil
}

// Validate verifies the token signature and time claims, checks the
// configured issuer and audience, and extracts the identity.
func (v *BearerValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	opts := []jwt.ParseOption{
		jwt.WithContext(ctx),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(DefaultClockSkew),
	}

	if v.keys != nil {
		opts = append(opts, jwt.WithKeySet(v.keys, jws.WithInferAlgorithmFromKey(true)))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, v.secret))
	}

	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return nil, &util.AuthError{Reason: "invalid bearer token", Cause: err}
	}

	userID, err := v.userID(tok)
	if err != nil {
		return nil, err
	}

	return &Identity{
		UserID: userID,
		Scopes: v.scopes(tok),
		Kind:   KindBearer,
	}, nil
}

func (v *BearerValidator) userID(tok jwt.Token) (string, error) {
	claim := v.cfg.UserClaim
	if claim == "" {
		claim = DefaultUserClaim
	}

	if claim == DefaultUserClaim {
		if sub := tok.Subject(); sub != "" {
			return sub, nil
		}
		return "", &util.AuthError{Reason: "token has no subject"}
	}

	raw, ok := tok.Get(claim)
	if !ok {
		return "", &util.AuthError{Reason: fmt.Sprintf("token missing %s claim", claim)}
	}
	userID, ok := raw.(string)
	if !ok || userID == "" {
		return "", &util.AuthError{Reason: fmt.Sprintf("token claim %s is not a string", claim)}
	}
	return userID, nil
}

// scopes reads the scopes claim, accepting the OAuth space-separated
// string form and the array form.
func (v *BearerValidator) scopes(tok jwt.Token) []string {
	claim := v.cfg.ScopesClaim
	if claim == "" {
		claim = DefaultScopesClaim
	}

	raw, ok := tok.Get(claim)
	if !ok {
		return nil
	}

	switch val := raw.(type) {
	case string:
		return strings.Fields(val)
	case []string:
		return append([]string(nil), val...)
	case []interface{}:
		scopes := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	default:
		return nil
	}
}
