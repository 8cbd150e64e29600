package auth

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
	"github.com/apexgate/apexgate/internal/util"
)

func TestExtractCredential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		headers  map[string]string
		wantKind Kind
		wantVal  string
		wantOK   bool
	}{
		{
			name:     "api key header",
			headers:  map[string]string{HeaderAPIKey: "sk-alpha"},
			wantKind: KindAPIKey,
			wantVal:  "sk-alpha",
			wantOK:   true,
		},
		{
			name:     "bearer token",
			headers:  map[string]string{"Authorization": "Bearer tok-123"},
			wantKind: KindBearer,
			wantVal:  "tok-123",
			wantOK:   true,
		},
		{
			name: "api key wins over bearer",
			headers: map[string]string{
				HeaderAPIKey:    "sk-alpha",
				"Authorization": "Bearer tok-123",
			},
			wantKind: KindAPIKey,
			wantVal:  "sk-alpha",
			wantOK:   true,
		},
		{
			name:    "basic scheme is not a bearer token",
			headers: map[string]string{"Authorization": "Basic dXNlcjpwYXNz"},
			wantOK:  false,
		},
		{
			name:    "whitespace api key is absent",
			headers: map[string]string{HeaderAPIKey: "   "},
			wantOK:  false,
		},
		{
			name:   "no credentials",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, err := http.NewRequest(http.MethodGet, "/api/assets", http.NoBody)
			require.NoError(t, err)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			cred, ok := ExtractCredential(r)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantKind, cred.Kind)
				assert.Equal(t, tt.wantVal, cred.Value)
			}
		})
	}
}

func TestExtractBearerToken_TrimsWhitespace(t *testing.T) {
	t.Parallel()

	r, err := http.NewRequest(http.MethodGet, "/", http.NoBody)
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer   tok-123  ")

	assert.Equal(t, "tok-123", ExtractBearerToken(r))
}

func TestIdentity_HasScopes(t *testing.T) {
	t.Parallel()

	id := &Identity{Scopes: []string{"assets:read", "assets:write"}}

	assert.True(t, id.HasScopes(nil))
	assert.True(t, id.HasScopes([]string{"assets:read"}))
	assert.True(t, id.HasScopes([]string{"assets:read", "assets:write"}))
	assert.False(t, id.HasScopes([]string{"assets:read", "assets:delete"}))

	empty := &Identity{}
	assert.True(t, empty.HasScopes(nil))
	assert.False(t, empty.HasScopes([]string{"assets:read"}))
}

func TestAuthenticator_APIKey(t *testing.T) {
	t.Parallel()

	a, err := NewAuthenticator(context.Background(), config.AuthConfig{
		APIKeys: []config.APIKeyConfig{
			{Key: "sk-alpha", UserID: "user-1", Scopes: []string{"assets:read"}},
		},
	}, observability.NopLogger())
	require.NoError(t, err)

	id, err := a.ValidateKey(context.Background(), Credential{Kind: KindAPIKey, Value: "sk-alpha"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, KindAPIKey, id.Kind)

	_, err = a.ValidateKey(context.Background(), Credential{Kind: KindAPIKey, Value: "sk-wrong"})
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestAuthenticator_EmptyCredential(t *testing.T) {
	t.Parallel()

	a, err := NewAuthenticator(context.Background(), config.AuthConfig{}, observability.NopLogger())
	require.NoError(t, err)

	_, err = a.ValidateKey(context.Background(), Credential{})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrUnauthorized)

	var authErr *util.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Missing)
}

func TestAuthenticator_BearerNotConfigured(t *testing.T) {
	t.Parallel()

	a, err := NewAuthenticator(context.Background(), config.AuthConfig{}, observability.NopLogger())
	require.NoError(t, err)

	_, err = a.ValidateKey(context.Background(), Credential{Kind: KindBearer, Value: "tok-123"})
	assert.ErrorIs(t, err, util.ErrUnauthorized)
	assert.ErrorContains(t, err, "bearer tokens not accepted")
}

func TestAuthenticator_BearerDispatch(t *testing.T) {
	t.Parallel()

	const secret = "unit-test-signing-secret-0123456789"

	a, err := NewAuthenticator(context.Background(), config.AuthConfig{
		JWT: &config.JWTConfig{Enabled: true, Secret: secret},
	}, observability.NopLogger())
	require.NoError(t, err)

	token := signedHS256(t, secret, nil)

	id, err := a.ValidateKey(context.Background(), Credential{Kind: KindBearer, Value: token})
	require.NoError(t, err)
	assert.Equal(t, "user-7", id.UserID)
	assert.Equal(t, KindBearer, id.Kind)
}

func TestAuthenticator_UnsupportedKind(t *testing.T) {
	t.Parallel()

	a, err := NewAuthenticator(context.Background(), config.AuthConfig{}, observability.NopLogger())
	require.NoError(t, err)

	_, err = a.ValidateKey(context.Background(), Credential{Kind: Kind("cookie"), Value: "x"})
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestAuthenticator_ReloadKeys(t *testing.T) {
	t.Parallel()

	a, err := NewAuthenticator(context.Background(), config.AuthConfig{
		APIKeys: []config.APIKeyConfig{{Key: "sk-old", UserID: "user-1"}},
	}, observability.NopLogger())
	require.NoError(t, err)

	a.ReloadKeys([]config.APIKeyConfig{{Key: "sk-new", UserID: "user-2"}})

	_, err = a.ValidateKey(context.Background(), Credential{Kind: KindAPIKey, Value: "sk-old"})
	assert.ErrorIs(t, err, util.ErrUnauthorized)

	id, err := a.ValidateKey(context.Background(), Credential{Kind: KindAPIKey, Value: "sk-new"})
	require.NoError(t, err)
	assert.Equal(t, "user-2", id.UserID)
}
