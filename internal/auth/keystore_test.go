package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/util"
)

func TestKeystore_Lookup(t *testing.T) {
	t.Parallel()

	store := NewKeystore([]config.APIKeyConfig{
		{Key: "sk-alpha", UserID: "user-1", Scopes: []string{"assets:read"}, RateClass: "partner"},
		{Key: "sk-beta", UserID: "user-2"},
	})

	id, err := store.Lookup("sk-alpha")
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, []string{"assets:read"}, id.Scopes)
	assert.Equal(t, KindAPIKey, id.Kind)
	assert.Equal(t, "partner", id.RateClass)

	id, err = store.Lookup("sk-beta")
	require.NoError(t, err)
	assert.Equal(t, "user-2", id.UserID)
	assert.Empty(t, id.Scopes)
}

func TestKeystore_UnknownKey(t *testing.T) {
	t.Parallel()

	store := NewKeystore([]config.APIKeyConfig{
		{Key: "sk-alpha", UserID: "user-1"},
	})

	id, err := store.Lookup("sk-wrong")
	assert.Nil(t, id)
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestKeystore_EmptyStore(t *testing.T) {
	t.Parallel()

	store := NewKeystore(nil)
	assert.Equal(t, 0, store.Len())

	_, err := store.Lookup("anything")
	assert.ErrorIs(t, err, util.ErrUnauthorized)
}

func TestKeystore_Replace(t *testing.T) {
	t.Parallel()

	store := NewKeystore([]config.APIKeyConfig{
		{Key: "sk-old", UserID: "user-1"},
	})

	store.Replace([]config.APIKeyConfig{
		{Key: "sk-new", UserID: "user-2"},
	})
	assert.Equal(t, 1, store.Len())

	_, err := store.Lookup("sk-old")
	assert.ErrorIs(t, err, util.ErrUnauthorized)

	id, err := store.Lookup("sk-new")
	require.NoError(t, err)
	assert.Equal(t, "user-2", id.UserID)
}

func TestKeystore_SkipsBlankKeys(t *testing.T) {
	t.Parallel()

	store := NewKeystore([]config.APIKeyConfig{
		{Key: "", UserID: "ghost"},
		{Key: "sk-real", UserID: "user-1"},
	})
	assert.Equal(t, 1, store.Len())
}

func TestKeystore_ReturnedScopesAreIsolated(t *testing.T) {
	t.Parallel()

	store := NewKeystore([]config.APIKeyConfig{
		{Key: "sk-alpha", UserID: "user-1", Scopes: []string{"assets:read"}},
	})

	first, err := store.Lookup("sk-alpha")
	require.NoError(t, err)
	first.Scopes[0] = "mutated"

	second, err := store.Lookup("sk-alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"assets:read"}, second.Scopes)
}
