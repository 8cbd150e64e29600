package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/util"
)

// Keystore holds the configured API keys indexed by their SHA-256
// digest. Raw key material is never retained; lookups hash the
// presented key and match on the digest.
type Keystore struct {
	mu   sync.RWMutex
	keys map[string]keyEntry
}

type keyEntry struct {
	userID    string
	scopes    []string
	rateClass string
}

// NewKeystore builds a keystore from the configured key list.
func NewKeystore(keys []config.APIKeyConfig) *Keystore {
	s := &Keystore{keys: make(map[string]keyEntry, len(keys))}
	s.load(keys)
	return s
}

// Lookup resolves the identity behind a raw API key.
func (s *Keystore) Lookup(key string) (*Identity, error) {
	digest := hashKey(key)

	s.mu.RLock()
	entry, ok := s.keys[digest]
	s.mu.RUnlock()

	if !ok {
		return nil, util.NewAuthError("unknown api key", false)
	}

	return &Identity{
		UserID:    entry.userID,
		Scopes:    append([]string(nil), entry.scopes...),
		Kind:      KindAPIKey,
		RateClass: entry.rateClass,
	}, nil
}

// Replace swaps the key set atomically.
func (s *Keystore) Replace(keys []config.APIKeyConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]keyEntry, len(keys))
	s.loadLocked(keys)
}

// Len returns the number of configured keys.
func (s *Keystore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *Keystore) load(keys []config.APIKeyConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(keys)
}

func (s *Keystore) loadLocked(keys []config.APIKeyConfig) {
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		s.keys[hashKey(k.Key)] = keyEntry{
			userID:    k.UserID,
			scopes:    append([]string(nil), k.Scopes...),
			rateClass: k.RateClass,
		}
	}
}

func hashKey(key string) string {
	digest := sha256.Sum256([]byte(key))
	return hex.EncodeToString(digest[:])
}
