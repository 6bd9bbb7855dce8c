package oauth2engine

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/dwata/api/internal/apperr"
)

// stateTTL is the absolute lifetime of an unredeemed PKCE state entry.
const stateTTL = 10 * time.Minute

type stateEntry struct {
	verifier  string
	createdAt time.Time
}

// pkceStateMap holds csrf -> (verifier, created_at), enforcing single-use
// redemption and a short absolute expiry (P5).
type pkceStateMap struct {
	mu      sync.Mutex
	entries map[string]stateEntry
}

func newPKCEStateMap() *pkceStateMap {
	return &pkceStateMap{entries: make(map[string]stateEntry)}
}

func (m *pkceStateMap) put(csrf, verifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[csrf] = stateEntry{verifier: verifier, createdAt: time.Now()}
}

// take removes and returns the verifier for csrf, failing with bad_state if
// the entry is absent, already redeemed, or past its absolute expiry.
func (m *pkceStateMap) take(csrf string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[csrf]
	if !ok {
		return "", apperr.New(apperr.BadState, "unknown or already-redeemed oauth state")
	}
	delete(m.entries, csrf)

	if time.Since(entry.createdAt) > stateTTL {
		return "", apperr.New(apperr.BadState, "oauth state expired")
	}
	return entry.verifier, nil
}

// sweep drops expired entries. Callers that never redeem a state would
// otherwise leak an entry until process exit; this bounds that to stateTTL.
func (m *pkceStateMap) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for csrf, entry := range m.entries {
		if now.Sub(entry.createdAt) > stateTTL {
			delete(m.entries, csrf)
		}
	}
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
