package oauth2engine

import (
	"sync"
	"time"
)

// safetyMargin is the minimum remaining lifetime a cached access token must
// have to be returned directly (P6); anything closer to expiry triggers a
// refresh.
const safetyMargin = 5 * time.Minute

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

func (t cachedToken) liveWithMargin() bool {
	return time.Until(t.expiresAt) >= safetyMargin
}

// accessTokenCache holds credential-id -> (access token, absolute expiry).
type accessTokenCache struct {
	mu     sync.RWMutex
	tokens map[string]cachedToken
}

func newAccessTokenCache() *accessTokenCache {
	return &accessTokenCache{tokens: make(map[string]cachedToken)}
}

func (c *accessTokenCache) get(credentialID string) (cachedToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tokens[credentialID]
	return t, ok
}

func (c *accessTokenCache) set(credentialID, accessToken string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[credentialID] = cachedToken{accessToken: accessToken, expiresAt: expiresAt}
}

// clear drops the cached access token for credentialID, if any.
func (c *accessTokenCache) clear(credentialID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, credentialID)
}
