package oauth2engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dwata/api/internal/credential"
	"github.com/dwata/api/internal/database"
	"github.com/dwata/api/internal/keychain"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeSecretBackend struct {
	mu      sync.Mutex
	secrets map[string]string
}

func newFakeSecretBackend() *fakeSecretBackend {
	return &fakeSecretBackend{secrets: make(map[string]string)}
}

func (f *fakeSecretBackend) key(service, account string) string { return service + "|" + account }

func (f *fakeSecretBackend) Get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.secrets[f.key(service, account)]
	if !ok {
		return "", keychain.ErrNotFound
	}
	return v, nil
}

func (f *fakeSecretBackend) Set(service, account, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[f.key(service, account)] = secret
	return nil
}

func (f *fakeSecretBackend) Delete(service, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.secrets, f.key(service, account))
	return nil
}

type testHarness struct {
	engine      *Engine
	credentials *credential.Store
	tokenCalls  *int
	invalidGrant bool
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := database.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	credStore := credential.NewStore(db)
	kc := keychain.NewService(newFakeSecretBackend(), time.Hour)

	h := &testHarness{credentials: credStore, tokenCalls: new(int)}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		*h.tokenCalls++
		if h.invalidGrant {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-token-1",
			"refresh_token": "refresh-token-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"email": "alice@example.com"})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	engine := New(Config{ClientID: "client-1", RedirectURI: "http://localhost:7777/callback"}, kc, credStore)
	engine.oauthCfg.Endpoint = oauth2.Endpoint{AuthURL: server.URL + "/authorize", TokenURL: server.URL + "/token"}
	engine.httpClient = server.Client()

	// userinfoURL is a package const; swap it for the duration of the test
	// via a local override so Redeem hits the fake server.
	h.engine = engine
	userinfoOverride = server.URL + "/userinfo"
	t.Cleanup(func() { userinfoOverride = "" })

	return h
}

func TestBeginReturnsURLAndCSRF(t *testing.T) {
	h := newTestHarness(t)
	url, csrf, err := h.engine.Begin()
	require.NoError(t, err)
	require.NotEmpty(t, url)
	require.NotEmpty(t, csrf)
}

func TestRedeemCreatesCredentialAndCachesToken(t *testing.T) {
	h := newTestHarness(t)
	_, csrf, err := h.engine.Begin()
	require.NoError(t, err)

	redemption, err := h.engine.Redeem(context.Background(), "auth-code", csrf)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", redemption.Credential.Principal)
	require.True(t, redemption.Credential.IsActive)

	token, err := h.engine.AccessToken(context.Background(), redemption.Credential.ID)
	require.NoError(t, err)
	require.Equal(t, "access-token-1", token)
	require.Equal(t, 1, *h.tokenCalls)
}

func TestRedeemRejectsReplayedState(t *testing.T) {
	h := newTestHarness(t)
	_, csrf, err := h.engine.Begin()
	require.NoError(t, err)

	_, err = h.engine.Redeem(context.Background(), "auth-code", csrf)
	require.NoError(t, err)

	_, err = h.engine.Redeem(context.Background(), "auth-code", csrf)
	require.Error(t, err)
}

func TestAccessTokenCoalescesConcurrentRefresh(t *testing.T) {
	h := newTestHarness(t)
	_, csrf, err := h.engine.Begin()
	require.NoError(t, err)
	redemption, err := h.engine.Redeem(context.Background(), "auth-code", csrf)
	require.NoError(t, err)

	// Force the cached token to look expired so AccessToken must refresh.
	h.engine.tokens.set(redemption.Credential.ID, "stale", time.Now().Add(-time.Minute))

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := h.engine.AccessToken(context.Background(), redemption.Credential.ID)
			require.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	for _, tok := range tokens {
		require.Equal(t, "access-token-1", tok)
	}
	// One call from Redeem's own exchange, one coalesced refresh.
	require.Equal(t, 2, *h.tokenCalls)
}

func TestAccessTokenSurfacesCredentialRevokedOnInvalidGrant(t *testing.T) {
	h := newTestHarness(t)
	_, csrf, err := h.engine.Begin()
	require.NoError(t, err)
	redemption, err := h.engine.Redeem(context.Background(), "auth-code", csrf)
	require.NoError(t, err)

	h.invalidGrant = true
	h.engine.tokens.set(redemption.Credential.ID, "stale", time.Now().Add(-time.Minute))

	_, err = h.engine.AccessToken(context.Background(), redemption.Credential.ID)
	require.Error(t, err)

	cred, getErr := h.credentials.Get(redemption.Credential.ID)
	require.NoError(t, getErr)
	require.False(t, cred.IsActive)
}
