package keychain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls int
	data  map[string]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: make(map[string]string)}
}

func (f *fakeBackend) key(service, account string) string { return service + "|" + account }

func (f *fakeBackend) Get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	v, ok := f.data[f.key(service, account)]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *fakeBackend) Set(service, account, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[f.key(service, account)] = secret
	return nil
}

func (f *fakeBackend) Delete(service, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, f.key(service, account))
	return nil
}

func TestServiceSetGet(t *testing.T) {
	backend := newFakeBackend()
	svc := NewService(backend, time.Hour)
	ctx := context.Background()
	k := Key{Kind: KindOAuthIMAP, Identifier: "gmail-alice", Principal: "alice@example.com"}

	require.NoError(t, svc.Set(ctx, k, "s3cr3t"))

	v, err := svc.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", v)
}

func TestServiceCachesWithinTTL(t *testing.T) {
	backend := newFakeBackend()
	svc := NewService(backend, time.Hour)
	ctx := context.Background()
	k := Key{Kind: KindPlainIMAP, Identifier: "imap-bob", Principal: "bob@example.com"}
	require.NoError(t, svc.Set(ctx, k, "pw"))

	callsAfterSet := backend.calls

	_, err := svc.Get(ctx, k)
	require.NoError(t, err)
	_, err = svc.Get(ctx, k)
	require.NoError(t, err)

	assert.Equal(t, callsAfterSet, backend.calls, "Get should be served from cache within TTL")
}

func TestServiceExpiresAfterTTL(t *testing.T) {
	backend := newFakeBackend()
	svc := NewService(backend, 10*time.Millisecond)
	ctx := context.Background()
	k := Key{Kind: KindPlainIMAP, Identifier: "imap-carol", Principal: "carol@example.com"}
	require.NoError(t, svc.Set(ctx, k, "pw"))

	time.Sleep(20 * time.Millisecond)
	callsBefore := backend.calls

	_, err := svc.Get(ctx, k)
	require.NoError(t, err)

	assert.Equal(t, callsBefore+1, backend.calls, "Get should re-consult backend after TTL expiry")
}

func TestServiceInvalidate(t *testing.T) {
	backend := newFakeBackend()
	svc := NewService(backend, time.Hour)
	ctx := context.Background()
	k := Key{Kind: KindOAuthIMAP, Identifier: "gmail-dan", Principal: "dan@example.com"}
	require.NoError(t, svc.Set(ctx, k, "tok"))

	svc.Invalidate(k)
	require.NoError(t, backend.Delete(k.service(), k.Principal))
	require.NoError(t, backend.Set(k.service(), k.Principal, "tok2"))

	v, err := svc.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "tok2", v)
}

func TestServiceGetNotFound(t *testing.T) {
	backend := newFakeBackend()
	svc := NewService(backend, time.Hour)
	ctx := context.Background()
	k := Key{Kind: KindOther, Identifier: "missing", Principal: "nobody@example.com"}

	_, err := svc.Get(ctx, k)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServicePreload(t *testing.T) {
	backend := newFakeBackend()
	svc := NewService(backend, time.Hour)
	ctx := context.Background()

	keys := []Key{
		{Kind: KindPlainIMAP, Identifier: "a", Principal: "a@example.com"},
		{Kind: KindPlainIMAP, Identifier: "b", Principal: "b@example.com"},
	}
	for _, k := range keys {
		require.NoError(t, svc.Set(ctx, k, "x"))
	}
	svc.Clear()

	svc.Preload(ctx, keys)

	for _, k := range keys {
		svc.mu.RLock()
		_, ok := svc.cache[k]
		svc.mu.RUnlock()
		assert.True(t, ok, "expected %v to be preloaded", k)
	}
}
