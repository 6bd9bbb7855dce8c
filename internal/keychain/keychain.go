// Package keychain provides a TTL'd in-memory cache over an OS secret
// store, coalescing repeated prompts the way the teacher's credential
// store probes keyring availability once and then reuses the result.
package keychain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/logging"
	"github.com/rs/zerolog"
	gokeyring "github.com/zalando/go-keyring"
)

// ErrNotFound is returned when no secret exists for a key.
var ErrNotFound = errors.New("secret not found")

// Kind is the closed set of credential kinds a secret can belong to.
type Kind string

const (
	KindPlainIMAP  Kind = "plain-imap"
	KindOAuthIMAP  Kind = "oauth-imap"
	KindOAuthCloud Kind = "oauth-cloud"
	KindOther      Kind = "other"
)

// Key identifies a secret: (credential kind, identifier, principal).
type Key struct {
	Kind       Kind
	Identifier string
	Principal  string
}

func (k Key) service() string {
	return fmt.Sprintf("dwata:%s:%s", k.Kind, k.Identifier)
}

// Backend is the OS secret store contract. The production implementation
// wraps github.com/zalando/go-keyring; tests use an in-memory fake so C1 is
// testable without a real OS keyring present.
type Backend interface {
	Get(service, account string) (string, error)
	Set(service, account, secret string) error
	Delete(service, account string) error
}

// keyringBackend adapts github.com/zalando/go-keyring to Backend.
type keyringBackend struct{}

func (keyringBackend) Get(service, account string) (string, error) {
	v, err := gokeyring.Get(service, account)
	if errors.Is(err, gokeyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return v, err
}

func (keyringBackend) Set(service, account, secret string) error {
	return gokeyring.Set(service, account, secret)
}

func (keyringBackend) Delete(service, account string) error {
	err := gokeyring.Delete(service, account)
	if errors.Is(err, gokeyring.ErrNotFound) {
		return nil
	}
	return err
}

// NewOSBackend returns the production Backend over the OS secret store.
func NewOSBackend() Backend { return keyringBackend{} }

type entry struct {
	secret    string
	insertedAt time.Time
}

// DefaultTTL is the default cache lifetime for a secret, per spec.
const DefaultTTL = 1 * time.Hour

// Service is the keychain service (C1): get/set/delete/invalidate/clear
// over a TTL-indexed cache backed by an OS secret store.
type Service struct {
	backend Backend
	ttl     time.Duration
	mu      sync.RWMutex
	cache   map[Key]entry
	log     zerolog.Logger
}

// NewService creates a keychain service. ttl <= 0 uses DefaultTTL.
func NewService(backend Backend, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		backend: backend,
		ttl:     ttl,
		cache:   make(map[Key]entry),
		log:     logging.WithComponent("keychain"),
	}
}

// Get returns the secret for k, consulting the OS store only when the
// cached value is absent or older than the TTL.
func (s *Service) Get(_ context.Context, k Key) (string, error) {
	s.mu.RLock()
	e, ok := s.cache[k]
	s.mu.RUnlock()

	if ok && time.Since(e.insertedAt) < s.ttl {
		return e.secret, nil
	}

	secret, err := s.backend.Get(k.service(), k.Principal)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", apperr.Wrap(apperr.TransportError, "secret unavailable", err)
	}

	s.mu.Lock()
	s.cache[k] = entry{secret: secret, insertedAt: time.Now()}
	s.mu.Unlock()

	return secret, nil
}

// Set writes through to the OS store and installs the cache entry.
func (s *Service) Set(_ context.Context, k Key, secret string) error {
	if err := s.backend.Set(k.service(), k.Principal, secret); err != nil {
		return apperr.Wrap(apperr.TransportError, "secret unavailable", err)
	}

	s.mu.Lock()
	s.cache[k] = entry{secret: secret, insertedAt: time.Now()}
	s.mu.Unlock()

	s.log.Debug().Str("identifier", k.Identifier).Msg("secret stored")
	return nil
}

// Delete removes the secret from both the cache and the OS store.
func (s *Service) Delete(_ context.Context, k Key) error {
	s.mu.Lock()
	delete(s.cache, k)
	s.mu.Unlock()

	if err := s.backend.Delete(k.service(), k.Principal); err != nil {
		return apperr.Wrap(apperr.TransportError, "secret unavailable", err)
	}
	return nil
}

// Invalidate evicts a key's cache entry without touching the OS store. It
// is called on authentication failure so the next Get re-consults the
// backend instead of serving a possibly-stale credential.
func (s *Service) Invalidate(k Key) {
	s.mu.Lock()
	delete(s.cache, k)
	s.mu.Unlock()
}

// Clear evicts the entire cache.
func (s *Service) Clear() {
	s.mu.Lock()
	s.cache = make(map[Key]entry)
	s.mu.Unlock()
}

// Preload enumerates the given keys and warms the cache for each in
// parallel. On platforms that prompt per-item (macOS Keychain), this
// amortizes prompts to a single burst at startup instead of one per first
// access, for users who have granted "always allow".
func (s *Service) Preload(ctx context.Context, keys []Key) {
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k Key) {
			defer wg.Done()
			if _, err := s.Get(ctx, k); err != nil && !errors.Is(err, ErrNotFound) {
				s.log.Warn().Err(err).Str("identifier", k.Identifier).Msg("preload failed")
			}
		}(k)
	}
	wg.Wait()
}
