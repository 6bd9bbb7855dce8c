package oauth2engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/credential"
	"github.com/dwata/api/internal/keychain"
	"github.com/dwata/api/internal/logging"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const userinfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// userinfoOverride lets tests point principal resolution at a fake server.
// Empty in production.
var userinfoOverride string

// Engine is the OAuth2 engine (C3).
type Engine struct {
	oauthCfg    oauth2.Config
	httpClient  *http.Client
	keychain    *keychain.Service
	credentials *credential.Store

	tokens *accessTokenCache
	states *pkceStateMap
	group  singleflight.Group

	log zerolog.Logger
}

// New builds an OAuth2 engine.
func New(cfg Config, kc *keychain.Service, credentials *credential.Store) *Engine {
	return &Engine{
		oauthCfg: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      cfg.scopes(),
			Endpoint:    googleEndpoint,
		},
		httpClient:  http.DefaultClient,
		keychain:    kc,
		credentials: credentials,
		tokens:      newAccessTokenCache(),
		states:      newPKCEStateMap(),
		log:         logging.WithComponent("oauth2-engine"),
	}
}

// Begin starts a PKCE authorization-code flow: it mints a fresh verifier
// and CSRF token, stores csrf -> verifier with a 10-minute absolute
// expiry, and returns the authorization URL to send the user to.
func (e *Engine) Begin() (authorizeURL, csrfToken string, err error) {
	e.states.sweep()

	verifier := oauth2.GenerateVerifier()
	csrf, err := randomToken(24)
	if err != nil {
		return "", "", apperr.Wrap(apperr.StoreError, "failed to generate csrf token", err)
	}

	e.states.put(csrf, verifier)

	url := e.oauthCfg.AuthCodeURL(csrf,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	return url, csrf, nil
}

// Redemption is the result of a successful callback redemption.
type Redemption struct {
	Credential *credential.Credential
}

type userinfoResponse struct {
	Email string `json:"email"`
}

// Redeem completes the PKCE flow for a callback (code, state) pair. The
// state entry is single-use: a second call with the same state fails with
// bad_state, matching P5.
func (e *Engine) Redeem(ctx context.Context, code, state string) (*Redemption, error) {
	verifier, err := e.states.take(state)
	if err != nil {
		return nil, err
	}

	token, err := e.oauthCfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, apperr.Wrap(apperr.AuthFailed, "token exchange failed", err)
	}
	if token.RefreshToken == "" {
		return nil, apperr.New(apperr.AuthFailed, "authorization server did not return a refresh token")
	}

	principal, err := e.fetchPrincipal(ctx, token)
	if err != nil {
		return nil, err
	}

	identifier := fmt.Sprintf("gmail-%s", shortHash(principal))

	cred, err := e.credentials.GetByIdentifier(identifier)
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		return nil, err
	}
	if cred == nil {
		cred, err = e.credentials.Create(credential.CreateInput{
			Kind:        credential.KindOAuthIMAP,
			Identifier:  identifier,
			Principal:   principal,
			ServiceHost: "imap.gmail.com",
			ServicePort: 993,
			UseTLS:      true,
		})
		if err != nil {
			return nil, err
		}
	} else if !cred.IsActive {
		if err := e.credentials.SetActive(cred.ID, true); err != nil {
			return nil, err
		}
		cred.IsActive = true
	}

	secretKey := keychain.Key{Kind: keychain.KindOAuthIMAP, Identifier: identifier, Principal: principal}
	if err := e.keychain.Set(ctx, secretKey, token.RefreshToken); err != nil {
		return nil, err
	}

	e.tokens.set(cred.ID, token.AccessToken, token.Expiry)

	return &Redemption{Credential: cred}, nil
}

func (e *Engine) fetchPrincipal(ctx context.Context, token *oauth2.Token) (string, error) {
	url := userinfoURL
	if userinfoOverride != "" {
		url = userinfoOverride
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.TransportError, "failed to build userinfo request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.TransportError, "userinfo request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.TransportError, fmt.Sprintf("userinfo endpoint returned %d", resp.StatusCode))
	}

	var info userinfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", apperr.Wrap(apperr.ParseError, "failed to parse userinfo response", err)
	}
	if info.Email == "" {
		return "", apperr.New(apperr.ParseError, "userinfo response did not contain an email")
	}
	return info.Email, nil
}

// AccessToken returns a bearer token for credentialID whose remaining
// lifetime is at least the 5-minute safety margin (P6), refreshing it if
// necessary. Concurrent callers for the same credential coalesce onto a
// single refresh (S5).
func (e *Engine) AccessToken(ctx context.Context, credentialID string) (string, error) {
	if cached, ok := e.tokens.get(credentialID); ok && cached.liveWithMargin() {
		return cached.accessToken, nil
	}

	v, err, _ := e.group.Do(credentialID, func() (any, error) {
		return e.refresh(ctx, credentialID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *Engine) refresh(ctx context.Context, credentialID string) (string, error) {
	if cached, ok := e.tokens.get(credentialID); ok && cached.liveWithMargin() {
		return cached.accessToken, nil
	}

	cred, err := e.credentials.Get(credentialID)
	if err != nil {
		return "", err
	}

	secretKey := keychain.Key{Kind: keychain.KindOAuthIMAP, Identifier: cred.Identifier, Principal: cred.Principal}
	refreshToken, err := e.keychain.Get(ctx, secretKey)
	if err != nil {
		return "", err
	}

	source := e.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		if isInvalidGrant(err) {
			e.tokens.clear(credentialID)
			_ = e.credentials.SetActive(credentialID, false)
			return "", apperr.Wrap(apperr.CredentialRevoked, "refresh token was revoked", err)
		}
		return "", apperr.Wrap(apperr.TransportError, "token refresh failed", err)
	}

	e.tokens.set(credentialID, token.AccessToken, token.Expiry)
	e.log.Debug().Str("credentialID", credentialID).Msg("access token refreshed")
	return token.AccessToken, nil
}

// InvalidateAccessToken drops the cached access token for credentialID so
// the next AccessToken call forces a refresh. Called by the IMAP session
// factory after a server rejects XOAUTH2 with a cached token, in case the
// token was revoked server-side before its advertised expiry.
func (e *Engine) InvalidateAccessToken(credentialID string) {
	e.tokens.clear(credentialID)
}

func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.ErrorCode == "invalid_grant"
	}
	return false
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
