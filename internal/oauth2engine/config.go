// Package oauth2engine implements the OAuth2 engine (C3): PKCE-based
// authorization-code initiation and redemption for a public desktop
// client, refresh-token rotation, and a 5-minute-safety-margin
// access-token cache with per-credential refresh coalescing.
package oauth2engine

import "golang.org/x/oauth2/google"

// Config is the public-client OAuth2 configuration for Gmail IMAP.
type Config struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
}

// gmailIMAPScope is the scope required for full IMAP access to Gmail.
const gmailIMAPScope = "https://mail.google.com/"

func (c Config) scopes() []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	return []string{gmailIMAPScope}
}

var googleEndpoint = google.Endpoint
