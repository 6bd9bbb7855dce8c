// Package credential stores credential metadata: everything about a mail
// or cloud account except the secret itself, which lives in the keychain
// (internal/keychain) keyed by (kind, identifier, principal).
package credential

import "time"

// Kind is the closed set of credential kinds.
type Kind string

const (
	KindPlainIMAP  Kind = "plain-imap"
	KindOAuthIMAP  Kind = "oauth-imap"
	KindOAuthCloud Kind = "oauth-cloud"
	KindOther      Kind = "other"
)

// Credential is metadata about an account this core can download from. It
// owns no secret value.
type Credential struct {
	ID            string
	Kind          Kind
	Identifier    string
	Principal     string
	ServiceHost   string
	ServicePort   int
	UseTLS        bool
	ExtraMetadata string
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
