// Package imapsession implements the IMAP session factory (C4): it opens
// an authenticated IMAP session for a credential, selecting plain LOGIN or
// XOAUTH2 SASL based on the credential's kind, adapted from the teacher's
// internal/imap client.
package imapsession

import (
	"crypto/tls"
	"net"
	"time"
)

// deadlineConn wraps a net.Conn to set read/write deadlines before each
// operation, since go-imap v2 does not enforce its own.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// AuthType selects the login mechanism a session uses.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// Config holds everything needed to open one IMAP session.
type Config struct {
	CredentialID string
	Host         string
	Port         int
	UseTLS       bool
	Username     string
	Principal    string
	AuthType     AuthType

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TLSConfig      *tls.Config
}

// DefaultConfig returns sensible timeout defaults; caller still sets
// connection identity fields.
func DefaultConfig() Config {
	return Config{
		Port:           993,
		UseTLS:         true,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// FolderType classifies a mailbox by RFC 6154 special-use attribute or,
// failing that, by name.
type FolderType string

const (
	FolderTypeInbox   FolderType = "inbox"
	FolderTypeSent    FolderType = "sent"
	FolderTypeDrafts  FolderType = "drafts"
	FolderTypeTrash   FolderType = "trash"
	FolderTypeSpam    FolderType = "spam"
	FolderTypeArchive FolderType = "archive"
	FolderTypeAll     FolderType = "all"
	FolderTypeFolder  FolderType = "folder"
)

// Mailbox is an IMAP mailbox (folder) with whatever status fields were
// populated by the call that produced it (List, Select, or Status).
type Mailbox struct {
	Name       string
	Delimiter  string
	Attributes []string
	Type       FolderType

	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
}
