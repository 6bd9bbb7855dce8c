package imapsession

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/credential"
	"github.com/dwata/api/internal/keychain"
	"github.com/dwata/api/internal/logging"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"
)

// maxMessageSize caps how much of a single message body FETCH will buffer
// in memory.
const maxMessageSize = 50 * 1024 * 1024

// AccessTokenSource resolves a bearer access token for an OAuth2 credential
// and invalidates it after the IMAP server rejects it, so a retry requests
// a fresh one instead of replaying the same rejected token. Satisfied by
// *oauth2engine.Engine; accepted as an interface so this package never
// imports oauth2engine.
type AccessTokenSource interface {
	AccessToken(ctx context.Context, credentialID string) (string, error)
	InvalidateAccessToken(credentialID string)
}

// Factory opens authenticated IMAP sessions for a stored credential,
// choosing LOGIN or XOAUTH2 from the credential's kind.
type Factory struct {
	credentials *credential.Store
	keychain    *keychain.Service
	tokens      AccessTokenSource
	log         zerolog.Logger
}

// NewFactory builds a session factory.
func NewFactory(credentials *credential.Store, kc *keychain.Service, tokens AccessTokenSource) *Factory {
	return &Factory{
		credentials: credentials,
		keychain:    kc,
		tokens:      tokens,
		log:         logging.WithComponent("imap-session"),
	}
}

// Session wraps one authenticated IMAP connection.
type Session struct {
	client       *imapclient.Client
	credentialID string
	caps         imap.CapSet
	log          zerolog.Logger
}

// Open resolves credentialID, connects over TLS, and logs in. On a NO/BAD
// response to the login attempt it invalidates the cached secret (keychain
// entry for plain credentials, cached access token for OAuth2 credentials)
// and retries exactly once with a freshly resolved credential before
// surfacing auth_failed.
func (f *Factory) Open(ctx context.Context, credentialID string) (*Session, error) {
	cred, err := f.credentials.Get(credentialID)
	if err != nil {
		return nil, err
	}
	if !cred.IsActive {
		return nil, apperr.New(apperr.CredentialRevoked, "credential is inactive")
	}

	cfg := DefaultConfig()
	cfg.CredentialID = cred.ID
	cfg.Host = cred.ServiceHost
	cfg.Principal = cred.Principal
	cfg.Username = cred.Principal
	if cred.ServicePort != 0 {
		cfg.Port = cred.ServicePort
	}
	cfg.UseTLS = cred.UseTLS
	if cred.Kind == credential.KindOAuthIMAP {
		cfg.AuthType = AuthTypeOAuth2
	} else {
		cfg.AuthType = AuthTypePassword
	}

	sess, err := f.connectAndLogin(ctx, cred, cfg)
	if err == nil {
		return sess, nil
	}
	if !apperr.Is(err, apperr.AuthFailed) {
		return nil, err
	}

	f.log.Warn().Str("credentialID", credentialID).Msg("login rejected, invalidating cached secret and retrying once")
	f.invalidateSecret(cred)

	return f.connectAndLogin(ctx, cred, cfg)
}

// ListFolders opens a session for credentialID, lists every mailbox
// classified by special-use attribute or name, and closes the session. Used
// by job creation to auto-discover folders when the caller does not name
// them explicitly.
func (f *Factory) ListFolders(ctx context.Context, credentialID string) ([]*Mailbox, error) {
	sess, err := f.Open(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.ListMailboxes()
}

func (f *Factory) invalidateSecret(cred *credential.Credential) {
	switch cred.Kind {
	case credential.KindOAuthIMAP:
		f.tokens.InvalidateAccessToken(cred.ID)
	default:
		f.keychain.Invalidate(keychain.Key{Kind: keychain.KindPlainIMAP, Identifier: cred.Identifier, Principal: cred.Principal})
	}
}

func (f *Factory) connectAndLogin(ctx context.Context, cred *credential.Credential, cfg Config) (*Session, error) {
	client, err := dial(cfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransportError, "failed to connect to imap server", err)
	}

	sess := &Session{client: client, credentialID: cred.ID, caps: client.Caps(), log: f.log}

	if err := f.login(ctx, sess, cred, cfg); err != nil {
		client.Close()
		return nil, err
	}
	sess.caps = client.Caps()
	return sess, nil
}

func dial(cfg Config) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	options := &imapclient.Options{}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	var client *imapclient.Client
	if cfg.UseTLS {
		tlsConfig := cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: cfg.Host}
		}
		rawConn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		wrapped := &deadlineConn{Conn: rawConn, readTimeout: cfg.ReadTimeout, writeTimeout: cfg.WriteTimeout}
		client = imapclient.New(wrapped, options)
	} else {
		if cfg.TLSConfig != nil {
			options.TLSConfig = cfg.TLSConfig
		}
		var err error
		client, err = imapclient.DialStartTLS(addr, options)
		if err != nil {
			return nil, err
		}
	}

	if err := client.WaitGreeting(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (f *Factory) login(ctx context.Context, sess *Session, cred *credential.Credential, cfg Config) error {
	switch cfg.AuthType {
	case AuthTypeOAuth2:
		return f.loginOAuth2(ctx, sess, cred)
	default:
		return f.loginPassword(ctx, sess, cred)
	}
}

func (f *Factory) loginPassword(ctx context.Context, sess *Session, cred *credential.Credential) error {
	secretKey := keychain.Key{Kind: keychain.KindPlainIMAP, Identifier: cred.Identifier, Principal: cred.Principal}
	password, err := f.keychain.Get(ctx, secretKey)
	if err != nil {
		return apperr.Wrap(apperr.AuthFailed, "no stored password for credential", err)
	}

	if sess.caps.Has(imap.CapLoginDisabled) {
		saslClient := sasl.NewPlainClient("", cred.Principal, password)
		if err := sess.client.Authenticate(saslClient); err != nil {
			return apperr.Wrap(apperr.AuthFailed, "authentication failed", err)
		}
		return nil
	}

	if err := sess.client.Login(cred.Principal, password).Wait(); err != nil {
		return apperr.Wrap(apperr.AuthFailed, "authentication failed", err)
	}
	return nil
}

func (f *Factory) loginOAuth2(ctx context.Context, sess *Session, cred *credential.Credential) error {
	accessToken, err := f.tokens.AccessToken(ctx, cred.ID)
	if err != nil {
		return err
	}

	saslClient := newXOAuth2Client(cred.Principal, accessToken)
	if err := sess.client.Authenticate(saslClient); err != nil {
		return apperr.Wrap(apperr.AuthFailed, "xoauth2 authentication failed", err)
	}
	return nil
}

// Close logs out and closes the underlying connection.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Logout().Wait(); err != nil {
		s.log.Debug().Err(err).Msg("logout failed, closing anyway")
	}
	return s.client.Close()
}

// Caps returns the server capabilities observed after login.
func (s *Session) Caps() imap.CapSet { return s.caps }

// HasCap reports whether the server advertised the given capability.
func (s *Session) HasCap(cap imap.Cap) bool { return s.caps.Has(cap) }

// RawClient exposes the underlying go-imap client for callers that need a
// command this package does not itself wrap.
func (s *Session) RawClient() *imapclient.Client { return s.client }

// MessageMetadata is the envelope, flags, and size of one fetched message.
type MessageMetadata struct {
	UID       uint32
	Subject   string
	From      string
	Date      time.Time
	Flags     []string
	SizeBytes int64
}

// SearchUIDsFrom returns, ascending, every UID in the currently selected
// mailbox that is >= startUID. Used by incremental sync to resume past a
// checkpointed high-water UID instead of re-listing the whole mailbox.
func (s *Session) SearchUIDsFrom(ctx context.Context, startUID uint32) ([]uint32, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddRange(imap.UID(startUID), 0)
	criteria := &imap.SearchCriteria{UID: []imap.UIDSet{uidSet}}

	type result struct {
		data *imap.SearchData
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		data, err := s.client.UIDSearch(criteria, nil).Wait()
		resultCh <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, apperr.Wrap(apperr.ProtocolError, "uid search failed", r.err)
		}
		allUIDs := r.data.AllUIDs()
		uids := make([]uint32, 0, len(allUIDs))
		for _, uid := range allUIDs {
			uids = append(uids, uint32(uid))
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		return uids, nil
	}
}

// FetchMetadata fetches envelope, flags, and RFC822 size for a batch of
// UIDs without downloading message bodies.
func (s *Session) FetchMetadata(ctx context.Context, uids []uint32) ([]MessageMetadata, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	fetchOptions := &imap.FetchOptions{UID: true, Envelope: true, Flags: true, RFC822Size: true}
	fetchCmd := s.client.Fetch(uidSet, fetchOptions)

	var out []MessageMetadata
	for {
		if ctx.Err() != nil {
			fetchCmd.Close()
			return out, ctx.Err()
		}
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var md MessageMetadata
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				md.UID = uint32(data.UID)
			case imapclient.FetchItemDataEnvelope:
				if data.Envelope != nil {
					md.Subject = data.Envelope.Subject
					md.Date = data.Envelope.Date.UTC()
					if len(data.Envelope.From) > 0 {
						md.From = data.Envelope.From[0].Addr()
					}
				}
			case imapclient.FetchItemDataFlags:
				for _, flag := range data.Flags {
					md.Flags = append(md.Flags, string(flag))
				}
			case imapclient.FetchItemDataRFC822Size:
				md.SizeBytes = data.Size
			}
		}
		if md.UID != 0 {
			out = append(out, md)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return out, apperr.Wrap(apperr.ProtocolError, "uid fetch metadata failed", err)
	}
	return out, nil
}

// FetchRawBody downloads the full RFC822 body of a single message.
func (s *Session) FetchRawBody(ctx context.Context, uid uint32) ([]byte, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))
	fetchOptions := &imap.FetchOptions{
		UID: true,
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierNone, Peek: true},
		},
	}
	fetchCmd := s.client.Fetch(uidSet, fetchOptions)

	var raw []byte
	if ctx.Err() != nil {
		fetchCmd.Close()
		return nil, ctx.Err()
	}
	if msg := fetchCmd.Next(); msg != nil {
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			data, ok := item.(imapclient.FetchItemDataBodySection)
			if !ok || data.Literal == nil {
				continue
			}
			body, err := io.ReadAll(io.LimitReader(data.Literal, maxMessageSize))
			if err != nil {
				fetchCmd.Close()
				return nil, apperr.Wrap(apperr.ProtocolError, "failed to read message body", err)
			}
			raw = body
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, apperr.Wrap(apperr.ProtocolError, "uid fetch body failed", err)
	}
	if raw == nil {
		return nil, apperr.New(apperr.NotFound, "message body not returned by server")
	}
	return raw, nil
}

// ListMailboxes lists every mailbox, classifying each by RFC 6154
// SPECIAL-USE attribute or, failing that, by name.
func (s *Session) ListMailboxes() ([]*Mailbox, error) {
	listCmd := s.client.List("", "*", nil)

	var mailboxes []*Mailbox
	for {
		mbox := listCmd.Next()
		if mbox == nil {
			break
		}
		mb := &Mailbox{
			Name:       mbox.Mailbox,
			Delimiter:  string(mbox.Delim),
			Attributes: make([]string, len(mbox.Attrs)),
		}
		for i, attr := range mbox.Attrs {
			mb.Attributes[i] = string(attr)
		}
		mb.Type = determineFolderType(mbox.Mailbox, mbox.Attrs)
		mailboxes = append(mailboxes, mb)
	}
	if err := listCmd.Close(); err != nil {
		return nil, apperr.Wrap(apperr.TransportError, "failed to list mailboxes", err)
	}

	dedupSpecialUse(mailboxes)
	return mailboxes, nil
}

// dedupSpecialUse demotes name-matched folders to plain folders when a
// SPECIAL-USE-tagged folder of the same type already claimed that type, so
// a stale client-created "Sent" folder never shadows the provider's real
// special-use folder.
func dedupSpecialUse(mailboxes []*Mailbox) {
	attrTypes := make(map[FolderType]bool)
	for _, mb := range mailboxes {
		if mb.Type != FolderTypeFolder && mb.Type != FolderTypeInbox && hasSpecialUseAttr(mb.Attributes) {
			attrTypes[mb.Type] = true
		}
	}
	if len(attrTypes) == 0 {
		return
	}
	for _, mb := range mailboxes {
		if mb.Type != FolderTypeFolder && mb.Type != FolderTypeInbox && attrTypes[mb.Type] && !hasSpecialUseAttr(mb.Attributes) {
			mb.Type = FolderTypeFolder
		}
	}
}

func hasSpecialUseAttr(attrs []string) bool {
	for _, attr := range attrs {
		switch imap.MailboxAttr(attr) {
		case imap.MailboxAttrAll, imap.MailboxAttrArchive, imap.MailboxAttrDrafts,
			imap.MailboxAttrJunk, imap.MailboxAttrSent, imap.MailboxAttrTrash:
			return true
		}
	}
	return false
}

// SelectMailbox selects a mailbox and returns its status. Runs Wait() in a
// goroutine so ctx cancellation is observed instead of blocking forever.
func (s *Session) SelectMailbox(ctx context.Context, name string) (*Mailbox, error) {
	type result struct {
		data *imap.SelectData
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		data, err := s.client.Select(name, nil).Wait()
		resultCh <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, apperr.Wrap(apperr.ProtocolError, "failed to select mailbox", r.err)
		}
		return &Mailbox{
			Name:        name,
			UIDValidity: r.data.UIDValidity,
			UIDNext:     uint32(r.data.UIDNext),
			Messages:    r.data.NumMessages,
		}, nil
	}
}

// GetMailboxStatus returns mailbox status without selecting it. Runs
// Wait() in a goroutine so ctx cancellation is observed instead of
// blocking forever.
func (s *Session) GetMailboxStatus(ctx context.Context, name string) (*Mailbox, error) {
	options := &imap.StatusOptions{NumMessages: true, UIDNext: true, UIDValidity: true}

	type result struct {
		data *imap.StatusData
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		data, err := s.client.Status(name, options).Wait()
		resultCh <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, apperr.Wrap(apperr.ProtocolError, "failed to get mailbox status", r.err)
		}
		mb := &Mailbox{Name: name, UIDValidity: r.data.UIDValidity, UIDNext: uint32(r.data.UIDNext)}
		if r.data.NumMessages != nil {
			mb.Messages = *r.data.NumMessages
		}
		return mb, nil
	}
}
