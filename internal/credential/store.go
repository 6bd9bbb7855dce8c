package credential

import (
	"database/sql"
	"time"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/database"
	"github.com/google/uuid"
)

// Store is the credential metadata store.
type Store struct {
	db *database.DB
}

// NewStore creates a credential store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const columns = `
	id, kind, identifier, principal, service_host, service_port, use_tls,
	extra_metadata, is_active, created_at, updated_at
`

func scan(row interface{ Scan(dest ...any) error }) (*Credential, error) {
	var c Credential
	var kind string
	var host, metadata sql.NullString
	var port sql.NullInt64
	var useTLS, isActive int

	err := row.Scan(&c.ID, &kind, &c.Identifier, &c.Principal, &host, &port, &useTLS,
		&metadata, &isActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Kind = Kind(kind)
	c.ServiceHost = host.String
	c.ServicePort = int(port.Int64)
	c.UseTLS = useTLS != 0
	c.ExtraMetadata = metadata.String
	c.IsActive = isActive != 0
	return &c, nil
}

// CreateInput is the input to Create.
type CreateInput struct {
	Kind          Kind
	Identifier    string
	Principal     string
	ServiceHost   string
	ServicePort   int
	UseTLS        bool
	ExtraMetadata string
}

// Create persists a new credential record. Identifier must be unique.
func (s *Store) Create(in CreateInput) (*Credential, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	useTLS := 1
	if !in.UseTLS {
		useTLS = 0
	}

	_, err := s.db.Exec(`
		INSERT INTO credentials (id, kind, identifier, principal, service_host, service_port,
			use_tls, extra_metadata, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, id, string(in.Kind), in.Identifier, in.Principal, in.ServiceHost, in.ServicePort,
		useTLS, in.ExtraMetadata, now, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.Conflict, "failed to create credential (identifier must be unique)", err)
	}

	return s.Get(id)
}

// Get retrieves a credential by id.
func (s *Store) Get(id string) (*Credential, error) {
	row := s.db.QueryRow(`SELECT `+columns+` FROM credentials WHERE id = ?`, id)
	c, err := scan(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "credential not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to get credential", err)
	}
	return c, nil
}

// GetByIdentifier retrieves a credential by its unique human identifier.
func (s *Store) GetByIdentifier(identifier string) (*Credential, error) {
	row := s.db.QueryRow(`SELECT `+columns+` FROM credentials WHERE identifier = ?`, identifier)
	c, err := scan(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "credential not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to get credential", err)
	}
	return c, nil
}

// List returns all credentials, optionally restricted to active ones.
func (s *Store) List(activeOnly bool) ([]*Credential, error) {
	query := `SELECT ` + columns + ` FROM credentials`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to list credentials", err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to scan credential", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// SetActive flips the active flag — used by the OAuth2 engine to mark a
// credential inactive when its refresh token is revoked.
func (s *Store) SetActive(id string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.Exec(`UPDATE credentials SET is_active = ?, updated_at = ? WHERE id = ?`,
		flag, time.Now().UTC(), id)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to update credential active flag", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to read rows affected", err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "credential not found")
	}
	return nil
}

// Delete hard-deletes a credential record. The caller is responsible for
// also deleting the keychain secret.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to delete credential", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to read rows affected", err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "credential not found")
	}
	return nil
}
