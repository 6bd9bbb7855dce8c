package pattern

import (
	"database/sql"
	"sync"
	"time"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/database"
	"github.com/dwata/api/internal/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the pattern registry (C8). CRUD takes an exclusive lock; a
// read-only list-active snapshot does not.
type Store struct {
	db  *database.DB
	log zerolog.Logger
	mu  sync.Mutex
}

// NewStore creates a pattern registry store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, log: logging.WithComponent("pattern-store")}
}

const patternColumns = `
	id, name, regex, document_kind, status, base_confidence,
	amount_group, vendor_group, date_group, is_default, is_active,
	match_count, last_matched_at, created_at, updated_at
`

func scanPattern(row interface {
	Scan(dest ...any) error
}) (*Pattern, error) {
	var p Pattern
	var docKind, status string
	var isDefault, isActive int
	var lastMatched sql.NullTime

	err := row.Scan(
		&p.ID, &p.Name, &p.Regex, &docKind, &status, &p.BaseConfidence,
		&p.AmountGroup, &p.VendorGroup, &p.DateGroup, &isDefault, &isActive,
		&p.MatchCount, &lastMatched, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.DocumentKind = DocumentKind(docKind)
	p.Status = Status(status)
	p.IsDefault = isDefault != 0
	p.IsActive = isActive != 0
	if lastMatched.Valid {
		t := lastMatched.Time
		p.LastMatchedAt = &t
	}
	return &p, nil
}

// CreateInput is the validated input for Create.
type CreateInput struct {
	Name           string
	Regex          string
	DocumentKind   DocumentKind
	Status         Status
	BaseConfidence float64
	AmountGroup    int
	VendorGroup    int
	DateGroup      int
	IsDefault      bool
}

// Create validates and persists a new pattern. Duplicate name or regex
// surfaces as a conflict.
func (s *Store) Create(in CreateInput) (*Pattern, error) {
	if _, err := Validate(in.Name, in.Regex, in.BaseConfidence, in.AmountGroup, in.VendorGroup, in.DateGroup); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM patterns WHERE name = ? OR regex = ?`, in.Name, in.Regex).Scan(&count); err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to check pattern uniqueness", err)
	}
	if count > 0 {
		return nil, apperr.New(apperr.Conflict, "a pattern with this name or regex already exists")
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO patterns (id, name, regex, document_kind, status, base_confidence,
			amount_group, vendor_group, date_group, is_default, is_active,
			match_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?)
	`, id, in.Name, in.Regex, string(in.DocumentKind), string(in.Status), in.BaseConfidence,
		in.AmountGroup, in.VendorGroup, in.DateGroup, boolToInt(in.IsDefault), now, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to create pattern", err)
	}

	return s.Get(id)
}

// Get retrieves a pattern by id.
func (s *Store) Get(id string) (*Pattern, error) {
	row := s.db.QueryRow(`SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "pattern not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to get pattern", err)
	}
	return p, nil
}

// ListFilter narrows List results. Nil fields are unfiltered.
type ListFilter struct {
	ActiveOnly   *bool
	IsDefault    *bool
	DocumentKind *DocumentKind
}

// List returns patterns matching filter, newest first.
func (s *Store) List(filter ListFilter) ([]*Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns WHERE 1=1`
	var args []any
	if filter.ActiveOnly != nil && *filter.ActiveOnly {
		query += ` AND is_active = 1`
	}
	if filter.IsDefault != nil {
		query += ` AND is_default = ?`
		args = append(args, boolToInt(*filter.IsDefault))
	}
	if filter.DocumentKind != nil {
		query += ` AND document_kind = ?`
		args = append(args, string(*filter.DocumentKind))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to list patterns", err)
	}
	defer rows.Close()

	var patterns []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to scan pattern", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// ListActive returns a read-only snapshot of active patterns — the ruleset
// C7 pulls for a run. Reads take no exclusive lock.
func (s *Store) ListActive() ([]*Pattern, error) {
	active := true
	return s.List(ListFilter{ActiveOnly: &active})
}

// UpdateInput is the mutable subset of a pattern's fields. Default
// patterns reject changes to everything except IsActive.
type UpdateInput struct {
	Regex          *string
	DocumentKind   *DocumentKind
	Status         *Status
	BaseConfidence *float64
	AmountGroup    *int
	VendorGroup    *int
	DateGroup      *int
	Name           *string
}

// Update applies in to the pattern identified by id. Mutating any field of
// a default pattern is rejected; Toggle is the only mutation defaults permit.
func (s *Store) Update(id string, in UpdateInput) (*Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if existing.IsDefault && (in.Name != nil || in.Regex != nil || in.DocumentKind != nil || in.Status != nil ||
		in.BaseConfidence != nil || in.AmountGroup != nil || in.VendorGroup != nil || in.DateGroup != nil) {
		return nil, apperr.New(apperr.InvalidInput, "cannot mutate a default pattern; only is_active may be toggled")
	}

	name := existing.Name
	if in.Name != nil {
		name = *in.Name
	}
	regex := existing.Regex
	if in.Regex != nil {
		regex = *in.Regex
	}
	docKind := existing.DocumentKind
	if in.DocumentKind != nil {
		docKind = *in.DocumentKind
	}
	status := existing.Status
	if in.Status != nil {
		status = *in.Status
	}
	confidence := existing.BaseConfidence
	if in.BaseConfidence != nil {
		confidence = *in.BaseConfidence
	}
	amountGroup := existing.AmountGroup
	if in.AmountGroup != nil {
		amountGroup = *in.AmountGroup
	}
	vendorGroup := existing.VendorGroup
	if in.VendorGroup != nil {
		vendorGroup = *in.VendorGroup
	}
	dateGroup := existing.DateGroup
	if in.DateGroup != nil {
		dateGroup = *in.DateGroup
	}

	if _, err := Validate(name, regex, confidence, amountGroup, vendorGroup, dateGroup); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		UPDATE patterns
		SET name = ?, regex = ?, document_kind = ?, status = ?, base_confidence = ?,
			amount_group = ?, vendor_group = ?, date_group = ?, updated_at = ?
		WHERE id = ?
	`, name, regex, string(docKind), string(status), confidence, amountGroup, vendorGroup, dateGroup, now, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to update pattern", err)
	}

	return s.Get(id)
}

// Toggle sets is_active without touching any other field. This is the only
// mutation a default pattern permits.
func (s *Store) Toggle(id string, active bool) (*Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE patterns SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().UTC(), id)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to toggle pattern", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to read rows affected", err)
	}
	if n == 0 {
		return nil, apperr.New(apperr.NotFound, "pattern not found")
	}
	return s.Get(id)
}

// Delete removes a pattern. Default patterns cannot be deleted.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.Get(id)
	if err != nil {
		return err
	}
	if p.IsDefault {
		return apperr.New(apperr.InvalidInput, "default patterns cannot be deleted")
	}

	_, err = s.db.Exec(`DELETE FROM patterns WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to delete pattern", err)
	}
	return nil
}

// RecordMatch bumps match_count and last_matched_at for a pattern. Stats
// are advisory and never gate extraction; updates are serialized per
// pattern by virtue of the store's exclusive-on-CRUD lock being skipped
// here in favor of a single atomic UPDATE.
func (s *Store) RecordMatch(id string) error {
	_, err := s.db.Exec(`UPDATE patterns SET match_count = match_count + 1, last_matched_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to record pattern match", err)
	}
	return nil
}

// Deactivate is used by the extraction engine to quarantine a pattern that
// panicked at match time.
func (s *Store) Deactivate(id string) error {
	_, err := s.Toggle(id, false)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
