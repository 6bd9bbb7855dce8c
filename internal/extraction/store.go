package extraction

import (
	"database/sql"
	"time"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/database"
	"github.com/google/uuid"
)

// Store persists extraction records and source-scan attempts.
type Store struct {
	db *database.DB
}

// NewStore creates an extraction store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// HasSuccessfulAttempt reports whether (sourceKind, sourceAccountID) has a
// prior completed attempt. The engine uses this to skip re-scanning unless
// the caller explicitly requests re-extraction.
func (s *Store) HasSuccessfulAttempt(sourceKind, sourceAccountID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM extraction_attempts
		WHERE source_kind = ? AND source_account_id = ? AND status = ?
	`, sourceKind, sourceAccountID, string(AttemptCompleted)).Scan(&count)
	if err != nil {
		return false, apperr.Wrap(apperr.StoreError, "failed to check prior extraction attempts", err)
	}
	return count > 0, nil
}

// CreateRecord persists a single extraction record.
func (s *Store) CreateRecord(r *Record) error {
	r.ID = uuid.NewString()
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.db.Exec(`
		INSERT INTO extraction_records (id, source_kind, source_id, document_kind, status,
			amount, currency, transaction_date, vendor, category, confidence, pattern_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.SourceKind, r.SourceID, r.DocumentKind, r.Status, r.Amount, r.Currency,
		r.TransactionDate, r.Vendor, r.Category, r.Confidence, r.PatternID, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to create extraction record", err)
	}
	return nil
}

// RecordAttempt persists a source-scan attempt, successful or not.
func (s *Store) RecordAttempt(a *Attempt) error {
	a.ID = uuid.NewString()
	a.AttemptedAt = time.Now().UTC()

	var errVal sql.NullString
	if a.Error != "" {
		errVal = sql.NullString{String: a.Error, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO extraction_attempts (id, source_kind, source_account_id, attempted_at,
			items_scanned, records_produced, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SourceKind, a.SourceAccountID, a.AttemptedAt, a.ItemsScanned, a.RecordsProduced,
		string(a.Status), errVal)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to record extraction attempt", err)
	}
	return nil
}

// ListAttempts returns the most recent attempts, newest first.
func (s *Store) ListAttempts(limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, source_kind, source_account_id, attempted_at, items_scanned,
			records_produced, status, error
		FROM extraction_attempts ORDER BY attempted_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to list extraction attempts", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		var status string
		var errVal sql.NullString
		if err := rows.Scan(&a.ID, &a.SourceKind, &a.SourceAccountID, &a.AttemptedAt,
			&a.ItemsScanned, &a.RecordsProduced, &status, &errVal); err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to scan extraction attempt", err)
		}
		a.Status = AttemptStatus(status)
		if errVal.Valid {
			a.Error = errVal.String
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// Summary is an aggregate over extraction_records, grouped by status.
type Summary struct {
	Status       string
	Count        int
	TotalAmount  float64
}

// Summarize aggregates extraction records by status.
func (s *Store) Summarize() ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)
		FROM extraction_records GROUP BY status ORDER BY status
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to summarize extraction records", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.Status, &sm.Count, &sm.TotalAmount); err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to scan extraction summary", err)
		}
		summaries = append(summaries, sm)
	}
	return summaries, rows.Err()
}
