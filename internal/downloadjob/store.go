package downloadjob

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/database"
	"github.com/dwata/api/internal/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the job store (C2): pure persistence over download_jobs,
// download_items and downloaded_messages. Job status, progress and
// source-state mutations and item upserts are serialized per job id;
// UpdateItemStatus and SaveMessageBody take no per-job lock. Readers are
// never blocked.
type Store struct {
	db  *database.DB
	log zerolog.Logger

	jobLocksMu sync.Mutex
	jobLocks   map[string]*sync.Mutex
}

// NewStore creates a job store.
func NewStore(db *database.DB) *Store {
	return &Store{
		db:       db,
		log:      logging.WithComponent("downloadjob-store"),
		jobLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(jobID string) *sync.Mutex {
	s.jobLocksMu.Lock()
	defer s.jobLocksMu.Unlock()
	m, ok := s.jobLocks[jobID]
	if !ok {
		m = &sync.Mutex{}
		s.jobLocks[jobID] = m
	}
	return m
}

// CreateJob creates a new download job in the pending state.
func (s *Store) CreateJob(kind, credentialID string, initialSourceState SourceState) (*Job, error) {
	blob, err := json.Marshal(initialSourceState)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "failed to encode source state", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	_, err = s.db.Exec(`
		INSERT INTO download_jobs (id, source_kind, credential_id, status, source_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, kind, credentialID, StatusPending, string(blob), now, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to create job", err)
	}

	return s.GetJob(id)
}

func scanJob(row interface {
	Scan(dest ...any) error
}) (*Job, error) {
	var j Job
	var status string
	var startedAt, completedAt, lastSyncAt sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&j.ID, &j.SourceKind, &j.CredentialID, &status,
		&j.Total, &j.Downloaded, &j.Failed, &j.Skipped, &j.InProgress, &j.Bytes,
		&j.SourceState, &lastError, &j.RetryCount,
		&j.CreatedAt, &startedAt, &j.UpdatedAt, &completedAt, &lastSyncAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	if lastError.Valid {
		j.LastError = lastError.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		j.LastSyncAt = &t
	}
	return &j, nil
}

const jobColumns = `
	id, source_kind, credential_id, status,
	total, downloaded, failed, skipped, in_progress, bytes,
	source_state, last_error, retry_count,
	created_at, started_at, updated_at, completed_at, last_sync_at
`

// GetJob retrieves a job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM download_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "job not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to get job", err)
	}
	return j, nil
}

// ListJobs lists jobs, optionally filtered by status, newest first, capped
// at limit (0 means unbounded).
func (s *Store) ListJobs(status *Status, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM download_jobs`
	args := []any{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to list jobs", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to scan job", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateStatus transitions a job's status. Moving into running or
// completed clears any prior error; moving into failed records err.
func (s *Store) UpdateStatus(id string, status Status, jobErr error) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	var errMsg sql.NullString
	if jobErr != nil {
		errMsg = sql.NullString{String: jobErr.Error(), Valid: true}
	}

	setClauses := "status = ?, updated_at = ?"
	args := []any{string(status), now}

	switch status {
	case StatusRunning:
		setClauses += ", started_at = COALESCE(started_at, ?), last_error = NULL"
		args = append(args, now)
	case StatusCompleted:
		setClauses += ", completed_at = ?, last_error = NULL"
		args = append(args, now)
	case StatusFailed:
		setClauses += ", last_error = ?, retry_count = retry_count + 1"
		args = append(args, errMsg)
	}

	args = append(args, id)
	res, err := s.db.Exec(`UPDATE download_jobs SET `+setClauses+` WHERE id = ?`, args...)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to update job status", err)
	}
	return requireRowAffected(res, "job not found")
}

// ProgressDelta carries accumulator increments for UpdateProgress. Nil
// fields are left untouched; non-nil fields are added to the existing
// counters, never replacing them.
type ProgressDelta struct {
	Total      *int
	Downloaded *int
	Failed     *int
	Skipped    *int
	InProgress *int
	Bytes      *int64
}

// UpdateProgress atomically applies delta to a job's counters, rejecting
// the update if it would violate:
//
//	downloaded + failed + skipped + in_progress <= total
func (s *Store) UpdateProgress(id string, delta ProgressDelta) (*Job, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+jobColumns+` FROM download_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "job not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to load job for progress update", err)
	}

	if delta.Total != nil {
		j.Total += *delta.Total
	}
	if delta.Downloaded != nil {
		j.Downloaded += *delta.Downloaded
	}
	if delta.Failed != nil {
		j.Failed += *delta.Failed
	}
	if delta.Skipped != nil {
		j.Skipped += *delta.Skipped
	}
	if delta.InProgress != nil {
		j.InProgress += *delta.InProgress
	}
	if delta.Bytes != nil {
		j.Bytes += *delta.Bytes
	}

	if j.Downloaded+j.Failed+j.Skipped+j.InProgress > j.Total {
		return nil, apperr.New(apperr.InvalidInput,
			fmt.Sprintf("progress update would violate invariant: downloaded(%d)+failed(%d)+skipped(%d)+in_progress(%d) > total(%d); widen total first",
				j.Downloaded, j.Failed, j.Skipped, j.InProgress, j.Total))
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE download_jobs
		SET total = ?, downloaded = ?, failed = ?, skipped = ?, in_progress = ?, bytes = ?, updated_at = ?
		WHERE id = ?
	`, j.Total, j.Downloaded, j.Failed, j.Skipped, j.InProgress, j.Bytes, now, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to update progress", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to commit progress update", err)
	}

	j.UpdatedAt = now
	return j, nil
}

// ReplaceSourceState overwrites a job's opaque source-state blob (the
// folder checkpoints) and bumps updated_at.
func (s *Store) ReplaceSourceState(id string, state SourceState) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	blob, err := json.Marshal(state)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, "failed to encode source state", err)
	}

	res, err := s.db.Exec(`UPDATE download_jobs SET source_state = ?, updated_at = ? WHERE id = ?`,
		string(blob), time.Now().UTC(), id)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to replace source state", err)
	}
	return requireRowAffected(res, "job not found")
}

// UpsertResult reports whether UpsertItem created a new row or found an
// existing one.
type UpsertResult struct {
	Item    *Item
	Created bool
}

// UpsertItem inserts a new download item for (jobID, sourceIdentifier), or
// returns the existing row if one is already present. Re-enqueue is
// idempotent: callers must check Item.Status.IsTerminal() before doing any
// further work, since a terminal item should never be redownloaded.
func (s *Store) UpsertItem(jobID, sourceIdentifier, sourceFolder, itemKind string) (*UpsertResult, error) {
	mu := s.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.getItemByIdentifier(jobID, sourceIdentifier)
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		return nil, err
	}
	if existing != nil {
		return &UpsertResult{Item: existing, Created: false}, nil
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO download_items (id, job_id, source_identifier, source_folder, item_kind, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, source_identifier) DO NOTHING
	`, id, jobID, sourceIdentifier, sourceFolder, itemKind, ItemPending, now, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to upsert item", err)
	}

	item, err := s.getItemByIdentifier(jobID, sourceIdentifier)
	if err != nil {
		return nil, err
	}
	return &UpsertResult{Item: item, Created: item.ID == id}, nil
}

func (s *Store) getItemByIdentifier(jobID, sourceIdentifier string) (*Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM download_items WHERE job_id = ? AND source_identifier = ?`,
		jobID, sourceIdentifier)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "item not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to query item", err)
	}
	return item, nil
}

// UpdateItemStatus transitions an item's status and optional error/size.
func (s *Store) UpdateItemStatus(itemID string, status ItemStatus, errMsg string, sizeBytes int64) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE download_items
		SET status = ?, error = ?, size_bytes = CASE WHEN ? > 0 THEN ? ELSE size_bytes END, updated_at = ?
		WHERE id = ?
	`, string(status), sql.NullString{String: errMsg, Valid: errMsg != ""}, sizeBytes, sizeBytes, now, itemID)
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to update item status", err)
	}
	return requireRowAffected(res, "item not found")
}

const itemColumns = `
	id, job_id, source_identifier, source_folder, item_kind, status,
	size_bytes, metadata, error, retry_count, local_store_ref,
	created_at, updated_at
`

func scanItem(row interface {
	Scan(dest ...any) error
}) (*Item, error) {
	var it Item
	var status string
	var sourceFolder, metadata, errMsg, localRef sql.NullString

	err := row.Scan(
		&it.ID, &it.JobID, &it.SourceIdentifier, &sourceFolder, &it.ItemKind, &status,
		&it.SizeBytes, &metadata, &errMsg, &it.RetryCount, &localRef,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.Status = ItemStatus(status)
	it.SourceFolder = sourceFolder.String
	it.Metadata = metadata.String
	it.Error = errMsg.String
	it.LocalStoreRef = localRef.String
	return &it, nil
}

// ListItems lists a job's items, optionally filtered by status.
func (s *Store) ListItems(jobID string, status *ItemStatus) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM download_items WHERE job_id = ?`
	args := []any{jobID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to list items", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to scan item", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SaveMessageBody persists a downloaded message body for an item.
func (s *Store) SaveMessageBody(itemID, jobID, subject, from, bodyText, bodyHTML string, rawSize int64, receivedAt time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO downloaded_messages (id, item_id, job_id, subject, from_address, body_text, body_html, raw_size, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, itemID, jobID, subject, from, bodyText, bodyHTML, rawSize, receivedAt)
	if err != nil {
		return "", apperr.Wrap(apperr.StoreError, "failed to save message body", err)
	}
	return id, nil
}

// Message is a downloaded message body, as read back for extraction.
type Message struct {
	ID         string
	ItemID     string
	JobID      string
	Subject    string
	From       string
	BodyText   string
	BodyHTML   string
	ReceivedAt *time.Time
}

// ListMessagesForJob returns every downloaded message body for a job, used
// by the extraction engine to scan a source's downloaded content.
func (s *Store) ListMessagesForJob(jobID string) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, item_id, job_id, subject, from_address, body_text, body_html, received_at
		FROM downloaded_messages WHERE job_id = ? ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to list downloaded messages", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		var subject, from, bodyText, bodyHTML sql.NullString
		var receivedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.ItemID, &m.JobID, &subject, &from, &bodyText, &bodyHTML, &receivedAt); err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to scan downloaded message", err)
		}
		m.Subject, m.From, m.BodyText, m.BodyHTML = subject.String, from.String, bodyText.String, bodyHTML.String
		if receivedAt.Valid {
			t := receivedAt.Time
			m.ReceivedAt = &t
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// ListMessagesByItemIDs returns the downloaded message bodies for a
// specific set of item ids, in no particular order across jobs — used by
// the extraction engine when a caller asks to extract a specific selection
// of messages rather than a whole job.
func (s *Store) ListMessagesByItemIDs(itemIDs []string) ([]*Message, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(itemIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(itemIDs))
	for i, id := range itemIDs {
		args[i] = id
	}

	rows, err := s.db.Query(`
		SELECT id, item_id, job_id, subject, from_address, body_text, body_html, received_at
		FROM downloaded_messages WHERE item_id IN (`+placeholders+`) ORDER BY created_at ASC
	`, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreError, "failed to list downloaded messages by item id", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		var subject, from, bodyText, bodyHTML sql.NullString
		var receivedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.ItemID, &m.JobID, &subject, &from, &bodyText, &bodyHTML, &receivedAt); err != nil {
			return nil, apperr.Wrap(apperr.StoreError, "failed to scan downloaded message", err)
		}
		m.Subject, m.From, m.BodyText, m.BodyHTML = subject.String, from.String, bodyText.String, bodyHTML.String
		if receivedAt.Valid {
			t := receivedAt.Time
			m.ReceivedAt = &t
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// HasRunningJob reports whether credentialID has any job currently in the
// running state — used to reject credential deletion while a download is
// in flight (open question #3: treated as a conflict, per spec.md §9).
func (s *Store) HasRunningJob(credentialID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM download_jobs WHERE credential_id = ? AND status = ?
	`, credentialID, StatusRunning).Scan(&count)
	if err != nil {
		return false, apperr.Wrap(apperr.StoreError, "failed to check running jobs for credential", err)
	}
	return count > 0, nil
}

func requireRowAffected(res sql.Result, notFoundMsg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to read rows affected", err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, notFoundMsg)
	}
	return nil
}
