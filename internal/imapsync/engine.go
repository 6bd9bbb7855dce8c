// Package imapsync implements the per-folder UID-high-watermark
// convergence algorithm (C5): for each folder in a job, it walks newly
// arrived UIDs in ascending order, fetches their metadata and bodies, and
// advances a durable checkpoint only after a batch's items are safely on
// disk, so a crash mid-sync replays at most one batch.
package imapsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/downloadjob"
	"github.com/dwata/api/internal/imapsession"
	"github.com/dwata/api/internal/logging"
	"github.com/rs/zerolog"
)

// defaultBatchSize is the number of candidate UIDs fetched and persisted
// together before the folder checkpoint advances.
const defaultBatchSize = 100

// MailSession is the subset of *imapsession.Session the sync engine needs.
// Declaring it narrowly here (rather than depending on the concrete type)
// keeps the engine testable against a fake mailbox with no real IMAP
// server involved.
type MailSession interface {
	GetMailboxStatus(ctx context.Context, name string) (*imapsession.Mailbox, error)
	SelectMailbox(ctx context.Context, name string) (*imapsession.Mailbox, error)
	SearchUIDsFrom(ctx context.Context, startUID uint32) ([]uint32, error)
	FetchMetadata(ctx context.Context, uids []uint32) ([]imapsession.MessageMetadata, error)
	FetchRawBody(ctx context.Context, uid uint32) ([]byte, error)
	Close() error
}

// SessionOpener opens a mail session for a credential. Satisfied by
// wrapping *imapsession.Factory.Open, which returns *imapsession.Session
// (itself a MailSession) but cannot satisfy this interface directly since
// Go does not allow covariant return types.
type SessionOpener func(ctx context.Context, credentialID string) (MailSession, error)

// StopSignal is polled between batches; a true result ends the current
// sync pass cleanly after persisting whatever progress is already
// durable. Supplied by the download manager (C6), which owns pause/cancel
// semantics.
type StopSignal func() bool

// Engine drives jobs to convergence with their IMAP source.
type Engine struct {
	jobs *downloadjob.Store
	open SessionOpener
	log  zerolog.Logger
}

// New builds a sync engine.
func New(jobs *downloadjob.Store, open SessionOpener) *Engine {
	return &Engine{jobs: jobs, open: open, log: logging.WithComponent("imap-sync")}
}

// SyncJob opens one session for job's credential and walks every folder in
// its source state sequentially, stopping cleanly between folders and
// between batches if stop reports true.
func (e *Engine) SyncJob(ctx context.Context, jobID string, stop StopSignal) error {
	job, err := e.jobs.GetJob(jobID)
	if err != nil {
		return err
	}

	var state downloadjob.SourceState
	if err := json.Unmarshal([]byte(job.SourceState), &state); err != nil {
		return apperr.Wrap(apperr.StoreError, "failed to decode job source state", err)
	}

	sess, err := e.open(ctx, job.CredentialID)
	if err != nil {
		return err
	}
	defer sess.Close()

	for i := range state.Folders {
		if stop() {
			return nil
		}
		if err := e.syncFolder(ctx, sess, job, &state, i, stop); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) syncFolder(ctx context.Context, sess MailSession, job *downloadjob.Job, state *downloadjob.SourceState, idx int, stop StopSignal) error {
	cp := &state.Folders[idx]
	log := e.log.With().Str("job_id", job.ID).Str("folder", cp.Folder).Logger()

	var status *imapsession.Mailbox
	err := withRetry(ctx, log, func() error {
		var opErr error
		status, opErr = sess.GetMailboxStatus(ctx, cp.Folder)
		return opErr
	})
	if err != nil {
		return err
	}

	// A UIDVALIDITY mismatch means the server renumbered the mailbox: the
	// old high-watermark no longer means anything, so re-walk from UID 1.
	// Items from the old epoch keep their old source-identifiers; items
	// from the new epoch are suffixed so they never collide with them.
	if cp.UIDValidity != 0 && cp.UIDValidity != status.UIDValidity {
		log.Warn().
			Uint32("old_uid_validity", cp.UIDValidity).
			Uint32("new_uid_validity", status.UIDValidity).
			Msg("uidvalidity changed, resetting folder checkpoint")
		cp.PreviousEpoch++
		cp.UIDHigh = 0
		cp.Complete = false
	}
	cp.UIDValidity = status.UIDValidity

	if stop() {
		return e.jobs.ReplaceSourceState(job.ID, *state)
	}

	// UID SEARCH and UID FETCH act on the currently selected mailbox, so
	// the folder must be selected before either is issued — STATUS above
	// does not itself enter the selected state.
	if err := withRetry(ctx, log, func() error {
		_, opErr := sess.SelectMailbox(ctx, cp.Folder)
		return opErr
	}); err != nil {
		return err
	}

	var uids []uint32
	err = withRetry(ctx, log, func() error {
		var opErr error
		uids, opErr = sess.SearchUIDsFrom(ctx, cp.UIDHigh+1)
		return opErr
	})
	if err != nil {
		return err
	}

	if len(uids) == 0 {
		cp.Complete = true
		return e.jobs.ReplaceSourceState(job.ID, *state)
	}
	cp.Complete = false

	for i := 0; i < len(uids); i += defaultBatchSize {
		if stop() {
			return e.jobs.ReplaceSourceState(job.ID, *state)
		}

		end := i + defaultBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch := uids[i:end]

		maxUID, err := e.processBatch(ctx, sess, job, cp, batch, log)
		if err != nil {
			return err
		}

		// The checkpoint is written only after every item in the batch is
		// durable, so a crash here replays at most this one batch.
		cp.UIDHigh = maxUID
		if err := e.jobs.ReplaceSourceState(job.ID, *state); err != nil {
			return err
		}
	}

	cp.Complete = true
	return e.jobs.ReplaceSourceState(job.ID, *state)
}

func (e *Engine) processBatch(ctx context.Context, sess MailSession, job *downloadjob.Job, cp *downloadjob.FolderCheckpoint, uids []uint32, log zerolog.Logger) (uint32, error) {
	var metas []imapsession.MessageMetadata
	err := withRetry(ctx, log, func() error {
		var opErr error
		metas, opErr = sess.FetchMetadata(ctx, uids)
		return opErr
	})
	if err != nil {
		return 0, err
	}

	metaByUID := make(map[uint32]imapsession.MessageMetadata, len(metas))
	for _, m := range metas {
		metaByUID[m.UID] = m
	}

	type pendingDownload struct {
		item *downloadjob.Item
		meta imapsession.MessageMetadata
	}
	var toDownload []pendingDownload

	maxUID := cp.UIDHigh
	newItems := 0
	for _, uid := range uids {
		if uid > maxUID {
			maxUID = uid
		}

		meta, ok := metaByUID[uid]
		if !ok {
			log.Warn().Uint32("uid", uid).Msg("server did not return metadata for uid")
			continue
		}

		identifier := sourceIdentifier(cp, uid)
		result, err := e.jobs.UpsertItem(job.ID, identifier, cp.Folder, "email")
		if err != nil {
			return 0, err
		}
		if result.Created {
			// Only genuinely new items widen the job total, so a restart
			// that re-searches the same not-yet-checkpointed range (after
			// a crash) never double-counts candidates already promised.
			newItems++
		}
		if result.Item.Status.IsTerminal() {
			continue
		}
		toDownload = append(toDownload, pendingDownload{item: result.Item, meta: meta})
	}

	if newItems > 0 {
		if _, err := e.jobs.UpdateProgress(job.ID, downloadjob.ProgressDelta{Total: &newItems}); err != nil {
			return 0, err
		}
		cp.Total += newItems
	}

	for _, p := range toDownload {
		if err := e.downloadItem(ctx, sess, job, cp, p.item, p.meta, log); err != nil {
			log.Warn().Err(err).Str("item_id", p.item.ID).Uint32("uid", p.meta.UID).Msg("failed to download message")
		}
	}

	return maxUID, nil
}

func (e *Engine) downloadItem(ctx context.Context, sess MailSession, job *downloadjob.Job, cp *downloadjob.FolderCheckpoint, item *downloadjob.Item, meta imapsession.MessageMetadata, log zerolog.Logger) error {
	var raw []byte
	err := withRetry(ctx, log, func() error {
		var opErr error
		raw, opErr = sess.FetchRawBody(ctx, meta.UID)
		return opErr
	})
	if err != nil {
		return e.markFailed(job, cp, item, err)
	}

	body := parseBody(raw)
	receivedAt := meta.Date
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	if _, err := e.jobs.SaveMessageBody(item.ID, job.ID, meta.Subject, meta.From, body.BodyText, body.BodyHTML, int64(len(raw)), receivedAt); err != nil {
		return e.markFailed(job, cp, item, err)
	}

	if err := e.jobs.UpdateItemStatus(item.ID, downloadjob.ItemCompleted, "", int64(len(raw))); err != nil {
		return err
	}

	downloaded := 1
	size := int64(len(raw))
	cp.Downloaded++
	_, err = e.jobs.UpdateProgress(job.ID, downloadjob.ProgressDelta{Downloaded: &downloaded, Bytes: &size})
	return err
}

func (e *Engine) markFailed(job *downloadjob.Job, cp *downloadjob.FolderCheckpoint, item *downloadjob.Item, cause error) error {
	_ = e.jobs.UpdateItemStatus(item.ID, downloadjob.ItemFailed, cause.Error(), 0)
	failed := 1
	cp.Failed++
	if _, err := e.jobs.UpdateProgress(job.ID, downloadjob.ProgressDelta{Failed: &failed}); err != nil {
		return err
	}
	return cause
}

// sourceIdentifier builds the (job_id, source_identifier) key an item is
// upserted under. Folders that never lived through a UIDVALIDITY change
// use the plain "folder:uid" form; once an epoch change has happened, new
// items are suffixed with the new UIDVALIDITY so they never collide with
// an old item of the same UID from a prior epoch.
func sourceIdentifier(cp *downloadjob.FolderCheckpoint, uid uint32) string {
	if cp.PreviousEpoch == 0 {
		return fmt.Sprintf("%s:%d", cp.Folder, uid)
	}
	return fmt.Sprintf("%s:%d@uv%d", cp.Folder, uid, cp.UIDValidity)
}

func withRetry(ctx context.Context, log zerolog.Logger, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTransportAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case isRateLimited(err):
			log.Warn().Err(err).Int("attempt", attempt).Msg("rate limited by server, honoring backoff")
		case apperr.Is(err, apperr.TransportError) || isTransportError(err):
			log.Warn().Err(err).Int("attempt", attempt).Msg("transport error, retrying with backoff")
		default:
			return err
		}

		if attempt == maxTransportAttempts {
			break
		}
		if sleepErr := sleepForRetry(ctx, attempt); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}
