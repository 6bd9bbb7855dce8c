package imapsync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/database"
	"github.com/dwata/api/internal/downloadjob"
	"github.com/dwata/api/internal/imapsession"
	"github.com/stretchr/testify/require"
)

type fakeMailSession struct {
	mailbox     imapsession.Mailbox
	uids        []uint32
	metaByUID   map[uint32]imapsession.MessageMetadata
	bodyByUID   map[uint32][]byte
	closeCalls  int
	selectCalls int
}

func (f *fakeMailSession) GetMailboxStatus(ctx context.Context, name string) (*imapsession.Mailbox, error) {
	mb := f.mailbox
	return &mb, nil
}

func (f *fakeMailSession) SelectMailbox(ctx context.Context, name string) (*imapsession.Mailbox, error) {
	f.selectCalls++
	mb := f.mailbox
	return &mb, nil
}

func (f *fakeMailSession) SearchUIDsFrom(ctx context.Context, startUID uint32) ([]uint32, error) {
	var out []uint32
	for _, uid := range f.uids {
		if uid >= startUID {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (f *fakeMailSession) FetchMetadata(ctx context.Context, uids []uint32) ([]imapsession.MessageMetadata, error) {
	out := make([]imapsession.MessageMetadata, 0, len(uids))
	for _, uid := range uids {
		if m, ok := f.metaByUID[uid]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMailSession) FetchRawBody(ctx context.Context, uid uint32) ([]byte, error) {
	b, ok := f.bodyByUID[uid]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no body for uid")
	}
	return b, nil
}

func (f *fakeMailSession) Close() error {
	f.closeCalls++
	return nil
}

func rawMessage(subject, body string) []byte {
	return []byte("Content-Type: text/plain\r\nSubject: " + subject + "\r\n\r\n" + body)
}

func neverStop() bool { return false }

func newTestStore(t *testing.T) *downloadjob.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := database.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return downloadjob.NewStore(db)
}

func newTestJob(t *testing.T, store *downloadjob.Store, folders ...downloadjob.FolderCheckpoint) *downloadjob.Job {
	t.Helper()
	job, err := store.CreateJob("imap", "cred-1", downloadjob.SourceState{
		SyncStrategy: "full",
		Folders:      folders,
	})
	require.NoError(t, err)
	return job
}

func openerFor(sess MailSession) SessionOpener {
	return func(ctx context.Context, credentialID string) (MailSession, error) {
		return sess, nil
	}
}

func loadState(t *testing.T, store *downloadjob.Store, jobID string) downloadjob.SourceState {
	t.Helper()
	job, err := store.GetJob(jobID)
	require.NoError(t, err)
	var state downloadjob.SourceState
	require.NoError(t, json.Unmarshal([]byte(job.SourceState), &state))
	return state
}

func TestFreshInboxSync(t *testing.T) {
	store := newTestStore(t)
	job := newTestJob(t, store, downloadjob.FolderCheckpoint{Folder: "INBOX"})

	sess := &fakeMailSession{
		mailbox: imapsession.Mailbox{Name: "INBOX", UIDValidity: 17, UIDNext: 4, Messages: 3},
		uids:    []uint32{1, 2, 3},
		metaByUID: map[uint32]imapsession.MessageMetadata{
			1: {UID: 1, Subject: "one", From: "a@example.com", Date: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
			2: {UID: 2, Subject: "two", From: "a@example.com", Date: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
			3: {UID: 3, Subject: "three", From: "a@example.com", Date: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)},
		},
		bodyByUID: map[uint32][]byte{
			1: rawMessage("one", "first"),
			2: rawMessage("two", "second"),
			3: rawMessage("three", "third"),
		},
	}

	engine := New(store, openerFor(sess))
	require.NoError(t, engine.SyncJob(context.Background(), job.ID, neverStop))

	updated, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, updated.Total)
	require.Equal(t, 3, updated.Downloaded)

	state := loadState(t, store, job.ID)
	require.Len(t, state.Folders, 1)
	cp := state.Folders[0]
	require.Equal(t, uint32(17), cp.UIDValidity)
	require.Equal(t, uint32(3), cp.UIDHigh)
	require.True(t, cp.Complete)

	for _, id := range []string{"INBOX:1", "INBOX:2", "INBOX:3"} {
		item, err := store.UpsertItem(job.ID, id, "INBOX", "email")
		require.NoError(t, err)
		require.False(t, item.Created, "item %s should already exist", id)
		require.Equal(t, downloadjob.ItemCompleted, item.Item.Status)
	}

	require.Equal(t, 1, sess.closeCalls)
	require.Equal(t, 1, sess.selectCalls, "folder must be selected before UID search/fetch")
}

func TestIncrementalSyncWidensTotal(t *testing.T) {
	store := newTestStore(t)
	job := newTestJob(t, store, downloadjob.FolderCheckpoint{Folder: "INBOX"})

	sess := &fakeMailSession{
		mailbox: imapsession.Mailbox{Name: "INBOX", UIDValidity: 17, UIDNext: 4, Messages: 3},
		uids:    []uint32{1, 2, 3},
		metaByUID: map[uint32]imapsession.MessageMetadata{
			1: {UID: 1, Subject: "one"},
			2: {UID: 2, Subject: "two"},
			3: {UID: 3, Subject: "three"},
		},
		bodyByUID: map[uint32][]byte{
			1: rawMessage("one", "first"),
			2: rawMessage("two", "second"),
			3: rawMessage("three", "third"),
		},
	}
	engine := New(store, openerFor(sess))
	require.NoError(t, engine.SyncJob(context.Background(), job.ID, neverStop))

	// Server now reports two more messages.
	sess.mailbox = imapsession.Mailbox{Name: "INBOX", UIDValidity: 17, UIDNext: 6, Messages: 5}
	sess.uids = []uint32{1, 2, 3, 4, 5}
	sess.metaByUID[4] = imapsession.MessageMetadata{UID: 4, Subject: "four"}
	sess.metaByUID[5] = imapsession.MessageMetadata{UID: 5, Subject: "five"}
	sess.bodyByUID[4] = rawMessage("four", "fourth")
	sess.bodyByUID[5] = rawMessage("five", "fifth")

	require.NoError(t, engine.SyncJob(context.Background(), job.ID, neverStop))

	updated, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, 5, updated.Total)
	require.Equal(t, 5, updated.Downloaded)

	state := loadState(t, store, job.ID)
	require.Equal(t, uint32(5), state.Folders[0].UIDHigh)
	require.True(t, state.Folders[0].Complete)
}

func TestUIDValidityChangeResetsCheckpointWithEpochSuffix(t *testing.T) {
	store := newTestStore(t)
	job := newTestJob(t, store, downloadjob.FolderCheckpoint{Folder: "INBOX"})

	sess := &fakeMailSession{
		mailbox:   imapsession.Mailbox{Name: "INBOX", UIDValidity: 17, UIDNext: 6, Messages: 5},
		uids:      []uint32{1, 2, 3, 4, 5},
		metaByUID: map[uint32]imapsession.MessageMetadata{},
		bodyByUID: map[uint32][]byte{},
	}
	for _, uid := range sess.uids {
		sess.metaByUID[uid] = imapsession.MessageMetadata{UID: uid, Subject: "old"}
		sess.bodyByUID[uid] = rawMessage("old", "old body")
	}
	engine := New(store, openerFor(sess))
	require.NoError(t, engine.SyncJob(context.Background(), job.ID, neverStop))

	// Server renumbers the mailbox.
	sess.mailbox = imapsession.Mailbox{Name: "INBOX", UIDValidity: 18, UIDNext: 3, Messages: 2}
	sess.uids = []uint32{1, 2}
	sess.metaByUID = map[uint32]imapsession.MessageMetadata{
		1: {UID: 1, Subject: "new-one"},
		2: {UID: 2, Subject: "new-two"},
	}
	sess.bodyByUID = map[uint32][]byte{
		1: rawMessage("new-one", "fresh body one"),
		2: rawMessage("new-two", "fresh body two"),
	}

	require.NoError(t, engine.SyncJob(context.Background(), job.ID, neverStop))

	state := loadState(t, store, job.ID)
	cp := state.Folders[0]
	require.Equal(t, uint32(18), cp.UIDValidity)
	require.Equal(t, uint32(2), cp.UIDHigh)
	require.Equal(t, 1, cp.PreviousEpoch)
	require.True(t, cp.Complete)

	oldItem, err := store.UpsertItem(job.ID, "INBOX:1", "INBOX", "email")
	require.NoError(t, err)
	require.False(t, oldItem.Created)
	require.Equal(t, downloadjob.ItemCompleted, oldItem.Item.Status)

	newItem, err := store.UpsertItem(job.ID, "INBOX:1@uv18", "INBOX", "email")
	require.NoError(t, err)
	require.False(t, newItem.Created, "new-epoch item should already exist from the sync run")
	require.NotEqual(t, oldItem.Item.ID, newItem.Item.ID, "old and new epoch UID 1 must be distinct items")
	require.Equal(t, downloadjob.ItemCompleted, newItem.Item.Status)
}

func TestCrashMidBatchShortCircuitsAlreadyCompletedItems(t *testing.T) {
	store := newTestStore(t)
	job := newTestJob(t, store, downloadjob.FolderCheckpoint{Folder: "INBOX"})

	const totalUIDs = 100
	sess := &fakeMailSession{
		mailbox:   imapsession.Mailbox{Name: "INBOX", UIDValidity: 9, UIDNext: totalUIDs + 1, Messages: totalUIDs},
		metaByUID: make(map[uint32]imapsession.MessageMetadata, totalUIDs),
		bodyByUID: make(map[uint32][]byte, totalUIDs),
	}
	for uid := uint32(1); uid <= totalUIDs; uid++ {
		sess.uids = append(sess.uids, uid)
		sess.metaByUID[uid] = imapsession.MessageMetadata{UID: uid}
		sess.bodyByUID[uid] = rawMessage("s", "b")
	}

	// Simulate a prior process that widened total to 100 (all 100 UIDs
	// upserted as pending items in the one and only batch), completed the
	// first 43, and then crashed before the checkpoint was advanced past
	// UID 0.
	const completedBeforeCrash = 43
	for uid := uint32(1); uid <= totalUIDs; uid++ {
		id := sourceIdentifier(&downloadjob.FolderCheckpoint{Folder: "INBOX"}, uid)
		result, err := store.UpsertItem(job.ID, id, "INBOX", "email")
		require.NoError(t, err)
		if uid <= completedBeforeCrash {
			require.NoError(t, store.UpdateItemStatus(result.Item.ID, downloadjob.ItemCompleted, "", 10))
		}
	}
	total := totalUIDs
	downloadedSoFar := completedBeforeCrash
	_, err := store.UpdateProgress(job.ID, downloadjob.ProgressDelta{Total: &total, Downloaded: &downloadedSoFar})
	require.NoError(t, err)

	engine := New(store, openerFor(sess))
	require.NoError(t, engine.SyncJob(context.Background(), job.ID, neverStop))

	state := loadState(t, store, job.ID)
	require.Equal(t, uint32(totalUIDs), state.Folders[0].UIDHigh)
	require.True(t, state.Folders[0].Complete)

	updated, err := store.GetJob(job.ID)
	require.NoError(t, err)
	// 43 were already downloaded before the crash; the replayed batch
	// downloads the remaining 57 without double-counting the first 43.
	require.Equal(t, totalUIDs, updated.Downloaded)
}

func TestStopSignalHaltsBetweenFolders(t *testing.T) {
	store := newTestStore(t)
	job := newTestJob(t, store,
		downloadjob.FolderCheckpoint{Folder: "INBOX"},
		downloadjob.FolderCheckpoint{Folder: "Archive"},
	)

	sess := &fakeMailSession{
		mailbox: imapsession.Mailbox{Name: "INBOX", UIDValidity: 1, UIDNext: 2, Messages: 1},
		uids:    []uint32{1},
		metaByUID: map[uint32]imapsession.MessageMetadata{
			1: {UID: 1, Subject: "one"},
		},
		bodyByUID: map[uint32][]byte{1: rawMessage("one", "first")},
	}
	engine := New(store, openerFor(sess))

	calls := 0
	stop := func() bool {
		calls++
		// INBOX has exactly one stop check in SyncJob's folder loop, one
		// before its UID search, and one before its single batch — three
		// calls that must all pass through before Archive's turn comes.
		return calls > 3
	}

	require.NoError(t, engine.SyncJob(context.Background(), job.ID, stop))

	state := loadState(t, store, job.ID)
	require.True(t, state.Folders[0].Complete, "first folder should have finished before the stop signal fired")
	require.False(t, state.Folders[1].Complete, "second folder should never have started")
}
