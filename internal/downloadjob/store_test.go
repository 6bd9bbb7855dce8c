package downloadjob

import (
	"path/filepath"
	"testing"

	"github.com/dwata/api/internal/database"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := database.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`INSERT INTO credentials (id, kind, identifier, principal) VALUES ('cred-1', 'oauth-imap', 'gmail-alice', 'alice@example.com')`)
	require.NoError(t, err)

	return NewStore(db)
}

func TestCreateAndGetJob(t *testing.T) {
	store := newTestStore(t)

	job, err := store.CreateJob("imap", "cred-1", SourceState{SyncStrategy: "full"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, job.Status)

	fetched, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, fetched.ID)
	require.Equal(t, "imap", fetched.SourceKind)
}

func TestUpdateProgressRejectsInvariantViolation(t *testing.T) {
	store := newTestStore(t)
	job, err := store.CreateJob("imap", "cred-1", SourceState{})
	require.NoError(t, err)

	downloaded := 5
	_, err = store.UpdateProgress(job.ID, ProgressDelta{Downloaded: &downloaded})
	require.Error(t, err, "downloaded exceeds total=0, must be rejected")

	total := 5
	updated, err := store.UpdateProgress(job.ID, ProgressDelta{Total: &total})
	require.NoError(t, err)
	require.Equal(t, 5, updated.Total)

	updated, err = store.UpdateProgress(job.ID, ProgressDelta{Downloaded: &downloaded})
	require.NoError(t, err)
	require.Equal(t, 5, updated.Downloaded)
}

func TestUpdateProgressAccumulates(t *testing.T) {
	store := newTestStore(t)
	job, err := store.CreateJob("imap", "cred-1", SourceState{})
	require.NoError(t, err)

	total := 10
	_, err = store.UpdateProgress(job.ID, ProgressDelta{Total: &total})
	require.NoError(t, err)

	one := 1
	for i := 0; i < 3; i++ {
		_, err = store.UpdateProgress(job.ID, ProgressDelta{Downloaded: &one})
		require.NoError(t, err)
	}

	final, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, final.Downloaded)
}

func TestUpsertItemIdempotent(t *testing.T) {
	store := newTestStore(t)
	job, err := store.CreateJob("imap", "cred-1", SourceState{})
	require.NoError(t, err)

	res1, err := store.UpsertItem(job.ID, "INBOX:1", "INBOX", "email")
	require.NoError(t, err)
	require.True(t, res1.Created)

	res2, err := store.UpsertItem(job.ID, "INBOX:1", "INBOX", "email")
	require.NoError(t, err)
	require.False(t, res2.Created)
	require.Equal(t, res1.Item.ID, res2.Item.ID)
}

func TestUpsertItemTerminalShortCircuits(t *testing.T) {
	store := newTestStore(t)
	job, err := store.CreateJob("imap", "cred-1", SourceState{})
	require.NoError(t, err)

	res, err := store.UpsertItem(job.ID, "INBOX:1", "INBOX", "email")
	require.NoError(t, err)
	require.NoError(t, store.UpdateItemStatus(res.Item.ID, ItemCompleted, "", 1024))

	res2, err := store.UpsertItem(job.ID, "INBOX:1", "INBOX", "email")
	require.NoError(t, err)
	require.True(t, res2.Item.Status.IsTerminal())
}

func TestUpdateStatusTransitions(t *testing.T) {
	store := newTestStore(t)
	job, err := store.CreateJob("imap", "cred-1", SourceState{})
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(job.ID, StatusRunning, nil))
	running, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)

	require.NoError(t, store.UpdateStatus(job.ID, StatusFailed, errSentinel{"boom"}))
	failed, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, "boom", failed.LastError)
	require.Equal(t, 1, failed.RetryCount)
}

type errSentinel struct{ msg string }

func (e errSentinel) Error() string { return e.msg }

func TestListJobsFiltersByStatus(t *testing.T) {
	store := newTestStore(t)
	j1, err := store.CreateJob("imap", "cred-1", SourceState{})
	require.NoError(t, err)
	_, err = store.CreateJob("imap", "cred-1", SourceState{})
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(j1.ID, StatusRunning, nil))

	running := StatusRunning
	jobs, err := store.ListJobs(&running, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, j1.ID, jobs[0].ID)
}
