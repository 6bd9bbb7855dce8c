package extraction

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dwata/api/internal/database"
	"github.com/dwata/api/internal/downloadjob"
	"github.com/dwata/api/internal/pattern"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *downloadjob.Store, *pattern.Store, *Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := database.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`INSERT INTO credentials (id, kind, identifier, principal) VALUES ('cred-1', 'oauth-imap', 'gmail-alice', 'alice@example.com')`)
	require.NoError(t, err)

	jobStore := downloadjob.NewStore(db)
	patternStore := pattern.NewStore(db)
	recordStore := NewStore(db)
	engine := NewEngine(jobStore, patternStore, recordStore)
	return engine, jobStore, patternStore, recordStore
}

func seedMessage(t *testing.T, jobStore *downloadjob.Store, jobID, subject, bodyText string) {
	t.Helper()
	res, err := jobStore.UpsertItem(jobID, "INBOX:"+subject, "INBOX", "email")
	require.NoError(t, err)
	_, err = jobStore.SaveMessageBody(res.Item.ID, jobID, subject, "billing@vendor.example", bodyText, "", int64(len(bodyText)), time.Now())
	require.NoError(t, err)
}

func TestRunExtractsPaymentConfirmation(t *testing.T) {
	engine, jobStore, _, records := newTestEngine(t)

	job, err := jobStore.CreateJob("imap", "cred-1", downloadjob.SourceState{})
	require.NoError(t, err)

	seedMessage(t, jobStore, job.ID, "Payment receipt", "Your payment of $150.00 to Comcast was successful. Thanks for your business.")

	result, err := engine.Run(RunOptions{SourceKind: "imap-account", SourceAccountID: "cred-1", JobID: job.ID})
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.Equal(t, 1, result.ItemsScanned)
	require.Equal(t, 1, result.RecordsProduced)

	attempts, err := records.ListAttempts(10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, AttemptCompleted, attempts[0].Status)
	require.Equal(t, 1, attempts[0].RecordsProduced)

	summaries, err := records.Summarize()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, "paid", summaries[0].Status)
	require.InDelta(t, 150.00, summaries[0].TotalAmount, 0.001)
}

func TestRunSkipsAlreadyScannedSourceUnlessForced(t *testing.T) {
	engine, jobStore, _, _ := newTestEngine(t)

	job, err := jobStore.CreateJob("imap", "cred-1", downloadjob.SourceState{})
	require.NoError(t, err)
	seedMessage(t, jobStore, job.ID, "Payment receipt", "Your payment of $150.00 to Comcast was successful.")

	_, err = engine.Run(RunOptions{SourceKind: "imap-account", SourceAccountID: "cred-1", JobID: job.ID})
	require.NoError(t, err)

	result, err := engine.Run(RunOptions{SourceKind: "imap-account", SourceAccountID: "cred-1", JobID: job.ID})
	require.NoError(t, err)
	require.True(t, result.Skipped)

	forced, err := engine.Run(RunOptions{SourceKind: "imap-account", SourceAccountID: "cred-1", JobID: job.ID, Force: true})
	require.NoError(t, err)
	require.False(t, forced.Skipped)
	require.Equal(t, 1, forced.RecordsProduced)
}

func TestRunAllScansEveryJobWhenNoIDsGiven(t *testing.T) {
	engine, jobStore, _, _ := newTestEngine(t)

	jobA, err := jobStore.CreateJob("imap", "cred-1", downloadjob.SourceState{})
	require.NoError(t, err)
	seedMessage(t, jobStore, jobA.ID, "Payment receipt", "Your payment of $150.00 to Comcast was successful.")

	jobB, err := jobStore.CreateJob("imap", "cred-1", downloadjob.SourceState{})
	require.NoError(t, err)
	seedMessage(t, jobStore, jobB.ID, "Newsletter", "Nothing financial in here at all.")

	result, err := engine.RunAll(nil)
	require.NoError(t, err)
	require.Equal(t, 2, result.ItemsScanned)
	require.Equal(t, 1, result.RecordsProduced)
}

func TestRunAllScansOnlySelectedItemIDs(t *testing.T) {
	engine, jobStore, _, _ := newTestEngine(t)

	job, err := jobStore.CreateJob("imap", "cred-1", downloadjob.SourceState{})
	require.NoError(t, err)

	res, err := jobStore.UpsertItem(job.ID, "INBOX:Payment receipt", "INBOX", "email")
	require.NoError(t, err)
	body := "Your payment of $150.00 to Comcast was successful."
	_, err = jobStore.SaveMessageBody(res.Item.ID, job.ID, "Payment receipt", "billing@vendor.example", body, "", int64(len(body)), time.Now())
	require.NoError(t, err)

	seedMessage(t, jobStore, job.ID, "Newsletter", "Nothing financial in here at all.")

	result, err := engine.RunAll([]string{res.Item.ID})
	require.NoError(t, err)
	require.Equal(t, 1, result.ItemsScanned)
	require.Equal(t, 1, result.RecordsProduced)
}

func TestRunRecordsAttemptEvenWithZeroMatches(t *testing.T) {
	engine, jobStore, _, records := newTestEngine(t)

	job, err := jobStore.CreateJob("imap", "cred-1", downloadjob.SourceState{})
	require.NoError(t, err)
	seedMessage(t, jobStore, job.ID, "Newsletter", "Nothing financial in here at all.")

	result, err := engine.Run(RunOptions{SourceKind: "imap-account", SourceAccountID: "cred-1", JobID: job.ID})
	require.NoError(t, err)
	require.Equal(t, 0, result.RecordsProduced)

	attempts, err := records.ListAttempts(10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, AttemptCompleted, attempts[0].Status)
	require.Equal(t, 0, attempts[0].RecordsProduced)
}
