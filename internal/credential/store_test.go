package credential

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
	return NewStore(db)
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)

	c, err := store.Create(CreateInput{
		Kind: KindOAuthIMAP, Identifier: "gmail-alice", Principal: "alice@example.com",
		ServiceHost: "imap.gmail.com", ServicePort: 993, UseTLS: true,
	})
	require.NoError(t, err)
	require.True(t, c.IsActive)

	fetched, err := store.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", fetched.Principal)

	byIdentifier, err := store.GetByIdentifier("gmail-alice")
	require.NoError(t, err)
	require.Equal(t, c.ID, byIdentifier.ID)
}

func TestCreateRejectsDuplicateIdentifier(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Create(CreateInput{Kind: KindPlainIMAP, Identifier: "dup", Principal: "a@example.com"})
	require.NoError(t, err)

	_, err = store.Create(CreateInput{Kind: KindPlainIMAP, Identifier: "dup", Principal: "b@example.com"})
	require.Error(t, err)
}

func TestSetActiveAndDelete(t *testing.T) {
	store := newTestStore(t)

	c, err := store.Create(CreateInput{Kind: KindPlainIMAP, Identifier: "toggled", Principal: "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, store.SetActive(c.ID, false))
	fetched, err := store.Get(c.ID)
	require.NoError(t, err)
	require.False(t, fetched.IsActive)

	require.NoError(t, store.Delete(c.ID))
	_, err = store.Get(c.ID)
	require.Error(t, err)
}

func TestListFiltersActive(t *testing.T) {
	store := newTestStore(t)

	a, err := store.Create(CreateInput{Kind: KindPlainIMAP, Identifier: "a", Principal: "a@example.com"})
	require.NoError(t, err)
	_, err = store.Create(CreateInput{Kind: KindPlainIMAP, Identifier: "b", Principal: "b@example.com"})
	require.NoError(t, err)
	require.NoError(t, store.SetActive(a.ID, false))

	all, err := store.List(false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	activeOnly, err := store.List(true)
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
}
