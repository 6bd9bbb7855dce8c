package pattern

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

func TestDefaultPatternsAreSeeded(t *testing.T) {
	store := newTestStore(t)

	isDefault := true
	patterns, err := store.List(ListFilter{IsDefault: &isDefault})
	require.NoError(t, err)
	require.NotEmpty(t, patterns)

	var found bool
	for _, p := range patterns {
		if p.ID == "pat-payment-confirmation" {
			found = true
			require.Equal(t, DocPaymentConfirmation, p.DocumentKind)
			require.Equal(t, StatusPaid, p.Status)
			require.InDelta(t, 0.90, p.BaseConfidence, 0.0001)
			require.Equal(t, 1, p.AmountGroup)
			require.Equal(t, 2, p.VendorGroup)
			require.True(t, p.IsDefault)
			require.True(t, p.IsActive)
		}
	}
	require.True(t, found, "expected the payment-confirmation default pattern to be seeded")
}

func TestPaymentConfirmationPatternMatchesS6(t *testing.T) {
	store := newTestStore(t)

	p, err := store.Get("pat-payment-confirmation")
	require.NoError(t, err)

	re, err := Validate(p.Name, p.Regex, p.BaseConfidence, p.AmountGroup, p.VendorGroup, p.DateGroup)
	require.NoError(t, err)

	matches := re.FindStringSubmatch("Your payment of $150.00 to Comcast was successful")
	require.NotNil(t, matches)
	require.Equal(t, "150.00", matches[p.AmountGroup])
	require.Equal(t, "Comcast", matches[p.VendorGroup])
}

func TestCreateRejectsDuplicateNameOrRegex(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Create(CreateInput{
		Name:           "custom_one",
		Regex:          `charged \$([0-9.]+)`,
		DocumentKind:   DocOther,
		Status:         StatusPaid,
		BaseConfidence: 0.5,
		AmountGroup:    1,
	})
	require.NoError(t, err)

	_, err = store.Create(CreateInput{
		Name:           "custom_one",
		Regex:          `a different regex \$([0-9.]+)`,
		DocumentKind:   DocOther,
		Status:         StatusPaid,
		BaseConfidence: 0.5,
		AmountGroup:    1,
	})
	require.Error(t, err)

	_, err = store.Create(CreateInput{
		Name:           "custom_two",
		Regex:          `charged \$([0-9.]+)`,
		DocumentKind:   DocOther,
		Status:         StatusPaid,
		BaseConfidence: 0.5,
		AmountGroup:    1,
	})
	require.Error(t, err)
}

func TestCreateRejectsOutOfRangeCaptureGroup(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Create(CreateInput{
		Name:           "bad_group",
		Regex:          `charged \$([0-9.]+)`,
		DocumentKind:   DocOther,
		Status:         StatusPaid,
		BaseConfidence: 0.5,
		AmountGroup:    2, // the regex only has one capture group
	})
	require.Error(t, err)
}

func TestValidatePassesComplexPatternWithinBudget(t *testing.T) {
	// Go's RE2-derived engine runs in linear time, so a pattern shaped like
	// classic catastrophic-backtracking bait still validates well within
	// backtrackBudget. The probe exists as a generic guard, not because this
	// engine is expected to trip it.
	re, err := Validate("nested_quantifiers", `(a+)+$`, 0.5, 1, 0, 0)
	require.NoError(t, err)
	require.True(t, re.MatchString("aaaa"))
}

func TestUpdateRejectsMutatingDefaultNameOrRegex(t *testing.T) {
	store := newTestStore(t)

	newRegex := `something else \$([0-9.]+)`
	_, err := store.Update("pat-payment-confirmation", UpdateInput{Regex: &newRegex})
	require.Error(t, err)
}

func TestToggleWorksOnDefaultPattern(t *testing.T) {
	store := newTestStore(t)

	p, err := store.Toggle("pat-payment-confirmation", false)
	require.NoError(t, err)
	require.False(t, p.IsActive)

	isDefault := true
	active := true
	patterns, err := store.List(ListFilter{IsDefault: &isDefault, ActiveOnly: &active})
	require.NoError(t, err)
	for _, p := range patterns {
		require.NotEqual(t, "pat-payment-confirmation", p.ID)
	}
}

func TestDeleteRejectsDefaultPattern(t *testing.T) {
	store := newTestStore(t)
	err := store.Delete("pat-payment-confirmation")
	require.Error(t, err)
}

func TestRecordMatchIncrements(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RecordMatch("pat-payment-confirmation"))

	p, err := store.Get("pat-payment-confirmation")
	require.NoError(t, err)
	require.Equal(t, int64(1), p.MatchCount)
	require.NotNil(t, p.LastMatchedAt)
}
