package pattern

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/dwata/api/internal/apperr"
)

var nameRE = regexp.MustCompile(`^[a-z0-9_]+$`)

// backtrackProbe is the pathological input run against a candidate regex
// to guard against catastrophic backtracking before it is ever persisted.
var backtrackProbe = strings.Repeat("a", 1000)

func init() {
	if len(backtrackProbe) != 1000 {
		panic("backtrackProbe must be exactly 1000 chars")
	}
}

const backtrackBudget = 100 * time.Millisecond

// Validate checks name shape, regex compilation, confidence range, and
// capture-group bounds, then probes for catastrophic backtracking. It does
// not touch the store — CRUD callers run this before any write.
func Validate(name, rawRegex string, confidence float64, amountGroup, vendorGroup, dateGroup int) (*regexp.Regexp, error) {
	if len(name) == 0 || len(name) > 100 || !nameRE.MatchString(name) {
		return nil, apperr.New(apperr.InvalidInput, "pattern name must match ^[a-z0-9_]+$ and be 1-100 chars")
	}

	if confidence < 0 || confidence > 1 {
		return nil, apperr.New(apperr.InvalidInput, "base_confidence must be in [0,1]")
	}

	re, err := regexp.Compile(rawRegex)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "regex does not compile", err)
	}

	groupCount := re.NumSubexp()
	if amountGroup < 1 || amountGroup > groupCount {
		return nil, apperr.New(apperr.InvalidInput, "amount_group must reference a valid capture group")
	}
	if vendorGroup < 0 || vendorGroup > groupCount {
		return nil, apperr.New(apperr.InvalidInput, "vendor_group must reference a valid capture group or be 0")
	}
	if dateGroup < 0 || dateGroup > groupCount {
		return nil, apperr.New(apperr.InvalidInput, "date_group must reference a valid capture group or be 0")
	}

	if err := checkBacktracking(re); err != nil {
		return nil, err
	}

	return re, nil
}

// checkBacktracking races a match attempt against the pathological probe
// string against a deadline, rejecting any pattern whose match takes
// longer than backtrackBudget. Go's regexp package (RE2-derived) does not
// exhibit exponential backtracking itself, but the guard is still
// enforced generically per spec, independent of the engine's own
// worst-case guarantees, since a future capture-heavy pattern could still
// be pathologically slow on large inputs.
func checkBacktracking(re *regexp.Regexp) error {
	ctx, cancel := context.WithTimeout(context.Background(), backtrackBudget)
	defer cancel()

	done := make(chan struct{})
	go func() {
		re.MatchString(backtrackProbe)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return apperr.New(apperr.CatastrophicBacktracking, "pattern exceeded backtracking budget against probe input")
	}
}
