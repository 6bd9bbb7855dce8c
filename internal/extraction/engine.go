package extraction

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dwata/api/internal/downloadjob"
	"github.com/dwata/api/internal/logging"
	"github.com/dwata/api/internal/pattern"
	"github.com/rs/zerolog"
)

// messageStore is the subset of downloadjob.Store the engine depends on.
// Satisfied by *downloadjob.Store.
type messageStore interface {
	ListMessagesForJob(jobID string) ([]*downloadjob.Message, error)
	ListMessagesByItemIDs(itemIDs []string) ([]*downloadjob.Message, error)
	ListJobs(status *downloadjob.Status, limit int) ([]*downloadjob.Job, error)
}

// patternStore is the subset of pattern.Store the engine depends on.
// Satisfied by *pattern.Store.
type patternStore interface {
	ListActive() ([]*pattern.Pattern, error)
	RecordMatch(id string) error
	Deactivate(id string) error
}

// Engine matches downloaded messages against the active pattern registry
// and produces extraction records (C7).
type Engine struct {
	messages messageStore
	patterns patternStore
	records  *Store
	log      zerolog.Logger
}

// NewEngine builds an extraction engine.
func NewEngine(messages messageStore, patterns patternStore, records *Store) *Engine {
	return &Engine{
		messages: messages,
		patterns: patterns,
		records:  records,
		log:      logging.WithComponent("extraction-engine"),
	}
}

// RunOptions configures a single extraction pass over a source.
type RunOptions struct {
	SourceKind      string
	SourceAccountID string
	JobID           string
	Force           bool // re-scan even if a prior completed attempt exists
}

// RunResult summarizes the outcome of a single Run.
type RunResult struct {
	ItemsScanned    int
	RecordsProduced int
	Skipped         bool
}

type compiledPattern struct {
	p  *pattern.Pattern
	re *regexp.Regexp
}

// Run scans every downloaded message for a job against the active pattern
// set, producing extraction records. It always writes an attempt row, even
// when zero records are produced, so the caller's audit trail is complete.
// A prior completed attempt for (SourceKind, SourceAccountID) causes Run to
// skip, unless Force is set.
func (e *Engine) Run(opts RunOptions) (*RunResult, error) {
	if !opts.Force {
		done, err := e.records.HasSuccessfulAttempt(opts.SourceKind, opts.SourceAccountID)
		if err != nil {
			return nil, err
		}
		if done {
			return &RunResult{Skipped: true}, nil
		}
	}

	compiled, err := e.compileActivePatterns()
	if err != nil {
		return nil, err
	}

	messages, err := e.messages.ListMessagesForJob(opts.JobID)
	if err != nil {
		_ = e.records.RecordAttempt(&Attempt{
			SourceKind: opts.SourceKind, SourceAccountID: opts.SourceAccountID,
			Status: AttemptFailed, Error: err.Error(),
		})
		return nil, err
	}

	result := &RunResult{ItemsScanned: len(messages)}
	result.RecordsProduced = e.matchMessages(compiled, messages)

	if err := e.records.RecordAttempt(&Attempt{
		SourceKind:      opts.SourceKind,
		SourceAccountID: opts.SourceAccountID,
		ItemsScanned:    result.ItemsScanned,
		RecordsProduced: result.RecordsProduced,
		Status:          AttemptCompleted,
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// RunAll is the entry point the HTTP layer's POST /financial/extract binds
// to: it implements spec's run(source_kind, optional source_ids) contract
// as "scan everything, or just these messages". When itemIDs is non-empty
// it scans exactly those downloaded messages, recording one attempt row for
// the selection. When empty, it walks every download job in turn, reusing
// Run's per-job idempotency and attempt bookkeeping, and returns the sum.
func (e *Engine) RunAll(itemIDs []string) (*RunResult, error) {
	if len(itemIDs) > 0 {
		return e.runSelection(itemIDs)
	}

	jobs, err := e.messages.ListJobs(nil, 0)
	if err != nil {
		return nil, err
	}

	total := &RunResult{}
	for _, job := range jobs {
		res, err := e.Run(RunOptions{
			SourceKind:      "imap-account",
			SourceAccountID: job.ID,
			JobID:           job.ID,
		})
		if err != nil {
			e.log.Warn().Err(err).Str("job_id", job.ID).Msg("extraction run failed for job")
			continue
		}
		total.ItemsScanned += res.ItemsScanned
		total.RecordsProduced += res.RecordsProduced
	}
	return total, nil
}

const selectionSourceKind = "imap-message-selection"

// runSelection scans an explicit set of downloaded messages by item id,
// regardless of which job downloaded them. Always run — there is no prior
// "attempt" to dedupe a one-off selection against.
func (e *Engine) runSelection(itemIDs []string) (*RunResult, error) {
	compiled, err := e.compileActivePatterns()
	if err != nil {
		return nil, err
	}

	sourceAccountID := strings.Join(itemIDs, ",")

	messages, err := e.messages.ListMessagesByItemIDs(itemIDs)
	if err != nil {
		_ = e.records.RecordAttempt(&Attempt{
			SourceKind: selectionSourceKind, SourceAccountID: sourceAccountID,
			Status: AttemptFailed, Error: err.Error(),
		})
		return nil, err
	}

	result := &RunResult{ItemsScanned: len(messages)}
	result.RecordsProduced = e.matchMessages(compiled, messages)

	if err := e.records.RecordAttempt(&Attempt{
		SourceKind:      selectionSourceKind,
		SourceAccountID: sourceAccountID,
		ItemsScanned:    result.ItemsScanned,
		RecordsProduced: result.RecordsProduced,
		Status:          AttemptCompleted,
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// compileActivePatterns loads and compiles C8's active pattern set,
// quarantining (deactivating) any pattern that fails re-validation instead
// of aborting the whole run.
func (e *Engine) compileActivePatterns() ([]compiledPattern, error) {
	active, err := e.patterns.ListActive()
	if err != nil {
		return nil, err
	}

	compiled := make([]compiledPattern, 0, len(active))
	for _, p := range active {
		re, err := pattern.Validate(p.Name, p.Regex, p.BaseConfidence, p.AmountGroup, p.VendorGroup, p.DateGroup)
		if err != nil {
			e.log.Warn().Err(err).Str("patternID", p.ID).Msg("quarantining pattern that failed re-validation")
			_ = e.patterns.Deactivate(p.ID)
			continue
		}
		compiled = append(compiled, compiledPattern{p: p, re: re})
	}
	return compiled, nil
}

// matchMessages applies every compiled pattern to every message, first
// match wins per message, persisting a record and bumping pattern stats on
// each hit. Returns the number of records produced.
func (e *Engine) matchMessages(compiled []compiledPattern, messages []*downloadjob.Message) int {
	produced := 0
	for _, m := range messages {
		candidate := m.Subject + "\n\n" + m.BodyText
		for _, cp := range compiled {
			rec, matched := e.matchOne(cp, m, candidate)
			if !matched {
				continue
			}
			if err := e.records.CreateRecord(rec); err != nil {
				e.log.Error().Err(err).Str("patternID", cp.p.ID).Msg("failed to persist extraction record")
				continue
			}
			if err := e.patterns.RecordMatch(cp.p.ID); err != nil {
				e.log.Error().Err(err).Str("patternID", cp.p.ID).Msg("failed to record pattern match stats")
			}
			produced++
			// First matching pattern wins per message; patterns are tried
			// in List order (most-recently-created first).
			break
		}
	}
	return produced
}

// matchOne applies a single compiled pattern to a message, recovering from
// any panic in the match itself — a pathological pattern should cost one
// message, not the whole run.
func (e *Engine) matchOne(cp compiledPattern, m *downloadjob.Message, candidate string) (rec *Record, matched bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("patternID", cp.p.ID).Msg("pattern panicked during match, quarantining")
			_ = e.patterns.Deactivate(cp.p.ID)
			matched = false
		}
	}()

	groups := cp.re.FindStringSubmatch(candidate)
	if groups == nil {
		return nil, false
	}

	amountStr := groups[cp.p.AmountGroup]
	amount, err := strconv.ParseFloat(strings.TrimSpace(amountStr), 64)
	if err != nil {
		e.log.Warn().Str("patternID", cp.p.ID).Str("raw", amountStr).Msg("matched pattern but amount did not parse, skipping")
		return nil, false
	}

	var vendor string
	if cp.p.VendorGroup > 0 && cp.p.VendorGroup < len(groups) {
		vendor = strings.TrimSpace(groups[cp.p.VendorGroup])
	}

	var txDate *time.Time
	if cp.p.DateGroup > 0 && cp.p.DateGroup < len(groups) {
		if t, ok := parseLooseDate(groups[cp.p.DateGroup]); ok {
			txDate = &t
		}
	}

	sourceID := m.ItemID
	if sourceID == "" {
		sourceID = fmt.Sprintf("job:%s", m.JobID)
	}

	return &Record{
		SourceKind:      "imap-message",
		SourceID:        sourceID,
		DocumentKind:    string(cp.p.DocumentKind),
		Status:          string(cp.p.Status),
		Amount:          amount,
		Currency:        "USD",
		TransactionDate: txDate,
		Vendor:          vendor,
		Confidence:      cp.p.BaseConfidence,
		PatternID:       cp.p.ID,
	}, true
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
}

func parseLooseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
