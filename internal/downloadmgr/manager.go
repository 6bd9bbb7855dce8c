// Package downloadmgr implements the download manager (C6): the
// supervisor that owns job lifecycle transitions, supervises one worker
// goroutine per active job, recovers jobs left running across a crash,
// and periodically re-enters completed jobs whose source has grown.
//
// The worker-handle map is kept entirely in memory and is never
// persisted or read from: startup recovery relies only on durable job
// status (internal/downloadjob), never on which handles happen to exist
// in this process, so a handle lost to a crash never strands a job.
package downloadmgr

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/database"
	"github.com/dwata/api/internal/downloadjob"
	"github.com/dwata/api/internal/imapsync"
	"github.com/dwata/api/internal/logging"
	"github.com/rs/zerolog"
)

// DefaultPeriodicInterval is the default tick period for periodic_sync,
// per spec.md §4.6.
const DefaultPeriodicInterval = 5 * time.Minute

// jobHandle tracks one running worker. It is looked up by job id only;
// it is never itself persisted, so cyclic references between the
// worker and the job store are broken by construction (design notes §9).
type jobHandle struct {
	stopRequested atomic.Bool
	cancelled     atomic.Bool
	done          chan struct{}
}

func (h *jobHandle) stop() bool { return h.stopRequested.Load() }

// Manager is the download manager (C6).
type Manager struct {
	jobs   *downloadjob.Store
	engine *imapsync.Engine
	open   imapsync.SessionOpener
	log    zerolog.Logger
	db     *database.DB

	handlesMu sync.Mutex
	handles   map[string]*jobHandle

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// SetDatabase wires the database connection pool so the manager can scale
// idle connections to the number of concurrently running jobs. Optional:
// a manager with no database wired simply skips the tuning.
func (m *Manager) SetDatabase(db *database.DB) {
	m.db = db
}

// updateIdleConns scales the database's idle connection pool to the current
// number of live job handles. Called after every handles-map mutation.
func (m *Manager) updateIdleConns() {
	if m.db == nil {
		return
	}
	m.handlesMu.Lock()
	n := len(m.handles)
	m.handlesMu.Unlock()
	m.db.UpdateIdleConns(n)
}

// New builds a download manager. open is the same session opener the sync
// engine uses; it is needed here directly for periodic_sync's cheap STATUS
// probes, which do not walk a whole folder through the engine.
func New(jobs *downloadjob.Store, engine *imapsync.Engine, open imapsync.SessionOpener) *Manager {
	return &Manager{
		jobs:    jobs,
		engine:  engine,
		open:    open,
		log:     logging.WithComponent("download-manager"),
		handles: make(map[string]*jobHandle),
	}
}

// StartJob starts or resumes a job. The job must be pending or paused; an
// already-running job (one with a live handle) is rejected.
func (m *Manager) StartJob(jobID string) error {
	job, err := m.jobs.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status != downloadjob.StatusPending && job.Status != downloadjob.StatusPaused {
		return apperr.New(apperr.Conflict, "job must be pending or paused to start")
	}

	m.handlesMu.Lock()
	if _, running := m.handles[jobID]; running {
		m.handlesMu.Unlock()
		return apperr.New(apperr.Conflict, "job is already running")
	}
	h := &jobHandle{done: make(chan struct{})}
	m.handles[jobID] = h
	m.handlesMu.Unlock()
	m.updateIdleConns()

	if err := m.jobs.UpdateStatus(jobID, downloadjob.StatusRunning, nil); err != nil {
		m.handlesMu.Lock()
		delete(m.handles, jobID)
		m.handlesMu.Unlock()
		m.updateIdleConns()
		return err
	}

	m.wg.Add(1)
	go m.runWorker(jobID, h)
	return nil
}

// PauseJob signals a running job's worker to stop after its current batch.
// The actual status transition to "paused" happens when the worker
// observes the flag and exits, matching the spec's "after the current
// batch finishes the worker exits cleanly" wording.
func (m *Manager) PauseJob(jobID string) error {
	m.handlesMu.Lock()
	h, running := m.handles[jobID]
	m.handlesMu.Unlock()
	if !running {
		return apperr.New(apperr.Conflict, "job is not running")
	}
	h.stopRequested.Store(true)
	return nil
}

// CancelJob signals a running job's worker to stop, terminally. Items are
// retained for audit, per spec. If the job has no live handle (it is
// pending, already paused, or otherwise not running), the status is
// updated directly.
func (m *Manager) CancelJob(jobID string) error {
	m.handlesMu.Lock()
	h, running := m.handles[jobID]
	m.handlesMu.Unlock()

	if !running {
		job, err := m.jobs.GetJob(jobID)
		if err != nil {
			return err
		}
		if job.Status == downloadjob.StatusRunning {
			return apperr.New(apperr.Conflict, "job reports running but has no live worker; restart the process to recover it")
		}
		return m.jobs.UpdateStatus(jobID, downloadjob.StatusCancelled, nil)
	}

	h.cancelled.Store(true)
	h.stopRequested.Store(true)
	return nil
}

// RestoreInterrupted runs once at startup. Any job left in "running"
// status (the process crashed mid-flight) is re-started, since only
// durable state — never the in-memory handle map — is trusted here.
func (m *Manager) RestoreInterrupted() error {
	running := downloadjob.StatusRunning
	jobs, err := m.jobs.ListJobs(&running, 0)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		m.log.Info().Str("job_id", job.ID).Msg("restoring job interrupted by crash")
		// The job is already marked running in the store; start its worker
		// directly rather than going through StartJob's pending/paused guard.
		m.handlesMu.Lock()
		h := &jobHandle{done: make(chan struct{})}
		m.handles[job.ID] = h
		m.handlesMu.Unlock()
		m.updateIdleConns()

		m.wg.Add(1)
		go m.runWorker(job.ID, h)
	}
	return nil
}

func (m *Manager) runWorker(jobID string, h *jobHandle) {
	defer m.wg.Done()
	defer close(h.done)
	defer func() {
		m.handlesMu.Lock()
		delete(m.handles, jobID)
		m.handlesMu.Unlock()
		m.updateIdleConns()
	}()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("job_id", jobID).Msg("worker panicked")
			_ = m.jobs.UpdateStatus(jobID, downloadjob.StatusFailed, apperr.New(apperr.StoreError, "worker panicked"))
		}
	}()

	log := m.log.With().Str("job_id", jobID).Logger()
	err := m.engine.SyncJob(context.Background(), jobID, h.stop)

	switch {
	case h.cancelled.Load():
		log.Info().Msg("job cancelled")
		_ = m.jobs.UpdateStatus(jobID, downloadjob.StatusCancelled, nil)
	case err != nil:
		log.Error().Err(err).Msg("job failed")
		_ = m.jobs.UpdateStatus(jobID, downloadjob.StatusFailed, err)
	case h.stopRequested.Load():
		log.Info().Msg("job paused")
		_ = m.jobs.UpdateStatus(jobID, downloadjob.StatusPaused, nil)
	default:
		log.Info().Msg("job completed")
		_ = m.jobs.UpdateStatus(jobID, downloadjob.StatusCompleted, nil)
	}
}

// RunPeriodicSync starts the periodic_sync background loop (default
// interval 5 minutes) and blocks until ctx is cancelled. Call it in its own
// goroutine from bootstrap.
func (m *Manager) RunPeriodicSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPeriodicInterval
	}
	ctx, m.cancel = context.WithCancel(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Stop cancels the periodic_sync loop and waits for all in-flight workers
// to observe their stop signal and exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.handlesMu.Lock()
	for _, h := range m.handles {
		h.stopRequested.Store(true)
	}
	m.handlesMu.Unlock()
	m.wg.Wait()
}

// tick runs one periodic_sync pass: for every job in {running, completed},
// it issues a cheap per-folder STATUS (no UID search or fetch) and, if the
// server reports more messages than last observed, widens the job's total
// and — for a completed job — re-enters it in running.
func (m *Manager) tick(ctx context.Context) {
	for _, status := range []downloadjob.Status{downloadjob.StatusRunning, downloadjob.StatusCompleted} {
		s := status
		jobs, err := m.jobs.ListJobs(&s, 0)
		if err != nil {
			m.log.Error().Err(err).Msg("periodic sync: failed to list jobs")
			continue
		}
		for _, job := range jobs {
			m.checkJobForGrowth(ctx, job)
		}
	}
}

func (m *Manager) checkJobForGrowth(ctx context.Context, job *downloadjob.Job) {
	log := m.log.With().Str("job_id", job.ID).Logger()

	var state downloadjob.SourceState
	if err := json.Unmarshal([]byte(job.SourceState), &state); err != nil {
		log.Error().Err(err).Msg("periodic sync: failed to decode source state")
		return
	}
	if len(state.Folders) == 0 {
		return
	}

	sess, err := m.open(ctx, job.CredentialID)
	if err != nil {
		log.Warn().Err(err).Msg("periodic sync: failed to open session for status probe")
		return
	}
	defer sess.Close()

	grew := false
	totalDelta := 0
	for i := range state.Folders {
		cp := &state.Folders[i]
		mb, err := sess.GetMailboxStatus(ctx, cp.Folder)
		if err != nil {
			log.Warn().Err(err).Str("folder", cp.Folder).Msg("periodic sync: status probe failed")
			continue
		}
		serverCount := int(mb.Messages)
		if serverCount > cp.Total {
			delta := serverCount - cp.Total
			cp.Total = serverCount
			totalDelta += delta
			grew = true
		}
	}
	if !grew {
		return
	}

	if err := m.jobs.ReplaceSourceState(job.ID, state); err != nil {
		log.Error().Err(err).Msg("periodic sync: failed to persist widened checkpoint totals")
		return
	}
	delta := totalDelta
	if _, err := m.jobs.UpdateProgress(job.ID, downloadjob.ProgressDelta{Total: &delta}); err != nil {
		log.Error().Err(err).Msg("periodic sync: failed to widen job total")
		return
	}

	log.Info().Int("new_messages", totalDelta).Msg("periodic sync detected new mail")

	if job.Status == downloadjob.StatusCompleted {
		if err := m.StartJob(job.ID); err != nil && !apperr.Is(err, apperr.Conflict) {
			log.Error().Err(err).Msg("periodic sync: failed to re-enter completed job")
		}
	}
}
