// Command dwata-api is the download-and-extraction orchestrator's HTTP
// daemon: it serves the job, credential, OAuth2 and pattern APIs, restores
// any job interrupted by a prior crash, and runs the periodic re-sync loop
// in the background until signalled to shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dwata/api/internal/config"
	"github.com/dwata/api/internal/credential"
	"github.com/dwata/api/internal/database"
	"github.com/dwata/api/internal/downloadjob"
	"github.com/dwata/api/internal/downloadmgr"
	"github.com/dwata/api/internal/extraction"
	"github.com/dwata/api/internal/httpapi"
	"github.com/dwata/api/internal/imapsession"
	"github.com/dwata/api/internal/imapsync"
	"github.com/dwata/api/internal/keychain"
	"github.com/dwata/api/internal/logging"
	"github.com/dwata/api/internal/oauth2engine"
	"github.com/dwata/api/internal/pattern"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logging.Init(os.Getenv("DWATA_DEBUG") == "1")
	log := logging.WithComponent("main")

	dbPath, err := config.DatabasePath()
	if err != nil {
		return fmt.Errorf("resolving database path: %w", err)
	}
	db, err := database.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	checkpointCtx, stopCheckpoint := context.WithCancel(ctx)
	defer stopCheckpoint()
	go db.StartCheckpointRoutine(checkpointCtx)

	jobs := downloadjob.NewStore(db)
	credentials := credential.NewStore(db)
	kc := keychain.NewService(keychain.NewOSBackend(), keychain.DefaultTTL)
	oauth := oauth2engine.New(oauth2engine.Config{
		ClientID:    cfg.GoogleOAuth.ClientID,
		RedirectURI: cfg.GoogleOAuth.RedirectURI,
	}, kc, credentials)
	patterns := pattern.NewStore(db)
	records := extraction.NewStore(db)
	extractions := extraction.NewEngine(jobs, patterns, records)

	sessionFactory := imapsession.NewFactory(credentials, kc, oauth)
	opener := func(ctx context.Context, credentialID string) (imapsync.MailSession, error) {
		return sessionFactory.Open(ctx, credentialID)
	}
	syncEngine := imapsync.New(jobs, opener)
	manager := downloadmgr.New(jobs, syncEngine, opener)
	manager.SetDatabase(db)

	if err := manager.RestoreInterrupted(); err != nil {
		log.Error().Err(err).Msg("failed to restore jobs interrupted by a prior crash")
	}

	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()
	go manager.RunPeriodicSync(syncCtx, downloadmgr.DefaultPeriodicInterval)

	server := httpapi.NewServer(cfg, httpapi.Deps{
		Jobs:        jobs,
		Credentials: credentials,
		Keychain:    kc,
		OAuth:       oauth,
		Manager:     manager,
		Patterns:    patterns,
		Extractions: extractions,
		Records:     records,
		Sessions:    sessionFactory,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("dwata-api listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		stopSync()
		manager.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
