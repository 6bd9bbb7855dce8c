package httpapi

import (
	"net/http"
	"time"

	"github.com/dwata/api/internal/config"
	"github.com/dwata/api/internal/credential"
	"github.com/dwata/api/internal/downloadjob"
	"github.com/dwata/api/internal/downloadmgr"
	"github.com/dwata/api/internal/extraction"
	"github.com/dwata/api/internal/keychain"
	"github.com/dwata/api/internal/logging"
	"github.com/dwata/api/internal/oauth2engine"
	"github.com/dwata/api/internal/pattern"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Server wires the download orchestrator's HTTP surface.
type Server struct {
	Router *chi.Mux
	log    zerolog.Logger

	jobs        *downloadjob.Store
	credentials *credential.Store
	keychain    *keychain.Service
	oauth       *oauth2engine.Engine
	manager     *downloadmgr.Manager
	patterns    *pattern.Store
	extractions *extraction.Engine
	records     *extraction.Store
	sessions    folderLister

	startedAt time.Time
}

// Deps bundles the components the HTTP layer fronts.
type Deps struct {
	Jobs        *downloadjob.Store
	Credentials *credential.Store
	Keychain    *keychain.Service
	OAuth       *oauth2engine.Engine
	Manager     *downloadmgr.Manager
	Patterns    *pattern.Store
	Extractions *extraction.Engine
	Records     *extraction.Store
	Sessions    folderLister
}

// NewServer builds the router and mounts every route group. Domain logic
// stays in the wired components; handlers only decode, validate shape, and
// translate results to the JSON envelope.
func NewServer(cfg config.Config, deps Deps) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		log:         logging.WithComponent("httpapi"),
		jobs:        deps.Jobs,
		credentials: deps.Credentials,
		keychain:    deps.Keychain,
		oauth:       deps.OAuth,
		manager:     deps.Manager,
		patterns:    deps.Patterns,
		extractions: deps.Extractions,
		records:     deps.Records,
		sessions:    deps.Sessions,
		startedAt:   time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(RequestLogger(s.log))
	s.Router.Use(Recoverer(s.log))
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)

	s.Router.Route("/api", func(r chi.Router) {
		r.Route("/downloads", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Get("/{id}/items", s.handleListItems)
			r.Post("/{id}/start", s.handleStartJob)
			r.Post("/{id}/pause", s.handlePauseJob)
			r.Delete("/{id}", s.handleCancelJob)
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Post("/", s.handleCreateCredential)
			r.Get("/", s.handleListCredentials)
			r.Get("/{id}", s.handleGetCredential)
			r.Delete("/{id}", s.handleDeleteCredential)
			r.Post("/gmail/initiate", s.handleGmailInitiate)
		})

		r.Get("/oauth/google/callback", s.handleGoogleCallback)

		r.Route("/financial", func(r chi.Router) {
			r.Get("/patterns", s.handleListPatterns)
			r.Post("/patterns", s.handleCreatePattern)
			r.Get("/patterns/{id}", s.handleGetPattern)
			r.Put("/patterns/{id}", s.handleUpdatePattern)
			r.Patch("/patterns/{id}/toggle", s.handleTogglePattern)
			r.Delete("/patterns/{id}", s.handleDeletePattern)

			r.Post("/extract", s.handleRunExtraction)
			r.Get("/extractions/summary", s.handleExtractionSummary)
			r.Get("/extractions/attempts", s.handleExtractionAttempts)
		})
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}
