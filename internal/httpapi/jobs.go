package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/downloadjob"
	"github.com/dwata/api/internal/imapsession"
	"github.com/go-chi/chi/v5"
)

// folderLister discovers a credential's mailboxes for job creation when the
// caller does not name folders explicitly. Satisfied by
// *imapsession.Factory.
type folderLister interface {
	ListFolders(ctx context.Context, credentialID string) ([]*imapsession.Mailbox, error)
}

type jobResponse struct {
	ID           string  `json:"id"`
	SourceKind   string  `json:"source_kind"`
	CredentialID string  `json:"credential_id"`
	Status       string  `json:"status"`
	Total        int     `json:"total"`
	Downloaded   int     `json:"downloaded"`
	Failed       int     `json:"failed"`
	Skipped      int     `json:"skipped"`
	InProgress   int     `json:"in_progress"`
	Bytes        int64   `json:"bytes"`
	Percent      float64 `json:"percent"`
	LastError    string  `json:"last_error,omitempty"`
	RetryCount   int     `json:"retry_count"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func toJobResponse(j *downloadjob.Job) jobResponse {
	return jobResponse{
		ID:           j.ID,
		SourceKind:   j.SourceKind,
		CredentialID: j.CredentialID,
		Status:       string(j.Status),
		Total:        j.Total,
		Downloaded:   j.Downloaded,
		Failed:       j.Failed,
		Skipped:      j.Skipped,
		InProgress:   j.InProgress,
		Bytes:        j.Bytes,
		Percent:      j.Percent(),
		LastError:    j.LastError,
		RetryCount:   j.RetryCount,
		CreatedAt:    j.CreatedAt.Format(http.TimeFormat),
		UpdatedAt:    j.UpdatedAt.Format(http.TimeFormat),
	}
}

type createJobRequest struct {
	SourceKind   string   `json:"source_kind"`
	CredentialID string   `json:"credential_id"`
	Folders      []string `json:"folders"`
	SyncStrategy string   `json:"sync_strategy"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, string(apperr.InvalidInput), err.Error())
		return
	}
	if req.SourceKind == "" || req.CredentialID == "" {
		RespondError(w, http.StatusBadRequest, string(apperr.InvalidInput),
			"source_kind and credential_id are required")
		return
	}

	if _, err := s.credentials.Get(req.CredentialID); err != nil {
		RespondErr(w, err)
		return
	}

	folderNames := req.Folders
	if len(folderNames) == 0 {
		discovered, err := s.discoverFolders(r.Context(), req.CredentialID)
		if err != nil {
			RespondErr(w, err)
			return
		}
		if len(discovered) == 0 {
			RespondError(w, http.StatusBadRequest, string(apperr.InvalidInput),
				"no folders were named and none could be discovered on the account")
			return
		}
		folderNames = discovered
	}

	strategy := req.SyncStrategy
	if strategy == "" {
		strategy = "incremental"
	}
	folders := make([]downloadjob.FolderCheckpoint, 0, len(folderNames))
	for _, f := range folderNames {
		folders = append(folders, downloadjob.FolderCheckpoint{Folder: f})
	}

	job, err := s.jobs.CreateJob(req.SourceKind, req.CredentialID, downloadjob.SourceState{
		SyncStrategy: strategy,
		Folders:      folders,
	})
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusCreated, toJobResponse(job))
}

// discoverFolders auto-discovers sync-worthy folders for a credential when
// the create-job caller did not name any explicitly. It lists every mailbox
// via IMAP LIST, classifies each by special-use attribute or name, and skips
// trash and spam — a job should not default to downloading mail the account
// owner has already thrown away or marked junk.
func (s *Server) discoverFolders(ctx context.Context, credentialID string) ([]string, error) {
	if s.sessions == nil {
		return nil, nil
	}
	mailboxes, err := s.sessions.ListFolders(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(mailboxes))
	for _, mb := range mailboxes {
		if mb.Type == imapsession.FolderTypeTrash || mb.Type == imapsession.FolderTypeSpam {
			continue
		}
		names = append(names, mb.Name)
	}
	return names, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status *downloadjob.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := downloadjob.Status(raw)
		status = &st
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			RespondError(w, http.StatusBadRequest, string(apperr.InvalidInput), "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, err := s.jobs.ListJobs(status, limit)
	if err != nil {
		RespondErr(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	Respond(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, toJobResponse(job))
}

type itemResponse struct {
	ID               string `json:"id"`
	SourceIdentifier string `json:"source_identifier"`
	SourceFolder     string `json:"source_folder"`
	Status           string `json:"status"`
	SizeBytes        int64  `json:"size_bytes"`
	Error            string `json:"error,omitempty"`
	RetryCount       int    `json:"retry_count"`
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var status *downloadjob.ItemStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := downloadjob.ItemStatus(raw)
		status = &st
	}

	items, err := s.jobs.ListItems(jobID, status)
	if err != nil {
		RespondErr(w, err)
		return
	}
	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, itemResponse{
			ID:               it.ID,
			SourceIdentifier: it.SourceIdentifier,
			SourceFolder:     it.SourceFolder,
			Status:           string(it.Status),
			SizeBytes:        it.SizeBytes,
			Error:            it.Error,
			RetryCount:       it.RetryCount,
		})
	}
	Respond(w, http.StatusOK, out)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StartJob(chi.URLParam(r, "id")); err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.PauseJob(chi.URLParam(r, "id")); err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusAccepted, map[string]string{"status": "pausing"})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CancelJob(chi.URLParam(r, "id")); err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
