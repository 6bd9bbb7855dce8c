package httpapi

import (
	"context"
	"net/http"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/credential"
	"github.com/dwata/api/internal/keychain"
	"github.com/go-chi/chi/v5"
)

type credentialResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Identifier  string `json:"identifier"`
	Principal   string `json:"principal"`
	ServiceHost string `json:"service_host,omitempty"`
	ServicePort int    `json:"service_port,omitempty"`
	UseTLS      bool   `json:"use_tls"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
}

func toCredentialResponse(c *credential.Credential) credentialResponse {
	return credentialResponse{
		ID:          c.ID,
		Kind:        string(c.Kind),
		Identifier:  c.Identifier,
		Principal:   c.Principal,
		ServiceHost: c.ServiceHost,
		ServicePort: c.ServicePort,
		UseTLS:      c.UseTLS,
		IsActive:    c.IsActive,
		CreatedAt:   c.CreatedAt.Format(http.TimeFormat),
	}
}

// createCredentialRequest creates a plain-IMAP credential. OAuth-backed
// credentials are only ever created by the callback handler, since only it
// holds a verified refresh token.
type createCredentialRequest struct {
	Identifier  string `json:"identifier"`
	Principal   string `json:"principal"`
	ServiceHost string `json:"service_host"`
	ServicePort int    `json:"service_port"`
	UseTLS      bool   `json:"use_tls"`
	Password    string `json:"password"`
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, string(apperr.InvalidInput), err.Error())
		return
	}
	if req.Identifier == "" || req.ServiceHost == "" || req.Password == "" {
		RespondError(w, http.StatusBadRequest, string(apperr.InvalidInput),
			"identifier, service_host and password are required")
		return
	}

	cred, err := s.credentials.Create(credential.CreateInput{
		Kind:        credential.KindPlainIMAP,
		Identifier:  req.Identifier,
		Principal:   req.Principal,
		ServiceHost: req.ServiceHost,
		ServicePort: req.ServicePort,
		UseTLS:      req.UseTLS,
	})
	if err != nil {
		RespondErr(w, err)
		return
	}

	key := keychain.Key{Kind: keychain.KindPlainIMAP, Identifier: cred.Identifier, Principal: cred.Principal}
	if err := s.keychain.Set(r.Context(), key, req.Password); err != nil {
		_ = s.credentials.Delete(cred.ID)
		RespondErr(w, err)
		return
	}

	Respond(w, http.StatusCreated, toCredentialResponse(cred))
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"
	creds, err := s.credentials.List(activeOnly)
	if err != nil {
		RespondErr(w, err)
		return
	}
	out := make([]credentialResponse, 0, len(creds))
	for _, c := range creds {
		out = append(out, toCredentialResponse(c))
	}
	Respond(w, http.StatusOK, out)
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	cred, err := s.credentials.Get(chi.URLParam(r, "id"))
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, toCredentialResponse(cred))
}

// handleDeleteCredential removes a credential, per §6's
// `?hard=true|false` parameter: hard=true permanently deletes the
// credential row and its keychain secret; the default (hard=false, or the
// parameter omitted) only deactivates the credential, leaving the row and
// secret in place so it can be reactivated later. A credential backing a
// currently-running job is a conflict (open question #3): the caller must
// cancel the job first.
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hard := r.URL.Query().Get("hard") == "true"

	cred, err := s.credentials.Get(id)
	if err != nil {
		RespondErr(w, err)
		return
	}

	running, err := s.jobs.HasRunningJob(id)
	if err != nil {
		RespondErr(w, err)
		return
	}
	if running {
		RespondError(w, http.StatusConflict, string(apperr.Conflict),
			"credential has a running download job; cancel it before deleting the credential")
		return
	}

	if !hard {
		if err := s.credentials.SetActive(id, false); err != nil {
			RespondErr(w, err)
			return
		}
		Respond(w, http.StatusNoContent, nil)
		return
	}

	if err := s.credentials.Delete(id); err != nil {
		RespondErr(w, err)
		return
	}

	kind := keychain.Kind(cred.Kind)
	key := keychain.Key{Kind: kind, Identifier: cred.Identifier, Principal: cred.Principal}
	if err := s.keychain.Delete(context.Background(), key); err != nil && err != keychain.ErrNotFound {
		s.log.Warn().Err(err).Str("credential_id", id).Msg("credential row deleted but keychain secret removal failed")
	}

	Respond(w, http.StatusNoContent, nil)
}
