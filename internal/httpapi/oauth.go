package httpapi

import (
	"fmt"
	"html"
	"net/http"

	"github.com/dwata/api/internal/apperr"
)

// handleGmailInitiate starts the PKCE authorization-code flow (C3.Begin)
// and returns the URL the client should navigate the user to.
func (s *Server) handleGmailInitiate(w http.ResponseWriter, r *http.Request) {
	authorizeURL, state, err := s.oauth.Begin()
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, map[string]string{
		"authorization_url": authorizeURL,
		"state":             state,
	})
}

const callbackPage = `<!DOCTYPE html>
<html><head><title>%s</title></head>
<body><p>%s</p><script>window.close()</script></body></html>`

// handleGoogleCallback completes the PKCE flow (C3.Redeem). It renders a
// minimal HTML page rather than JSON, since the browser lands here
// directly after the consent screen redirect.
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		s.renderCallback(w, http.StatusBadRequest, "Authorization failed",
			fmt.Sprintf("Google returned an error: %s", html.EscapeString(errParam)))
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		s.renderCallback(w, http.StatusBadRequest, "Authorization failed", "missing code or state parameter")
		return
	}

	redemption, err := s.oauth.Redeem(r.Context(), code, state)
	if err != nil {
		status := http.StatusInternalServerError
		if apperr.Is(err, apperr.BadState) || apperr.Is(err, apperr.AuthFailed) {
			status = http.StatusBadRequest
		}
		s.renderCallback(w, status, "Authorization failed", html.EscapeString(err.Error()))
		return
	}

	s.renderCallback(w, http.StatusOK, "Authorization complete",
		fmt.Sprintf("Connected %s. You can close this window.", html.EscapeString(redemption.Credential.Principal)))
}

func (s *Server) renderCallback(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, callbackPage, title, body)
}
