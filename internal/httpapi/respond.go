// Package httpapi is the thin HTTP surface (§6) over the orchestrator's
// core components: CRUD for jobs, credentials, and patterns, plus the
// OAuth2 initiate/callback endpoints and the extraction trigger. The core
// logic lives in internal/downloadmgr, internal/oauth2engine,
// internal/pattern and internal/extraction; handlers here only decode,
// validate shape, and map apperr.Kind to a status code.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/logging"
	"github.com/rs/zerolog"
)

var respondLog zerolog.Logger = logging.WithComponent("httpapi")

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		respondLog.Error().Err(err).Msg("failed to encode response")
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, kind, message string) {
	Respond(w, status, ErrorResponse{Error: kind, Message: message})
}

// RespondErr maps err's apperr.Kind to a status code per spec.md §7 and
// writes it. Secret and token material never reach err.Error() by
// construction (internal/apperr callers never wrap them), so this is safe
// to surface verbatim.
func RespondErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	RespondError(w, statusFor(kind), string(kind), err.Error())
}

// statusFor maps each closed error kind to its HTTP status, per spec.md §7.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidInput, apperr.CatastrophicBacktracking, apperr.BadState:
		return http.StatusBadRequest
	case apperr.AuthFailed:
		return http.StatusUnauthorized
	case apperr.CredentialRevoked:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	case apperr.StoreError, apperr.ProtocolError, apperr.TransportError, apperr.ParseError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
