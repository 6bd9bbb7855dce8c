package httpapi

import (
	"net/http"
	"strconv"

	"github.com/dwata/api/internal/apperr"
)

type runExtractionRequest struct {
	EmailIDs []string `json:"email_ids"`
}

type runExtractionResponse struct {
	ExtractedCount int    `json:"extracted_count"`
	Status         string `json:"status"`
}

func (s *Server) handleRunExtraction(w http.ResponseWriter, r *http.Request) {
	var req runExtractionRequest
	if err := decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, string(apperr.InvalidInput), err.Error())
		return
	}

	result, err := s.extractions.RunAll(req.EmailIDs)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, runExtractionResponse{
		ExtractedCount: result.RecordsProduced,
		Status:         "completed",
	})
}

func (s *Server) handleExtractionSummary(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.records.Summarize()
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, summaries)
}

func (s *Server) handleExtractionAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			RespondError(w, http.StatusBadRequest, string(apperr.InvalidInput), "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	attempts, err := s.records.ListAttempts(limit)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, attempts)
}
