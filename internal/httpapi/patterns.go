package httpapi

import (
	"net/http"

	"github.com/dwata/api/internal/apperr"
	"github.com/dwata/api/internal/pattern"
	"github.com/go-chi/chi/v5"
)

type patternResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Regex          string  `json:"regex"`
	DocumentKind   string  `json:"document_kind"`
	Status         string  `json:"status"`
	BaseConfidence float64 `json:"base_confidence"`
	AmountGroup    int     `json:"amount_group"`
	VendorGroup    int     `json:"vendor_group,omitempty"`
	DateGroup      int     `json:"date_group,omitempty"`
	IsDefault      bool    `json:"is_default"`
	IsActive       bool    `json:"is_active"`
	MatchCount     int64   `json:"match_count"`
}

func toPatternResponse(p *pattern.Pattern) patternResponse {
	return patternResponse{
		ID:             p.ID,
		Name:           p.Name,
		Regex:          p.Regex,
		DocumentKind:   string(p.DocumentKind),
		Status:         string(p.Status),
		BaseConfidence: p.BaseConfidence,
		AmountGroup:    p.AmountGroup,
		VendorGroup:    p.VendorGroup,
		DateGroup:      p.DateGroup,
		IsDefault:      p.IsDefault,
		IsActive:       p.IsActive,
		MatchCount:     p.MatchCount,
	}
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter pattern.ListFilter
	if q.Get("active_only") == "true" {
		t := true
		filter.ActiveOnly = &t
	}
	if raw := q.Get("is_default"); raw != "" {
		v := raw == "true"
		filter.IsDefault = &v
	}
	if raw := q.Get("document_type"); raw != "" {
		dk := pattern.DocumentKind(raw)
		filter.DocumentKind = &dk
	}

	patterns, err := s.patterns.List(filter)
	if err != nil {
		RespondErr(w, err)
		return
	}
	out := make([]patternResponse, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, toPatternResponse(p))
	}
	Respond(w, http.StatusOK, out)
}

func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	p, err := s.patterns.Get(chi.URLParam(r, "id"))
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, toPatternResponse(p))
}

type createPatternRequest struct {
	Name           string  `json:"name"`
	Regex          string  `json:"regex"`
	DocumentKind   string  `json:"document_kind"`
	Status         string  `json:"status"`
	BaseConfidence float64 `json:"base_confidence"`
	AmountGroup    int     `json:"amount_group"`
	VendorGroup    int     `json:"vendor_group"`
	DateGroup      int     `json:"date_group"`
}

func (s *Server) handleCreatePattern(w http.ResponseWriter, r *http.Request) {
	var req createPatternRequest
	if err := decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, string(apperr.InvalidInput), err.Error())
		return
	}

	p, err := s.patterns.Create(pattern.CreateInput{
		Name:           req.Name,
		Regex:          req.Regex,
		DocumentKind:   pattern.DocumentKind(req.DocumentKind),
		Status:         pattern.Status(req.Status),
		BaseConfidence: req.BaseConfidence,
		AmountGroup:    req.AmountGroup,
		VendorGroup:    req.VendorGroup,
		DateGroup:      req.DateGroup,
	})
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusCreated, toPatternResponse(p))
}

type updatePatternRequest struct {
	Name           *string  `json:"name"`
	Regex          *string  `json:"regex"`
	DocumentKind   *string  `json:"document_kind"`
	Status         *string  `json:"status"`
	BaseConfidence *float64 `json:"base_confidence"`
	AmountGroup    *int     `json:"amount_group"`
	VendorGroup    *int     `json:"vendor_group"`
	DateGroup      *int     `json:"date_group"`
}

func (s *Server) handleUpdatePattern(w http.ResponseWriter, r *http.Request) {
	var req updatePatternRequest
	if err := decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, string(apperr.InvalidInput), err.Error())
		return
	}

	in := pattern.UpdateInput{
		Name:           req.Name,
		Regex:          req.Regex,
		BaseConfidence: req.BaseConfidence,
		AmountGroup:    req.AmountGroup,
		VendorGroup:    req.VendorGroup,
		DateGroup:      req.DateGroup,
	}
	if req.DocumentKind != nil {
		dk := pattern.DocumentKind(*req.DocumentKind)
		in.DocumentKind = &dk
	}
	if req.Status != nil {
		st := pattern.Status(*req.Status)
		in.Status = &st
	}

	p, err := s.patterns.Update(chi.URLParam(r, "id"), in)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, toPatternResponse(p))
}

type togglePatternRequest struct {
	IsActive bool `json:"is_active"`
}

func (s *Server) handleTogglePattern(w http.ResponseWriter, r *http.Request) {
	var req togglePatternRequest
	if err := decode(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, string(apperr.InvalidInput), err.Error())
		return
	}
	p, err := s.patterns.Toggle(chi.URLParam(r, "id"), req.IsActive)
	if err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, toPatternResponse(p))
}

func (s *Server) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	if err := s.patterns.Delete(chi.URLParam(r, "id")); err != nil {
		RespondErr(w, err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}
