package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/AlfredDev/quota-core/limit"
	"github.com/AlfredDev/quota-core/storage"
)

// limitRequest is the wire shape of POST /v1/limits.
type limitRequest struct {
	Scope         string  `json:"scope"`
	LimitType     string  `json:"limit_type"`
	MaxValue      float64 `json:"max_value"`
	IntervalUnit  string  `json:"interval_unit"`
	IntervalValue int     `json:"interval_value"`
	Model         *string `json:"model,omitempty"`
	Username      *string `json:"username,omitempty"`
	CallerName    *string `json:"caller_name,omitempty"`
	Project       *string `json:"project,omitempty"`
}

// handleListLimits handles GET /v1/limits.
func (s *Server) handleListLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.acct.GetUsageLimits(r.Context(), storage.LimitFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

// handleCreateLimit handles POST /v1/limits.
func (s *Server) handleCreateLimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Scope == "" || req.LimitType == "" || req.IntervalUnit == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "scope, limit_type, and interval_unit are required")
		return
	}

	id, err := s.acct.SetUsageLimit(r.Context(), limit.UsageLimit{
		Scope:         limit.Scope(req.Scope),
		LimitType:     limit.Type(req.LimitType),
		MaxValue:      req.MaxValue,
		IntervalUnit:  limit.Unit(req.IntervalUnit),
		IntervalValue: req.IntervalValue,
		Model:         req.Model,
		Username:      req.Username,
		CallerName:    req.CallerName,
		ProjectName:   req.Project,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// handleDeleteLimit handles DELETE /v1/limits/{id}.
func (s *Server) handleDeleteLimit(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be an integer")
		return
	}
	if err := s.acct.DeleteUsageLimit(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
