package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/AlfredDev/quota-core/accounting"
	"github.com/AlfredDev/quota-core/limit"
	"github.com/AlfredDev/quota-core/quota"
)

// usageRequest is the wire shape of POST /v1/usage and /v1/usage/check.
type usageRequest struct {
	Model            string  `json:"model"`
	Username         string  `json:"username,omitempty"`
	CallerName       string  `json:"caller_name,omitempty"`
	Project          string  `json:"project,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
	ExecutionTime    float64 `json:"execution_time,omitempty"`
	CachedTokens     int     `json:"cached_tokens,omitempty"`
	ReasoningTokens  int     `json:"reasoning_tokens,omitempty"`
}

// handleTrackUsage handles POST /v1/usage: record one accounting entry.
func (s *Server) handleTrackUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	remaining, err := s.acct.TrackUsageWithRemainingLimits(r.Context(), accounting.UsageRecord{
		Model:            req.Model,
		Username:         req.Username,
		CallerName:       req.CallerName,
		Project:          req.Project,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      req.TotalTokens,
		Cost:             req.Cost,
		ExecutionTime:    req.ExecutionTime,
		CachedTokens:     req.CachedTokens,
		ReasoningTokens:  req.ReasoningTokens,
		Timestamp:        time.Now().UTC(),
	})
	if err != nil {
		writeTrackError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":    "recorded",
		"remaining": remainingLimitsJSON(remaining),
	})
}

// usageCheckRequest is the wire shape of POST /v1/usage/check.
type usageCheckRequest struct {
	Model      string `json:"model"`
	Username   string `json:"username,omitempty"`
	CallerName string `json:"caller_name,omitempty"`
	Project    string `json:"project,omitempty"`
}

// handleCheckUsage handles POST /v1/usage/check: check_quota_enhanced
// without recording anything.
func (s *Server) handleCheckUsage(w http.ResponseWriter, r *http.Request) {
	var req usageCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	allowed, reason, retryAfter, err := s.acct.CheckQuotaEnhanced(r.Context(), limit.Request{
		Model: req.Model, Username: req.Username, CallerName: req.CallerName, Project: req.Project,
	})
	if err != nil {
		writeTrackError(w, err)
		return
	}

	status := http.StatusOK
	if !allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]interface{}{
		"allowed":     allowed,
		"reason":      reason,
		"retry_after": retryAfter,
	})
}

func remainingLimitsJSON(remaining []accounting.RemainingLimit) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(remaining))
	for _, r := range remaining {
		out = append(out, map[string]interface{}{
			"limit_id":  r.Limit.ID,
			"scope":     r.Limit.Scope,
			"type":      r.Limit.LimitType,
			"remaining": r.Remaining,
		})
	}
	return out
}

// writeTrackError classifies a facade error: a *accounting.ValidationError
// or quota.ErrUnknownMember is a client error (422), anything else is a
// server error (500).
func writeTrackError(w http.ResponseWriter, err error) {
	var ve *accounting.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", ve.Error())
		return
	}
	if errors.Is(err, quota.ErrUnknownMember) {
		writeError(w, http.StatusUnprocessableEntity, "unknown_member", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
