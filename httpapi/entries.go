package httpapi

import (
	"net/http"
	"strconv"
	"time"
)

// handleTail handles GET /v1/tail?n=20.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}

	entries, err := s.acct.Tail(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handlePurge handles POST /v1/purge: deletes every accounting entry and
// every usage limit.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if err := s.acct.Purge(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

// handleStats handles GET /v1/stats?since=24h&by_model=true.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	since := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			since = parsed
		}
	}
	end := time.Now().UTC()
	start := end.Add(-since)

	if r.URL.Query().Get("by_model") == "true" {
		stats, err := s.acct.ModelStats(r.Context(), start, end)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	stats, err := s.acct.PeriodStats(r.Context(), start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
