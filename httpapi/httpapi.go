// Package httpapi is the optional HTTP facade of SPEC_FULL §6.4: a chi
// router exposing the accounting facade over REST, wired through the same
// middleware chain the teacher gateway uses (CORS, security headers,
// request-id, recovery, logging, auth, rate limit, timeout) plus an
// in-process Prometheus-compatible metrics endpoint.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/quota-core/accounting"
	"github.com/AlfredDev/quota-core/config"
	gwmw "github.com/AlfredDev/quota-core/middleware"
	"github.com/AlfredDev/quota-core/metrics"
)

// Server wraps the accounting facade with the HTTP surface.
type Server struct {
	acct    *accounting.Accounting
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewRouter returns a configured chi Router with the full middleware chain
// and every route of SPEC_FULL §6.4 mounted. m may be nil to skip exposing
// /metrics.
func NewRouter(cfg *config.Config, logger zerolog.Logger, acct *accounting.Accounting, m *metrics.Metrics) http.Handler {
	s := &Server{acct: acct, logger: logger, metrics: m}

	r := chi.NewRouter()

	// --- Middleware chain (order matters, mirrors the teacher gateway) ---
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))

	// --- Unauthenticated endpoints ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/ready", s.handleReady)
	if m != nil {
		r.Get("/metrics", m.Handler())
	}

	// --- Authenticated API surface ---
	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(gwmw.NewAuthMiddleware(logger, cfg.APIKeyHeader, cfg.APIKey).Handler)
		}
		r.Use(gwmw.NewRateLimiter(logger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst).Handler)
		r.Use(gwmw.NewTimeoutMiddleware(logger, cfg).Handler)
		r.Use(maxBodySize(cfg.MaxBodyBytes))

		r.Post("/usage", s.handleTrackUsage)
		r.Post("/usage/check", s.handleCheckUsage)

		r.Get("/limits", s.handleListLimits)
		r.Post("/limits", s.handleCreateLimit)
		r.Delete("/limits/{id}", s.handleDeleteLimit)

		r.Get("/tail", s.handleTail)
		r.Post("/purge", s.handlePurge)

		r.Get("/stats", s.handleStats)

		r.Get("/projects", s.handleListProjects)
		r.Post("/projects", s.handleCreateProject)
		r.Put("/projects/{name}", s.handleUpdateProject)
		r.Delete("/projects/{name}", s.handleDeleteProject)

		r.Get("/users", s.handleListUsers)
		r.Post("/users", s.handleCreateUser)
		r.Put("/users/{name}", s.handleUpdateUser)
		r.Delete("/users/{name}", s.handleDeleteUser)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
