package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

type contextKey string

// APIKeyContextKey stores the validated API key in request context.
const APIKeyContextKey contextKey = "api_key"

// AuthMiddleware checks incoming requests against a single configured API
// key (accounting-core has no per-user key directory — config.Config.APIKey
// is the one credential this service knows about).
type AuthMiddleware struct {
	logger    zerolog.Logger
	headerKey string
	apiKey    string
}

// NewAuthMiddleware creates a new authentication middleware. apiKey is the
// expected credential; with an empty apiKey every request is rejected, and
// the router only mounts this middleware when cfg.APIKey is non-empty.
func NewAuthMiddleware(logger zerolog.Logger, headerKey, apiKey string) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &AuthMiddleware{
		logger:    logger,
		headerKey: headerKey,
		apiKey:    apiKey,
	}
}

// Handler returns the middleware handler function.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get(am.headerKey)
		if authHeader == "" {
			http.Error(w, `{"error":"missing authentication","message":"authentication header required"}`, http.StatusUnauthorized)
			return
		}

		apiKey := authHeader
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			apiKey = authHeader[7:]
		}

		if apiKey == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(am.apiKey)) != 1 {
			am.logger.Warn().Str("path", r.URL.Path).Msg("rejected request with invalid api key")
			http.Error(w, `{"error":"invalid authentication","message":"invalid API key"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyContextKey, apiKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAPIKey extracts the API key from the request context.
func GetAPIKey(ctx context.Context) string {
	if v, ok := ctx.Value(APIKeyContextKey).(string); ok {
		return v
	}
	return ""
}
