package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/tendant/mcp-oauth-server/internal/domain"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
	"github.com/tendant/mcp-oauth-server/internal/metrics"
	"github.com/tendant/mcp-oauth-server/internal/validator"
)

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to make cross-origin requests.
	// "*" allows any origin; it is echoed back rather than sent literally so
	// credentials keep working.
	AllowedOrigins   []string
	AllowCredentials bool
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	// MaxAge is how long, in seconds, a preflight result may be cached.
	MaxAge int
}

// DefaultCORSConfig allows no origins until some are configured.
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "MCP-Protocol-Version", "X-CSRF-Token"},
		ExposedHeaders:   []string{"WWW-Authenticate"},
		MaxAge:           86400,
	}
}

// CORSMiddleware returns a middleware that handles CORS.
func CORSMiddleware(config *CORSConfig) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultCORSConfig()
	}

	allowAll := slices.Contains(config.AllowedOrigins, "*")
	allowed := func(origin string) bool {
		return origin != "" && (allowAll || slices.Contains(config.AllowedOrigins, origin))
	}

	methods := strings.Join(config.AllowedMethods, ", ")
	headers := strings.Join(config.AllowedHeaders, ", ")
	exposed := strings.Join(config.ExposedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			ok := allowed(origin)

			if ok {
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if config.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				if exposed != "" {
					w.Header().Set("Access-Control-Expose-Headers", exposed)
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if ok {
					w.Header().Set("Access-Control-Allow-Methods", methods)
					w.Header().Set("Access-Control-Allow-Headers", headers)
					if config.MaxAge > 0 {
						w.Header().Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
					}
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersConfig holds security headers configuration. Empty fields
// are not sent.
type SecurityHeadersConfig struct {
	ContentSecurityPolicy   string
	FrameOptions            string
	ContentTypeOptions      string
	ReferrerPolicy          string
	PermissionsPolicy       string
	// StrictTransportSecurity is only sent on TLS connections.
	StrictTransportSecurity string
}

// DefaultSecurityHeadersConfig returns a policy suited to the login and
// consent pages, which use inline styles and post back to this origin.
func DefaultSecurityHeadersConfig() *SecurityHeadersConfig {
	return &SecurityHeadersConfig{
		ContentSecurityPolicy:   "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; frame-ancestors 'none'; base-uri 'none'",
		FrameOptions:            "DENY",
		ContentTypeOptions:      "nosniff",
		ReferrerPolicy:          "no-referrer",
		PermissionsPolicy:       "geolocation=(), microphone=(), camera=()",
		StrictTransportSecurity: "max-age=31536000; includeSubDomains",
	}
}

// SecurityHeadersMiddleware returns a middleware that sets security headers.
func SecurityHeadersMiddleware(config *SecurityHeadersConfig) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultSecurityHeadersConfig()
	}

	headers := [][2]string{
		{"Content-Security-Policy", config.ContentSecurityPolicy},
		{"X-Frame-Options", config.FrameOptions},
		{"X-Content-Type-Options", config.ContentTypeOptions},
		{"Referrer-Policy", config.ReferrerPolicy},
		{"Permissions-Policy", config.PermissionsPolicy},
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, h := range headers {
				if h[1] != "" {
					w.Header().Set(h[0], h[1])
				}
			}
			if config.StrictTransportSecurity != "" && r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", config.StrictTransportSecurity)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Recover converts panics into a JSON server_error response.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic in handler",
					"panic", fmt.Sprint(rec),
					"path", r.URL.Path,
					"request_id", middleware.GetReqID(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeError(w, idperrors.ServerError("internal server error", nil))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit limits requests per client IP over a sliding window shared by
// every route it wraps. Rejected requests get a temporarily_unavailable error
// carrying the limiter's Retry-After.
func RateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(requests, window,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RecordRateLimitExceeded(r.URL.Path)
			retry := window
			if secs, err := strconv.Atoi(w.Header().Get("Retry-After")); err == nil && secs > 0 {
				retry = time.Duration(secs) * time.Second
			}
			writeError(w, idperrors.TemporarilyUnavailable("too many requests, please try again later", retry))
		}),
	)
}

// BearerValidator validates bearer tokens and renders RFC 6750 challenges.
// *validator.Validator implements it.
type BearerValidator interface {
	ValidateToken(ctx context.Context, token string, requiredScopes []string) *domain.TokenValidationResult
	WWWAuthenticate(errCode, description string, scopes []string) string
}

type tokenContextKey struct{}

// RequireToken rejects requests without a valid bearer token carrying all
// of requiredScopes. The validation result is stored in the request context.
func RequireToken(v BearerValidator, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := validator.ExtractBearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", v.WWWAuthenticate("", "", requiredScopes))
				writeError(w, idperrors.InvalidToken("bearer token required"))
				return
			}

			result := v.ValidateToken(r.Context(), token, requiredScopes)
			if err := validator.ResultError(result, requiredScopes); err != nil {
				e := idperrors.As(err)
				w.Header().Set("WWW-Authenticate", v.WWWAuthenticate(e.Code, e.Description, requiredScopes))
				writeError(w, e)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenContextKey{}, result)))
		})
	}
}

// TokenFromContext returns the validation result stored by RequireToken.
func TokenFromContext(ctx context.Context) (*domain.TokenValidationResult, bool) {
	result, ok := ctx.Value(tokenContextKey{}).(*domain.TokenValidationResult)
	return result, ok
}
