// Package metrics provides Prometheus metrics for the authorization server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_oauth_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcp_oauth_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	loginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_oauth_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"status"}, // "success", "failure", "locked", "error"
	)

	// Authorization code metrics
	authCodesIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcp_oauth_auth_codes_issued_total",
			Help: "Total number of authorization codes issued",
		},
	)

	authCodesExchangedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcp_oauth_auth_codes_exchanged_total",
			Help: "Total number of authorization codes redeemed",
		},
	)

	authCodeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_oauth_auth_code_failures_total",
			Help: "Total number of failed authorization code exchanges",
		},
		[]string{"reason"},
	)

	authCodesStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcp_oauth_auth_codes_stored",
			Help: "Number of authorization codes held in memory",
		},
	)

	// Token metrics
	tokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_oauth_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"type", "grant_type"}, // type: "access", "refresh"
	)

	tokenRevocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcp_oauth_refresh_token_revocations_total",
			Help: "Total number of refresh tokens revoked",
		},
	)

	refreshTokensStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcp_oauth_refresh_tokens_stored",
			Help: "Number of refresh token records in the ledger",
		},
	)

	tokenIntrospectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_oauth_token_introspections_total",
			Help: "Total number of token introspection requests",
		},
		[]string{"active"}, // "true" or "false"
	)

	// Validator metrics
	validatorCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_oauth_validator_cache_total",
			Help: "Token validator cache lookups",
		},
		[]string{"result"}, // "hit" or "miss"
	)

	jwksFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_oauth_jwks_fetches_total",
			Help: "Remote JWKS fetch attempts",
		},
		[]string{"result"}, // "success", "error", "cooldown"
	)

	// Rate limiting metrics
	rateLimitExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_oauth_rate_limit_exceeded_total",
			Help: "Total number of rate limit exceeded events",
		},
		[]string{"endpoint"},
	)

	accountLockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcp_oauth_account_lockouts_total",
			Help: "Total number of account lockouts",
		},
	)
)

// RecordLogin records a login attempt.
func RecordLogin(status string) {
	loginAttemptsTotal.WithLabelValues(status).Inc()
}

// RecordAuthCodeIssued records an authorization code being issued.
func RecordAuthCodeIssued() {
	authCodesIssuedTotal.Inc()
}

// RecordAuthCodeExchanged records a successful code redemption.
func RecordAuthCodeExchanged() {
	authCodesExchangedTotal.Inc()
}

// RecordAuthCodeFailure records a failed redemption by reason.
func RecordAuthCodeFailure(reason string) {
	authCodeFailuresTotal.WithLabelValues(reason).Inc()
}

// SetAuthCodesStored sets the code store size.
func SetAuthCodesStored(count int) {
	authCodesStored.Set(float64(count))
}

// RecordTokenIssued records a token being issued.
func RecordTokenIssued(tokenType, grantType string) {
	tokensIssuedTotal.WithLabelValues(tokenType, grantType).Inc()
}

// RecordTokenRevocation records a refresh token revocation.
func RecordTokenRevocation() {
	tokenRevocationsTotal.Inc()
}

// SetRefreshTokensStored sets the refresh ledger size.
func SetRefreshTokensStored(count int) {
	refreshTokensStored.Set(float64(count))
}

// RecordTokenIntrospection records a token introspection.
func RecordTokenIntrospection(active bool) {
	tokenIntrospectionsTotal.WithLabelValues(strconv.FormatBool(active)).Inc()
}

// RecordValidatorCache records a validator cache hit or miss.
func RecordValidatorCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	validatorCacheTotal.WithLabelValues(result).Inc()
}

// RecordJWKSFetch records a remote JWKS fetch outcome.
func RecordJWKSFetch(result string) {
	jwksFetchesTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event.
func RecordRateLimitExceeded(endpoint string) {
	rateLimitExceededTotal.WithLabelValues(endpoint).Inc()
}

// RecordAccountLockout records an account lockout.
func RecordAccountLockout() {
	accountLockoutsTotal.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and durations. Paths are reduced with
// the given known set to keep label cardinality bounded.
func Middleware(knownPaths ...string) func(http.Handler) http.Handler {
	known := make(map[string]struct{}, len(knownPaths))
	for _, p := range knownPaths {
		known[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := normalizePath(known, r.URL.Path)
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

func normalizePath(known map[string]struct{}, path string) string {
	if _, ok := known[path]; ok {
		return path
	}
	if strings.HasPrefix(path, "/.well-known/") {
		return "/.well-known/other"
	}
	return "/other"
}
