// Package validator checks bearer tokens presented to protected resources,
// either by verifying JWTs against a remote JWKS or static key, or by calling
// a remote introspection endpoint.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/mcp-oauth-server/internal/crypto"
	"github.com/tendant/mcp-oauth-server/internal/domain"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
	"github.com/tendant/mcp-oauth-server/internal/metrics"
)

// Error strings carried in TokenValidationResult.Error.
const (
	ErrNotConfigured     = "token validation not configured"
	ErrInvalidToken      = "invalid token"
	ErrTokenExpired      = "token expired"
	ErrTokenNotYetValid  = "token not yet valid"
	ErrInvalidAudience   = "invalid audience"
	ErrInsufficientScope = "insufficient scope"
	ErrIntrospection     = "introspection failed"
)

// DefaultCacheTTL is the upper bound on how long a positive result is reused.
const DefaultCacheTTL = 5 * time.Minute

// Config selects the validation strategy. JWKSURI wins over PublicKeyPEM,
// which wins over IntrospectionURL.
type Config struct {
	ResourceURI string
	// Audience is the expected aud. Defaults to ResourceURI.
	Audience string
	Issuer   string
	// Algorithms restricts accepted JWS algorithms. Defaults to RS256 and ES256.
	Algorithms   []string
	JWKSURI      string
	PublicKeyPEM string

	IntrospectionURL          string
	IntrospectionClientID     string
	IntrospectionClientSecret string

	CacheTTL time.Duration
	// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
	ResourceMetadataURL string
}

// Validator validates bearer tokens and caches positive results.
type Validator struct {
	cfg        Config
	audience   string
	algorithms []string
	leeway     time.Duration

	keys       *remoteKeySet
	static     any
	introspect *introspector
	cache      *resultCache

	httpClient *http.Client
	timeout    time.Duration
	cooldown   time.Duration
	softCap    int
	hardCap    int
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures the Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

// WithHTTPClient sets the client used for JWKS and introspection calls.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Validator) {
		v.httpClient = c
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// WithFetchTimeout bounds each remote call.
func WithFetchTimeout(d time.Duration) Option {
	return func(v *Validator) {
		v.timeout = d
	}
}

// WithRefetchCooldown sets the minimum gap between JWKS refetches.
func WithRefetchCooldown(d time.Duration) Option {
	return func(v *Validator) {
		v.cooldown = d
	}
}

// WithCacheLimits sets the soft and hard cache caps.
func WithCacheLimits(soft, hard int) Option {
	return func(v *Validator) {
		v.softCap = soft
		v.hardCap = hard
	}
}

// New creates a Validator. It fails only when a configured static public key
// cannot be parsed.
func New(cfg Config, opts ...Option) (*Validator, error) {
	v := &Validator{
		cfg:        cfg,
		audience:   strings.TrimSpace(cfg.Audience),
		algorithms: cfg.Algorithms,
		leeway:     crypto.DefaultLeeway,
		httpClient: &http.Client{},
		timeout:    DefaultFetchTimeout,
		cooldown:   DefaultRefetchCooldown,
		softCap:    DefaultCacheSoftCap,
		hardCap:    DefaultCacheHardCap,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}

	if v.audience == "" {
		v.audience = strings.TrimSpace(cfg.ResourceURI)
	}
	if len(v.algorithms) == 0 {
		v.algorithms = []string{crypto.AlgRS256, crypto.AlgES256}
	}
	if v.cfg.CacheTTL == 0 {
		v.cfg.CacheTTL = DefaultCacheTTL
	}
	v.cache = newResultCache(v.softCap, v.hardCap)

	switch {
	case cfg.JWKSURI != "":
		v.keys = &remoteKeySet{
			uri:      cfg.JWKSURI,
			client:   v.httpClient,
			timeout:  v.timeout,
			cooldown: v.cooldown,
			now:      v.now,
		}
	case cfg.PublicKeyPEM != "":
		key, err := staticKey(cfg.PublicKeyPEM)
		if err != nil {
			return nil, err
		}
		v.static = key
	case cfg.IntrospectionURL != "":
		v.introspect = &introspector{
			url:          cfg.IntrospectionURL,
			clientID:     cfg.IntrospectionClientID,
			clientSecret: cfg.IntrospectionClientSecret,
			client:       v.httpClient,
			timeout:      v.timeout,
		}
	}

	return v, nil
}

// Configured reports whether any validation strategy is available.
func (v *Validator) Configured() bool {
	return v.keys != nil || v.static != nil || v.introspect != nil
}

// ValidateToken validates token and, when requiredScopes is non-empty,
// requires every one of them. The result is never nil.
func (v *Validator) ValidateToken(ctx context.Context, token string, requiredScopes []string) *domain.TokenValidationResult {
	now := v.now()

	result, hit := v.cache.get(token, now)
	if hit {
		metrics.RecordValidatorCache(true)
		result = cloneResult(result)
	} else {
		metrics.RecordValidatorCache(false)
		result = v.validateUncached(ctx, token, now)
		if result.Valid {
			v.store(token, result, now)
			result = cloneResult(result)
		}
	}

	if result.Valid && !hasAllScopes(result.Scopes, requiredScopes) {
		return &domain.TokenValidationResult{
			Valid:    false,
			Scopes:   result.Scopes,
			Subject:  result.Subject,
			ClientID: result.ClientID,
			Error:    ErrInsufficientScope,
		}
	}
	return result
}

func (v *Validator) validateUncached(ctx context.Context, token string, now time.Time) *domain.TokenValidationResult {
	var (
		claims map[string]any
		errMsg string
	)
	switch {
	case v.keys != nil:
		claims, errMsg = v.verifyJWT(token, v.keys.keyFunc(ctx), now)
	case v.static != nil:
		claims, errMsg = v.verifyJWT(token, func(*jwt.Token) (any, error) { return v.static, nil }, now)
	case v.introspect != nil:
		claims, errMsg = v.introspectToken(ctx, token, now)
	default:
		return invalid(ErrNotConfigured)
	}
	if errMsg != "" {
		return invalid(errMsg)
	}

	result := resultFromClaims(claims)
	if v.audience != "" && !audienceMatches(result.Audience, v.audience) {
		v.logger.Debug("token audience mismatch", "audience", result.Audience, "expected", v.audience)
		return invalid(ErrInvalidAudience)
	}
	return result
}

func (v *Validator) verifyJWT(token string, keyFunc jwt.Keyfunc, now time.Time) (map[string]any, string) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.algorithms),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, keyFunc, opts...); err != nil {
		v.logger.Debug("JWT verification failed", "token", idperrors.Redact(token), "error", err)
		return nil, ErrInvalidToken
	}

	if msg := v.checkTimes(claims, now); msg != "" {
		return nil, msg
	}
	return claims, ""
}

func (v *Validator) introspectToken(ctx context.Context, token string, now time.Time) (map[string]any, string) {
	claims, err := v.introspect.introspect(ctx, token)
	if err != nil {
		v.logger.Warn("token introspection failed", "token", idperrors.Redact(token), "error", err)
		return nil, ErrIntrospection
	}
	if claims == nil {
		return nil, ErrInvalidToken
	}
	if v.cfg.Issuer != "" {
		if iss, _ := claims["iss"].(string); iss != "" && strings.TrimSpace(iss) != v.cfg.Issuer {
			return nil, ErrInvalidToken
		}
	}
	if msg := v.checkTimes(claims, now); msg != "" {
		return nil, msg
	}
	return claims, ""
}

// checkTimes re-checks exp and nbf against now with the same leeway.
func (v *Validator) checkTimes(claims map[string]any, now time.Time) string {
	if exp, ok := numericClaim(claims, "exp"); ok && !now.Before(exp.Add(v.leeway)) {
		return ErrTokenExpired
	}
	if nbf, ok := numericClaim(claims, "nbf"); ok && now.Add(v.leeway).Before(nbf) {
		return ErrTokenNotYetValid
	}
	return ""
}

func (v *Validator) store(token string, result *domain.TokenValidationResult, now time.Time) {
	ttl := v.cfg.CacheTTL
	if !result.Expires.IsZero() {
		ttl = min(ttl, result.Expires.Sub(now))
	}
	if ttl <= 0 {
		return
	}
	v.cache.put(token, result, now.Add(ttl), now)
}

// CacheSize returns the number of cached results.
func (v *Validator) CacheSize() int {
	return v.cache.len()
}

// ClearCache drops every cached result.
func (v *Validator) ClearCache() {
	v.cache.clear()
}

// WWWAuthenticate builds an RFC 6750 challenge. errCode may be empty.
func (v *Validator) WWWAuthenticate(errCode, description string, scopes []string) string {
	var parts []string
	if v.cfg.Issuer != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, escapeQuotes(v.cfg.Issuer)))
	}
	if v.cfg.ResourceMetadataURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, escapeQuotes(v.cfg.ResourceMetadataURL)))
	}
	if errCode != "" {
		parts = append(parts, fmt.Sprintf(`error="%s"`, errCode))
		if description != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, escapeQuotes(description)))
		}
	}
	if len(scopes) > 0 {
		parts = append(parts, fmt.Sprintf(`scope="%s"`, strings.Join(scopes, " ")))
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// ResultError converts a failed result to the OAuth error a resource server
// should answer with.
func ResultError(result *domain.TokenValidationResult, requiredScopes []string) error {
	if result.Valid {
		return nil
	}
	if result.Error == ErrInsufficientScope {
		return idperrors.InsufficientScope(requiredScopes)
	}
	return idperrors.InvalidToken(result.Error)
}

func invalid(msg string) *domain.TokenValidationResult {
	return &domain.TokenValidationResult{Valid: false, Error: msg}
}

func resultFromClaims(claims map[string]any) *domain.TokenValidationResult {
	result := &domain.TokenValidationResult{
		Valid:    true,
		Payload:  maps.Clone(claims),
		Scopes:   MergeScopes(claims),
		Audience: audienceList(claims["aud"]),
	}
	result.Subject, _ = claims["sub"].(string)
	result.ClientID, _ = claims["client_id"].(string)
	if result.ClientID == "" {
		result.ClientID, _ = claims["azp"].(string)
	}
	if exp, ok := numericClaim(claims, "exp"); ok {
		result.Expires = exp
	}
	return result
}

// MergeScopes combines the space-delimited "scope" claim and the "scp" array
// claim, keeping first-seen order without duplicates.
func MergeScopes(claims map[string]any) []string {
	var scopes []string
	add := func(s string) {
		if s != "" && !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}

	if s, ok := claims["scope"].(string); ok {
		for _, f := range strings.Fields(s) {
			add(f)
		}
	}
	switch scp := claims["scp"].(type) {
	case []any:
		for _, item := range scp {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, s := range scp {
			add(s)
		}
	case string:
		for _, f := range strings.Fields(scp) {
			add(f)
		}
	}
	return scopes
}

func hasAllScopes(have, want []string) bool {
	for _, s := range want {
		if !slices.Contains(have, s) {
			return false
		}
	}
	return true
}

func audienceList(aud any) []string {
	switch a := aud.(type) {
	case string:
		if a == "" {
			return nil
		}
		return []string{a}
	case []any:
		out := make([]string, 0, len(a))
		for _, item := range a {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return slices.Clone(a)
	}
	return nil
}

func audienceMatches(audiences []string, expected string) bool {
	want := strings.TrimRight(expected, "/")
	for _, aud := range audiences {
		if strings.TrimRight(aud, "/") == want {
			return true
		}
	}
	return false
}

func numericClaim(claims map[string]any, name string) (time.Time, bool) {
	switch n := claims[name].(type) {
	case float64:
		return time.Unix(int64(n), 0), true
	case int64:
		return time.Unix(n, 0), true
	case int:
		return time.Unix(int64(n), 0), true
	}
	return time.Time{}, false
}

func cloneResult(r *domain.TokenValidationResult) *domain.TokenValidationResult {
	cp := *r
	cp.Payload = maps.Clone(r.Payload)
	cp.Scopes = slices.Clone(r.Scopes)
	cp.Audience = slices.Clone(r.Audience)
	return &cp
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
