// Package tokens issues and verifies JWT access and refresh tokens and keeps
// the in-memory refresh token ledger.
package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/mcp-oauth-server/internal/crypto"
	"github.com/tendant/mcp-oauth-server/internal/domain"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
	"github.com/tendant/mcp-oauth-server/internal/metrics"
)

const (
	// AccessTokenTTL is the lifetime of access tokens.
	AccessTokenTTL = 15 * time.Minute
	// RefreshTokenTTL is the lifetime of refresh tokens.
	RefreshTokenTTL = 30 * 24 * time.Hour
	// DefaultClockSkew backdates nbf to tolerate skew between hosts.
	DefaultClockSkew = 30 * time.Second
	// DefaultSweepInterval is how often the refresh ledger is cleaned.
	DefaultSweepInterval = time.Hour
	// DefaultMaxRefreshTokens caps the ledger size.
	DefaultMaxRefreshTokens = 10000

	TokenTypeAccess  = "access_token"
	TokenTypeRefresh = "refresh_token"
	TokenTypeBearer  = "Bearer"
)

// GenerateOptions controls GenerateTokenPair.
type GenerateOptions struct {
	IncludeRefreshToken bool
	CustomClaims        map[string]any
}

// Stats summarizes the refresh token ledger and signing key.
type Stats struct {
	TotalRefreshTokens  int    `json:"totalRefreshTokens"`
	ActiveRefreshTokens int    `json:"activeRefreshTokens"`
	RevokedTokens       int    `json:"revokedTokens"`
	KeyID               string `json:"keyId"`
	Algorithm           string `json:"algorithm"`
}

type ledgerEntry struct {
	record *domain.RefreshTokenRecord
	seq    uint64
}

// Manager mints and verifies tokens with a single signing key.
type Manager struct {
	signer   crypto.Signer
	issuer   string
	audience string

	accessTTL     time.Duration
	refreshTTL    time.Duration
	clockSkew     time.Duration
	sweepInterval time.Duration
	maxRefresh    int
	now           func() time.Time
	logger        *slog.Logger

	mu     sync.Mutex
	ledger map[string]*ledgerEntry
	seq    uint64

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source used for issued-at and ledger expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithAccessTokenTTL overrides the access token lifetime.
func WithAccessTokenTTL(d time.Duration) Option {
	return func(m *Manager) {
		m.accessTTL = d
	}
}

// WithRefreshTokenTTL overrides the refresh token lifetime.
func WithRefreshTokenTTL(d time.Duration) Option {
	return func(m *Manager) {
		m.refreshTTL = d
	}
}

// WithSweepInterval sets how often the ledger sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = d
	}
}

// WithMaxRefreshTokens sets the ledger cap.
func WithMaxRefreshTokens(n int) Option {
	return func(m *Manager) {
		m.maxRefresh = n
	}
}

// NewManager creates a Manager. issuer and audience are written into every
// token and must match what signer enforces on verification.
func NewManager(signer crypto.Signer, issuer, audience string, opts ...Option) *Manager {
	m := &Manager{
		signer:        signer,
		issuer:        issuer,
		audience:      audience,
		accessTTL:     AccessTokenTTL,
		refreshTTL:    RefreshTokenTTL,
		clockSkew:     DefaultClockSkew,
		sweepInterval: DefaultSweepInterval,
		maxRefresh:    DefaultMaxRefreshTokens,
		now:           time.Now,
		logger:        slog.Default(),
		ledger:        make(map[string]*ledgerEntry),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Issuer returns the iss value of issued tokens.
func (m *Manager) Issuer() string {
	return m.issuer
}

// Audience returns the aud value of issued tokens.
func (m *Manager) Audience() string {
	return m.audience
}

// GenerateTokenPair signs an access token and, when requested, a refresh
// token whose ledger record is stored before the token is signed.
func (m *Manager) GenerateTokenPair(userID, clientID string, scopes []string, opts GenerateOptions) (*domain.TokenPair, error) {
	now := m.now()
	scope := strings.Join(scopes, " ")
	custom := SanitizeClaims(opts.CustomClaims)

	accessToken, err := m.signer.Sign(m.claims(now, m.accessTTL, uuid.NewString(), userID, clientID, scope, TokenTypeAccess, custom))
	if err != nil {
		return nil, idperrors.ServerError("failed to sign access token", err)
	}

	pair := &domain.TokenPair{
		AccessToken: accessToken,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(m.accessTTL / time.Second),
		Scope:       scope,
		IssuedAt:    now,
	}

	if opts.IncludeRefreshToken {
		jti := uuid.NewString()
		m.storeRefresh(&domain.RefreshTokenRecord{
			TokenID:   jti,
			UserID:    userID,
			ClientID:  clientID,
			Scopes:    slices.Clone(scopes),
			CreatedAt: now,
			ExpiresAt: now.Add(m.refreshTTL),
		})

		refreshToken, err := m.signer.Sign(m.claims(now, m.refreshTTL, jti, userID, clientID, scope, TokenTypeRefresh, custom))
		if err != nil {
			m.dropRefresh(jti)
			return nil, idperrors.ServerError("failed to sign refresh token", err)
		}
		pair.RefreshToken = refreshToken
	}

	m.logger.Debug("token pair generated",
		"user_id", userID,
		"client_id", clientID,
		"refresh", opts.IncludeRefreshToken,
	)
	return pair, nil
}

func (m *Manager) claims(now time.Time, ttl time.Duration, jti, userID, clientID, scope, tokenType string, custom map[string]any) map[string]any {
	claims := maps.Clone(custom)
	if claims == nil {
		claims = make(map[string]any, len(reservedClaims))
	}
	claims[ClaimSubject] = userID
	claims[ClaimAudience] = m.audience
	claims[ClaimIssuer] = m.issuer
	claims[ClaimIssuedAt] = now.Unix()
	claims[ClaimExpiry] = now.Add(ttl).Unix()
	claims[ClaimNotBefore] = now.Add(-m.clockSkew).Unix()
	claims[ClaimTokenID] = jti
	claims[ClaimClientID] = clientID
	claims[ClaimScope] = scope
	claims[ClaimTokenType] = tokenType
	return claims
}

// RefreshAccessToken mints a new access token from a refresh token. The
// refresh token is not rotated. A non-empty narrowTo must be a subset of the
// originally granted scopes.
func (m *Manager) RefreshAccessToken(refreshToken, clientID string, narrowTo []string) (*domain.TokenPair, error) {
	claims, err := m.signer.Verify(refreshToken)
	if err != nil {
		return nil, m.refreshFailure(refreshToken, clientID, "verification_failed", err)
	}
	if StringClaim(claims, ClaimTokenType) != TokenTypeRefresh {
		return nil, m.refreshFailure(refreshToken, clientID, "wrong_token_type", nil)
	}

	jti := StringClaim(claims, ClaimTokenID)
	record, reason := m.checkRefresh(jti, clientID)
	if reason != "" {
		return nil, m.refreshFailure(refreshToken, clientID, reason, nil)
	}

	scopes := record.Scopes
	if len(narrowTo) > 0 {
		for _, s := range narrowTo {
			if !slices.Contains(record.Scopes, s) {
				return nil, idperrors.InvalidScope("requested scope exceeds the original grant")
			}
		}
		scopes = narrowTo
	}

	pair, err := m.GenerateTokenPair(record.UserID, record.ClientID, scopes, GenerateOptions{})
	if err != nil {
		return nil, err
	}
	m.logger.Info("access token refreshed", "user_id", record.UserID, "client_id", clientID)
	return pair, nil
}

func (m *Manager) checkRefresh(jti, clientID string) (*domain.RefreshTokenRecord, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.ledger[jti]
	if !ok {
		return nil, "not_found"
	}
	if e.record.Revoked {
		return nil, "revoked"
	}
	if e.record.ClientID != clientID {
		return nil, "client_mismatch"
	}
	if e.record.IsExpired(m.now()) {
		delete(m.ledger, jti)
		return nil, "expired"
	}
	cp := *e.record
	cp.Scopes = slices.Clone(e.record.Scopes)
	return &cp, ""
}

func (m *Manager) refreshFailure(token, clientID, reason string, err error) error {
	attrs := []any{
		"token", idperrors.Redact(token),
		"client_id", clientID,
		"reason", reason,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	m.logger.Warn("refresh token rejected", attrs...)
	return idperrors.InvalidGrant("invalid refresh token")
}

// RevokeToken marks the refresh token with the given jti as revoked.
// Access tokens already issued stay valid until they expire.
func (m *Manager) RevokeToken(tokenID string) bool {
	m.mu.Lock()
	e, ok := m.ledger[tokenID]
	if ok {
		e.record.Revoked = true
	}
	m.mu.Unlock()

	if ok {
		metrics.RecordTokenRevocation()
		m.logger.Info("refresh token revoked", "jti", tokenID)
	}
	return ok
}

// IsRefreshTokenActive reports whether jti maps to a live, unrevoked record.
func (m *Manager) IsRefreshTokenActive(tokenID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.ledger[tokenID]
	return ok && !e.record.Revoked && !e.record.IsExpired(m.now())
}

// VerifyToken checks signature, issuer, audience and time claims of any
// token this manager issued.
func (m *Manager) VerifyToken(token string) (map[string]any, error) {
	claims, err := m.signer.Verify(token)
	if err != nil {
		return nil, idperrors.Wrap(err, idperrors.CodeInvalidToken, "invalid token")
	}
	return claims, nil
}

// VerifyAccessToken is VerifyToken restricted to access tokens.
func (m *Manager) VerifyAccessToken(token string) (map[string]any, error) {
	claims, err := m.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	if StringClaim(claims, ClaimTokenType) != TokenTypeAccess {
		return nil, idperrors.InvalidToken("not an access token")
	}
	return claims, nil
}

// GetJWKS returns the public signing key as a key set.
func (m *Manager) GetJWKS() crypto.JWKS {
	return crypto.JWKS{Keys: []crypto.JWK{m.signer.PublicJWK()}}
}

// GetPublicKeyPEM returns the SPKI PEM of the signing key, or "" when the
// signer does not expose one.
func (m *Manager) GetPublicKeyPEM() string {
	if p, ok := m.signer.(interface{ PublicKeyPEM() string }); ok {
		return p.PublicKeyPEM()
	}
	return ""
}

// Stats reports ledger counts and the signing key identity.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stats := Stats{
		TotalRefreshTokens: len(m.ledger),
		KeyID:              m.signer.KeyID(),
		Algorithm:          m.signer.Algorithm(),
	}
	for _, e := range m.ledger {
		switch {
		case e.record.Revoked:
			stats.RevokedTokens++
		case !e.record.IsExpired(now):
			stats.ActiveRefreshTokens++
		}
	}
	return stats
}

func (m *Manager) storeRefresh(record *domain.RefreshTokenRecord) {
	m.mu.Lock()
	m.seq++
	m.ledger[record.TokenID] = &ledgerEntry{record: record, seq: m.seq}
	evicted := m.enforceCapLocked()
	size := len(m.ledger)
	m.mu.Unlock()
	metrics.SetRefreshTokensStored(size)

	if evicted > 0 {
		m.logger.Warn("refresh token ledger over capacity, evicted oldest records", "evicted", evicted)
	}
}

func (m *Manager) dropRefresh(tokenID string) {
	m.mu.Lock()
	delete(m.ledger, tokenID)
	m.mu.Unlock()
}

// Sweep removes expired and revoked ledger records, then enforces the cap.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, e := range m.ledger {
		if e.record.Revoked || e.record.IsExpired(now) {
			delete(m.ledger, id)
			removed++
		}
	}
	removed += m.enforceCapLocked()
	metrics.SetRefreshTokensStored(len(m.ledger))
	return removed
}

// enforceCapLocked evicts the oldest records first. Caller holds m.mu.
func (m *Manager) enforceCapLocked() int {
	over := len(m.ledger) - m.maxRefresh
	if m.maxRefresh <= 0 || over <= 0 {
		return 0
	}

	entries := make([]*ledgerEntry, 0, len(m.ledger))
	for _, e := range m.ledger {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	for _, e := range entries[:over] {
		delete(m.ledger, e.record.TokenID)
	}
	return over
}

// Start runs the hourly ledger sweep until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Debug("swept refresh token ledger", "removed", n)
				}
			}
		}
	}(m.done)
}

// Stop halts the background sweep.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

// Close stops the sweep and clears the ledger.
func (m *Manager) Close() error {
	m.Stop()
	m.mu.Lock()
	m.ledger = make(map[string]*ledgerEntry)
	m.mu.Unlock()
	return nil
}

// String identifies the manager in logs.
func (m *Manager) String() string {
	return fmt.Sprintf("tokens.Manager(kid=%s, alg=%s)", m.signer.KeyID(), m.signer.Algorithm())
}
