package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/mcp-oauth-server/internal/domain"
)

const (
	// SessionCookieName is the name of the session cookie.
	SessionCookieName = "mcp-oauth-session"
	// DefaultSessionTTL is the default session lifetime.
	DefaultSessionTTL = 24 * time.Hour
)

// SessionService binds browser sessions to a signed cookie.
type SessionService struct {
	store        SessionStore
	cookieSecret []byte
	cookieSecure bool
	cookieDomain string
	sessionTTL   time.Duration
	now          func() time.Time
}

// SessionServiceOption configures the SessionService.
type SessionServiceOption func(*SessionService)

// WithCookieSecure sets whether cookies should be secure (HTTPS only).
func WithCookieSecure(secure bool) SessionServiceOption {
	return func(s *SessionService) {
		s.cookieSecure = secure
	}
}

// WithCookieDomain sets the cookie domain.
func WithCookieDomain(domain string) SessionServiceOption {
	return func(s *SessionService) {
		s.cookieDomain = domain
	}
}

// WithSessionTTL sets the session duration.
func WithSessionTTL(ttl time.Duration) SessionServiceOption {
	return func(s *SessionService) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionServiceOption {
	return func(s *SessionService) {
		s.now = now
	}
}

// NewSessionService creates a new SessionService.
func NewSessionService(store SessionStore, cookieSecret string, opts ...SessionServiceOption) *SessionService {
	s := &SessionService{
		store:        store,
		cookieSecret: []byte(cookieSecret),
		sessionTTL:   DefaultSessionTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the backing session store.
func (s *SessionService) Store() SessionStore {
	return s.store
}

// Load returns the session named by the request cookie, or a fresh unsaved
// session when the cookie is absent, tampered with, or expired.
func (s *SessionService) Load(ctx context.Context, r *http.Request) (*domain.Session, error) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if id, ok := s.verifyCookie(cookie.Value); ok {
			session, err := s.store.Get(ctx, id)
			switch {
			case err == nil:
				return session, nil
			case !errors.Is(err, ErrSessionNotFound):
				return nil, err
			}
		}
	}
	return s.newSession(), nil
}

// Save persists the session and refreshes the cookie.
func (s *SessionService) Save(ctx context.Context, w http.ResponseWriter, session *domain.Session) error {
	if err := s.store.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	http.SetCookie(w, s.cookie(s.signID(session.ID), int(session.ExpiresAt.Sub(s.now()).Seconds())))
	return nil
}

// Regenerate discards the old session and returns a new empty one. It is
// called after a successful login so the pre-login id cannot be fixated.
func (s *SessionService) Regenerate(ctx context.Context, old *domain.Session) (*domain.Session, error) {
	if old != nil && old.ID != "" {
		if err := s.store.Delete(ctx, old.ID); err != nil {
			return nil, fmt.Errorf("failed to delete session: %w", err)
		}
	}
	return s.newSession(), nil
}

// Destroy deletes the session and clears the cookie.
func (s *SessionService) Destroy(ctx context.Context, w http.ResponseWriter, session *domain.Session) error {
	http.SetCookie(w, s.cookie("", -1))
	if session == nil {
		return nil
	}
	return s.store.Delete(ctx, session.ID)
}

func (s *SessionService) newSession() *domain.Session {
	now := s.now()
	return &domain.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
}

func (s *SessionService) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *SessionService) signID(id string) string {
	mac := hmac.New(sha256.New, s.cookieSecret)
	mac.Write([]byte(id))
	return id + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *SessionService) verifyCookie(value string) (string, bool) {
	id, _, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	if !hmac.Equal([]byte(value), []byte(s.signID(id))) {
		return "", false
	}
	return id, true
}
