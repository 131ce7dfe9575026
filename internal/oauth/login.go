package oauth

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/tendant/mcp-oauth-server/internal/auth"
	"github.com/tendant/mcp-oauth-server/internal/domain"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
	"github.com/tendant/mcp-oauth-server/internal/metrics"
)

// Login error codes shown on the login form.
const (
	LoginErrMissingCredentials = "missing_credentials"
	LoginErrInvalidCredentials = "invalid_credentials"
	LoginErrServerError        = "server_error"
)

// LoginError is a failed login, identified by a form error code.
type LoginError struct {
	Code string
	Err  error
}

func (e *LoginError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// LoginService authenticates users through the injected authenticator and
// throttles repeated failures per username.
type LoginService struct {
	authenticator UserAuthenticator
	lockout       *auth.LockoutService
	allowedPaths  []string
	fallback      string
	logger        *slog.Logger
}

// NewLoginService creates a LoginService. fallback is the return path used
// when a requested one is not allowed; it is always allowed itself.
func NewLoginService(authenticator UserAuthenticator, lockout *auth.LockoutService, fallback string, logger *slog.Logger) *LoginService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginService{
		authenticator: authenticator,
		lockout:       lockout,
		allowedPaths:  []string{fallback, "/oauth2/callback", "/callback", "/dashboard", "/profile"},
		fallback:      fallback,
		logger:        logger,
	}
}

// Login checks credentials. Locked accounts are reported as invalid
// credentials so the form does not reveal the lock.
func (s *LoginService) Login(ctx context.Context, username, password string) (*domain.AuthenticatedUser, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		metrics.RecordLogin("failure")
		return nil, &LoginError{Code: LoginErrMissingCredentials}
	}
	if s.authenticator == nil {
		metrics.RecordLogin("error")
		s.logger.Error("user authenticator not configured")
		return nil, &LoginError{Code: LoginErrServerError}
	}

	key := strings.ToLower(username)
	if s.lockout != nil && s.lockout.IsLocked(key) {
		metrics.RecordLogin("locked")
		s.logger.Warn("login attempt on locked account", "username", username)
		return nil, &LoginError{Code: LoginErrInvalidCredentials}
	}

	user, err := s.authenticator.Authenticate(ctx, domain.Credentials{Username: username, Password: password})
	if err != nil && !errors.Is(err, auth.ErrInvalidCredentials) {
		metrics.RecordLogin("error")
		s.logger.Error("authenticator failed", "username", username, "error", err)
		return nil, &LoginError{Code: LoginErrServerError, Err: err}
	}
	if user == nil || err != nil {
		metrics.RecordLogin("failure")
		if s.lockout != nil && s.lockout.RecordFailure(key) {
			metrics.RecordAccountLockout()
			s.logger.Warn("account locked after repeated login failures", "username", username)
		}
		return nil, &LoginError{Code: LoginErrInvalidCredentials, Err: err}
	}

	if s.lockout != nil {
		s.lockout.RecordSuccess(key)
	}
	metrics.RecordLogin("success")
	s.logger.Info("user authenticated", "user_id", user.ID)
	return user, nil
}

// SafeReturnPath reduces a requested return URL to an allowed relative
// path. Absolute URLs are accepted only for the issuer's origin. Query and
// fragment are always dropped.
func (s *LoginService) SafeReturnPath(raw, issuer string) string {
	if raw == "" {
		return s.fallback
	}
	u, err := url.Parse(raw)
	if err != nil {
		return s.fallback
	}

	if u.IsAbs() || u.Host != "" {
		base, err := url.Parse(issuer)
		if err != nil || !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
			return s.fallback
		}
	} else if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return s.fallback
	}

	if slices.Contains(s.allowedPaths, u.Path) {
		return u.Path
	}
	return s.fallback
}

// LoginErrorCode maps a Login error to its form code.
func LoginErrorCode(err error) string {
	var le *LoginError
	if errors.As(err, &le) {
		return le.Code
	}
	return idperrors.CodeServerError
}
