package oauth

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/tendant/mcp-oauth-server/internal/auth"
	"github.com/tendant/mcp-oauth-server/internal/clients"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
	"github.com/tendant/mcp-oauth-server/internal/tokens"
	"github.com/tendant/mcp-oauth-server/internal/validator"
)

// ErrUserNotFound is returned when the provider knows no such user.
var ErrUserNotFound = auth.ErrUserNotFound

// userInfoScopes are the scopes that grant access to the userinfo endpoint.
var userInfoScopes = []string{clients.ScopeOpenID, clients.ScopeProfile, clients.ScopeEmail}

// UserInfoResponse represents the userinfo endpoint response.
type UserInfoResponse struct {
	Sub            string   `json:"sub"`
	Name           string   `json:"name,omitempty"`
	Picture        string   `json:"picture,omitempty"`
	Email          string   `json:"email,omitempty"`
	EmailVerified  *bool    `json:"email_verified,omitempty"`
	OrganizationID string   `json:"organization_id,omitempty"`
	TenantID       string   `json:"tenant_id,omitempty"`
	Roles          []string `json:"roles,omitempty"`
}

// UserInfoService handles userinfo requests.
type UserInfoService struct {
	tokens    *tokens.Manager
	validator TokenValidator
	provider  UserInfoProvider
	logger    *slog.Logger
}

// NewUserInfoService creates a new UserInfoService. validator may be nil.
func NewUserInfoService(manager *tokens.Manager, validator TokenValidator, provider UserInfoProvider, logger *slog.Logger) *UserInfoService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserInfoService{
		tokens:    manager,
		validator: validator,
		provider:  provider,
		logger:    logger,
	}
}

// GetUserInfo returns the profile of the token's subject, shaped by the
// scopes the token carries.
func (s *UserInfoService) GetUserInfo(ctx context.Context, accessToken string) (*UserInfoResponse, error) {
	subject, scopes, err := s.verify(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	hasAny := slices.ContainsFunc(userInfoScopes, func(scope string) bool {
		return slices.Contains(scopes, scope)
	})
	if !hasAny {
		return nil, idperrors.InsufficientScope(userInfoScopes)
	}

	if s.provider == nil {
		return nil, idperrors.ServerError("user information service not available", nil)
	}
	info, err := s.provider.UserInfo(ctx, subject)
	if errors.Is(err, ErrUserNotFound) || (err == nil && info == nil) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, idperrors.ServerError("failed to load user information", err)
	}

	resp := &UserInfoResponse{
		Sub:            subject,
		OrganizationID: info.OrganizationID,
		TenantID:       info.TenantID,
	}
	if slices.Contains(scopes, clients.ScopeProfile) {
		resp.Name = info.Name
		resp.Picture = info.Picture
	}
	if slices.Contains(scopes, clients.ScopeEmail) {
		resp.Email = info.Email
		verified := true
		if info.EmailVerified != nil {
			verified = *info.EmailVerified
		}
		resp.EmailVerified = &verified
	}
	if slices.Contains(scopes, clients.ScopeRoles) && len(info.Roles) > 0 {
		resp.Roles = slices.Clone(info.Roles)
	}

	s.logger.Info("user info retrieved", "user_id", subject)
	return resp, nil
}

func (s *UserInfoService) verify(ctx context.Context, token string) (string, []string, error) {
	if claims, err := s.tokens.VerifyAccessToken(token); err == nil {
		return tokens.StringClaim(claims, tokens.ClaimSubject), validator.MergeScopes(claims), nil
	}
	if s.validator != nil && s.validator.Configured() {
		if result := s.validator.ValidateToken(ctx, token, nil); result.Valid {
			return result.Subject, result.Scopes, nil
		}
	}
	return "", nil, idperrors.InvalidToken("token validation failed")
}
