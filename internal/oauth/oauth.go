// Package oauth implements the authorization server logic that sits behind
// the HTTP handlers: authorization requests and consent, token grants,
// introspection, userinfo and the login sub-flow.
package oauth

import (
	"context"

	"github.com/tendant/mcp-oauth-server/internal/domain"
)

// UserAuthenticator checks login credentials. It returns a nil user and an
// error for rejected credentials.
type UserAuthenticator interface {
	Authenticate(ctx context.Context, creds domain.Credentials) (*domain.AuthenticatedUser, error)
}

// UserInfoProvider returns the profile for a user id.
type UserInfoProvider interface {
	UserInfo(ctx context.Context, userID string) (*domain.UserInfo, error)
}

// TokenValidator validates bearer tokens issued elsewhere.
type TokenValidator interface {
	Configured() bool
	ValidateToken(ctx context.Context, token string, requiredScopes []string) *domain.TokenValidationResult
}

// Parameters stashed in the session while the user signs in.
const (
	ParamResponseType        = "response_type"
	ParamClientID            = "client_id"
	ParamRedirectURI         = "redirect_uri"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
)

// Claims carried from the signed-in user into issued tokens.
const (
	ClaimOrganizationID = "organization_id"
	ClaimTenantID       = "tenant_id"
	ClaimRoles          = "roles"
	ClaimTokenUse       = "token_use"
	ClaimUsername       = "username"
)
