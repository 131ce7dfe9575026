// Package domain defines the core types for the authorization server.
package domain

import (
	"time"
)

// ClientType distinguishes clients that can hold a secret from those that cannot.
type ClientType string

const (
	ClientConfidential ClientType = "confidential"
	ClientPublic       ClientType = "public"
)

// Client represents a registered OAuth 2.0 client application.
type Client struct {
	ID            string     `json:"client_id"`
	SecretHash    string     `json:"-"` // bcrypt hash, empty for public clients
	Name          string     `json:"client_name"`
	Type          ClientType `json:"client_type"`
	RedirectURIs  []string   `json:"redirect_uris"`
	GrantTypes    []string   `json:"grant_types"`
	ResponseTypes []string   `json:"response_types"`
	Scopes        []string   `json:"scopes"`
	Active        bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsPublic reports whether the client cannot authenticate with a secret.
func (c *Client) IsPublic() bool {
	return c.Type == ClientPublic
}

// AuthorizationCode binds a user, client, redirect URI, scopes and PKCE challenge.
type AuthorizationCode struct {
	Code                string            `json:"code"`
	ClientID            string            `json:"client_id"`
	UserID              string            `json:"user_id"`
	RedirectURI         string            `json:"redirect_uri"`
	Scopes              []string          `json:"scopes"`
	CodeChallenge       string            `json:"code_challenge,omitempty"`
	CodeChallengeMethod string            `json:"code_challenge_method,omitempty"`
	State               string            `json:"state,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	ExpiresAt           time.Time         `json:"expires_at"`
	IsUsed              bool              `json:"is_used"`
}

// IsExpired checks if the code has expired at the given instant.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// TokenPair is the transient result of a token issuance.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope"`
	IssuedAt     time.Time `json:"-"`
}

// RefreshTokenRecord is the server-side ledger entry for an issued refresh token.
type RefreshTokenRecord struct {
	TokenID   string
	UserID    string
	ClientID  string
	Scopes    []string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// IsExpired checks if the refresh token has expired at the given instant.
func (r *RefreshTokenRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// TokenValidationResult is the outcome of validating a presented bearer token.
type TokenValidationResult struct {
	Valid    bool
	Payload  map[string]any
	Expires  time.Time
	Scopes   []string
	Subject  string
	ClientID string
	Audience []string
	Error    string
}

// Credentials are the values a user submits on the login form.
type Credentials struct {
	Username string
	Password string
}

// AuthenticatedUser is what the host application returns for valid credentials.
type AuthenticatedUser struct {
	ID             string   `json:"id"`
	Username       string   `json:"username"`
	Email          string   `json:"email,omitempty"`
	Name           string   `json:"name,omitempty"`
	OrganizationID string   `json:"organization_id,omitempty"`
	TenantID       string   `json:"tenant_id,omitempty"`
	Roles          []string `json:"roles,omitempty"`
}

// UserInfo is the profile the host application exposes for a user id.
type UserInfo struct {
	ID             string
	Name           string
	Email          string
	EmailVerified  *bool
	Picture        string
	OrganizationID string
	TenantID       string
	Roles          []string
}

// Session represents a browser session on the authorization server.
type Session struct {
	ID          string             `json:"id"`
	User        *AuthenticatedUser `json:"user,omitempty"`
	OAuthParams map[string]string  `json:"oauth_params,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

// IsExpired checks if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Authenticated reports whether a user has signed in on this session.
func (s *Session) Authenticated() bool {
	return s != nil && s.User != nil && s.User.ID != ""
}
