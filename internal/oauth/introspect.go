package oauth

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/mcp-oauth-server/internal/clients"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
	"github.com/tendant/mcp-oauth-server/internal/metrics"
	"github.com/tendant/mcp-oauth-server/internal/tokens"
	"github.com/tendant/mcp-oauth-server/internal/validator"
)

// IntrospectionResponse is the RFC 7662 response body.
type IntrospectionResponse struct {
	Active         bool   `json:"active"`
	Scope          string `json:"scope,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Username       string `json:"username,omitempty"`
	TokenType      string `json:"token_type,omitempty"`
	Exp            int64  `json:"exp,omitempty"`
	Iat            int64  `json:"iat,omitempty"`
	Nbf            int64  `json:"nbf,omitempty"`
	Sub            string `json:"sub,omitempty"`
	Aud            any    `json:"aud,omitempty"`
	Iss            string `json:"iss,omitempty"`
	Jti            string `json:"jti,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	Roles          any    `json:"roles,omitempty"`
}

// IntrospectionService answers token introspection requests. Tokens this
// server issued are verified locally; anything else goes to the configured
// validator.
type IntrospectionService struct {
	clients   *clients.Registry
	tokens    *tokens.Manager
	validator TokenValidator
	logger    *slog.Logger
}

// NewIntrospectionService creates a new IntrospectionService. validator may be nil.
func NewIntrospectionService(registry *clients.Registry, manager *tokens.Manager, validator TokenValidator, logger *slog.Logger) *IntrospectionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntrospectionService{
		clients:   registry,
		tokens:    manager,
		validator: validator,
		logger:    logger,
	}
}

// Introspect authenticates the calling client and describes token. Inactive
// tokens produce {active:false} without saying why.
func (s *IntrospectionService) Introspect(ctx context.Context, clientID, clientSecret, token string) (*IntrospectionResponse, error) {
	if clientID == "" || clientSecret == "" {
		return nil, idperrors.InvalidClient("client authentication (Basic) required")
	}
	client, err := s.clients.ValidateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		s.logger.Warn("token introspection rejected: public client", "client_id", clientID)
		return nil, idperrors.InvalidClient("public clients cannot introspect tokens")
	}
	if token == "" {
		return nil, idperrors.InvalidRequest("token is required")
	}

	claims := s.localClaims(token)
	if claims == nil && s.validator != nil && s.validator.Configured() {
		if result := s.validator.ValidateToken(ctx, token, nil); result.Valid {
			claims = result.Payload
		}
	}

	if claims == nil {
		metrics.RecordTokenIntrospection(false)
		s.logger.Debug("token introspection: inactive", "caller", clientID)
		return &IntrospectionResponse{Active: false}, nil
	}

	resp := introspectionFromClaims(claims)
	if resp.Iss == "" {
		resp.Iss = s.tokens.Issuer()
	}
	metrics.RecordTokenIntrospection(true)
	s.logger.Info("token introspection performed",
		"caller", clientID,
		"client_id", resp.ClientID,
		"sub", resp.Sub,
	)
	return resp, nil
}

func (s *IntrospectionService) localClaims(token string) map[string]any {
	claims, err := s.tokens.VerifyToken(token)
	if err != nil {
		return nil
	}
	if tokens.StringClaim(claims, tokens.ClaimTokenType) == tokens.TokenTypeRefresh &&
		!s.tokens.IsRefreshTokenActive(tokens.StringClaim(claims, tokens.ClaimTokenID)) {
		return nil
	}
	return claims
}

func introspectionFromClaims(claims map[string]any) *IntrospectionResponse {
	resp := &IntrospectionResponse{
		Active:         true,
		Scope:          clients.JoinScopes(validator.MergeScopes(claims)),
		ClientID:       tokens.StringClaim(claims, tokens.ClaimClientID),
		Sub:            tokens.StringClaim(claims, tokens.ClaimSubject),
		Iss:            tokens.StringClaim(claims, tokens.ClaimIssuer),
		Jti:            tokens.StringClaim(claims, tokens.ClaimTokenID),
		Aud:            claims[tokens.ClaimAudience],
		Exp:            unixClaim(claims, tokens.ClaimExpiry),
		Iat:            unixClaim(claims, tokens.ClaimIssuedAt),
		Nbf:            unixClaim(claims, tokens.ClaimNotBefore),
		OrganizationID: tokens.StringClaim(claims, ClaimOrganizationID),
		TenantID:       tokens.StringClaim(claims, ClaimTenantID),
		Roles:          claims[ClaimRoles],
		TokenType:      "Bearer",
	}
	if tokens.StringClaim(claims, tokens.ClaimTokenType) == tokens.TokenTypeRefresh {
		resp.TokenType = tokens.TokenTypeRefresh
	}
	resp.Username = tokens.StringClaim(claims, ClaimUsername)
	if resp.Username == "" {
		resp.Username = resp.Sub
	}
	return resp
}

func unixClaim(claims map[string]any, name string) int64 {
	switch v := claims[name].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case time.Time:
		return v.Unix()
	}
	return 0
}
