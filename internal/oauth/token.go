package oauth

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tendant/mcp-oauth-server/internal/clients"
	"github.com/tendant/mcp-oauth-server/internal/codes"
	"github.com/tendant/mcp-oauth-server/internal/domain"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
	"github.com/tendant/mcp-oauth-server/internal/metrics"
	"github.com/tendant/mcp-oauth-server/internal/tokens"
)

// TokenUseClientCredentials marks tokens minted for a client acting on its own behalf.
const TokenUseClientCredentials = "client_credentials"

// TokenRequest represents a parsed token request.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	Scope        string
	// BasicAuth records that the client authenticated with the
	// Authorization header.
	BasicAuth bool
}

// TokenResponse represents the token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// NewTokenResponse renders a token pair.
func NewTokenResponse(pair *domain.TokenPair) *TokenResponse {
	return &TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	}
}

// ClientCredentials extracts client credentials from HTTP Basic auth or the
// form body. Basic credentials are form-urlencoded per RFC 6749 section 2.3.1.
func ClientCredentials(r *http.Request) (clientID, clientSecret string, basic bool, err error) {
	if id, secret, ok := r.BasicAuth(); ok {
		if id, err = url.QueryUnescape(id); err != nil {
			return "", "", true, idperrors.InvalidClient("malformed client credentials")
		}
		if secret, err = url.QueryUnescape(secret); err != nil {
			return "", "", true, idperrors.InvalidClient("malformed client credentials")
		}
		if formID := r.PostFormValue("client_id"); formID != "" && formID != id {
			return "", "", true, idperrors.InvalidRequest("client_id does not match the authenticated client")
		}
		return id, secret, true, nil
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret"), false, nil
}

// ParseTokenRequest parses a token request from the HTTP request.
func ParseTokenRequest(r *http.Request) (*TokenRequest, error) {
	if err := r.ParseForm(); err != nil {
		return nil, idperrors.InvalidRequest("invalid form data")
	}

	clientID, clientSecret, basic, err := ClientCredentials(r)
	if err != nil {
		return nil, err
	}

	req := &TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
		BasicAuth:    basic,
	}
	if req.GrantType == "" {
		return nil, idperrors.InvalidRequest("grant_type is required")
	}
	return req, nil
}

// TokenService handles token requests.
type TokenService struct {
	clients *clients.Registry
	codes   *codes.Store
	tokens  *tokens.Manager
	logger  *slog.Logger
}

// NewTokenService creates a new TokenService.
func NewTokenService(registry *clients.Registry, store *codes.Store, manager *tokens.Manager, logger *slog.Logger) *TokenService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{
		clients: registry,
		codes:   store,
		tokens:  manager,
		logger:  logger,
	}
}

// Exchange dispatches on grant_type. The client is always authenticated
// before the grant-specific exchange.
func (s *TokenService) Exchange(ctx context.Context, req *TokenRequest) (*domain.TokenPair, error) {
	switch req.GrantType {
	case clients.GrantAuthorizationCode, clients.GrantRefreshToken, clients.GrantClientCredentials:
	default:
		return nil, idperrors.UnsupportedGrantType(req.GrantType)
	}

	client, err := s.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}
	if !s.clients.SupportsGrantType(client.ID, req.GrantType) {
		return nil, idperrors.UnsupportedGrantType(req.GrantType)
	}

	switch req.GrantType {
	case clients.GrantAuthorizationCode:
		return s.HandleAuthorizationCode(req, client)
	case clients.GrantRefreshToken:
		return s.HandleRefreshToken(req, client)
	default:
		return s.HandleClientCredentials(req, client)
	}
}

func (s *TokenService) authenticate(ctx context.Context, req *TokenRequest) (*domain.Client, error) {
	if req.ClientID == "" {
		return nil, idperrors.InvalidClient("client authentication failed")
	}
	client, err := s.clients.ValidateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		s.logger.Warn("token endpoint client authentication failed",
			"client_id", req.ClientID,
			"has_secret", req.ClientSecret != "",
		)
		return nil, err
	}
	return client, nil
}

// HandleAuthorizationCode redeems an authorization code.
func (s *TokenService) HandleAuthorizationCode(req *TokenRequest, client *domain.Client) (*domain.TokenPair, error) {
	if req.Code == "" {
		return nil, idperrors.InvalidRequest("code is required")
	}
	if req.RedirectURI == "" {
		return nil, idperrors.InvalidRequest("redirect_uri is required")
	}

	authCode, err := s.codes.Exchange(req.Code, client.ID, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		return nil, err
	}
	metrics.RecordAuthCodeExchanged()

	includeRefresh := s.clients.SupportsGrantType(client.ID, clients.GrantRefreshToken)
	pair, err := s.tokens.GenerateTokenPair(authCode.UserID, client.ID, authCode.Scopes, tokens.GenerateOptions{
		IncludeRefreshToken: includeRefresh,
		CustomClaims:        claimsFromMetadata(authCode.Metadata),
	})
	if err != nil {
		return nil, err
	}
	recordIssued(pair, clients.GrantAuthorizationCode)

	s.logger.Info("authorization code exchanged",
		"client_id", client.ID,
		"user_id", authCode.UserID,
		"scope", pair.Scope,
	)
	return pair, nil
}

// HandleRefreshToken mints a new access token from a refresh token. A scope
// parameter may narrow the original grant.
func (s *TokenService) HandleRefreshToken(req *TokenRequest, client *domain.Client) (*domain.TokenPair, error) {
	if req.RefreshToken == "" {
		return nil, idperrors.InvalidRequest("refresh_token is required")
	}

	pair, err := s.tokens.RefreshAccessToken(req.RefreshToken, client.ID, clients.ParseScope(req.Scope))
	if err != nil {
		return nil, err
	}
	recordIssued(pair, clients.GrantRefreshToken)
	return pair, nil
}

// HandleClientCredentials issues an access token to a confidential client
// acting on its own behalf.
func (s *TokenService) HandleClientCredentials(req *TokenRequest, client *domain.Client) (*domain.TokenPair, error) {
	if client.IsPublic() {
		return nil, idperrors.InvalidClient("client_credentials requires a confidential client")
	}

	scopes := client.Scopes
	if requested := clients.ParseScope(req.Scope); len(requested) > 0 {
		scopes = clients.IntersectScopes(requested, client.Scopes)
	}
	if len(scopes) == 0 {
		return nil, idperrors.InvalidScope("no permitted scopes requested")
	}

	pair, err := s.tokens.GenerateTokenPair(client.ID, client.ID, scopes, tokens.GenerateOptions{
		CustomClaims: map[string]any{ClaimTokenUse: TokenUseClientCredentials},
	})
	if err != nil {
		return nil, err
	}
	recordIssued(pair, clients.GrantClientCredentials)

	s.logger.Info("client credentials token issued", "client_id", client.ID, "scope", pair.Scope)
	return pair, nil
}

func recordIssued(pair *domain.TokenPair, grant string) {
	metrics.RecordTokenIssued("access", grant)
	if pair.RefreshToken != "" {
		metrics.RecordTokenIssued("refresh", grant)
	}
}

func claimsFromMetadata(md map[string]string) map[string]any {
	if len(md) == 0 {
		return nil
	}
	claims := make(map[string]any, len(md))
	for k, v := range md {
		switch k {
		case ClaimRoles:
			claims[k] = strings.Fields(v)
		case ClaimOrganizationID, ClaimTenantID, ClaimUsername:
			claims[k] = v
		}
	}
	return claims
}
