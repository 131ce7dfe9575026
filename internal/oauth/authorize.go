package oauth

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/tendant/mcp-oauth-server/internal/clients"
	"github.com/tendant/mcp-oauth-server/internal/codes"
	"github.com/tendant/mcp-oauth-server/internal/domain"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
	"github.com/tendant/mcp-oauth-server/internal/metrics"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// AuthorizeRequest represents a parsed authorization request.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ParseAuthorizeRequest reads the authorization parameters from query or
// form values.
func ParseAuthorizeRequest(values url.Values) *AuthorizeRequest {
	return &AuthorizeRequest{
		ResponseType:        values.Get(ParamResponseType),
		ClientID:            values.Get(ParamClientID),
		RedirectURI:         values.Get(ParamRedirectURI),
		Scope:               values.Get(ParamScope),
		State:               values.Get(ParamState),
		CodeChallenge:       values.Get(ParamCodeChallenge),
		CodeChallengeMethod: values.Get(ParamCodeChallengeMethod),
	}
}

// AuthorizeRequestFromParams restores a request stashed in the session.
func AuthorizeRequestFromParams(params map[string]string) *AuthorizeRequest {
	values := make(url.Values, len(params))
	for k, v := range params {
		values.Set(k, v)
	}
	return ParseAuthorizeRequest(values)
}

// Params returns the request as a flat map for session storage.
func (r *AuthorizeRequest) Params() map[string]string {
	params := map[string]string{
		ParamResponseType: r.ResponseType,
		ParamClientID:     r.ClientID,
		ParamRedirectURI:  r.RedirectURI,
	}
	for k, v := range map[string]string{
		ParamScope:               r.Scope,
		ParamState:               r.State,
		ParamCodeChallenge:       r.CodeChallenge,
		ParamCodeChallengeMethod: r.CodeChallengeMethod,
	} {
		if v != "" {
			params[k] = v
		}
	}
	return params
}

// Values returns the request as URL query values.
func (r *AuthorizeRequest) Values() url.Values {
	values := url.Values{}
	for k, v := range r.Params() {
		values.Set(k, v)
	}
	return values
}

// RequestedScopes returns the requested scopes, or the default scope when
// none were requested.
func (r *AuthorizeRequest) RequestedScopes() []string {
	scopes := clients.ParseScope(r.Scope)
	if len(scopes) == 0 {
		return []string{clients.DefaultScope}
	}
	return scopes
}

// AuthorizeError is a failure that can be reported to the client by
// redirect because its redirect URI has already been validated.
type AuthorizeError struct {
	Err         *idperrors.Error
	RedirectURI string
	State       string
}

func (e *AuthorizeError) Error() string {
	return e.Err.Error()
}

func (e *AuthorizeError) Unwrap() error {
	return e.Err
}

// Location renders the error redirect.
func (e *AuthorizeError) Location() string {
	return BuildErrorResponse(e.RedirectURI, e.Err.Code, e.Err.Description, e.State)
}

// AuthorizeService validates authorization requests and issues codes once
// the user consents.
type AuthorizeService struct {
	clients     *clients.Registry
	codes       *codes.Store
	requireS256 bool
	logger      *slog.Logger
}

// AuthorizeOption configures the AuthorizeService.
type AuthorizeOption func(*AuthorizeService)

// WithRequireS256 rejects plain PKCE from public clients.
func WithRequireS256(require bool) AuthorizeOption {
	return func(s *AuthorizeService) {
		s.requireS256 = require
	}
}

// WithAuthorizeLogger sets the logger.
func WithAuthorizeLogger(logger *slog.Logger) AuthorizeOption {
	return func(s *AuthorizeService) {
		s.logger = logger
	}
}

// NewAuthorizeService creates a new AuthorizeService.
func NewAuthorizeService(registry *clients.Registry, store *codes.Store, opts ...AuthorizeOption) *AuthorizeService {
	s := &AuthorizeService{
		clients: registry,
		codes:   store,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequiringS256 returns a copy of s that rejects plain PKCE from public
// clients.
func (s *AuthorizeService) RequiringS256() *AuthorizeService {
	c := *s
	c.requireS256 = true
	return &c
}

// Validate checks an authorization request. Errors found before the redirect
// URI is trusted are plain *idperrors.Error values; later ones are
// *AuthorizeError and should be delivered by redirect.
func (s *AuthorizeService) Validate(req *AuthorizeRequest) (*domain.Client, error) {
	if req.ClientID == "" {
		return nil, idperrors.InvalidRequest("client_id is required")
	}
	if req.RedirectURI == "" {
		return nil, idperrors.InvalidRequest("redirect_uri is required")
	}

	client, ok := s.clients.GetClient(req.ClientID)
	if !ok || !client.Active {
		return nil, idperrors.InvalidRequest("unknown client_id")
	}
	if !s.clients.IsValidRedirectURI(req.ClientID, req.RedirectURI) {
		return nil, idperrors.InvalidRequest("invalid redirect_uri")
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, s.redirectError(req, idperrors.UnsupportedResponseType(req.ResponseType))
	}

	if req.CodeChallengeMethod != "" && !codes.IsSupportedMethod(req.CodeChallengeMethod) {
		return nil, s.redirectError(req, idperrors.InvalidRequest("unsupported code_challenge_method"))
	}
	if req.CodeChallengeMethod != "" && req.CodeChallenge == "" {
		return nil, s.redirectError(req, idperrors.InvalidRequest("code_challenge is required with code_challenge_method"))
	}
	if client.IsPublic() {
		if req.CodeChallenge == "" {
			return nil, s.redirectError(req, idperrors.InvalidRequest("PKCE code_challenge is required for public clients"))
		}
		if s.requireS256 && req.CodeChallengeMethod != codes.MethodS256 {
			return nil, s.redirectError(req, idperrors.InvalidRequest("PKCE (S256) is required for public clients"))
		}
	}

	for _, scope := range clients.ParseScope(req.Scope) {
		if !clients.IsSupportedScope(scope) {
			return nil, s.redirectError(req, idperrors.InvalidScope(fmt.Sprintf("unsupported scope %q", scope)))
		}
	}

	return client, nil
}

// ValidRedirect reports whether errors for req may be delivered to its
// redirect URI.
func (s *AuthorizeService) ValidRedirect(req *AuthorizeRequest) bool {
	return req.ClientID != "" && req.RedirectURI != "" && s.clients.IsValidRedirectURI(req.ClientID, req.RedirectURI)
}

// GrantedScopes intersects the requested scopes with the client's scopes.
func GrantedScopes(req *AuthorizeRequest, client *domain.Client) []string {
	return clients.IntersectScopes(req.RequestedScopes(), client.Scopes)
}

// Approve issues an authorization code for the signed-in user and returns
// the redirect location carrying it.
func (s *AuthorizeService) Approve(req *AuthorizeRequest, user *domain.AuthenticatedUser) (string, error) {
	client, err := s.Validate(req)
	if err != nil {
		return "", err
	}
	if err := checkRedirectTransport(req.RedirectURI); err != nil {
		return "", err
	}

	granted := GrantedScopes(req, client)
	if len(granted) == 0 {
		return "", s.redirectError(req, idperrors.InvalidScope("no permitted scopes requested"))
	}

	code, err := s.codes.Generate(client.ID, user.ID, req.RedirectURI, granted, codes.GenerateOptions{
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Metadata:            userMetadata(user),
	})
	if err != nil {
		return "", idperrors.ServerError("failed to issue authorization code", err)
	}
	metrics.RecordAuthCodeIssued()

	s.logger.Info("authorization code granted",
		"user_id", user.ID,
		"client_id", client.ID,
		"scope", clients.JoinScopes(granted),
		"pkce", req.CodeChallenge != "",
	)
	return BuildAuthorizationResponse(req.RedirectURI, code, req.State), nil
}

// Deny returns the access_denied redirect for a declined consent.
func (s *AuthorizeService) Deny(req *AuthorizeRequest) (string, error) {
	if !s.ValidRedirect(req) {
		return "", idperrors.InvalidRequest("invalid redirect_uri")
	}
	s.logger.Info("authorization denied by user", "client_id", req.ClientID)
	return BuildErrorResponse(req.RedirectURI, idperrors.CodeAccessDenied, "user denied authorization", req.State), nil
}

func (s *AuthorizeService) redirectError(req *AuthorizeRequest, err *idperrors.Error) error {
	return &AuthorizeError{Err: err, RedirectURI: req.RedirectURI, State: req.State}
}

// checkRedirectTransport requires https unless the target is loopback http.
func checkRedirectTransport(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return idperrors.InvalidRequest("invalid redirect_uri")
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return nil
	case "http":
		if clients.IsLoopbackHost(u.Hostname()) {
			return nil
		}
	}
	return idperrors.InvalidRequest("redirect_uri must use https")
}

func userMetadata(user *domain.AuthenticatedUser) map[string]string {
	md := map[string]string{}
	if user.Username != "" {
		md[ClaimUsername] = user.Username
	}
	if user.OrganizationID != "" {
		md[ClaimOrganizationID] = user.OrganizationID
	}
	if user.TenantID != "" {
		md[ClaimTenantID] = user.TenantID
	}
	if len(user.Roles) > 0 {
		md[ClaimRoles] = strings.Join(user.Roles, " ")
	}
	return md
}

// BuildAuthorizationResponse builds the redirect URL with the authorization code.
func BuildAuthorizationResponse(redirectURI, code, state string) string {
	u, _ := url.Parse(redirectURI)
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// BuildErrorResponse builds the redirect URL with an error.
func BuildErrorResponse(redirectURI, errorCode, errorDescription, state string) string {
	u, _ := url.Parse(redirectURI)
	q := u.Query()
	q.Set("error", errorCode)
	if errorDescription != "" {
		q.Set("error_description", errorDescription)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
