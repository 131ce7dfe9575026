// Package clients implements the OAuth client registry.
package clients

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tendant/mcp-oauth-server/internal/domain"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
)

const (
	// ClientIDPrefix is prepended to every generated client id.
	ClientIDPrefix = "mcp_"
	// SecretLength is the number of random bytes in a generated client secret.
	SecretLength = 32
	// BcryptCost is the work factor for stored client secret hashes.
	BcryptCost = 12
	// LoopbackWildcard marks a redirect URI whose port (and loopback host) may vary.
	LoopbackWildcard = ":*"
)

// Grant types a client may register for.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Token endpoint authentication methods.
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

var supportedGrantTypes = []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials}

// RegistrationRequest is the client metadata submitted for registration.
type RegistrationRequest struct {
	ClientName              string            `json:"client_name"`
	ClientType              domain.ClientType `json:"client_type,omitempty"`
	RedirectURIs            []string          `json:"redirect_uris"`
	GrantTypes              []string          `json:"grant_types,omitempty"`
	ResponseTypes           []string          `json:"response_types,omitempty"`
	Scope                   string            `json:"scope,omitempty"`
	TokenEndpointAuthMethod string            `json:"token_endpoint_auth_method,omitempty"`
}

// RegistrationResponse is returned once, at registration time.
type RegistrationResponse struct {
	ClientID                string            `json:"client_id"`
	ClientSecret            string            `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64             `json:"client_id_issued_at"`
	ClientSecretExpiresAt   *int64            `json:"client_secret_expires_at,omitempty"`
	ClientName              string            `json:"client_name"`
	ClientType              domain.ClientType `json:"client_type"`
	RedirectURIs            []string          `json:"redirect_uris"`
	GrantTypes              []string          `json:"grant_types"`
	ResponseTypes           []string          `json:"response_types"`
	Scope                   string            `json:"scope"`
	TokenEndpointAuthMethod string            `json:"token_endpoint_auth_method"`
}

// Registry stores OAuth clients in memory.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*domain.Client
	logger  *slog.Logger
	now     func() time.Time
	seed    bool
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithBuiltinClients registers the built-in clients during construction.
func WithBuiltinClients() Option {
	return func(r *Registry) {
		r.seed = true
	}
}

// New creates a new Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		clients: make(map[string]*domain.Client),
		logger:  slog.Default(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.seed {
		r.seedBuiltins(context.Background())
	}

	return r
}

// RegisterClient validates the request and stores a new client. When
// customClientID is empty a prefixed id is generated.
func (r *Registry) RegisterClient(ctx context.Context, req RegistrationRequest, customClientID string) (*RegistrationResponse, error) {
	return r.register(ctx, req, customClientID, "")
}

// RegisterWithSecret registers a confidential client whose secret is supplied
// by the operator, as used for bootstrap clients.
func (r *Registry) RegisterWithSecret(ctx context.Context, req RegistrationRequest, clientID, secret string) (*RegistrationResponse, error) {
	if clientID == "" || secret == "" {
		return nil, idperrors.Registration("client id and secret are required")
	}
	req.ClientType = domain.ClientConfidential
	return r.register(ctx, req, clientID, secret)
}

func (r *Registry) register(ctx context.Context, req RegistrationRequest, customClientID, presetSecret string) (*RegistrationResponse, error) {
	clientType, authMethod, err := resolveClientType(req)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(req.ClientName) == "" {
		return nil, idperrors.Registration("client_name is required")
	}
	if len(req.RedirectURIs) == 0 {
		return nil, idperrors.Registration("at least one redirect_uri is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri, clientType); err != nil {
			return nil, err
		}
	}

	scopes := ParseScope(req.Scope)
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}
	for _, s := range scopes {
		if !IsSupportedScope(s) {
			return nil, idperrors.Registration("unsupported scope %q", s)
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	for _, g := range grantTypes {
		if !slices.Contains(supportedGrantTypes, g) {
			return nil, idperrors.Registration("unsupported grant_type %q", g)
		}
		if g == GrantClientCredentials && clientType == domain.ClientPublic {
			return nil, idperrors.Registration("public clients cannot use client_credentials")
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, idperrors.Registration("unsupported response_type %q", rt)
		}
	}

	now := r.now()
	client := &domain.Client{
		Name:          strings.TrimSpace(req.ClientName),
		Type:          clientType,
		RedirectURIs:  slices.Clone(req.RedirectURIs),
		GrantTypes:    slices.Clone(grantTypes),
		ResponseTypes: slices.Clone(responseTypes),
		Scopes:        scopes,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	secret := presetSecret
	if clientType == domain.ClientConfidential {
		if secret == "" {
			secret, err = generateSecret()
			if err != nil {
				return nil, idperrors.ServerError("failed to generate client secret", err)
			}
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), BcryptCost)
		if err != nil {
			return nil, idperrors.ServerError("failed to hash client secret", err)
		}
		client.SecretHash = string(hash)
	}

	r.mu.Lock()
	if customClientID != "" {
		if _, exists := r.clients[customClientID]; exists {
			r.mu.Unlock()
			return nil, idperrors.Registration("client %q already exists", customClientID)
		}
		client.ID = customClientID
	} else {
		client.ID = generateClientID()
	}
	r.clients[client.ID] = client
	r.mu.Unlock()

	r.logger.Info("client registered",
		"client_id", client.ID,
		"client_name", client.Name,
		"client_type", client.Type,
	)

	resp := &RegistrationResponse{
		ClientID:                client.ID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        now.Unix(),
		ClientName:              client.Name,
		ClientType:              client.Type,
		RedirectURIs:            slices.Clone(client.RedirectURIs),
		GrantTypes:              slices.Clone(client.GrantTypes),
		ResponseTypes:           slices.Clone(client.ResponseTypes),
		Scope:                   JoinScopes(client.Scopes),
		TokenEndpointAuthMethod: authMethod,
	}
	if secret != "" {
		never := int64(0)
		resp.ClientSecretExpiresAt = &never
	}
	return resp, nil
}

// ValidateClient authenticates a client. Public clients are checked by id
// and active flag; confidential clients must also present their secret.
func (r *Registry) ValidateClient(ctx context.Context, clientID, clientSecret string) (*domain.Client, error) {
	client, ok := r.GetClient(clientID)
	if !ok || !client.Active {
		return nil, idperrors.InvalidClient("client authentication failed")
	}

	if client.IsPublic() {
		return client, nil
	}

	if clientSecret == "" {
		return nil, idperrors.InvalidClient("client authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		return nil, idperrors.InvalidClient("client authentication failed")
	}
	return client, nil
}

// IsValidRedirectURI reports whether uri is registered for the client.
func (r *Registry) IsValidRedirectURI(clientID, uri string) bool {
	client, ok := r.GetClient(clientID)
	if !ok {
		return false
	}
	for _, registered := range client.RedirectURIs {
		if MatchRedirectURI(registered, uri) {
			return true
		}
	}
	return false
}

// GetClient returns a copy of the client record.
func (r *Registry) GetClient(clientID string) (*domain.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	return cloneClient(client), true
}

// SupportsGrantType reports whether the client registered the grant type.
func (r *Registry) SupportsGrantType(clientID, grantType string) bool {
	client, ok := r.GetClient(clientID)
	return ok && slices.Contains(client.GrantTypes, grantType)
}

// HasScope reports whether the client registered the scope.
func (r *Registry) HasScope(clientID, scope string) bool {
	client, ok := r.GetClient(clientID)
	return ok && slices.Contains(client.Scopes, scope)
}

// ListClients returns all clients ordered by creation time.
func (r *Registry) ListClients() []*domain.Client {
	r.mu.RLock()
	out := make([]*domain.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, cloneClient(c))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// MatchRedirectURI compares a presented redirect URI against one registered value.
func MatchRedirectURI(registered, candidate string) bool {
	if registered == candidate {
		return true
	}

	if strings.Contains(registered, LoopbackWildcard) {
		return matchLoopbackWildcard(registered, candidate)
	}

	reg, err := url.Parse(registered)
	if err != nil {
		return false
	}
	cand, err := url.Parse(candidate)
	if err != nil || cand.User != nil || cand.Fragment != "" {
		return false
	}

	return strings.EqualFold(reg.Scheme, cand.Scheme) &&
		strings.EqualFold(reg.Host, cand.Host) &&
		reg.Path == cand.Path
}

func matchLoopbackWildcard(pattern, candidate string) bool {
	pat, err := url.Parse(strings.Replace(pattern, LoopbackWildcard, "", 1))
	if err != nil {
		return false
	}
	cand, err := url.Parse(candidate)
	if err != nil || cand.User != nil || cand.Fragment != "" {
		return false
	}
	if cand.Scheme != "http" && cand.Scheme != "https" {
		return false
	}
	if !IsLoopbackHost(cand.Hostname()) {
		return false
	}
	if pat.Path != "" && pat.Path != "/" && pat.Path != cand.Path {
		return false
	}
	return true
}

// IsLoopbackHost reports whether host names the local machine.
func IsLoopbackHost(host string) bool {
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validateRedirectURI(raw string, clientType domain.ClientType) error {
	wildcard := strings.Contains(raw, LoopbackWildcard)
	parsable := raw
	if wildcard {
		parsable = strings.Replace(raw, LoopbackWildcard, "", 1)
	}

	u, err := url.Parse(parsable)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return idperrors.Registration("invalid redirect_uri %q", raw)
	}
	if u.Fragment != "" {
		return idperrors.Registration("redirect_uri %q must not contain a fragment", raw)
	}
	if wildcard && !IsLoopbackHost(u.Hostname()) {
		return idperrors.Registration("wildcard ports are only allowed for loopback hosts: %q", raw)
	}

	if clientType == domain.ClientPublic && u.Scheme != "https" {
		if !wildcard && !IsLoopbackHost(u.Hostname()) {
			return idperrors.Registration("public clients must use https redirect URIs: %q", raw)
		}
	}
	return nil
}

func resolveClientType(req RegistrationRequest) (domain.ClientType, string, error) {
	switch req.ClientType {
	case domain.ClientPublic:
		return domain.ClientPublic, AuthMethodNone, nil
	case domain.ClientConfidential:
		method := req.TokenEndpointAuthMethod
		if method == "" || method == AuthMethodNone {
			method = AuthMethodClientSecretBasic
		}
		return domain.ClientConfidential, method, nil
	case "":
		switch req.TokenEndpointAuthMethod {
		case AuthMethodNone:
			return domain.ClientPublic, AuthMethodNone, nil
		case "", AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
			method := req.TokenEndpointAuthMethod
			if method == "" {
				method = AuthMethodClientSecretBasic
			}
			return domain.ClientConfidential, method, nil
		}
		return "", "", idperrors.Registration("unsupported token_endpoint_auth_method %q", req.TokenEndpointAuthMethod)
	default:
		return "", "", idperrors.Registration("client_type must be %q or %q", domain.ClientConfidential, domain.ClientPublic)
	}
}

func generateClientID() string {
	return ClientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func generateSecret() (string, error) {
	b := make([]byte, SecretLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func cloneClient(c *domain.Client) *domain.Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}
