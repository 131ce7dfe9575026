package oauth

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/tendant/mcp-oauth-server/internal/clients"
	"github.com/tendant/mcp-oauth-server/internal/codes"
	"github.com/tendant/mcp-oauth-server/internal/crypto"
	"github.com/tendant/mcp-oauth-server/internal/domain"
	"github.com/tendant/mcp-oauth-server/internal/tokens"
)

const (
	testIssuer   = "http://localhost:3000"
	testAudience = "http://localhost:3000/mcp"

	publicRedirect       = "http://localhost:3001/callback"
	confidentialRedirect = "https://app.example.com/cb"
)

type fixture struct {
	registry     *clients.Registry
	codes        *codes.Store
	signer       crypto.Signer
	tokens       *tokens.Manager
	public       *clients.RegistrationResponse
	confidential *clients.RegistrationResponse
	logger       *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := clients.New(clients.WithLogger(logger))
	public, err := registry.RegisterClient(ctx, clients.RegistrationRequest{
		ClientName:   "Public App",
		ClientType:   domain.ClientPublic,
		RedirectURIs: []string{publicRedirect},
		Scope:        "openid profile email roles mcp.read mcp.write",
	}, "")
	if err != nil {
		t.Fatalf("register public client: %v", err)
	}
	confidential, err := registry.RegisterClient(ctx, clients.RegistrationRequest{
		ClientName:   "Backend App",
		ClientType:   domain.ClientConfidential,
		RedirectURIs: []string{confidentialRedirect},
		GrantTypes:   []string{clients.GrantAuthorizationCode, clients.GrantRefreshToken, clients.GrantClientCredentials},
		Scope:        "mcp.read mcp.write",
	}, "")
	if err != nil {
		t.Fatalf("register confidential client: %v", err)
	}

	kp, err := crypto.GenerateKeyPair(crypto.AlgES256)
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	signer, err := crypto.NewJWTSigner(kp, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewJWTSigner failed: %v", err)
	}

	return &fixture{
		registry:     registry,
		codes:        codes.New(codes.WithLogger(logger), codes.WithDeleteDelay(0)),
		signer:       signer,
		tokens:       tokens.NewManager(signer, testIssuer, testAudience, tokens.WithLogger(logger)),
		public:       public,
		confidential: confidential,
		logger:       logger,
	}
}

func (f *fixture) tokenService() *TokenService {
	return NewTokenService(f.registry, f.codes, f.tokens, f.logger)
}

func (f *fixture) authorizeService(opts ...AuthorizeOption) *AuthorizeService {
	opts = append([]AuthorizeOption{WithAuthorizeLogger(f.logger)}, opts...)
	return NewAuthorizeService(f.registry, f.codes, opts...)
}

var testUser = &domain.AuthenticatedUser{
	ID:             "user-123",
	Username:       "alice",
	Email:          "alice@example.com",
	Name:           "Alice",
	OrganizationID: "org-1",
	Roles:          []string{"admin"},
}

// fakeValidator returns a fixed result for any token.
type fakeValidator struct {
	result *domain.TokenValidationResult
	calls  int
}

func (v *fakeValidator) Configured() bool { return true }

func (v *fakeValidator) ValidateToken(_ context.Context, _ string, _ []string) *domain.TokenValidationResult {
	v.calls++
	return v.result
}
