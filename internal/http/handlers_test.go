package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/mcp-oauth-server/internal/clients"
	"github.com/tendant/mcp-oauth-server/internal/codes"
	"github.com/tendant/mcp-oauth-server/internal/crypto"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
	"github.com/tendant/mcp-oauth-server/internal/tokens"
)

const (
	testIssuer   = "http://localhost:3000"
	testAudience = "http://localhost:3000/mcp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) *tokens.Manager {
	t.Helper()
	kp, err := crypto.GenerateKeyPair(crypto.AlgES256)
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	signer, err := crypto.NewJWTSigner(kp, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewJWTSigner failed: %v", err)
	}
	return tokens.NewManager(signer, testIssuer, testAudience, tokens.WithLogger(discardLogger()))
}

// newDiscoveryRouter mounts a handler with only the stores the public
// documents need.
func newDiscoveryRouter(t *testing.T, cfg Config) (*chi.Mux, *Handler) {
	t.Helper()
	h := NewHandler(cfg, Deps{
		Registry: clients.New(),
		Codes:    codes.New(),
		Tokens:   newTestManager(t),
	}, discardLogger())
	r := chi.NewRouter()
	h.Routes(r)
	return r, h
}

func TestHealthz(t *testing.T) {
	handler := NewHealthHandler()

	w := httptest.NewRecorder()
	handler.Healthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestReadyz(t *testing.T) {
	handler := NewHealthHandler()

	w := httptest.NewRecorder()
	handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	handler.SetReady(false)
	w = httptest.NewRecorder()
	handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestReadyzFailingCheck(t *testing.T) {
	handler := NewHealthHandler()
	handler.AddCheck("sessions", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	w := httptest.NewRecorder()
	handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Checks["sessions"] != "connection refused" {
		t.Errorf("checks = %v", resp.Checks)
	}
}

func TestMetadata(t *testing.T) {
	r, _ := newDiscoveryRouter(t, Config{
		Issuer:               testIssuer + "/",
		RegistrationEnabled:  true,
		IntrospectionEnabled: true,
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, MetadataPath, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q", cc)
	}

	var md AuthorizationServerMetadata
	if err := json.NewDecoder(w.Body).Decode(&md); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if md.Issuer != testIssuer {
		t.Errorf("issuer = %q, trailing slash should be trimmed", md.Issuer)
	}
	if md.AuthorizationEndpoint != testIssuer+"/oauth2/authorize" {
		t.Errorf("authorization_endpoint = %q", md.AuthorizationEndpoint)
	}
	if md.TokenEndpoint != testIssuer+"/oauth2/token" {
		t.Errorf("token_endpoint = %q", md.TokenEndpoint)
	}
	if md.JwksURI != testIssuer+"/.well-known/jwks.json" {
		t.Errorf("jwks_uri = %q", md.JwksURI)
	}
	if md.RegistrationEndpoint != testIssuer+"/oauth2/register" {
		t.Errorf("registration_endpoint = %q", md.RegistrationEndpoint)
	}
	if md.IntrospectionEndpoint != testIssuer+"/oauth2/introspect" {
		t.Errorf("introspection_endpoint = %q", md.IntrospectionEndpoint)
	}
	if md.UserinfoEndpoint != "" {
		t.Errorf("userinfo_endpoint should be omitted when disabled, got %q", md.UserinfoEndpoint)
	}
	if !slices.Equal(md.CodeChallengeMethodsSupported, []string{"S256", "plain"}) {
		t.Errorf("code_challenge_methods_supported = %v", md.CodeChallengeMethodsSupported)
	}
	if !slices.Contains(md.TokenEndpointAuthMethodsSupported, "none") {
		t.Errorf("token_endpoint_auth_methods_supported = %v", md.TokenEndpointAuthMethodsSupported)
	}
	if !slices.Equal(md.ScopesSupported, clients.SupportedScopes) {
		t.Errorf("scopes_supported = %v", md.ScopesSupported)
	}
	if !slices.Contains(md.GrantTypesSupported, "refresh_token") {
		t.Errorf("grant_types_supported = %v", md.GrantTypesSupported)
	}
}

func TestMetadataETag(t *testing.T) {
	r, _ := newDiscoveryRouter(t, Config{Issuer: testIssuer})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, MetadataPath, nil))
	etag := w.Header().Get("ETag")
	if !strings.HasPrefix(etag, `W/"`) {
		t.Fatalf("expected weak ETag, got %q", etag)
	}

	tests := []struct {
		name        string
		ifNoneMatch string
		wantStatus  int
	}{
		{"matching etag", etag, http.StatusNotModified},
		{"strong form of weak etag", strings.TrimPrefix(etag, "W/"), http.StatusNotModified},
		{"list containing etag", `"other", ` + etag, http.StatusNotModified},
		{"wildcard", "*", http.StatusNotModified},
		{"stale etag", `W/"deadbeef"`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, MetadataPath, nil)
			req.Header.Set("If-None-Match", tt.ifNoneMatch)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusNotModified && w.Body.Len() != 0 {
				t.Error("304 response should have no body")
			}
		})
	}
}

func TestJWKSEndpoint(t *testing.T) {
	r, h := newDiscoveryRouter(t, Config{Issuer: testIssuer})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var jwks crypto.JWKS
	if err := json.NewDecoder(w.Body).Decode(&jwks); err != nil {
		t.Fatalf("failed to decode JWKS: %v", err)
	}
	if len(jwks.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(jwks.Keys))
	}
	key := jwks.Keys[0]
	if key.Kty != "EC" || key.Alg != "ES256" || key.Use != "sig" {
		t.Errorf("unexpected key: %+v", key)
	}
	if key.Kid != h.tokens.Stats().KeyID {
		t.Errorf("kid = %q, want %q", key.Kid, h.tokens.Stats().KeyID)
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	t.Run("disabled without resource", func(t *testing.T) {
		r, _ := newDiscoveryRouter(t, Config{Issuer: testIssuer})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, ProtectedResourcePath, nil))
		if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected route to be absent, got %d", w.Code)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		r, _ := newDiscoveryRouter(t, Config{Issuer: testIssuer, ResourceURI: "https://mcp.example.com"})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, ProtectedResourcePath, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var md ProtectedResourceMetadata
		json.NewDecoder(w.Body).Decode(&md)
		if md.Resource != "https://mcp.example.com" {
			t.Errorf("resource = %q", md.Resource)
		}
		if !slices.Equal(md.AuthorizationServers, []string{testIssuer}) {
			t.Errorf("authorization_servers = %v", md.AuthorizationServers)
		}
		if !slices.Equal(md.BearerMethodsSupported, []string{"header"}) {
			t.Errorf("bearer_methods_supported = %v", md.BearerMethodsSupported)
		}
		if !slices.Equal(md.ScopesSupported, clients.SupportedScopes) {
			t.Errorf("scopes_supported = %v", md.ScopesSupported)
		}
	})

	t.Run("configured", func(t *testing.T) {
		r, _ := newDiscoveryRouter(t, Config{
			Issuer:               testIssuer,
			ResourceURI:          "https://mcp.example.com",
			AuthorizationServers: []string{"https://auth.example.com"},
			RequiredScopes:       []string{"mcp.read"},
		})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, ProtectedResourcePath, nil))
		var md ProtectedResourceMetadata
		json.NewDecoder(w.Body).Decode(&md)
		if !slices.Equal(md.AuthorizationServers, []string{"https://auth.example.com"}) {
			t.Errorf("authorization_servers = %v", md.AuthorizationServers)
		}
		if !slices.Equal(md.ScopesSupported, []string{"mcp.read"}) {
			t.Errorf("scopes_supported = %v", md.ScopesSupported)
		}
	})
}

func TestCallback(t *testing.T) {
	r, _ := newDiscoveryRouter(t, Config{Issuer: testIssuer})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"code", "?code=abc123&state=xyz", http.StatusOK, "abc123"},
		{"error", "?error=access_denied&error_description=user+denied", http.StatusBadRequest, "user denied"},
		{"empty", "", http.StatusBadRequest, "Invalid callback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, CallbackPath+tt.query, nil))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body does not contain %q", tt.wantBody)
			}
		})
	}
}

func TestStatsRoute(t *testing.T) {
	t.Run("development", func(t *testing.T) {
		r, _ := newDiscoveryRouter(t, Config{Issuer: testIssuer})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, StatsPath, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var stats map[string]json.RawMessage
		json.NewDecoder(w.Body).Decode(&stats)
		for _, key := range []string{"clients", "codes", "tokens"} {
			if _, ok := stats[key]; !ok {
				t.Errorf("stats missing %q", key)
			}
		}
	})

	t.Run("production without validator", func(t *testing.T) {
		r, _ := newDiscoveryRouter(t, Config{Issuer: testIssuer, Production: true})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, StatsPath, nil))
		if w.Code == http.StatusOK {
			t.Error("stats should not be served in production without a validator")
		}
	})
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantDesc   string
		wantRetry  string
	}{
		{"invalid request", idperrors.InvalidRequest("missing code"), http.StatusBadRequest, "invalid_request", "missing code", ""},
		{"invalid client", idperrors.InvalidClient("bad secret"), http.StatusUnauthorized, "invalid_client", "bad secret", ""},
		{"invalid grant", idperrors.InvalidGrant("code expired"), http.StatusBadRequest, "invalid_grant", "code expired", ""},
		{"insufficient scope", idperrors.InsufficientScope([]string{"mcp.write"}), http.StatusForbidden, "insufficient_scope", "", ""},
		{"server error hides detail", idperrors.ServerError("db password wrong", errors.New("boom")), http.StatusInternalServerError, "server_error", "internal server error", ""},
		{"plain error", errors.New("unexpected"), http.StatusInternalServerError, "server_error", "internal server error", ""},
		{"unavailable", idperrors.TemporarilyUnavailable("slow down", 30*time.Second), http.StatusServiceUnavailable, "temporarily_unavailable", "slow down", "30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if w.Header().Get("Cache-Control") != "no-store" {
				t.Error("error responses must not be cached")
			}
			if got := w.Header().Get("Retry-After"); got != tt.wantRetry {
				t.Errorf("Retry-After = %q, want %q", got, tt.wantRetry)
			}
			var body errorBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", body.Error, tt.wantCode)
			}
			if tt.wantDesc != "" && body.ErrorDescription != tt.wantDesc {
				t.Errorf("error_description = %q, want %q", body.ErrorDescription, tt.wantDesc)
			}
		})
	}
}
