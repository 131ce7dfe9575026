package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/tendant/mcp-oauth-server/internal/auth"
	"github.com/tendant/mcp-oauth-server/internal/clients"
	"github.com/tendant/mcp-oauth-server/internal/codes"
	"github.com/tendant/mcp-oauth-server/internal/crypto"
	"github.com/tendant/mcp-oauth-server/internal/domain"
	"github.com/tendant/mcp-oauth-server/internal/oauth"
	"github.com/tendant/mcp-oauth-server/internal/tokens"
)

const (
	testRedirect = "http://localhost:3001/callback"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testPassword = "wonderland"
)

type testEnv struct {
	server    *httptest.Server
	registry  *clients.Registry
	tokens    *tokens.Manager
	signer    crypto.Signer
	directory *auth.Directory
	csrf      *auth.CSRFService
}

func setupTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	logger := discardLogger()

	kp, err := crypto.GenerateKeyPair(crypto.AlgES256)
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	signer, err := crypto.NewJWTSigner(kp, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewJWTSigner failed: %v", err)
	}

	directory, err := auth.NewDirectory(auth.DemoUser{
		Username:       "alice",
		Password:       testPassword,
		Name:           "Alice Liddell",
		Email:          "alice@example.com",
		OrganizationID: "org-1",
		Roles:          []string{"reader"},
	})
	if err != nil {
		t.Fatalf("NewDirectory failed: %v", err)
	}

	registry := clients.New(clients.WithLogger(logger))
	store := codes.New(codes.WithLogger(logger))
	manager := tokens.NewManager(signer, testIssuer, testAudience, tokens.WithLogger(logger))
	csrf := auth.NewCSRFService("test-csrf-secret-0123456789abcdef", false, "")
	sessions := auth.NewSessionService(auth.NewMemorySessionStore(), "test-session-secret-0123456789ab")

	endpoints := DefaultEndpoints()
	cfg := Config{
		Issuer:               testIssuer,
		RegistrationEnabled:  true,
		IntrospectionEnabled: true,
		UserInfoEnabled:      true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := NewHandler(cfg, Deps{
		Registry:      registry,
		Codes:         store,
		Tokens:        manager,
		Authorize:     oauth.NewAuthorizeService(registry, store, oauth.WithAuthorizeLogger(logger)),
		Token:         oauth.NewTokenService(registry, store, manager, logger),
		Introspection: oauth.NewIntrospectionService(registry, manager, nil, logger),
		UserInfo:      oauth.NewUserInfoService(manager, nil, directory, logger),
		Login:         oauth.NewLoginService(directory, auth.NewLockoutService(5, time.Minute), endpoints.Authorization, logger),
		Sessions:      sessions,
		CSRF:          csrf,
	}, logger)

	srv := NewServer(":0", WithLogger(logger), WithMetricsPaths(h.MetricsPaths()...))
	h.Routes(srv.Router())

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:    ts,
		registry:  registry,
		tokens:    manager,
		signer:    signer,
		directory: directory,
		csrf:      csrf,
	}
}

// browser returns a client that keeps cookies and does not follow redirects.
func (e *testEnv) browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New failed: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (e *testEnv) url(path string) string {
	return e.server.URL + path
}

func (e *testEnv) csrfToken(t *testing.T, c *http.Client) string {
	t.Helper()
	u, _ := url.Parse(e.server.URL)
	for _, cookie := range c.Jar.Cookies(u) {
		if cookie.Name == e.csrf.CookieName() {
			return cookie.Value
		}
	}
	t.Fatal("CSRF cookie not set")
	return ""
}

func (e *testEnv) registerPublicClient(t *testing.T) *clients.RegistrationResponse {
	t.Helper()
	resp, err := e.registry.RegisterClient(context.Background(), clients.RegistrationRequest{
		ClientName:              "Inspector",
		RedirectURIs:            []string{testRedirect},
		Scope:                   "openid profile email mcp.read",
		TokenEndpointAuthMethod: clients.AuthMethodNone,
	}, "")
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	return resp
}

func (e *testEnv) registerConfidentialClient(t *testing.T) *clients.RegistrationResponse {
	t.Helper()
	resp, err := e.registry.RegisterClient(context.Background(), clients.RegistrationRequest{
		ClientName:   "Resource Server",
		ClientType:   domain.ClientConfidential,
		RedirectURIs: []string{"https://rs.example.com/cb"},
		GrantTypes:   []string{clients.GrantClientCredentials},
	}, "")
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	return resp
}

func authorizeQuery(clientID, scope string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirect},
		"scope":                 {scope},
		"state":                 {"state-123"},
		"code_challenge":        {codes.S256Challenge(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

func postForm(t *testing.T, c *http.Client, target string, form url.Values) *http.Response {
	t.Helper()
	resp, err := c.PostForm(target, form)
	if err != nil {
		t.Fatalf("POST %s failed: %v", target, err)
	}
	return resp
}

func get(t *testing.T, c *http.Client, target string) *http.Response {
	t.Helper()
	resp, err := c.Get(target)
	if err != nil {
		t.Fatalf("GET %s failed: %v", target, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(body)
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, body)
	}
}

// signIn walks a fresh browser from the authorization request to the
// consent page and returns the consent form's hidden fields.
func (e *testEnv) signIn(t *testing.T, c *http.Client, query url.Values) url.Values {
	t.Helper()

	resp := get(t, c, e.url("/oauth2/authorize?"+query.Encode()))
	expectStatus(t, resp, http.StatusFound)
	loginLocation := resp.Header.Get("Location")
	resp.Body.Close()
	if !strings.HasPrefix(loginLocation, "/oauth2/login?") {
		t.Fatalf("expected redirect to login, got %q", loginLocation)
	}

	resp = get(t, c, e.url(loginLocation))
	expectStatus(t, resp, http.StatusOK)
	readBody(t, resp)

	resp = postForm(t, c, e.url("/oauth2/login"), url.Values{
		"username":         {"alice"},
		"password":         {testPassword},
		"return_url":       {"/oauth2/authorize"},
		auth.CSRFFormField: {e.csrfToken(t, c)},
	})
	expectStatus(t, resp, http.StatusFound)
	resume := resp.Header.Get("Location")
	resp.Body.Close()
	if !strings.HasPrefix(resume, "/oauth2/authorize?") {
		t.Fatalf("expected redirect back to authorize, got %q", resume)
	}
	resumed, _ := url.Parse(resume)
	if resumed.Query().Get("state") != query.Get("state") {
		t.Errorf("resumed request lost state: %q", resume)
	}

	resp = get(t, c, e.url(resume))
	expectStatus(t, resp, http.StatusOK)
	page := readBody(t, resp)
	if !strings.Contains(page, "Inspector wants access") {
		t.Error("consent page should name the client")
	}
	if !strings.Contains(page, "Alice Liddell") {
		t.Error("consent page should name the user")
	}

	return hiddenInputs(page)
}

var hiddenInputPattern = regexp.MustCompile(`<input type="hidden" name="([^"]+)" value="([^"]*)">`)

func hiddenInputs(page string) url.Values {
	values := url.Values{}
	for _, m := range hiddenInputPattern.FindAllStringSubmatch(page, -1) {
		values.Set(m[1], htmlUnescape(m[2]))
	}
	return values
}

func htmlUnescape(s string) string {
	return strings.NewReplacer("&amp;", "&", "&#43;", "+", "&#34;", `"`, "&#39;", "'", "&lt;", "<", "&gt;", ">").Replace(s)
}

func (e *testEnv) exchangeCode(t *testing.T, clientID, code string) *oauth.TokenResponse {
	t.Helper()
	resp := postForm(t, http.DefaultClient, e.url("/oauth2/token"), url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {clientID},
		"code_verifier": {testVerifier},
	})
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Error("token response must not be cached")
	}
	var tok oauth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	resp.Body.Close()
	return &tok
}

func (e *testEnv) approve(t *testing.T, c *http.Client, fields url.Values) *url.URL {
	t.Helper()
	fields.Set(ConsentField, ConsentApprove)
	resp := postForm(t, c, e.url("/oauth2/authorize"), fields)
	expectStatus(t, resp, http.StatusSeeOther)
	resp.Body.Close()
	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("bad Location: %v", err)
	}
	return location
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := setupTestEnv(t)
	client := env.registerPublicClient(t)
	c := env.browser(t)

	fields := env.signIn(t, c, authorizeQuery(client.ClientID, "openid profile email mcp.read"))
	if fields.Get(auth.CSRFFormField) == "" {
		t.Fatal("consent form should carry a CSRF token")
	}
	if fields.Get("code_challenge") == "" {
		t.Fatal("consent form should carry the PKCE challenge")
	}

	location := env.approve(t, c, fields)
	if location.Scheme+"://"+location.Host+location.Path != testRedirect {
		t.Fatalf("redirect = %q", location)
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", location)
	}
	if location.Query().Get("state") != "state-123" {
		t.Errorf("state = %q", location.Query().Get("state"))
	}

	tok := env.exchangeCode(t, client.ClientID, code)
	if tok.TokenType != "Bearer" || tok.ExpiresIn != 900 {
		t.Errorf("token_type/expires_in = %q/%d", tok.TokenType, tok.ExpiresIn)
	}
	if tok.RefreshToken == "" {
		t.Error("expected a refresh token")
	}
	if tok.Scope != "openid profile email mcp.read" {
		t.Errorf("scope = %q", tok.Scope)
	}

	claims, err := env.tokens.VerifyAccessToken(tok.AccessToken)
	if err != nil {
		t.Fatalf("issued access token does not verify: %v", err)
	}
	if claims["client_id"] != client.ClientID {
		t.Errorf("client_id claim = %v", claims["client_id"])
	}

	// The code is single use.
	resp := postForm(t, http.DefaultClient, env.url("/oauth2/token"), url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {client.ClientID},
		"code_verifier": {testVerifier},
	})
	expectStatus(t, resp, http.StatusBadRequest)
	var errResp errorBody
	json.NewDecoder(resp.Body).Decode(&errResp)
	resp.Body.Close()
	if errResp.Error != "invalid_grant" {
		t.Errorf("replayed code error = %q, want invalid_grant", errResp.Error)
	}

	// Refresh keeps the same refresh token.
	resp = postForm(t, http.DefaultClient, env.url("/oauth2/token"), url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
		"client_id":     {client.ClientID},
	})
	expectStatus(t, resp, http.StatusOK)
	var refreshed oauth.TokenResponse
	json.NewDecoder(resp.Body).Decode(&refreshed)
	resp.Body.Close()
	if refreshed.AccessToken == "" || refreshed.AccessToken == tok.AccessToken {
		t.Error("refresh should mint a new access token")
	}

	// Userinfo for the signed-in user.
	req, _ := http.NewRequest(http.MethodGet, env.url("/oauth2/userinfo"), nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("userinfo request failed: %v", err)
	}
	expectStatus(t, resp, http.StatusOK)
	var info oauth.UserInfoResponse
	json.NewDecoder(resp.Body).Decode(&info)
	resp.Body.Close()
	if info.Name != "Alice Liddell" || info.Email != "alice@example.com" || info.OrganizationID != "org-1" {
		t.Errorf("unexpected userinfo: %+v", info)
	}
	if info.Roles != nil {
		t.Errorf("roles require the roles scope, got %v", info.Roles)
	}
}

func TestConsentDenied(t *testing.T) {
	env := setupTestEnv(t)
	client := env.registerPublicClient(t)
	c := env.browser(t)

	fields := env.signIn(t, c, authorizeQuery(client.ClientID, "mcp.read"))
	fields.Set(ConsentField, ConsentDeny)

	resp := postForm(t, c, env.url("/oauth2/authorize"), fields)
	expectStatus(t, resp, http.StatusSeeOther)
	resp.Body.Close()

	location, _ := url.Parse(resp.Header.Get("Location"))
	if location.Query().Get("error") != "access_denied" {
		t.Errorf("error = %q, want access_denied", location.Query().Get("error"))
	}
	if location.Query().Get("state") != "state-123" {
		t.Errorf("state = %q", location.Query().Get("state"))
	}
	if location.Query().Get("code") != "" {
		t.Error("denied consent must not carry a code")
	}
}

func TestConsentCSRFRejected(t *testing.T) {
	env := setupTestEnv(t)
	client := env.registerPublicClient(t)
	c := env.browser(t)

	fields := env.signIn(t, c, authorizeQuery(client.ClientID, "mcp.read"))
	fields.Set(auth.CSRFFormField, "forged")
	fields.Set(ConsentField, ConsentApprove)

	resp := postForm(t, c, env.url("/oauth2/authorize"), fields)
	expectStatus(t, resp, http.StatusSeeOther)
	resp.Body.Close()
	location, _ := url.Parse(resp.Header.Get("Location"))
	if location.Query().Get("error") != "invalid_request" {
		t.Errorf("error = %q, want invalid_request", location.Query().Get("error"))
	}
	if location.Query().Get("code") != "" {
		t.Error("CSRF failure must not issue a code")
	}

	// Without a trusted redirect URI the failure is rendered directly.
	fields.Set("redirect_uri", "https://evil.example.com/cb")
	resp = postForm(t, c, env.url("/oauth2/authorize"), fields)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestConsentWithoutSession(t *testing.T) {
	env := setupTestEnv(t)
	client := env.registerPublicClient(t)
	c := env.browser(t)

	resp := get(t, c, env.url("/oauth2/login"))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	form := authorizeQuery(client.ClientID, "mcp.read")
	form.Set(auth.CSRFFormField, env.csrfToken(t, c))
	form.Set(ConsentField, ConsentApprove)

	resp = postForm(t, c, env.url("/oauth2/authorize"), form)
	expectStatus(t, resp, http.StatusSeeOther)
	resp.Body.Close()
	location, _ := url.Parse(resp.Header.Get("Location"))
	if location.Query().Get("error") != "access_denied" {
		t.Errorf("error = %q, want access_denied", location.Query().Get("error"))
	}
}

func TestAuthorizeInvalidRequests(t *testing.T) {
	env := setupTestEnv(t)
	client := env.registerPublicClient(t)
	c := env.browser(t)

	t.Run("unknown client is not redirected", func(t *testing.T) {
		q := authorizeQuery("mcp_unknown", "mcp.read")
		resp := get(t, c, env.url("/oauth2/authorize?"+q.Encode()))
		expectStatus(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	})

	t.Run("unregistered redirect is not redirected", func(t *testing.T) {
		q := authorizeQuery(client.ClientID, "mcp.read")
		q.Set("redirect_uri", "https://evil.example.com/cb")
		resp := get(t, c, env.url("/oauth2/authorize?"+q.Encode()))
		expectStatus(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	})

	t.Run("missing PKCE is redirected", func(t *testing.T) {
		q := authorizeQuery(client.ClientID, "mcp.read")
		q.Del("code_challenge")
		q.Del("code_challenge_method")
		resp := get(t, c, env.url("/oauth2/authorize?"+q.Encode()))
		expectStatus(t, resp, http.StatusFound)
		resp.Body.Close()
		location, _ := url.Parse(resp.Header.Get("Location"))
		if location.Query().Get("error") != "invalid_request" {
			t.Errorf("error = %q", location.Query().Get("error"))
		}
		if !strings.HasPrefix(location.String(), testRedirect) {
			t.Errorf("location = %q", location)
		}
	})

	t.Run("unsupported scope is redirected", func(t *testing.T) {
		q := authorizeQuery(client.ClientID, "mcp.everything")
		resp := get(t, c, env.url("/oauth2/authorize?"+q.Encode()))
		expectStatus(t, resp, http.StatusFound)
		resp.Body.Close()
		location, _ := url.Parse(resp.Header.Get("Location"))
		if location.Query().Get("error") != "invalid_scope" {
			t.Errorf("error = %q", location.Query().Get("error"))
		}
	})
}

func TestAuthorizePKCEMethodByEnvironment(t *testing.T) {
	tests := []struct {
		name       string
		production bool
		method     string
		wantError  string
	}{
		{"development allows plain", false, "plain", ""},
		{"production rejects plain", true, "plain", "invalid_request"},
		{"production allows S256", true, "S256", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t, func(c *Config) { c.Production = tt.production })
			client := env.registerPublicClient(t)
			c := env.browser(t)

			q := authorizeQuery(client.ClientID, "mcp.read")
			if tt.method == "plain" {
				q.Set("code_challenge", testVerifier)
			}
			q.Set("code_challenge_method", tt.method)

			resp := get(t, c, env.url("/oauth2/authorize?"+q.Encode()))
			expectStatus(t, resp, http.StatusFound)
			resp.Body.Close()

			location, _ := url.Parse(resp.Header.Get("Location"))
			if tt.wantError == "" {
				if !strings.HasPrefix(location.Path, "/oauth2/login") {
					t.Errorf("expected login redirect, got %q", location)
				}
				return
			}
			if !strings.HasPrefix(location.String(), testRedirect) {
				t.Errorf("location = %q", location)
			}
			if got := location.Query().Get("error"); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
		})
	}
}

func TestLoginFailures(t *testing.T) {
	env := setupTestEnv(t)
	c := env.browser(t)

	resp := get(t, c, env.url("/oauth2/login"))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	tests := []struct {
		name       string
		username   string
		password   string
		csrf       string
		wantStatus int
		wantText   string
	}{
		{"wrong password", "alice", "looking-glass", "", http.StatusUnauthorized, "Invalid username or password."},
		{"unknown user", "bob", "secret", "", http.StatusUnauthorized, "Invalid username or password."},
		{"missing password", "alice", "", "", http.StatusBadRequest, "Username and password are required."},
		{"forged csrf", "alice", testPassword, "forged", http.StatusForbidden, "Your sign-in form expired."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := tt.csrf
			if token == "" {
				token = env.csrfToken(t, c)
			}
			resp := postForm(t, c, env.url("/oauth2/login"), url.Values{
				"username":         {tt.username},
				"password":         {tt.password},
				auth.CSRFFormField: {token},
			})
			expectStatus(t, resp, tt.wantStatus)
			if body := readBody(t, resp); !strings.Contains(body, tt.wantText) {
				t.Errorf("login page does not show %q", tt.wantText)
			}
		})
	}
}

func TestLoginReturnURLSanitized(t *testing.T) {
	env := setupTestEnv(t)
	c := env.browser(t)

	resp := get(t, c, env.url("/oauth2/login?return_url="+url.QueryEscape("https://evil.example.com/")))
	expectStatus(t, resp, http.StatusOK)
	body := readBody(t, resp)
	if strings.Contains(body, "evil.example.com") {
		t.Error("external return_url must not be echoed")
	}

	resp = postForm(t, c, env.url("/oauth2/login"), url.Values{
		"username":         {"alice"},
		"password":         {testPassword},
		"return_url":       {"https://evil.example.com/"},
		auth.CSRFFormField: {env.csrfToken(t, c)},
	})
	expectStatus(t, resp, http.StatusFound)
	resp.Body.Close()
	if got := resp.Header.Get("Location"); got != "/oauth2/authorize" {
		t.Errorf("Location = %q, want the fallback path", got)
	}
}

func TestRegistrationEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	post := func(contentType, body string) *http.Response {
		resp, err := http.Post(env.url("/oauth2/register"), contentType, strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST register failed: %v", err)
		}
		return resp
	}

	resp := post("application/json", `{"client_name":"Claude","redirect_uris":["http://127.0.0.1:*/callback"],"token_endpoint_auth_method":"none"}`)
	expectStatus(t, resp, http.StatusCreated)
	var reg clients.RegistrationResponse
	json.NewDecoder(resp.Body).Decode(&reg)
	resp.Body.Close()
	if !strings.HasPrefix(reg.ClientID, clients.ClientIDPrefix) {
		t.Errorf("client_id = %q", reg.ClientID)
	}
	if reg.ClientSecret != "" || reg.ClientType != domain.ClientPublic {
		t.Errorf("public client should have no secret: %+v", reg)
	}
	if env.registry.Count() != 1 {
		t.Errorf("registry count = %d", env.registry.Count())
	}

	tests := []struct {
		name        string
		contentType string
		body        string
		wantCode    string
	}{
		{"wrong content type", "text/plain", `{}`, "invalid_request"},
		{"malformed json", "application/json", `{"client_name":`, "invalid_client_metadata"},
		{"missing redirect", "application/json", `{"client_name":"x"}`, "invalid_client_metadata"},
		{"public http redirect", "application/json", `{"client_name":"x","redirect_uris":["http://example.com/cb"],"token_endpoint_auth_method":"none"}`, "invalid_client_metadata"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(tt.contentType, tt.body)
			expectStatus(t, resp, http.StatusBadRequest)
			var body errorBody
			json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
			if body.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", body.Error, tt.wantCode)
			}
		})
	}
}

func TestIntrospectionEndpoint(t *testing.T) {
	env := setupTestEnv(t)
	rs := env.registerConfidentialClient(t)

	pair, err := env.tokens.GenerateTokenPair("user-1", "mcp_app", []string{"mcp.read"}, tokens.GenerateOptions{})
	if err != nil {
		t.Fatalf("GenerateTokenPair failed: %v", err)
	}
	past := tokens.NewManager(env.signer, testIssuer, testAudience,
		tokens.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }))
	expired, err := past.GenerateTokenPair("user-1", "mcp_app", []string{"mcp.read"}, tokens.GenerateOptions{})
	if err != nil {
		t.Fatalf("GenerateTokenPair failed: %v", err)
	}

	introspectAs := func(token, id, secret string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, env.url("/oauth2/introspect"),
			bytes.NewBufferString(url.Values{"token": {token}}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if id != "" {
			req.SetBasicAuth(id, secret)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("introspect request failed: %v", err)
		}
		return resp
	}
	introspect := func(token string, basic bool) *http.Response {
		if !basic {
			return introspectAs(token, "", "")
		}
		return introspectAs(token, rs.ClientID, rs.ClientSecret)
	}

	resp := introspect(pair.AccessToken, true)
	expectStatus(t, resp, http.StatusOK)
	var active oauth.IntrospectionResponse
	json.NewDecoder(resp.Body).Decode(&active)
	resp.Body.Close()
	if !active.Active || active.Sub != "user-1" || active.Scope != "mcp.read" {
		t.Errorf("unexpected introspection: %+v", active)
	}

	for _, token := range []string{expired.AccessToken, "not-a-jwt"} {
		resp = introspect(token, true)
		expectStatus(t, resp, http.StatusOK)
		var inactive map[string]any
		json.NewDecoder(resp.Body).Decode(&inactive)
		resp.Body.Close()
		if inactive["active"] != false || len(inactive) != 1 {
			t.Errorf("inactive response should only say active=false, got %v", inactive)
		}
	}

	resp = introspect(pair.AccessToken, false)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Basic") {
		t.Errorf("WWW-Authenticate = %q", resp.Header.Get("WWW-Authenticate"))
	}

	public := env.registerPublicClient(t)
	resp = introspectAs(pair.AccessToken, public.ClientID, "any-made-up-secret")
	expectStatus(t, resp, http.StatusUnauthorized)
	body := readBody(t, resp)
	if !strings.Contains(body, "invalid_client") || strings.Contains(body, "user-1") {
		t.Errorf("public client introspection should fail without claims, got %s", body)
	}
}

func TestUserInfoEndpointErrors(t *testing.T) {
	env := setupTestEnv(t)

	ghost, err := env.tokens.GenerateTokenPair("ghost", "mcp_app", []string{"openid"}, tokens.GenerateOptions{})
	if err != nil {
		t.Fatalf("GenerateTokenPair failed: %v", err)
	}
	narrow, err := env.tokens.GenerateTokenPair("ghost", "mcp_app", []string{"mcp.read"}, tokens.GenerateOptions{})
	if err != nil {
		t.Fatalf("GenerateTokenPair failed: %v", err)
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantError  string
		wantAuth   bool
	}{
		{"missing token", "", http.StatusUnauthorized, "invalid_token", true},
		{"garbage token", "Bearer nope", http.StatusUnauthorized, "invalid_token", true},
		{"no identity scope", "Bearer " + narrow.AccessToken, http.StatusForbidden, "insufficient_scope", true},
		{"unknown user", "Bearer " + ghost.AccessToken, http.StatusNotFound, "user_not_found", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.url("/oauth2/userinfo"), nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			expectStatus(t, resp, tt.wantStatus)
			var body errorBody
			json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
			if body.Error != tt.wantError {
				t.Errorf("error = %q, want %q", body.Error, tt.wantError)
			}
			if got := resp.Header.Get("WWW-Authenticate"); (got != "") != tt.wantAuth {
				t.Errorf("WWW-Authenticate = %q", got)
			}
		})
	}
}

func TestSecurityHeadersOnRoutes(t *testing.T) {
	env := setupTestEnv(t)

	resp := get(t, http.DefaultClient, env.url("/oauth2/login"))
	resp.Body.Close()
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Error("login page should not be frameable")
	}
	if resp.Header.Get("Content-Security-Policy") == "" {
		t.Error("Content-Security-Policy missing")
	}
}
