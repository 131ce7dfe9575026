package oauth

import (
	"errors"
	"net/url"
	"reflect"
	"testing"

	"github.com/tendant/mcp-oauth-server/internal/codes"
	idperrors "github.com/tendant/mcp-oauth-server/internal/errors"
)

func TestValidateAuthorizeRequest(t *testing.T) {
	f := newFixture(t)
	svc := f.authorizeService(WithRequireS256(true))

	base := func() *AuthorizeRequest {
		return &AuthorizeRequest{
			ResponseType:        ResponseTypeCode,
			ClientID:            f.public.ClientID,
			RedirectURI:         publicRedirect,
			Scope:               "openid mcp.read",
			State:               "xyz",
			CodeChallenge:       codes.S256Challenge("verifier-verifier-verifier-verifier-verifier"),
			CodeChallengeMethod: codes.MethodS256,
		}
	}

	tests := []struct {
		name       string
		mutate     func(*AuthorizeRequest)
		wantCode   string
		redirected bool
	}{
		{"valid", func(*AuthorizeRequest) {}, "", false},
		{"missing client_id", func(r *AuthorizeRequest) { r.ClientID = "" }, idperrors.CodeInvalidRequest, false},
		{"missing redirect_uri", func(r *AuthorizeRequest) { r.RedirectURI = "" }, idperrors.CodeInvalidRequest, false},
		{"unknown client", func(r *AuthorizeRequest) { r.ClientID = "nope" }, idperrors.CodeInvalidRequest, false},
		{"unregistered redirect", func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example/cb" }, idperrors.CodeInvalidRequest, false},
		{"wrong response_type", func(r *AuthorizeRequest) { r.ResponseType = "token" }, idperrors.CodeUnsupportedResponseType, true},
		{"public without pkce", func(r *AuthorizeRequest) { r.CodeChallenge, r.CodeChallengeMethod = "", "" }, idperrors.CodeInvalidRequest, true},
		{"public with plain pkce", func(r *AuthorizeRequest) { r.CodeChallengeMethod = codes.MethodPlain }, idperrors.CodeInvalidRequest, true},
		{"unknown pkce method", func(r *AuthorizeRequest) { r.CodeChallengeMethod = "S512" }, idperrors.CodeInvalidRequest, true},
		{"unsupported scope", func(r *AuthorizeRequest) { r.Scope = "mcp.read admin:all" }, idperrors.CodeInvalidScope, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(req)

			client, err := svc.Validate(req)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				if client.ID != f.public.ClientID {
					t.Errorf("client = %q", client.ID)
				}
				return
			}

			if got := idperrors.CodeOf(err); got != tt.wantCode {
				t.Fatalf("error code = %q, want %q (err %v)", got, tt.wantCode, err)
			}
			var ae *AuthorizeError
			if errors.As(err, &ae) != tt.redirected {
				t.Errorf("redirected = %v, want %v", !tt.redirected, tt.redirected)
			}
			if tt.redirected {
				loc, _ := url.Parse(ae.Location())
				if loc.Query().Get("error") != tt.wantCode || loc.Query().Get("state") != "xyz" {
					t.Errorf("unexpected error redirect %s", ae.Location())
				}
			}
		})
	}
}

func TestPlainPKCEAllowedOutsideProduction(t *testing.T) {
	f := newFixture(t)
	svc := f.authorizeService()

	req := &AuthorizeRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            f.public.ClientID,
		RedirectURI:         publicRedirect,
		CodeChallenge:       "plain-challenge-plain-challenge-plain-challenge",
		CodeChallengeMethod: codes.MethodPlain,
	}
	if _, err := svc.Validate(req); err != nil {
		t.Errorf("plain PKCE should be accepted when S256 is not required: %v", err)
	}
}

func TestApproveIntersectsScopes(t *testing.T) {
	f := newFixture(t)
	svc := f.authorizeService()

	req := &AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     f.confidential.ClientID,
		RedirectURI:  confidentialRedirect,
		Scope:        "mcp.read mcp.admin",
		State:        "state-1",
	}

	location, err := svc.Approve(req, testUser)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	u, err := url.Parse(location)
	if err != nil {
		t.Fatalf("bad location %q: %v", location, err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != confidentialRedirect {
		t.Errorf("redirect base = %q", got)
	}
	if u.Query().Get("state") != "state-1" {
		t.Errorf("state = %q", u.Query().Get("state"))
	}

	code, err := f.codes.Exchange(u.Query().Get("code"), f.confidential.ClientID, confidentialRedirect, "")
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if !reflect.DeepEqual(code.Scopes, []string{"mcp.read"}) {
		t.Errorf("granted scopes = %v, want [mcp.read]", code.Scopes)
	}
	if code.UserID != testUser.ID {
		t.Errorf("user = %q", code.UserID)
	}
	if code.Metadata[ClaimOrganizationID] != "org-1" || code.Metadata[ClaimRoles] != "admin" {
		t.Errorf("metadata = %v", code.Metadata)
	}
}

func TestApproveDefaultScope(t *testing.T) {
	f := newFixture(t)
	svc := f.authorizeService()

	req := &AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     f.confidential.ClientID,
		RedirectURI:  confidentialRedirect,
	}
	location, err := svc.Approve(req, testUser)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	u, _ := url.Parse(location)
	code, err := f.codes.Exchange(u.Query().Get("code"), f.confidential.ClientID, confidentialRedirect, "")
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if !reflect.DeepEqual(code.Scopes, []string{"mcp.read"}) {
		t.Errorf("granted scopes = %v, want default [mcp.read]", code.Scopes)
	}
}

func TestApproveNoPermittedScopes(t *testing.T) {
	f := newFixture(t)
	svc := f.authorizeService()

	req := &AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     f.confidential.ClientID,
		RedirectURI:  confidentialRedirect,
		Scope:        "openid mcp.admin",
		State:        "s",
	}
	_, err := svc.Approve(req, testUser)

	var ae *AuthorizeError
	if !errors.As(err, &ae) {
		t.Fatalf("expected redirectable error, got %v", err)
	}
	if ae.Err.Code != idperrors.CodeInvalidScope {
		t.Errorf("code = %q, want invalid_scope", ae.Err.Code)
	}
	if got := f.codes.Stats().Total; got != 0 {
		t.Errorf("no code should be issued, store has %d", got)
	}
}

func TestDeny(t *testing.T) {
	f := newFixture(t)
	svc := f.authorizeService()

	req := &AuthorizeRequest{ClientID: f.confidential.ClientID, RedirectURI: confidentialRedirect, State: "s1"}
	location, err := svc.Deny(req)
	if err != nil {
		t.Fatalf("Deny failed: %v", err)
	}
	u, _ := url.Parse(location)
	if u.Query().Get("error") != idperrors.CodeAccessDenied || u.Query().Get("state") != "s1" {
		t.Errorf("unexpected deny redirect %s", location)
	}

	req.RedirectURI = "https://evil.example/cb"
	if _, err := svc.Deny(req); err == nil {
		t.Error("Deny must not redirect to an unregistered URI")
	}
}

func TestAuthorizeRequestParamsRoundTrip(t *testing.T) {
	req := &AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "c1",
		RedirectURI:         "http://localhost:3001/callback",
		Scope:               "openid mcp.read",
		State:               "abc",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
	}

	if got := AuthorizeRequestFromParams(req.Params()); !reflect.DeepEqual(got, req) {
		t.Errorf("round trip = %+v, want %+v", got, req)
	}
	if got := ParseAuthorizeRequest(req.Values()); !reflect.DeepEqual(got, req) {
		t.Errorf("values round trip = %+v, want %+v", got, req)
	}
	if _, ok := (&AuthorizeRequest{ClientID: "c"}).Params()[ParamState]; ok {
		t.Error("empty optional params should be omitted")
	}
}

func TestCheckRedirectTransport(t *testing.T) {
	tests := []struct {
		uri     string
		wantErr bool
	}{
		{"https://app.example.com/cb", false},
		{"http://localhost:3001/callback", false},
		{"http://127.0.0.1:8080/cb", false},
		{"http://[::1]:8080/cb", false},
		{"http://app.example.com/cb", true},
		{"myapp://callback", true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			if err := checkRedirectTransport(tt.uri); (err != nil) != tt.wantErr {
				t.Errorf("checkRedirectTransport(%q) err = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestBuildResponses(t *testing.T) {
	got := BuildAuthorizationResponse("https://app.example.com/cb?x=1", "the-code", "st")
	u, _ := url.Parse(got)
	if u.Query().Get("x") != "1" || u.Query().Get("code") != "the-code" || u.Query().Get("state") != "st" {
		t.Errorf("BuildAuthorizationResponse = %s", got)
	}

	got = BuildErrorResponse("https://app.example.com/cb", "access_denied", "", "")
	u, _ = url.Parse(got)
	if u.Query().Get("error") != "access_denied" || u.Query().Has("state") || u.Query().Has("error_description") {
		t.Errorf("BuildErrorResponse = %s", got)
	}
}
