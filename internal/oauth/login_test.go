package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tendant/mcp-oauth-server/internal/auth"
	"github.com/tendant/mcp-oauth-server/internal/domain"
)

type fakeAuthenticator struct {
	password string
	err      error
	calls    int
}

func (a *fakeAuthenticator) Authenticate(_ context.Context, creds domain.Credentials) (*domain.AuthenticatedUser, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if creds.Username != "alice" || creds.Password != a.password {
		return nil, auth.ErrInvalidCredentials
	}
	u := *testUser
	return &u, nil
}

func TestLogin(t *testing.T) {
	authn := &fakeAuthenticator{password: "secret"}
	svc := NewLoginService(authn, auth.NewLockoutService(3, time.Minute), "/oauth2/authorize", nil)
	ctx := context.Background()

	user, err := svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if user.ID != testUser.ID {
		t.Errorf("user = %+v", user)
	}

	tests := []struct {
		name     string
		username string
		password string
		want     string
	}{
		{"missing username", "", "secret", LoginErrMissingCredentials},
		{"missing password", "alice", "", LoginErrMissingCredentials},
		{"wrong password", "alice", "nope", LoginErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Login(ctx, tt.username, tt.password)
			if got := LoginErrorCode(err); got != tt.want {
				t.Errorf("code = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoginLockout(t *testing.T) {
	authn := &fakeAuthenticator{password: "secret"}
	svc := NewLoginService(authn, auth.NewLockoutService(3, time.Minute), "/oauth2/authorize", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Login(ctx, "alice", "bad"); LoginErrorCode(err) != LoginErrInvalidCredentials {
			t.Fatalf("attempt %d: unexpected err %v", i, err)
		}
	}

	calls := authn.calls
	_, err := svc.Login(ctx, "ALICE", "secret")
	if LoginErrorCode(err) != LoginErrInvalidCredentials {
		t.Errorf("locked account err = %v, want invalid_credentials", err)
	}
	if authn.calls != calls {
		t.Error("locked accounts must not reach the authenticator")
	}
}

func TestLoginAuthenticatorFailure(t *testing.T) {
	ctx := context.Background()

	broken := NewLoginService(&fakeAuthenticator{err: errors.New("ldap down")}, nil, "/oauth2/authorize", nil)
	if _, err := broken.Login(ctx, "alice", "secret"); LoginErrorCode(err) != LoginErrServerError {
		t.Errorf("err = %v, want server_error", err)
	}

	unset := NewLoginService(nil, nil, "/oauth2/authorize", nil)
	if _, err := unset.Login(ctx, "alice", "secret"); LoginErrorCode(err) != LoginErrServerError {
		t.Errorf("err = %v, want server_error", err)
	}
}

func TestSafeReturnPath(t *testing.T) {
	svc := NewLoginService(nil, nil, "/oauth2/authorize", nil)
	issuer := "https://auth.example.com"

	tests := []struct {
		raw  string
		want string
	}{
		{"", "/oauth2/authorize"},
		{"/oauth2/authorize?client_id=x", "/oauth2/authorize"},
		{"/dashboard", "/dashboard"},
		{"/callback#frag", "/callback"},
		{"/admin", "/oauth2/authorize"},
		{"//evil.example.com/dashboard", "/oauth2/authorize"},
		{"https://evil.example.com/dashboard", "/oauth2/authorize"},
		{"https://auth.example.com/profile", "/profile"},
		{"javascript:alert(1)", "/oauth2/authorize"},
		{"dashboard", "/oauth2/authorize"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := svc.SafeReturnPath(tt.raw, issuer); got != tt.want {
				t.Errorf("SafeReturnPath(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
