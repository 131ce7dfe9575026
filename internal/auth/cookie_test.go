package auth

import "testing"

func TestCookieDomainFromIssuer(t *testing.T) {
	tests := []struct {
		issuer string
		want   string
	}{
		{"https://auth.example.com", "auth.example.com"},
		{"https://Auth.Example.com:8443/base", "auth.example.com"},
		{"http://localhost:3000", ""},
		{"http://app.localhost:3000", ""},
		{"http://127.0.0.1:3000", ""},
		{"http://[::1]:3000", ""},
		{"https://abcd-1234.ngrok-free.app", ""},
		{"https://abcd.ngrok.io", ""},
		{"https://quiet-river.trycloudflare.com", ""},
		{"::not a url", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.issuer, func(t *testing.T) {
			if got := CookieDomainFromIssuer(tt.issuer); got != tt.want {
				t.Errorf("CookieDomainFromIssuer(%q) = %q, want %q", tt.issuer, got, tt.want)
			}
		})
	}
}
