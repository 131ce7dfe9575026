package validator

import (
	"net/http"
	"strings"
)

// ExtractBearerToken returns the token from an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively and must be followed by a
// single space and a token free of whitespace.
func ExtractBearerToken(r *http.Request) (string, bool) {
	return ParseBearerHeader(r.Header.Get("Authorization"))
}

// ParseBearerHeader applies the ExtractBearerToken rules to a raw header value.
func ParseBearerHeader(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	if token == "" || strings.ContainsAny(token, " \t\r\n") {
		return "", false
	}
	return token, true
}
