package tokens

import (
	"strings"
)

// Registered and server-controlled claim names. Callers cannot set these
// through custom claims.
const (
	ClaimSubject   = "sub"
	ClaimAudience  = "aud"
	ClaimIssuer    = "iss"
	ClaimIssuedAt  = "iat"
	ClaimExpiry    = "exp"
	ClaimNotBefore = "nbf"
	ClaimTokenID   = "jti"
	ClaimClientID  = "client_id"
	ClaimScope     = "scope"
	ClaimTokenType = "token_type"
)

var reservedClaims = map[string]struct{}{
	ClaimSubject:   {},
	ClaimAudience:  {},
	ClaimIssuer:    {},
	ClaimIssuedAt:  {},
	ClaimExpiry:    {},
	ClaimNotBefore: {},
	ClaimTokenID:   {},
	ClaimClientID:  {},
	ClaimScope:     {},
	ClaimTokenType: {},
}

// IsReservedClaim reports whether name is controlled by the token manager.
func IsReservedClaim(name string) bool {
	_, ok := reservedClaims[name]
	return ok
}

// SanitizeClaims returns a copy of custom without any reserved claim names.
// It is applied to every token the manager signs.
func SanitizeClaims(custom map[string]any) map[string]any {
	out := make(map[string]any, len(custom))
	for k, v := range custom {
		if k == "" || IsReservedClaim(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// StringClaim reads a string claim, returning "" when absent or mistyped.
func StringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

// ScopesFromClaims splits the space-delimited scope claim.
func ScopesFromClaims(claims map[string]any) []string {
	return strings.Fields(StringClaim(claims, ClaimScope))
}
