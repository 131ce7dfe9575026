package codes

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE code challenge methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// ValidateCodeVerifier checks a PKCE verifier against the stored challenge.
// An empty method is treated as S256. Comparisons are constant time.
func ValidateCodeVerifier(codeVerifier, codeChallenge, codeChallengeMethod string) bool {
	if codeChallenge == "" || codeVerifier == "" {
		return false
	}

	switch codeChallengeMethod {
	case MethodPlain:
		return subtle.ConstantTimeCompare([]byte(codeVerifier), []byte(codeChallenge)) == 1
	case MethodS256, "":
		return subtle.ConstantTimeCompare([]byte(S256Challenge(codeVerifier)), []byte(codeChallenge)) == 1
	default:
		return false
	}
}

// S256Challenge derives the S256 challenge for a verifier.
func S256Challenge(codeVerifier string) string {
	sum := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// IsSupportedMethod reports whether method is a known challenge method.
func IsSupportedMethod(method string) bool {
	return method == MethodS256 || method == MethodPlain
}
