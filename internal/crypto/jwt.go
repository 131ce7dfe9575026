package crypto

import (
	"fmt"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultLeeway is the clock skew tolerated when verifying exp and nbf.
const DefaultLeeway = 30 * time.Second

// Signer signs and verifies JWTs with a single, fixed algorithm.
type Signer interface {
	Sign(claims map[string]any) (string, error)
	Verify(token string) (map[string]any, error)
	Algorithm() string
	KeyID() string
	PublicJWK() JWK
}

// JWTSigner implements Signer with a KeyPair.
type JWTSigner struct {
	keyPair  *KeyPair
	method   jwt.SigningMethod
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// SignerOption configures a JWTSigner.
type SignerOption func(*JWTSigner)

// WithLeeway sets the clock skew tolerance for verification.
func WithLeeway(d time.Duration) SignerOption {
	return func(s *JWTSigner) {
		s.leeway = d
	}
}

// WithSignerClock overrides the time source used during verification.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *JWTSigner) {
		s.now = now
	}
}

// NewJWTSigner creates a signer that enforces issuer and audience on verify.
func NewJWTSigner(keyPair *KeyPair, issuer, audience string, opts ...SignerOption) (*JWTSigner, error) {
	var method jwt.SigningMethod
	switch keyPair.Alg {
	case AlgRS256:
		method = jwt.SigningMethodRS256
	case AlgES256:
		method = jwt.SigningMethodES256
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", keyPair.Alg)
	}

	s := &JWTSigner{
		keyPair:  keyPair,
		method:   method,
		issuer:   issuer,
		audience: audience,
		leeway:   DefaultLeeway,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Sign serializes claims into a compact JWS with typ and kid headers.
func (s *JWTSigner) Sign(claims map[string]any) (string, error) {
	token := jwt.NewWithClaims(s.method, jwt.MapClaims(maps.Clone(claims)))
	token.Header["typ"] = "JWT"
	token.Header["kid"] = s.keyPair.Kid

	signed, err := token.SignedString(s.keyPair.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm, issuer, audience, exp and nbf.
func (s *JWTSigner) Verify(tokenString string) (map[string]any, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.keyPair.Alg}),
		jwt.WithLeeway(s.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if kid, _ := token.Header["kid"].(string); kid != s.keyPair.Kid {
			return nil, fmt.Errorf("unknown key ID: %s", kid)
		}
		return s.keyPair.PublicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}

	return claims, nil
}

// Algorithm returns the JWS algorithm of the key.
func (s *JWTSigner) Algorithm() string {
	return s.keyPair.Alg
}

// KeyID returns the kid placed in token headers.
func (s *JWTSigner) KeyID() string {
	return s.keyPair.Kid
}

// PublicJWK returns the public key as a JWK.
func (s *JWTSigner) PublicJWK() JWK {
	return s.keyPair.ToJWK()
}

// PublicKeyPEM returns the SPKI PEM of the public key.
func (s *JWTSigner) PublicKeyPEM() string {
	return string(s.keyPair.PublicKeyPEM)
}
