// Package crypto provides signing key pairs, JWKS rendering and JWT signing.
package crypto

import (
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"
)

const (
	// DefaultRSAKeySize is the RSA modulus size in bits.
	DefaultRSAKeySize = 2048
	// AlgRS256 is RSASSA-PKCS1-v1_5 with SHA-256.
	AlgRS256 = "RS256"
	// AlgES256 is ECDSA P-256 with SHA-256.
	AlgES256 = "ES256"
	// KeyUse is the JWK key use.
	KeyUse = "sig"
)

// KeyPair is the signing key held for the life of the process.
type KeyPair struct {
	Kid        string
	Alg        string
	PrivateKey stdcrypto.Signer
	PublicKey  stdcrypto.PublicKey
	CreatedAt  time.Time

	PrivateKeyPEM []byte
	PublicKeyPEM  []byte
}

// GenerateKeyPair generates a new key pair for the given algorithm.
func GenerateKeyPair(alg string) (*KeyPair, error) {
	var (
		priv stdcrypto.Signer
		err  error
	)
	switch alg {
	case AlgRS256, "":
		alg = AlgRS256
		priv, err = rsa.GenerateKey(rand.Reader, DefaultRSAKeySize)
	case AlgES256:
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", alg, err)
	}
	return newKeyPair(priv, alg)
}

// ParsePrivateKeyPEM loads a PKCS#1, PKCS#8 or SEC 1 private key. The
// algorithm is derived from the key type.
func ParsePrivateKeyPEM(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	var key any
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return newKeyPair(k, AlgRS256)
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("ES256 requires a P-256 key")
		}
		return newKeyPair(k, AlgES256)
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

func newKeyPair(priv stdcrypto.Signer, alg string) (*KeyPair, error) {
	kp := &KeyPair{
		Alg:        alg,
		PrivateKey: priv,
		PublicKey:  priv.Public(),
		CreatedAt:  time.Now(),
	}
	if err := kp.serializeToPEM(); err != nil {
		return nil, err
	}
	kp.Kid = keyID(kp.PublicKeyPEM)
	return kp, nil
}

// serializeToPEM encodes the private key as PKCS#8 and the public key as SPKI.
func (kp *KeyPair) serializeToPEM() error {
	privateKeyBytes, err := x509.MarshalPKCS8PrivateKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	kp.PrivateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	kp.PublicKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	})

	return nil
}

// keyID derives a stable kid from the public key so a reloaded key keeps its id.
func keyID(publicPEM []byte) string {
	sum := sha256.Sum256(publicPEM)
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}
