package crypto

import (
	"fmt"
	"os"
)

// LoadKeyPair reads a private key PEM from path, or generates a fresh key
// for alg when path is empty. A loaded key must match alg when alg is set.
func LoadKeyPair(path, alg string) (*KeyPair, error) {
	if path == "" {
		return GenerateKeyPair(alg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	kp, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, err
	}
	if alg != "" && kp.Alg != alg {
		return nil, fmt.Errorf("signing key is %s but %s was configured", kp.Alg, alg)
	}
	return kp, nil
}

// WriteKeyPair writes the private key PEM with owner-only permissions.
func WriteKeyPair(path string, kp *KeyPair) error {
	if err := os.WriteFile(path, kp.PrivateKeyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write signing key: %w", err)
	}
	return nil
}
