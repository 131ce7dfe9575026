package validator

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/tendant/mcp-oauth-server/internal/metrics"
)

const (
	// DefaultFetchTimeout bounds remote JWKS and introspection calls.
	DefaultFetchTimeout = 5 * time.Second
	// DefaultRefetchCooldown is the minimum gap between JWKS refetches.
	DefaultRefetchCooldown = 30 * time.Second

	maxJWKSBytes = 1 << 20
)

var errRefetchCooldown = errors.New("jwks refetch is cooling down")

// remoteKeySet resolves verification keys from a JWKS URI. Keys are fetched
// lazily and refetched when a token names an unknown kid, at most once per
// cooldown.
type remoteKeySet struct {
	uri      string
	client   *http.Client
	timeout  time.Duration
	cooldown time.Duration
	now      func() time.Time

	fetchMu     sync.Mutex
	mu          sync.RWMutex
	set         jwk.Set
	lastAttempt time.Time
}

func (k *remoteKeySet) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return k.lookup(ctx, kid)
	}
}

func (k *remoteKeySet) lookup(ctx context.Context, kid string) (any, error) {
	if key, ok := k.cached(kid); ok {
		return key, nil
	}

	if err := k.refresh(ctx); err != nil {
		return nil, err
	}

	if key, ok := k.cached(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("key ID %q not found in JWKS", kid)
}

func (k *remoteKeySet) cached(kid string) (any, bool) {
	k.mu.RLock()
	set := k.set
	k.mu.RUnlock()
	if set == nil {
		return nil, false
	}

	var key jwk.Key
	var ok bool
	if kid == "" {
		if set.Len() != 1 {
			return nil, false
		}
		key, ok = set.Key(0)
	} else {
		key, ok = set.LookupKeyID(kid)
	}
	if !ok {
		return nil, false
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, false
	}
	switch raw.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return raw, true
	default:
		return nil, false
	}
}

func (k *remoteKeySet) refresh(ctx context.Context) error {
	k.fetchMu.Lock()
	defer k.fetchMu.Unlock()

	now := k.now()
	k.mu.RLock()
	last := k.lastAttempt
	k.mu.RUnlock()
	if !last.IsZero() && now.Sub(last) < k.cooldown {
		metrics.RecordJWKSFetch("cooldown")
		return errRefetchCooldown
	}

	k.mu.Lock()
	k.lastAttempt = now
	k.mu.Unlock()

	set, err := k.fetch(ctx)
	if err != nil {
		metrics.RecordJWKSFetch("error")
		return err
	}
	metrics.RecordJWKSFetch("success")

	k.mu.Lock()
	k.set = set
	k.mu.Unlock()
	return nil
}

func (k *remoteKeySet) fetch(ctx context.Context) (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("JWKS fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed, status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS: %w", err)
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	return set, nil
}

// staticKey verifies tokens against a single configured PEM public key.
func staticKey(pemData string) (any, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemData)); err == nil {
		return key, nil
	}
	key, err := jwt.ParseECPublicKeyFromPEM([]byte(pemData))
	if err != nil {
		return nil, fmt.Errorf("public key is neither RSA nor EC PEM: %w", err)
	}
	return key, nil
}
