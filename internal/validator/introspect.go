package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxIntrospectionBytes = 1 << 20

// introspector calls a remote RFC 7662 endpoint.
type introspector struct {
	url          string
	clientID     string
	clientSecret string
	client       *http.Client
	timeout      time.Duration
}

// introspect returns the claims of an active token. An inactive token yields
// nil claims and no error.
func (i *introspector) introspect(ctx context.Context, token string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	form := url.Values{"token": {token}}
	form.Set("token_type_hint", "access_token")
	if i.clientSecret == "" && i.clientID != "" {
		form.Set("client_id", i.clientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if i.clientSecret != "" {
		req.SetBasicAuth(i.clientID, i.clientSecret)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("introspection unauthorized: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection failed, status %d", resp.StatusCode)
	}

	var claims map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIntrospectionBytes)).Decode(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode introspection JSON: %w", err)
	}
	if active, _ := claims["active"].(bool); !active {
		return nil, nil
	}
	delete(claims, "active")
	return claims, nil
}
