package http

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// AuthorizationServerMetadata is the RFC 8414 metadata document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JwksURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// ProtectedResourceMetadata is the RFC 9728 document describing the
// resource this server protects.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// writeCacheableJSON serves a public JSON document with a weak ETag and the
// given max-age, answering 304 when the client already holds it.
func writeCacheableJSON(w http.ResponseWriter, r *http.Request, maxAge time.Duration, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, err)
		return
	}

	sum := sha256.Sum256(body)
	etag := `W/"` + hex.EncodeToString(sum[:16]) + `"`

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds())))

	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// etagMatches applies the weak comparison of RFC 9110 to an If-None-Match
// header value.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}

// Metadata handles GET /.well-known/oauth-authorization-server.
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	writeCacheableJSON(w, r, h.cfg.MetadataMaxAge, h.metadata())
}

func (h *Handler) metadata() AuthorizationServerMetadata {
	md := AuthorizationServerMetadata{
		Issuer:                            h.cfg.Issuer,
		AuthorizationEndpoint:             h.absolute(h.cfg.Endpoints.Authorization),
		TokenEndpoint:                     h.absolute(h.cfg.Endpoints.Token),
		JwksURI:                           h.absolute(h.cfg.Endpoints.JWKS),
		ScopesSupported:                   supportedScopes(),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               supportedGrantTypes(),
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
	}
	if h.cfg.RegistrationEnabled {
		md.RegistrationEndpoint = h.absolute(h.cfg.Endpoints.Registration)
	}
	if h.cfg.IntrospectionEnabled {
		md.IntrospectionEndpoint = h.absolute(h.cfg.Endpoints.Introspection)
	}
	if h.cfg.UserInfoEnabled {
		md.UserinfoEndpoint = h.absolute(h.cfg.Endpoints.UserInfo)
	}
	return md
}

// ProtectedResource handles GET /.well-known/oauth-protected-resource.
func (h *Handler) ProtectedResource(w http.ResponseWriter, r *http.Request) {
	servers := h.cfg.AuthorizationServers
	if len(servers) == 0 {
		servers = []string{h.cfg.Issuer}
	}
	scopes := h.cfg.RequiredScopes
	if len(scopes) == 0 {
		scopes = supportedScopes()
	}
	writeCacheableJSON(w, r, h.cfg.MetadataMaxAge, ProtectedResourceMetadata{
		Resource:               h.cfg.ResourceURI,
		AuthorizationServers:   servers,
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
	})
}
