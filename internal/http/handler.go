package http

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/mcp-oauth-server/internal/auth"
	"github.com/tendant/mcp-oauth-server/internal/clients"
	"github.com/tendant/mcp-oauth-server/internal/codes"
	"github.com/tendant/mcp-oauth-server/internal/oauth"
	"github.com/tendant/mcp-oauth-server/internal/tokens"
)

// Endpoints are the configurable route paths.
type Endpoints struct {
	Authorization string
	Token         string
	JWKS          string
	Registration  string
	Introspection string
	UserInfo      string
	Login         string
}

// DefaultEndpoints returns the standard route layout.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Authorization: "/oauth2/authorize",
		Token:         "/oauth2/token",
		JWKS:          "/.well-known/jwks.json",
		Registration:  "/oauth2/register",
		Introspection: "/oauth2/introspect",
		UserInfo:      "/oauth2/userinfo",
		Login:         "/oauth2/login",
	}
}

// Paths lists every configured endpoint path.
func (e Endpoints) Paths() []string {
	return []string{e.Authorization, e.Token, e.JWKS, e.Registration, e.Introspection, e.UserInfo, e.Login}
}

// Well-known and auxiliary routes.
const (
	MetadataPath          = "/.well-known/oauth-authorization-server"
	ProtectedResourcePath = "/.well-known/oauth-protected-resource"
	CallbackPath          = "/callback"
	StatsPath             = "/oauth2/stats"
)

// Config holds the handler settings.
type Config struct {
	Issuer    string
	Endpoints Endpoints

	Production           bool
	RegistrationEnabled  bool
	IntrospectionEnabled bool
	UserInfoEnabled      bool

	ResourceURI          string
	AuthorizationServers []string
	RequiredScopes       []string

	RateLimitRequests int
	RateLimitWindow   time.Duration

	// MetadataMaxAge is the Cache-Control max-age of the discovery and JWKS
	// documents.
	MetadataMaxAge time.Duration
}

// Deps are the services the handlers delegate to.
type Deps struct {
	Registry      *clients.Registry
	Codes         *codes.Store
	Tokens        *tokens.Manager
	Authorize     *oauth.AuthorizeService
	Token         *oauth.TokenService
	Introspection *oauth.IntrospectionService
	UserInfo      *oauth.UserInfoService
	Login         *oauth.LoginService
	Sessions      *auth.SessionService
	CSRF          *auth.CSRFService
	// Validator is optional. When set it renders bearer challenges and
	// guards the stats endpoint in production.
	Validator BearerValidator
}

// Handler serves the authorization server endpoints.
type Handler struct {
	cfg           Config
	registry      *clients.Registry
	codes         *codes.Store
	tokens        *tokens.Manager
	authorize     *oauth.AuthorizeService
	token         *oauth.TokenService
	introspection *oauth.IntrospectionService
	userinfo      *oauth.UserInfoService
	login         *oauth.LoginService
	sessions      *auth.SessionService
	csrf          *auth.CSRFService
	validator     BearerValidator
	logger        *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoints == (Endpoints{}) {
		cfg.Endpoints = DefaultEndpoints()
	}
	cfg.Issuer = strings.TrimSuffix(cfg.Issuer, "/")
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 15 * time.Minute
	}
	if cfg.MetadataMaxAge <= 0 {
		cfg.MetadataMaxAge = time.Hour
	}
	if cfg.Production && deps.Authorize != nil {
		deps.Authorize = deps.Authorize.RequiringS256()
	}

	return &Handler{
		cfg:           cfg,
		registry:      deps.Registry,
		codes:         deps.Codes,
		tokens:        deps.Tokens,
		authorize:     deps.Authorize,
		token:         deps.Token,
		introspection: deps.Introspection,
		userinfo:      deps.UserInfo,
		login:         deps.Login,
		sessions:      deps.Sessions,
		csrf:          deps.CSRF,
		validator:     deps.Validator,
		logger:        logger,
	}
}

// Routes mounts the endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	e := h.cfg.Endpoints

	r.Get(MetadataPath, h.Metadata)
	r.Get(e.JWKS, h.JWKS)
	if h.cfg.ResourceURI != "" {
		r.Get(ProtectedResourcePath, h.ProtectedResource)
	}

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(h.cfg.RateLimitRequests, h.cfg.RateLimitWindow))

		r.Get(e.Login, h.LoginPage)
		r.Post(e.Login, h.Login)
		r.Get(e.Authorization, h.Authorize)
		r.Post(e.Authorization, h.Consent)
		r.Post(e.Token, h.Token)
		if h.cfg.RegistrationEnabled {
			r.Post(e.Registration, h.Register)
		}
		if h.cfg.IntrospectionEnabled {
			r.Post(e.Introspection, h.Introspect)
		}
	})

	if h.cfg.UserInfoEnabled {
		r.Get(e.UserInfo, h.UserInfo)
	}

	r.Get(CallbackPath, h.Callback)

	switch {
	case !h.cfg.Production:
		r.Get(StatsPath, h.Stats)
	case h.validator != nil:
		r.With(RequireToken(h.validator, clients.ScopeMCPAdmin)).Get(StatsPath, h.Stats)
	}
}

// MetricsPaths are the routes worth their own request-metrics label.
func (h *Handler) MetricsPaths() []string {
	return append(h.cfg.Endpoints.Paths(), MetadataPath, ProtectedResourcePath, CallbackPath, StatsPath)
}

func (h *Handler) absolute(path string) string {
	return h.cfg.Issuer + path
}

func supportedScopes() []string {
	return slices.Clone(clients.SupportedScopes)
}

func supportedGrantTypes() []string {
	return []string{clients.GrantAuthorizationCode, clients.GrantRefreshToken, clients.GrantClientCredentials}
}

// challenge builds the WWW-Authenticate value for a bearer failure.
func (h *Handler) challenge(errCode, description string, scopes []string) string {
	if h.validator != nil {
		return h.validator.WWWAuthenticate(errCode, description, scopes)
	}
	value := `Bearer realm="` + h.cfg.Issuer + `"`
	if errCode != "" {
		value += `, error="` + errCode + `"`
	}
	if len(scopes) > 0 {
		value += `, scope="` + strings.Join(scopes, " ") + `"`
	}
	return value
}

func redirect(w http.ResponseWriter, r *http.Request, location string, status int) {
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, location, status)
}
