// Package config handles application configuration via environment variables.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/tendant/mcp-oauth-server/internal/auth"
)

// EnvironmentProduction enables the production safety checks.
const EnvironmentProduction = "production"

// Config holds all configuration for the authorization server.
type Config struct {
	// Server settings
	Host        string `env:"MCP_AUTH_HOST" env-default:"0.0.0.0"`
	Port        int    `env:"MCP_AUTH_PORT" env-default:"3000"`
	Environment string `env:"MCP_AUTH_ENVIRONMENT" env-default:"development"`
	IssuerURL   string `env:"MCP_AUTH_ISSUER_URL" env-default:"http://localhost:3000"`

	// Endpoint paths
	AuthorizationEndpoint string `env:"MCP_AUTH_AUTHORIZATION_ENDPOINT" env-default:"/oauth2/authorize"`
	TokenEndpoint         string `env:"MCP_AUTH_TOKEN_ENDPOINT" env-default:"/oauth2/token"`
	JWKSEndpoint          string `env:"MCP_AUTH_JWKS_ENDPOINT" env-default:"/.well-known/jwks.json"`
	RegistrationEndpoint  string `env:"MCP_AUTH_REGISTRATION_ENDPOINT" env-default:"/oauth2/register"`
	IntrospectionEndpoint string `env:"MCP_AUTH_INTROSPECTION_ENDPOINT" env-default:"/oauth2/introspect"`
	UserInfoEndpoint      string `env:"MCP_AUTH_USERINFO_ENDPOINT" env-default:"/oauth2/userinfo"`
	LoginEndpoint         string `env:"MCP_AUTH_LOGIN_ENDPOINT" env-default:"/oauth2/login"`

	// Features. EnableRegistration is read separately because unset and
	// false mean different things.
	EnableRegistration  *bool `env:"-"`
	EnableIntrospection bool  `env:"MCP_AUTH_ENABLE_INTROSPECTION" env-default:"true"`
	EnableUserInfo      bool  `env:"MCP_AUTH_ENABLE_USERINFO" env-default:"true"`
	SeedBuiltinClients  bool  `env:"MCP_AUTH_SEED_BUILTIN_CLIENTS" env-default:"true"`

	// Session settings
	SessionSecret string        `env:"MCP_AUTH_SESSION_SECRET"`
	SessionTTL    time.Duration `env:"MCP_AUTH_SESSION_TTL" env-default:"24h"`
	CookieSecure  bool          `env:"MCP_AUTH_COOKIE_SECURE" env-default:"false"`
	CookieDomain  string        `env:"MCP_AUTH_COOKIE_DOMAIN" env-default:""`
	RedisURL      string        `env:"MCP_AUTH_REDIS_URL"`

	// Token issuance
	SigningAlgorithm string `env:"MCP_AUTH_SIGNING_ALGORITHM" env-default:"RS256"`
	SigningKeyFile   string `env:"MCP_AUTH_SIGNING_KEY_FILE"`
	TokenAudience    string `env:"MCP_AUTH_TOKEN_AUDIENCE"`

	// Rate limiting and lockout
	RateLimitRequests  int           `env:"MCP_AUTH_RATE_LIMIT_REQUESTS" env-default:"100"`
	RateLimitWindow    time.Duration `env:"MCP_AUTH_RATE_LIMIT_WINDOW" env-default:"15m"`
	LockoutMaxAttempts int           `env:"MCP_AUTH_LOCKOUT_MAX_ATTEMPTS" env-default:"5"`
	LockoutDuration    time.Duration `env:"MCP_AUTH_LOCKOUT_DURATION" env-default:"15m"`

	// CORS. Comma separated; "*" allows any origin.
	CORSOrigins string `env:"MCP_AUTH_CORS_ORIGINS"`

	// Token validator for tokens issued elsewhere
	ValidatorEnabled          bool          `env:"MCP_AUTH_ENABLED" env-default:"false"`
	ResourceURI               string        `env:"MCP_AUTH_RESOURCE_URI"`
	AuthorizationServers      string        `env:"MCP_AUTH_AUTHORIZATION_SERVERS"`
	RequiredScopes            string        `env:"MCP_AUTH_REQUIRED_SCOPES"`
	JWTAudience               string        `env:"MCP_AUTH_JWT_AUDIENCE"`
	JWTIssuer                 string        `env:"MCP_AUTH_JWT_ISSUER"`
	JWTAlgorithms             string        `env:"MCP_AUTH_JWT_ALGORITHMS"`
	JWTPublicKey              string        `env:"MCP_AUTH_JWT_PUBLIC_KEY"`
	JWKSURI                   string        `env:"MCP_AUTH_JWKS_URI"`
	IntrospectionURL          string        `env:"MCP_AUTH_INTROSPECTION_URL"`
	IntrospectionClientID     string        `env:"MCP_AUTH_INTROSPECTION_CLIENT_ID"`
	IntrospectionClientSecret string        `env:"MCP_AUTH_INTROSPECTION_CLIENT_SECRET"`
	TokenCacheTTL             time.Duration `env:"MCP_AUTH_TOKEN_CACHE_TTL" env-default:"5m"`
	MetadataCacheTTL          time.Duration `env:"MCP_AUTH_METADATA_CACHE_TTL" env-default:"1h"`

	// Logging
	LogLevel  string `env:"MCP_AUTH_LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"MCP_AUTH_LOG_FORMAT" env-default:"json"` // json or text

	// Demo users for the built-in directory.
	// Format: "username:password:name:email[:role1 role2]", comma separated.
	DemoUsers string `env:"MCP_AUTH_DEMO_USERS"`
	// Format: "client_id|client_secret|redirect_uri" (use | as delimiter to avoid URL conflicts)
	// Multiple redirect URIs separated by space: "client_id|secret|http://uri1 http://uri2"
	// Multiple clients separated by comma: "client1|secret1|uri1,client2|secret2|uri2"
	// Empty secret for public clients: "public-app||http://localhost:3001/callback"
	BootstrapClients string `env:"MCP_AUTH_BOOTSTRAP_CLIENTS"`

	// Internal flags (not from env)
	SessionSecretGenerated bool `env:"-"` // True if secret was auto-generated
}

// Load reads configuration from a .env file, if present, and the
// environment. Real environment variables win over the file.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if raw, ok := os.LookupEnv("MCP_AUTH_ENABLE_REGISTRATION"); ok && strings.TrimSpace(raw) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to load config: MCP_AUTH_ENABLE_REGISTRATION: %w", err)
		}
		cfg.EnableRegistration = &enabled
	}

	cfg.IssuerURL = strings.TrimSuffix(cfg.IssuerURL, "/")

	// Generate random session secret if not provided
	if cfg.SessionSecret == "" {
		secret, err := generateRandomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		cfg.SessionSecret = secret
		cfg.SessionSecretGenerated = true
	}

	return &cfg, nil
}

// Addr returns the server address in host:port format.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction reports whether the production checks apply.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvironmentProduction)
}

// RegistrationEnabled reports whether dynamic client registration is served.
// Unless set explicitly it is on outside production.
func (c *Config) RegistrationEnabled() bool {
	if c.EnableRegistration != nil {
		return *c.EnableRegistration
	}
	return !c.IsProduction()
}

// Audience returns the aud claim for issued tokens.
func (c *Config) Audience() string {
	switch {
	case c.TokenAudience != "":
		return c.TokenAudience
	case c.ResourceURI != "":
		return c.ResourceURI
	default:
		return c.IssuerURL
	}
}

// ParseAuthorizationServers decodes MCP_AUTH_AUTHORIZATION_SERVERS, a JSON
// array of issuer URLs.
func (c *Config) ParseAuthorizationServers() ([]string, error) {
	if strings.TrimSpace(c.AuthorizationServers) == "" {
		return nil, nil
	}
	var servers []string
	if err := json.Unmarshal([]byte(c.AuthorizationServers), &servers); err != nil {
		return nil, fmt.Errorf("MCP_AUTH_AUTHORIZATION_SERVERS must be a JSON array of URLs: %w", err)
	}
	return servers, nil
}

// ParseRequiredScopes splits MCP_AUTH_REQUIRED_SCOPES.
func (c *Config) ParseRequiredScopes() []string {
	return splitList(c.RequiredScopes)
}

// ParseJWTAlgorithms splits MCP_AUTH_JWT_ALGORITHMS.
func (c *Config) ParseJWTAlgorithms() []string {
	return splitList(c.JWTAlgorithms)
}

// ParseCORSOrigins splits MCP_AUTH_CORS_ORIGINS.
func (c *Config) ParseCORSOrigins() []string {
	return splitList(c.CORSOrigins)
}

// ParseDemoUsers parses MCP_AUTH_DEMO_USERS.
// Format: "username:password:name:email[:role1 role2]"
func (c *Config) ParseDemoUsers() ([]auth.DemoUser, error) {
	if c.DemoUsers == "" {
		return nil, nil
	}

	var users []auth.DemoUser
	for _, entry := range strings.Split(c.DemoUsers, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 5)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || parts[1] == "" {
			return nil, errors.New("MCP_AUTH_DEMO_USERS entries need at least username:password")
		}

		user := auth.DemoUser{
			Username: strings.TrimSpace(parts[0]),
			Password: parts[1],
		}
		if len(parts) >= 3 {
			user.Name = strings.TrimSpace(parts[2])
		}
		if len(parts) >= 4 {
			user.Email = strings.TrimSpace(parts[3])
		}
		if len(parts) == 5 {
			user.Roles = strings.Fields(parts[4])
		}
		users = append(users, user)
	}
	return users, nil
}

// BootstrapClient represents a client to be created on startup.
type BootstrapClient struct {
	ID           string
	Secret       string
	RedirectURIs []string
	Public       bool
}

// ParseBootstrapClients parses the MCP_AUTH_BOOTSTRAP_CLIENTS environment variable.
// Format: "client_id|client_secret|redirect_uri" (uses | delimiter to avoid URL conflicts)
// Multiple redirect URIs separated by space: "client_id|secret|http://uri1 http://uri2"
func (c *Config) ParseBootstrapClients() []BootstrapClient {
	if c.BootstrapClients == "" {
		return nil
	}

	var clients []BootstrapClient
	for _, entry := range strings.Split(c.BootstrapClients, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 3)
		if len(parts) < 3 {
			continue
		}

		secret := strings.TrimSpace(parts[1])
		client := BootstrapClient{
			ID:           strings.TrimSpace(parts[0]),
			Secret:       secret,
			RedirectURIs: strings.Fields(parts[2]), // Split by whitespace
			Public:       secret == "",
		}
		clients = append(clients, client)
	}
	return clients
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// generateRandomSecret generates a cryptographically secure random string.
func generateRandomSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
