// Package main is the entry point for the MCP OAuth authorization server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/mcp-oauth-server/internal/auth"
	"github.com/tendant/mcp-oauth-server/internal/clients"
	"github.com/tendant/mcp-oauth-server/internal/codes"
	"github.com/tendant/mcp-oauth-server/internal/config"
	"github.com/tendant/mcp-oauth-server/internal/crypto"
	"github.com/tendant/mcp-oauth-server/internal/domain"
	idphttp "github.com/tendant/mcp-oauth-server/internal/http"
	"github.com/tendant/mcp-oauth-server/internal/metrics"
	"github.com/tendant/mcp-oauth-server/internal/oauth"
	"github.com/tendant/mcp-oauth-server/internal/tokens"
	"github.com/tendant/mcp-oauth-server/internal/validator"
)

const sweepInterval = 5 * time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SessionSecretGenerated {
		if cfg.IsProduction() {
			logger.Warn("MCP_AUTH_SESSION_SECRET is not set; sessions will not survive a restart")
		} else {
			logger.Info("using a generated session secret")
		}
	}

	// Signing key
	keyPair, err := crypto.LoadKeyPair(cfg.SigningKeyFile, cfg.SigningAlgorithm)
	if err != nil {
		return err
	}
	if cfg.SigningKeyFile == "" {
		logger.Warn("no signing key file configured; generated an ephemeral key", "alg", keyPair.Alg, "kid", keyPair.Kid)
	}
	signer, err := crypto.NewJWTSigner(keyPair, cfg.IssuerURL, cfg.Audience())
	if err != nil {
		return err
	}

	// Stores
	registryOpts := []clients.Option{clients.WithLogger(logger)}
	if cfg.SeedBuiltinClients {
		registryOpts = append(registryOpts, clients.WithBuiltinClients())
	}
	registry := clients.New(registryOpts...)
	bootstrapClients(ctx, cfg, registry, logger)

	codeStore := codes.New(
		codes.WithLogger(logger),
		codes.WithFailureHook(metrics.RecordAuthCodeFailure),
		codes.WithSizeHook(metrics.SetAuthCodesStored),
	)
	manager := tokens.NewManager(signer, cfg.IssuerURL, cfg.Audience(), tokens.WithLogger(logger))
	codeStore.Start(ctx)
	defer codeStore.Stop()
	manager.Start(ctx)
	defer manager.Close()

	// Identity
	var (
		authenticator oauth.UserAuthenticator
		provider      oauth.UserInfoProvider
	)
	users, err := cfg.ParseDemoUsers()
	if err != nil {
		return err
	}
	if len(users) > 0 {
		directory, err := auth.NewDirectory(users...)
		if err != nil {
			return err
		}
		authenticator, provider = directory, directory
		logger.Info("loaded demo users", "usernames", directory.Usernames())
	} else if cfg.IsProduction() {
		return errors.New("no user authenticator configured: set MCP_AUTH_DEMO_USERS")
	} else {
		logger.Warn("no user authenticator configured; logins will fail until MCP_AUTH_DEMO_USERS is set")
	}

	// Validator for tokens issued by other authorization servers
	var (
		remote      *validator.Validator
		tokenCheck  oauth.TokenValidator
		bearerCheck idphttp.BearerValidator
	)
	if cfg.ValidatorEnabled {
		remote, err = validator.New(validator.Config{
			ResourceURI:               cfg.ResourceURI,
			Audience:                  cfg.JWTAudience,
			Issuer:                    cfg.JWTIssuer,
			Algorithms:                cfg.ParseJWTAlgorithms(),
			JWKSURI:                   cfg.JWKSURI,
			PublicKeyPEM:              cfg.JWTPublicKey,
			IntrospectionURL:          cfg.IntrospectionURL,
			IntrospectionClientID:     cfg.IntrospectionClientID,
			IntrospectionClientSecret: cfg.IntrospectionClientSecret,
			CacheTTL:                  cfg.TokenCacheTTL,
			ResourceMetadataURL:       cfg.IssuerURL + idphttp.ProtectedResourcePath,
		}, validator.WithLogger(logger))
		if err != nil {
			return err
		}
		if !remote.Configured() {
			logger.Warn("token validator enabled without a JWKS URI, public key or introspection URL")
		}
		tokenCheck, bearerCheck = remote, remote
	}

	authServers, err := cfg.ParseAuthorizationServers()
	if err != nil {
		return err
	}

	// Sessions
	var sessionStore auth.SessionStore
	health := idphttp.NewHealthHandler()
	if cfg.RedisURL != "" {
		redisStore, err := auth.NewRedisSessionStore(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		sessionStore = redisStore
		health.AddCheck("sessions", redisStore.Ping)
		logger.Info("using redis session store")
	} else {
		memoryStore := auth.NewMemorySessionStore()
		sessionStore = memoryStore
		go sweepLoop(ctx, logger, "sessions", memoryStore.Sweep)
	}

	cookieDomain := cfg.CookieDomain
	if cookieDomain == "" {
		cookieDomain = auth.CookieDomainFromIssuer(cfg.IssuerURL)
	}
	sessions := auth.NewSessionService(sessionStore, cfg.SessionSecret,
		auth.WithCookieSecure(cfg.CookieSecure),
		auth.WithCookieDomain(cookieDomain),
		auth.WithSessionTTL(cfg.SessionTTL),
	)
	csrf := auth.NewCSRFService(cfg.SessionSecret, cfg.CookieSecure, cookieDomain)
	lockout := auth.NewLockoutService(cfg.LockoutMaxAttempts, cfg.LockoutDuration)
	go sweepLoop(ctx, logger, "lockouts", lockout.Sweep)

	endpoints := idphttp.Endpoints{
		Authorization: cfg.AuthorizationEndpoint,
		Token:         cfg.TokenEndpoint,
		JWKS:          cfg.JWKSEndpoint,
		Registration:  cfg.RegistrationEndpoint,
		Introspection: cfg.IntrospectionEndpoint,
		UserInfo:      cfg.UserInfoEndpoint,
		Login:         cfg.LoginEndpoint,
	}

	h := idphttp.NewHandler(idphttp.Config{
		Issuer:               cfg.IssuerURL,
		Endpoints:            endpoints,
		Production:           cfg.IsProduction(),
		RegistrationEnabled:  cfg.RegistrationEnabled(),
		IntrospectionEnabled: cfg.EnableIntrospection,
		UserInfoEnabled:      cfg.EnableUserInfo,
		ResourceURI:          cfg.ResourceURI,
		AuthorizationServers: authServers,
		RequiredScopes:       cfg.ParseRequiredScopes(),
		RateLimitRequests:    cfg.RateLimitRequests,
		RateLimitWindow:      cfg.RateLimitWindow,
		MetadataMaxAge:       cfg.MetadataCacheTTL,
	}, idphttp.Deps{
		Registry:      registry,
		Codes:         codeStore,
		Tokens:        manager,
		Authorize:     oauth.NewAuthorizeService(registry, codeStore,
			oauth.WithAuthorizeLogger(logger),
			oauth.WithRequireS256(cfg.IsProduction()),
		),
		Token:         oauth.NewTokenService(registry, codeStore, manager, logger),
		Introspection: oauth.NewIntrospectionService(registry, manager, tokenCheck, logger),
		UserInfo:      oauth.NewUserInfoService(manager, tokenCheck, provider, logger),
		Login:         oauth.NewLoginService(authenticator, lockout, endpoints.Authorization, logger),
		Sessions:      sessions,
		CSRF:          csrf,
		Validator:     bearerCheck,
	}, logger)

	cors := idphttp.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.ParseCORSOrigins()

	// Create HTTP server
	server := idphttp.NewServer(cfg.Addr(),
		idphttp.WithLogger(logger),
		idphttp.WithHealth(health),
		idphttp.WithCORS(cors),
		idphttp.WithMetricsPaths(h.MetricsPaths()...),
	)
	h.Routes(server.Router())

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"addr", cfg.Addr(),
		"issuer", cfg.IssuerURL,
		"audience", cfg.Audience(),
		"environment", cfg.Environment,
		"registration", cfg.RegistrationEnabled(),
		"validator", remote != nil,
	)

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}

// bootstrapClients registers the clients listed in MCP_AUTH_BOOTSTRAP_CLIENTS.
// Failures are logged so one bad entry does not block startup.
func bootstrapClients(ctx context.Context, cfg *config.Config, registry *clients.Registry, logger *slog.Logger) {
	for _, bc := range cfg.ParseBootstrapClients() {
		req := clients.RegistrationRequest{
			ClientName:   bc.ID,
			RedirectURIs: bc.RedirectURIs,
			Scope:        "openid profile email mcp.read mcp.write",
		}

		var err error
		if bc.Public {
			req.ClientType = domain.ClientPublic
			_, err = registry.RegisterClient(ctx, req, bc.ID)
		} else {
			req.ClientType = domain.ClientConfidential
			req.GrantTypes = []string{clients.GrantAuthorizationCode, clients.GrantRefreshToken, clients.GrantClientCredentials}
			_, err = registry.RegisterWithSecret(ctx, req, bc.ID, bc.Secret)
		}
		if err != nil {
			logger.Warn("failed to register bootstrap client", "client_id", bc.ID, "error", err)
			continue
		}
		logger.Info("registered bootstrap client", "client_id", bc.ID, "public", bc.Public)
	}
}

// sweepLoop runs sweep periodically until ctx is cancelled.
func sweepLoop(ctx context.Context, logger *slog.Logger, name string, sweep func() int) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sweep(); n > 0 {
				logger.Debug("swept expired entries", "store", name, "removed", n)
			}
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
