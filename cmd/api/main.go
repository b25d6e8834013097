package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redcell/optrack/internal/auth"
	"github.com/redcell/optrack/internal/background"
	"github.com/redcell/optrack/internal/config"
	"github.com/redcell/optrack/internal/database"
	"github.com/redcell/optrack/internal/handlers"
	"github.com/redcell/optrack/internal/metrics"
	middlewareCustom "github.com/redcell/optrack/internal/middleware"
	"github.com/redcell/optrack/internal/models"
	"github.com/redcell/optrack/internal/repositories"
	"github.com/redcell/optrack/internal/routes"
	"github.com/redcell/optrack/internal/services"
	"github.com/redcell/optrack/internal/sso"
	pkgauth "github.com/redcell/optrack/pkg/auth"
	pkghttp "github.com/redcell/optrack/pkg/http"
	pkglogger "github.com/redcell/optrack/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, cfg.Database.DSN(), logger); err != nil {
			logger.Error("failed to run migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Metrics
	var (
		appMetrics   *metrics.Metrics
		metricsRoute http.Handler
		events       services.EventRecorder
		rejections   auth.RejectionRecorder
	)
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		appMetrics = metrics.New(registry)
		metricsRoute = appMetrics.Handler()
		events = appMetrics
		rejections = appMetrics
	}

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	setupRepo := repositories.NewSetupRepository(db)
	azureRepo := repositories.NewAzureConfigRepository(db)

	// Security primitives
	auditLogger := pkglogger.NewAuditLogger(logger)
	hasher := pkgauth.NewPasswordHasher(cfg.Auth.BcryptCost)
	tokenManager := auth.NewTokenManager(auth.TokenConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Expiry:   cfg.Auth.TokenExpiry,
	})
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.FailureDelayMs,
		RandomDelayMs: cfg.Auth.FailureJitterMs,
	})
	ipConfig := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)

	// Services
	userService := services.NewUserService(userRepo, hasher, logger)
	authService := services.NewAuthService(userService, userRepo, tokenManager, timingDelay, hasher, events, logger, auditLogger)
	setupService := services.NewSetupService(setupRepo, userService, tokenManager, events, logger, auditLogger)
	adminService := services.NewAdminService(userRepo, logger, auditLogger)

	// Federation is decided once at startup from the stored config.
	azureHandler := buildAzureHandler(ctx, cfg, azureRepo, userService, tokenManager, events, ipConfig, logger, auditLogger)

	authenticator := auth.NewAuthenticator(tokenManager, userRepo, rejections, logger)

	// Router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	if appMetrics != nil {
		router.Use(appMetrics.Middleware)
	}
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	routes.RegisterRoutes(router, routes.Deps{
		Auth:          handlers.NewAuthHandler(authService, setupService, azureRepo, azureHandler != nil, ipConfig, logger),
		Admin:         handlers.NewAdminHandler(adminService, logger),
		Health:        handlers.NewHealthHandler(db, logger),
		Azure:         azureHandler,
		Metrics:       metricsRoute,
		Authenticator: authenticator,
		IPConfig:      ipConfig,
		AuthRateLimit: cfg.Auth.RateLimitPerMinute,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Pool sampler
	var sampler *background.PoolSampler
	if appMetrics != nil {
		sampler = background.NewPoolSampler(db, appMetrics, logger, cfg.Metrics.PoolInterval)
		go sampler.Start(ctx)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", slog.Any("error", err))
	}

	if sampler != nil {
		sampler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		return
	}

	logger.Info("server stopped gracefully")
}

// buildAzureHandler returns nil when federation is not configured, disabled,
// or its provider cannot be reached; the rest of the API still starts.
func buildAzureHandler(
	ctx context.Context,
	cfg *config.Config,
	azureRepo *repositories.AzureConfigRepository,
	userService *services.UserService,
	tokenManager *auth.TokenManager,
	events services.EventRecorder,
	ipConfig *pkghttp.IPConfig,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *handlers.AzureHandler {
	azureCfg, err := azureRepo.Get(ctx)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logger.Error("failed to load azure config", slog.Any("error", err))
		}
		logger.Info("azure federation disabled")
		return nil
	}
	if !azureCfg.IsEnabled {
		logger.Info("azure federation disabled")
		return nil
	}

	discoveryCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	provider, err := sso.NewAzureProvider(discoveryCtx, azureCfg, sso.Options{})
	if err != nil {
		logger.Error("azure federation unavailable", slog.String("tenant_id", azureCfg.TenantID), slog.Any("error", err))
		return nil
	}

	federation := services.NewFederationService(userService, tokenManager, events, logger, auditLogger)
	logger.Info("azure federation enabled", slog.String("tenant_id", azureCfg.TenantID))

	return handlers.NewAzureHandler(provider, federation, auth.CookieConfig{
		Secure: cfg.Azure.StateCookieSecure,
		TTL:    cfg.Azure.StateCookieTTL,
	}, cfg.Server.FrontendURL, ipConfig, logger)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
