package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/caseregister/internal/config"
	"github.com/ehr/caseregister/internal/domain/activity"
	"github.com/ehr/caseregister/internal/domain/surgery"
	"github.com/ehr/caseregister/internal/platform/auth"
	"github.com/ehr/caseregister/internal/platform/db"
	"github.com/ehr/caseregister/internal/platform/middleware"
	"github.com/ehr/caseregister/internal/platform/telemetry"
	"github.com/ehr/caseregister/internal/platform/websocket"
)

const version = "0.1.0"

func newLogger(env string, w io.Writer) zerolog.Logger {
	if env == "development" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.NewMetrics()
	metrics.RegisterPool(pool)

	// Change feed
	listener, err := db.NewListener(pool, cfg.NotifyChannel, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create notify listener")
	}

	// Case register
	activityLog := activity.NewRepoPG(pool, cfg.ActivityLogLimit)
	store := surgery.NewStore(surgery.NewCaseRepoPG(pool), activityLog,
		surgery.WithChangeFeed(surgery.NewChangeFeedPG(listener, logger)),
		surgery.WithIdentity(auth.UsernameFromContext),
		surgery.WithRecorder(metrics),
		surgery.WithLogger(logger.With().Str("component", "case_store").Logger()),
	)
	if err := store.Open(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load surgical cases")
	}
	defer store.Close()
	logger.Info().Int("cases", len(store.List())).Msg("case register loaded")

	// Realtime relay
	hub := websocket.NewHub(logger)
	events, unsubscribe := store.Subscribe()
	defer unsubscribe()
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	go surgery.Relay(relayCtx, events, hub, logger)

	e, apiV1 := newServer(cfg, logger, metrics)

	surgery.NewHandler(store).RegisterRoutes(apiV1)
	activity.NewHandler(activityLog).RegisterRoutes(apiV1, auth.ReadRoles...)
	websocket.NewWebSocketHandler(hub, surgery.Topic, cfg.CORSOrigins).
		RegisterRoutes(apiV1, auth.RequireRole(auth.ReadRoles...))

	// DB health check endpoint
	e.GET("/health/db", db.HealthHandler(pool, listener))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with the global middleware chain, the
// liveness and metrics endpoints, and the rate-limited /api/v1 group.
func newServer(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*echo.Echo, *echo.Group) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevUserHeader},
	}))
	e.Use(metrics.Middleware())

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1", authMiddleware(cfg))
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
	rateLimitCfg.BurstSize = cfg.RateLimitBurst
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	return e, apiV1
}

// authMiddleware verifies bearer tokens. In development, tokenless requests
// are admitted through DevAuthMiddleware.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	var verify echo.MiddlewareFunc
	if cfg.AuthJWKSURL != "" || cfg.JWTSigningKey != "" {
		verify = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.JWTSigningKey),
		})
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(verify)
	}
	return verify
}
