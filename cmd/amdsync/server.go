package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/amdsync/internal/amd/synclog"
	"github.com/ehr/amdsync/internal/config"
	"github.com/ehr/amdsync/internal/domain/appointmentsync"
	"github.com/ehr/amdsync/internal/domain/chargesync"
	"github.com/ehr/amdsync/internal/domain/claims"
	"github.com/ehr/amdsync/internal/domain/eligibility"
	"github.com/ehr/amdsync/internal/domain/era"
	"github.com/ehr/amdsync/internal/domain/patientsync"
	"github.com/ehr/amdsync/internal/domain/syncadmin"
	"github.com/ehr/amdsync/internal/platform/auth"
	"github.com/ehr/amdsync/internal/platform/db"
	"github.com/ehr/amdsync/internal/platform/middleware"
)

const apiPrefix = "/api/v1/amd"

// actorMiddleware stamps the authenticated user onto the request context so
// sync log entries record who triggered them.
func actorMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if id := auth.UserIDFromContext(ctx); id != "" {
				c.SetRequest(c.Request().WithContext(synclog.WithActor(ctx, id)))
			}
			return next(c)
		}
	}
}

// newEcho builds the server with global middleware and health routes, and
// returns the authenticated API group for handlers to register on.
func newEcho(cfg *config.Config, logger zerolog.Logger, health db.Pinger) (*echo.Echo, *echo.Group) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityConfig{HSTS: cfg.IsProduction()}))
	e.Use(middleware.BodyLimit("1M", map[string]string{apiPrefix + "/era": "20M"}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(health))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}

	api := e.Group(apiPrefix, authMW, actorMiddleware(), middleware.RateLimit(rl))
	return e, api
}

func registerRoutes(api *echo.Group, a *app) {
	patientsync.NewHandler(a.patients).RegisterRoutes(api)
	appointmentsync.NewHandler(a.appointments).RegisterRoutes(api)
	chargesync.NewHandler(a.charges).RegisterRoutes(api)
	claims.NewHandler(a.claims).RegisterRoutes(api)
	eligibility.NewHandler(a.eligibility).RegisterRoutes(api)
	era.NewHandler(a.era, a.profiles).RegisterRoutes(api)
	syncadmin.NewHandler(a.admin).RegisterRoutes(api)
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info().Msg("connected to database")

	if err := a.initSession(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to restore vendor session")
	}

	go func() {
		n, err := a.lookups.Warm(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("lookup cache warm-up failed")
			return
		}
		logger.Info().Int("entries", n).Msg("lookup cache warmed")
	}()

	e, api := newEcho(cfg, logger, a.pool)
	registerRoutes(api, a)

	errc := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
