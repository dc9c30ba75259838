package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/unihealth/unihealth/internal/config"
	"github.com/unihealth/unihealth/internal/domain/account"
	"github.com/unihealth/unihealth/internal/domain/records"
	"github.com/unihealth/unihealth/internal/platform/auth"
	"github.com/unihealth/unihealth/internal/platform/changefeed"
	"github.com/unihealth/unihealth/internal/platform/db"
	"github.com/unihealth/unihealth/internal/platform/middleware"
	"github.com/unihealth/unihealth/internal/platform/sandbox"
	"github.com/unihealth/unihealth/internal/platform/telemetry"
	"github.com/unihealth/unihealth/internal/platform/tree"
	"github.com/unihealth/unihealth/internal/platform/websocket"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			seed, _ := cmd.Flags().GetBool("seed")
			return runServer(migrate, seed)
		},
	}
	cmd.Flags().Bool("migrate", true, "Apply pending migrations before serving")
	cmd.Flags().Bool("seed", false, "Seed sandbox data at startup")
	return cmd
}

// server holds the wired HTTP surface and what it must release.
type server struct {
	echo    *echo.Echo
	feed    *changefeed.Tree
	seeder  *sandbox.Seeder
	metrics *telemetry.Metrics
}

// newServer wires the HTTP surface over b. Every write made through the
// server goes through the change feed.
func newServer(cfg *config.Config, logger zerolog.Logger, b *backend, pub changefeed.Publisher) *server {
	metrics := telemetry.NewMetrics("unihealth")
	feed := changefeed.New(b.tree, changefeed.Multi{pub, metrics.Publisher()}, logger)
	tokens := auth.NewTokenIssuer(cfg.SigningKey(), cfg.AuthIssuer, cfg.AuthTokenTTL)
	accounts := account.NewService(feed, tokens, logger)
	seeder := sandbox.NewSeeder(accounts, records.NewService(feed), logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.TreeBodyLimit))
	e.Use(auth.Middleware(tokens, auth.AuthSkipper))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", metrics.Handler())
	if b.pool != nil {
		pool := b.pool
		metrics.RegisterGauge("db_pool_acquired_connections", "Connections currently in use.", func() float64 {
			return float64(pool.Stat().AcquiredConns())
		})
		metrics.RegisterGauge("db_pool_idle_connections", "Idle pool connections.", func() float64 {
			return float64(pool.Stat().IdleConns())
		})
		e.GET("/health/db", db.HealthHandler(pool))
	} else {
		e.GET("/health/db", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "backend": "memory"})
		})
	}

	account.NewHandler(accounts).RegisterRoutes(e.Group("/auth", middleware.RateLimit(middleware.AuthRateLimitConfig())))

	api := e.Group("", middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	tree.NewHandler(feed).RegisterRoutes(api)
	hub := websocket.NewHub(feed, logger)
	websocket.NewWebSocketHandler(hub).RegisterRoutes(api)
	metrics.RegisterGauge("websocket_clients", "Connected WebSocket clients.", func() float64 {
		return float64(hub.ClientCount())
	})

	if cfg.IsDev() {
		sandbox.NewSeedHandler(seeder).RegisterRoutes(e.Group("/sandbox"))
	}

	return &server{echo: e, feed: feed, seeder: seeder, metrics: metrics}
}

func runServer(migrate, seed bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, logger, migrate)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open tree backend")
		return err
	}
	defer b.Close()

	pub, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	srv := newServer(cfg, logger, b, pub)
	if seed {
		if _, err := srv.seeder.Seed(ctx, sandbox.DefaultSeedConfig()); err != nil {
			return err
		}
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
