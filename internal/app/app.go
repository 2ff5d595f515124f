// Package app wires the panel together: configuration, logging,
// telemetry, the key store, the services, and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"keypanel/internal/config"
	"keypanel/internal/infrastructure"
	"keypanel/internal/middleware"
	"keypanel/internal/services"
	"keypanel/internal/store"
	transporthttp "keypanel/internal/transport/http"
)

// Application holds the wired components of the panel.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Store         *store.Store
	OTelProviders *infrastructure.OTelProviders
	Server        *http.Server
}

// New builds the application from configuration.
func New(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	providers, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	var metrics *infrastructure.PanelMetrics
	if providers.Meter != nil {
		metrics, err = infrastructure.CreatePanelMetrics(providers.Meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
	}

	st, err := store.Open(cfg.Paths.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cascade := services.NewCascadeController(st, logger, metrics)
	connect := services.NewConnectService(st, cfg.Auth.RootOwners, cfg.Auth.TokenSecret, logger, metrics)
	admin := services.NewAdminService(st, cascade, cfg.Auth.RootOwners, logger, metrics)

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		Store:         st,
		OTelProviders: providers,
	}

	router := app.setupRouter(connect, admin)
	app.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	return app, nil
}

func (a *Application) setupRouter(connect *services.ConnectService, admin *services.AdminService) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(a.Logger))
	r.Use(middleware.Recoverer(a.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Compress(5))
	r.Use(middleware.Timeout(30*time.Second, a.Logger))

	if a.Config.Security.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		)
		r.Use(limiter.Handler)
	}

	connectHandler := transporthttp.NewConnectHandler(connect, a.Logger)
	r.Get("/connect", connectHandler.Handle)
	r.Post("/connect", connectHandler.Handle)

	adminHandler := transporthttp.NewAdminHandler(admin, a.Logger)
	r.Mount("/api/admin", adminHandler.Routes())

	healthHandler := transporthttp.NewHealthHandler()
	r.Get("/api/health", healthHandler.Handle)

	r.Method(http.MethodGet, "/metrics", transporthttp.MetricsHandler(a.OTelProviders.PrometheusHTTP))

	return r
}

// Run starts the HTTP server and blocks until an interrupt arrives or
// the server fails, then shuts everything down gracefully.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(ctx, "server listening",
			slog.String("addr", a.Server.Addr),
		)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.Logger.Info("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()

		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		if a.OTelProviders != nil {
			if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
				a.Logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
			}
		}
		if err := infrastructure.CloseLogFile(); err != nil {
			a.Logger.Error("log file close failed", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.Logger.Info("application stopped")
	return nil
}
