// Package app wires the server together: configuration, logging,
// telemetry, store, services, and the HTTP router, with an explicit
// open, serve, close lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"rslserver/internal/audit"
	"rslserver/internal/config"
	"rslserver/internal/infrastructure"
	mw "rslserver/internal/middleware"
	"rslserver/internal/payment"
	"rslserver/internal/policy"
	"rslserver/internal/services"
	"rslserver/internal/store"
	"rslserver/internal/token"
	handlers "rslserver/internal/transport/http"
	"rslserver/internal/webhook"
	ws "rslserver/internal/websocket"
)

// Application is the composed server. Every collaborator is built once
// in NewApplication and injected downward; nothing reaches for globals.
type Application struct {
	Config     *config.Config
	Router     *chi.Mux
	Server     *http.Server
	Store      store.Store
	Dispatcher *webhook.Dispatcher
	Hub        *ws.Hub
	Logger     *slog.Logger

	otel      *infrastructure.OTelProviders
	logCloser func() error
}

// NewApplication builds the full dependency graph from configuration.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig builds the application from an explicit
// configuration; tests use this to avoid the environment.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	logger, logCloser, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	logger.Info("server starting",
		slog.String("version", handlers.Version),
		slog.Int("port", cfg.Server.Port),
		slog.Bool("development", cfg.Security.Development),
	)

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	metrics, err := infrastructure.CreateBusinessMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	st := store.NewMemoryStore()

	keyring, err := token.NewKeyring(cfg.Token.KeyID)
	if err != nil {
		return nil, fmt.Errorf("create signing keyring: %w", err)
	}
	tokens := token.NewService(st, keyring, cfg.Token.Lifetime, cfg.Token.Issuer, logger)

	hub := ws.NewHub(logger)
	hub.Start()

	dispatcher := webhook.NewDispatcher(st, webhook.DispatcherConfig{
		DeliveryTimeout: cfg.Webhook.DeliveryTimeout,
		MaxAttempts:     cfg.Webhook.MaxAttempts,
		BackoffBase:     cfg.Webhook.BackoffBase,
		BackoffMax:      cfg.Webhook.BackoffMax,
		QueueSize:       cfg.Webhook.QueueSize,
	}, logger, metrics, hub)

	auditLog := audit.NewLog(st, logger)
	registry := webhook.NewRegistry(st, logger)
	evaluator := policy.NewEvaluator()
	processor := payment.NewMemoryProcessor()
	clients := services.NewClientRegistry(st)
	authCodes := services.NewAuthCodes()

	licenseSvc := services.NewLicenseService(st, auditLog, dispatcher, logger)
	accessSvc := services.NewAccessService(st, evaluator, tokens, processor, auditLog, dispatcher, metrics, logger)

	if cfg.Security.Development {
		if err := clients.Register(context.Background(), cfg.Security.DevClientID, cfg.Security.DevClientKey); err != nil {
			return nil, fmt.Errorf("seed development client: %w", err)
		}
		logger.Warn("development client seeded",
			slog.String("client_id", cfg.Security.DevClientID))
	}

	app := &Application{
		Config:     cfg,
		Store:      st,
		Dispatcher: dispatcher,
		Hub:        hub,
		Logger:     logger,
		otel:       otelProviders,
		logCloser:  logCloser,
	}

	app.Router = app.buildRouter(routerDeps{
		metrics:    metrics,
		tokens:     tokens,
		access:     accessSvc,
		licenses:   licenseSvc,
		registry:   registry,
		auditLog:   auditLog,
		clients:    clients,
		authCodes:  authCodes,
		dispatcher: dispatcher,
	})

	app.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        app.Router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	return app, nil
}

type routerDeps struct {
	metrics    *infrastructure.BusinessMetrics
	tokens     *token.Service
	access     services.AccessService
	licenses   services.LicenseService
	registry   *webhook.Registry
	auditLog   *audit.Log
	clients    *services.ClientRegistry
	authCodes  *services.AuthCodes
	dispatcher *webhook.Dispatcher
}

func (a *Application) buildRouter(deps routerDeps) *chi.Mux {
	cfg := a.Config
	logger := a.Logger
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.RealIP)
	otelMW := mw.NewOTelMiddleware(a.otel.Tracer, deps.metrics)
	r.Use(otelMW.Handler)
	r.Use(mw.StructuredLogger(logger))
	r.Use(mw.Recoverer(logger))
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Compress(5))
	if cfg.Security.EnableCORS {
		r.Use(mw.CORS(mw.CORSConfig{AllowedOrigins: cfg.Security.AllowedOrigins}))
	}
	if cfg.Security.RateLimit.Enabled {
		limiter := mw.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, logger)
		r.Use(limiter.Handler)
	}
	r.Use(mw.Timeout(cfg.Server.RequestTimeout, logger))

	development := cfg.Security.Development
	tokenHandler := handlers.NewTokenHandler(deps.tokens, deps.access, deps.clients, deps.authCodes, deps.metrics, logger, development)
	licenseHandler := handlers.NewLicenseHandler(deps.licenses, deps.access, logger, development)
	webhookHandler := handlers.NewWebhookHandler(deps.registry, logger, development)
	usageHandler := handlers.NewUsageHandler(deps.auditLog, a.Store, logger, development)
	healthHandler := handlers.NewHealthHandler(logger)

	r.Get("/.well-known/jwks.json", tokenHandler.JWKS)

	r.Route("/api", func(r chi.Router) {
		r.Mount("/oauth", tokenHandler.Routes())
		r.Mount("/licenses", licenseHandler.Routes())
		r.Mount("/webhooks", webhookHandler.Routes())
		r.Mount("/usage", usageHandler.Routes())
		r.Mount("/health", healthHandler.Routes())
	})

	r.Get("/ws", ws.ServeWS(a.Hub, logger))

	if a.otel.PrometheusHTTP != nil {
		r.Handle("/metrics", a.otel.PrometheusHTTP)
	}
	return r
}

// Run serves until the context is cancelled or a termination signal
// arrives, then shuts down gracefully within the configured timeout.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases every resource in reverse construction order. In-flight
// webhook deliveries are drained before the store closes under them.
func (a *Application) Close() {
	a.Dispatcher.Close()
	a.Hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.otel.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("store close failed", slog.String("error", err.Error()))
	}
	if a.logCloser != nil {
		a.logCloser()
	}
}
