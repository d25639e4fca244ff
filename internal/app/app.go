// Package app assembles the licensed server: configuration, logging,
// storage, the license service, and the HTTP router.
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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"opsboard/internal/config"
	"opsboard/internal/infrastructure"
	"opsboard/internal/license"
	"opsboard/internal/middleware"
	"opsboard/internal/ratelimit"
	"opsboard/internal/services"
	"opsboard/internal/store"
	transporthttp "opsboard/internal/transport/http"
	"opsboard/internal/websocket"
)

// Version is stamped at build time.
var Version = "dev"

// cleanupInterval is how often expired rate-limit windows are swept.
const cleanupInterval = 5 * time.Minute

// Application holds the wired components.
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   *store.Store
	Service services.LicenseService
	Limiter *ratelimit.FixedWindow
	Hub     *websocket.Hub
	Server  *http.Server

	gate *middleware.LicenseGate
}

// revocationNotifier invalidates the gate's cached verdicts on every
// successful revocation, so a revoked license loses gated-feature
// access immediately instead of after the cache TTL.
type revocationNotifier struct {
	services.LicenseService
	gate *middleware.LicenseGate
}

func (n *revocationNotifier) Revoke(ctx context.Context, licenseID, reason string) error {
	if err := n.LicenseService.Revoke(ctx, licenseID, reason); err != nil {
		return err
	}
	n.gate.Invalidate()
	return nil
}

// NewApplication loads configuration and constructs every component.
// Configuration problems (missing secrets, empty allowlist) are fatal
// here: the service refuses to start rather than run open.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	st, err := store.Open(cfg.License.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	signer := license.NewSigner(cfg.License)
	limiter := ratelimit.NewFixedWindow(cfg.License.RateWindow, cfg.License.MaxAttempts)
	service := services.NewLicenseService(st, signer, limiter, logger)
	gate := middleware.NewLicenseGate(service, logger)
	hub := websocket.NewHub(logger)

	app := &Application{
		Config:  cfg,
		Logger:  logger,
		Store:   st,
		Service: &revocationNotifier{LicenseService: service, gate: gate},
		Limiter: limiter,
		Hub:     hub,
		gate:    gate,
	}
	app.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return app, nil
}

func (a *Application) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.StructuredLogger(a.Logger))
	r.Use(middleware.Recoverer(a.Logger))
	r.Use(middleware.NewRateLimiter(a.Config.Server.RateLimitRPS, a.Config.Server.RateLimitBurst, a.Logger).Handler)

	licenseHandler := transporthttp.NewLicenseHandler(a.Service, a.Logger)
	r.Mount("/api/license", licenseHandler.Routes())

	// Chat is a gated feature: no valid license, no room.
	r.Group(func(r chi.Router) {
		r.Use(a.gate.Handler)
		r.Get("/api/chat/ws", websocket.ServeWS(a.Hub, a.Logger))
	})

	r.Method(http.MethodGet, "/healthz", transporthttp.NewHealthHandler(Version))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Run starts the server and blocks until shutdown completes.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Limiter.Start(ctx, cleanupInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Logger.Info("server listening",
			slog.String("addr", a.Server.Addr),
			slog.String("version", Version))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		a.Logger.Info("shutting down")
		return a.Server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
