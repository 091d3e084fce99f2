package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"

	"scanmaster/internal/config"
	"scanmaster/internal/infrastructure"
	"scanmaster/internal/license"
	customMiddleware "scanmaster/internal/middleware"
	"scanmaster/internal/services"
	handlers "scanmaster/internal/transport/http"
	ws "scanmaster/internal/websocket"
	"scanmaster/pkg/contracts"
)

// AppName identifies the daemon in startup logs.
const AppName = "ScanMaster License Daemon"

// Application is the daemon container. It owns every long-lived component
// and is responsible for bringing them up and tearing them down in order.
type Application struct {
	Config         *config.Config
	Router         *chi.Mux
	Server         *http.Server
	LicenseManager *license.Manager
	Hub            *ws.Hub
	LicenseService services.LicenseService
	HealthService  *services.HealthService
	Logger         *slog.Logger
	OTelProviders  *infrastructure.OTelProviders
}

// NewApplication loads configuration and wires the daemon. Nothing starts
// listening until Start is called.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	logger.Info("daemon starting",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.String("addr", cfg.ListenAddr()))

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	// A missing store is normal on first run; the manager reports
	// not_activated until a key is entered.
	if _, err := os.Stat(cfg.Licensing.LicenseFile); err != nil {
		logger.Warn("license store not found, activation will be required",
			slog.String("path", cfg.Licensing.LicenseFile))
	}

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(contracts.Version), logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices builds the license manager, the websocket hub, and
// the service layer on top of them.
func (a *Application) initializeServices() error {
	a.Config.Licensing.AppVersion = contracts.Version

	manager, err := license.NewManager(a.Config.Licensing, license.WithLogger(a.Logger))
	if err != nil {
		return fmt.Errorf("initialize license manager: %w", err)
	}
	a.LicenseManager = manager

	a.Hub = ws.NewHub(a.Config.WebSocket, a.Logger)
	a.Hub.Start()

	a.LicenseService = services.NewLicenseService(manager, a.Hub, a.Logger)
	a.HealthService = services.NewHealthService(contracts.Version, contracts.BuildTime, manager, a.Hub, a.Logger)

	return nil
}

// setupRouter configures the HTTP router. The websocket upgrade and the
// Prometheus scrape endpoint sit outside the main middleware group: the
// former because wrapped response writers break hijacking, the latter to
// keep scrapes out of the request logs.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	r.With(customMiddleware.WebSocketTraceMiddleware(a.Logger)).HandleFunc("/ws", a.handleWebSocket)

	r.Group(func(r chi.Router) {
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("telemetry middleware unavailable", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}

		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.SecurityHeaders)
		r.Use(customMiddleware.CORS(a.corsConfig()))

		if a.Config.Server.RateLimitRPS > 0 {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Server.RateLimitRPS,
				a.Config.Server.RateLimitBurst,
				a.Logger,
			).Handler)
		}

		a.setupAPIRoutes(r)
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// setupAPIRoutes mounts the JSON API. Every route here stays reachable
// regardless of license state: the host shell needs the status and
// activation endpoints exactly when no valid license exists.
func (a *Application) setupAPIRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		healthHandler := handlers.NewHealthHandler(a.HealthService, a.Logger)
		r.Mount("/health", healthHandler.Routes())
		r.Get("/version", healthHandler.Version)

		licenseHandler := handlers.NewLicenseHandler(a.LicenseService, a.Logger)
		r.Mount("/license", licenseHandler.Routes())
	})
}

// corsConfig allows the host shell's origins. The daemon binds to
// loopback, so the practical audience is the shell's embedded webview
// and local development tools.
func (a *Application) corsConfig() customMiddleware.CORSConfig {
	return customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}
}

// createServer creates the HTTP server from the configured timeouts.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         a.Config.ListenAddr(),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start begins serving. A listener failure cancels the passed context so
// Run can unwind instead of hanging on the signal wait.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "daemon listening",
		slog.String("addr", a.Server.Addr),
		slog.String("level", a.Config.Logging.Level))

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	return nil
}

// Stop shuts the daemon down: HTTP server first so no new work arrives,
// then the hub, then telemetry flush.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	a.Hub.Stop()

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "shutdown complete")
	return nil
}

// Run serves until interrupted, then shuts down gracefully.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case sig := <-sigChan:
		a.Logger.InfoContext(ctx, "received signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	return a.Stop(context.Background())
}

// handleWebSocket upgrades a connection and hands it to the hub.
func (a *Application) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  a.Config.WebSocket.ReadBufferSize,
		WriteBufferSize: a.Config.WebSocket.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// The embedded webview and native shell connect without an
			// Origin header.
			if origin == "" {
				return true
			}
			for _, allowed := range a.Config.Server.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			a.Logger.WarnContext(ctx, "websocket origin rejected", slog.String("origin", origin))
			return false
		},
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			a.Logger.ErrorContext(ctx, "websocket upgrade error",
				slog.Int("status", status),
				slog.String("reason", reason.Error()))
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader.Error already logged the cause.
		return
	}

	ws.ServeWS(a.Hub, conn, a.Logger)
}
