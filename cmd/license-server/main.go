// license-server is the vendor-side verification endpoint for ScanMaster
// activations. It checks license key signatures with the product secret,
// records which machines activated which keys, and enforces the per-key
// machine limit.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"scanmaster/internal/config"
	"scanmaster/internal/infrastructure"
	"scanmaster/internal/license"
	customMiddleware "scanmaster/internal/middleware"
	"scanmaster/internal/registry"
	"scanmaster/internal/services"
	handlers "scanmaster/internal/transport/http"
	"scanmaster/pkg/contracts"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license-server",
		Short: "ScanMaster license verification server",
		Long: `license-server answers online activation requests from ScanMaster
installations. It verifies key signatures with the product secret, records
activations in a local registry, and enforces the per-key machine limit.

Configuration follows the same SM_* environment variables and licensing.yaml
as the rest of the licensing tooling; flags override individual settings.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newServeCmd(),
		newExportCmd(),
		newVersionCmd(),
	)

	return cmd
}

func newServeCmd() *cobra.Command {
	var (
		host        string
		port        int
		dbPath      string
		maxMachines int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the verification server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dbPath, maxMachines)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "activation registry path (default from config)")
	cmd.Flags().IntVar(&maxMachines, "max-machines", 0, "machines allowed per key (default from config)")

	return cmd
}

func runServe(host string, port int, dbPath string, maxMachines int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if dbPath != "" {
		cfg.Registry.DatabasePath = dbPath
	}
	if maxMachines != 0 {
		cfg.Registry.MaxMachinesPerKey = maxMachines
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}

	providers, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(contracts.Version), logger)
	if err != nil {
		return fmt.Errorf("initialize observability: %w", err)
	}

	reg, err := registry.Open(cfg.Registry.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	signer := license.NewSigner(cfg.Licensing.Secret)
	catalog := license.DefaultCatalog()
	codec := license.NewCodec(cfg.Licensing.KeyPrefix, signer, catalog)
	service := services.NewVerificationService(codec, reg, cfg.Registry.MaxMachinesPerKey, logger)
	handler := handlers.NewVerificationHandler(service, logger)

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      newRouter(cfg, handler, reg, providers, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	logger.Info("verification server listening",
		slog.String("addr", server.Addr),
		slog.String("registry", cfg.Registry.DatabasePath),
		slog.Int("max_machines_per_key", cfg.Registry.MaxMachinesPerKey),
		slog.String("version", contracts.Version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newRouter(cfg *config.Config, handler *handlers.VerificationHandler, reg *registry.Registry, providers *infrastructure.OTelProviders, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	if otelMiddleware, err := customMiddleware.NewOTelMiddleware(providers); err == nil {
		r.Use(otelMiddleware.Handler)
	} else {
		logger.Error("otel middleware unavailable", slog.String("error", err.Error()))
	}
	r.Use(customMiddleware.StructuredLogger(logger))
	r.Use(customMiddleware.Recoverer(logger))
	r.Use(customMiddleware.SecurityHeaders)
	if cfg.Server.RateLimitRPS > 0 {
		r.Use(customMiddleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, logger).Handler)
	}
	r.Use(customMiddleware.Timeout(cfg.Server.WriteTimeout))

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(render.SetContentType(render.ContentTypeJSON))
		api.Mount("/", handler.Routes())
	})

	startedAt := time.Now()
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		render.JSON(w, req, map[string]any{
			"status":  "healthy",
			"version": contracts.Version,
			"uptime":  time.Since(startedAt).Round(time.Second).String(),
		})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		if err := reg.Ping(req.Context()); err != nil {
			render.Status(req, http.StatusServiceUnavailable)
			render.JSON(w, req, map[string]string{"status": "unavailable", "reason": "registry unreachable"})
			return
		}
		render.JSON(w, req, map[string]string{"status": "ready"})
	})

	if providers.PrometheusHTTP != nil {
		r.Handle("/metrics", providers.PrometheusHTTP)
	}

	return r
}

func newExportCmd() *cobra.Command {
	var (
		dbPath string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded activations as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(dbPath, output)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "activation registry path (default from config)")
	cmd.Flags().StringVar(&output, "output", "", "write to this file instead of stdout")

	return cmd
}

func runExport(dbPath, output string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Registry.DatabasePath = dbPath
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	reg, err := registry.Open(cfg.Registry.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create %s: %w", output, err)
		}
		defer f.Close()
		w = f
	}

	if err := reg.ExportCSV(context.Background(), w); err != nil {
		return fmt.Errorf("export activations: %w", err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("license-server %s\n", contracts.Version)
			fmt.Printf("  Build time: %s\n", contracts.BuildTime)
			fmt.Printf("  Git commit: %s\n", contracts.GitCommit)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
