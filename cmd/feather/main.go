package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/9z91/feather/internal/config"
	"github.com/9z91/feather/internal/engine/httpeng"
	"github.com/9z91/feather/internal/engine/sqlite"
	"github.com/9z91/feather/internal/http/rest"
	"github.com/9z91/feather/internal/logctx"
	"github.com/9z91/feather/internal/manager"
	"github.com/9z91/feather/internal/notifier"
	"github.com/9z91/feather/internal/pipeline"
	"github.com/9z91/feather/internal/telemetry"
	"github.com/9z91/feather/internal/transfer"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("feather starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Task Journal
	database, err := sqlite.InitDB(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("failed to open task journal: %w", err)
	}
	defer database.Close()

	journal := sqlite.NewInstrumentedJournal(database, tel)

	// =========================================================================
	// Start Transfer Engine
	eng, err := httpeng.New(ctx, cfg.SpoolDir, journal, &http.Client{Timeout: cfg.TransferTimeout}, cfg.ProgressIntervalBytes)
	if err != nil {
		return fmt.Errorf("failed to start transfer engine: %w", err)
	}
	defer eng.Close()

	engine := transfer.NewInstrumentedEngine(eng, tel)

	// =========================================================================
	// Start Download Manager
	var notif transfer.Notifier
	if cfg.WebhookURL != "" {
		notif = &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}
	}

	mgr := manager.New(engine, pipeline.NewInstaller(cfg.InstallDir), notif, cfg.WorkDir, tel)

	mgr.OnBackgroundFlush(func() {
		logger.Info("all queued background events delivered")
	})

	go mgr.Run(ctx)

	// Re-attach to transfers that kept going while the process was dormant.
	if err := eng.Recover(ctx, cfg.MaxParallelRecovery); err != nil {
		return fmt.Errorf("failed to recover engine tasks: %w", err)
	}

	if err := mgr.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile on boot: %w", err)
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, mgr, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"spool_dir", cfg.SpoolDir,
		"work_dir", cfg.WorkDir,
		"install_dir", cfg.InstallDir,
	)

	// =========================================================================
	// Main Loop
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// setupServer prepares the handlers and middleware for the http rest server.
func setupServer(ctx context.Context, mgr *manager.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	dHandler := rest.NewDownloadsHandler(cfg.API.Username, cfg.API.Password, mgr)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", dHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "feather"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
