package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/model_downloader/internal/checksum"
	"github.com/italolelis/model_downloader/internal/cleanup"
	"github.com/italolelis/model_downloader/internal/config"
	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/events"
	"github.com/italolelis/model_downloader/internal/http/rest"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/models"
	"github.com/italolelis/model_downloader/internal/notifier"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/storage/jsonfile"
	"github.com/italolelis/model_downloader/internal/storage/sqlite"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/italolelis/model_downloader/internal/transfer"
)

// version is set at build time.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("model downloader starting...", "log_level", cfg.LogLevel, "version", version)

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
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		PushInterval:   cfg.Telemetry.PushInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start State Store
	modelsDir := cfg.ModelsDir()
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create models dir: %w", err)
	}

	repo, closeRepo, err := buildStateRepository(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build state repository: %w", err)
	}
	defer closeRepo()

	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()

	store := storage.NewStore(repo, broadcaster)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("failed to load model states: %w", err)
	}

	// =========================================================================
	// Start Downloader
	client := transfer.NewInstrumentedClient(
		transfer.NewClient(transfer.Options{BaseURL: cfg.ModelBaseURL, Timeout: cfg.HTTPTimeout}),
		tel,
		"huggingface",
	)

	oracle := checksum.NewOracle(client.HTTPClient(), cfg.ChecksumManifestURL)
	finalizer := downloader.NewFinalizer(store, oracle, tel)
	engine := downloader.NewEngine(store, client, finalizer, tel, downloader.Options{
		ModelsDir:        modelsDir,
		Tolerance:        cfg.FinalizeTolerance,
		MaxRangeRetries:  cfg.MaxRangeRetries,
		ProgressInterval: cfg.ProgressInterval,
	})

	manager := models.NewManager(store, engine, client, models.Options{
		ProbeParallel: cfg.RemoteProbeParallel,
		PauseInterval: cfg.PauseInterval,
		RemoveWait:    cfg.RemoveWait,
	})

	// =========================================================================
	// Start Notification
	setupNotification(ctx, store, broadcaster, cfg)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, store, modelsDir, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listeners. Use a
	// buffered channel so the goroutines can exit if we don't collect the error.
	serverErrors := make(chan error, 2)

	server := setupServer(ctx, manager, broadcaster, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	metricsServer := setupMetricsServer(ctx, tel, cfg)
	if metricsServer != nil {
		go func() {
			logger.Info("Initializing metrics endpoint", "host", cfg.Telemetry.MetricsAddress)
			serverErrors <- metricsServer.ListenAndServe()
		}()
	}

	logger.Info("waiting for requests...",
		"models_dir", modelsDir,
		"state_backend", cfg.StateBackend,
		"base_url", cfg.ModelBaseURL,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion. In-flight
		// downloads see the cancelled base context and record themselves as paused.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := shutdownServer(shutdownCtx, server); err != nil {
			return err
		}

		if metricsServer != nil {
			if err := shutdownServer(shutdownCtx, metricsServer); err != nil {
				return err
			}
		}

		if err := store.Flush(shutdownCtx); err != nil {
			logger.Error("failed to flush model states", "err", err)
		}

		return nil
	}
}

// buildStateRepository is an abstract factory for the state document backend.
func buildStateRepository(cfg *config.Config, tel *telemetry.Telemetry) (storage.StateRepository, func(), error) {
	switch cfg.StateBackend {
	case config.StateBackendJSON:
		return jsonfile.NewStateRepository(filepath.Join(cfg.ModelsDir(), jsonfile.FileName)), func() {}, nil
	case config.StateBackendSQLite:
		db, err := sqlite.InitDB(filepath.Join(cfg.ModelsDir(), sqlite.FileName))
		if err != nil {
			return nil, nil, err
		}

		return sqlite.NewInstrumentedStateRepository(db, tel), func() { _ = db.Close() }, nil
	}

	return nil, nil, fmt.Errorf("invalid state backend: %s", cfg.StateBackend)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	manager *models.Manager,
	broadcaster *events.Broadcaster,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	handler := rest.NewModelsHandler(ctx, cfg.API.Username, cfg.API.Password, manager, broadcaster)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:        cfg.Web.BindAddress,
		ReadTimeout: cfg.Web.ReadTimeout,
		// The event stream lifts its own write deadline.
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupMetricsServer(ctx context.Context, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	if !cfg.Telemetry.Enabled || cfg.Telemetry.MetricsAddress == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Handle("/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Telemetry.MetricsAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func shutdownServer(ctx context.Context, server *http.Server) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "addr", server.Addr, "err", err)

		if err = server.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

func setupNotification(ctx context.Context, store *storage.Store, broadcaster *events.Broadcaster, cfg *config.Config) {
	var notif notifier.Notifier = notifier.LogNotifier{}
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{
			WebhookURL: cfg.DiscordWebhookURL,
			Client:     &http.Client{Timeout: 10 * time.Second},
		}
	}

	changes, unsubscribe := broadcaster.Subscribe()
	watcher := notifier.NewWatcher(notif, store.Snapshot())

	go func() {
		defer unsubscribe()

		watcher.Run(ctx, changes)
	}()
}

func setupCleanup(ctx context.Context, store *storage.Store, modelsDir string, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	if err := cleanup.Reconcile(ctx, store, modelsDir); err != nil {
		logger.Error("failed to reconcile model states", "err", err)
	}

	if cfg.CleanupInterval <= 0 {
		return
	}

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				if err := cleanup.Reconcile(ctx, store, modelsDir); err != nil {
					logger.Error("failed to reconcile model states", "err", err)
				}
			}
		}
	}()
}
