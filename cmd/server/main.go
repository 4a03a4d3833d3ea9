package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cesargomez89/crate/internal/app"
	"github.com/cesargomez89/crate/internal/catalog"
	"github.com/cesargomez89/crate/internal/config"
	"github.com/cesargomez89/crate/internal/constants"
	"github.com/cesargomez89/crate/internal/downloader"
	"github.com/cesargomez89/crate/internal/events"
	httpapp "github.com/cesargomez89/crate/internal/http"
	"github.com/cesargomez89/crate/internal/httpclient"
	"github.com/cesargomez89/crate/internal/logger"
	"github.com/cesargomez89/crate/internal/queue"
	"github.com/cesargomez89/crate/internal/storage"
	"github.com/cesargomez89/crate/internal/store"
	"github.com/cesargomez89/crate/internal/tagging"
	"github.com/cesargomez89/crate/internal/telemetry"
)

func main() {
	cfg := config.Load()

	// Initialize DB
	db, err := store.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init DB: %v", err)
	}
	defer db.Close()

	// Settings stored in the DB override the environment
	settingsRepo := store.NewSettingsRepo(db)
	if saved, err := settingsRepo.All(); err != nil {
		log.Printf("Failed to load settings: %v", err)
	} else {
		cfg.Apply(saved)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Initialize Logger
	appLogger := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	tel, err := telemetry.New(telemetry.Config{Enabled: cfg.MetricsEnabled, ServiceName: "crate"})
	if err != nil {
		appLogger.Error("Failed to init telemetry", "error", err)
		os.Exit(1)
	}

	// Housekeeping before the engine touches the output tree
	if n, err := storage.CleanupTempDir(cfg.DownloadsDir, 0); err != nil {
		appLogger.Warn("Failed to clean staging directory", "error", err)
	} else if n > 0 {
		appLogger.Info("Removed stale staging files", "count", n)
	}
	if n, err := db.PurgeExpiredCache(); err != nil {
		appLogger.Warn("Failed to purge catalog cache", "error", err)
	} else if n > 0 {
		appLogger.Debug("Purged expired cache entries", "count", n)
	}

	// Catalog and media clients
	apiClient := httpclient.NewClient(nil, cfg.RateLimit)
	mediaClient := httpclient.NewClient(&http.Client{Timeout: constants.DefaultHTTPTimeout}, 0)
	resolver := catalog.NewCachedResolver(
		catalog.NewHTTPResolver(cfg.ProviderURL, apiClient, appLogger),
		db,
		constants.DefaultCacheTTL,
	)

	templates := storage.Templates{
		Album:       cfg.AlbumTemplate,
		Playlist:    cfg.PlaylistTemplate,
		Compilation: cfg.CompilationTemplate,
	}
	bus := events.NewBus(appLogger)
	defer bus.Close()

	engine := downloader.NewEngine(downloader.OptionsFromConfig(cfg), downloader.Deps{
		Store:     queue.NewFileStore(cfg.QueuePath, appLogger),
		Resolver:  resolver,
		Client:    mediaClient,
		Writer:    tagging.NewWriter(appLogger),
		Probe:     storage.NewProbe(templates, db, appLogger),
		History:   db,
		Bus:       bus,
		Telemetry: tel,
		Logger:    appLogger,
	})

	playlists := app.NewPlaylistGenerator(cfg.DownloadsDir, appLogger)
	stopPlaylists := playlists.Attach(bus)
	defer stopPlaylists()

	if err := engine.Start(context.Background()); err != nil {
		appLogger.Error("Failed to start download engine", "error", err)
		os.Exit(1)
	}

	// Initialize Services
	service := app.NewDownloadService(engine, resolver, bus, appLogger)
	downloads := app.NewDownloadsService(db)

	// Routes
	h := httpapp.NewHandler(service, downloads, settingsRepo, cfg, tel, appLogger)

	// Start Server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("Server listening", "addr", srv.Addr, "output_root", cfg.DownloadsDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}

	engine.Stop()

	if err := tel.Shutdown(ctx); err != nil {
		appLogger.Warn("Failed to shut down telemetry", "error", err)
	}

	appLogger.Info("Server exiting")
}
