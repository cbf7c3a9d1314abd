package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robot-viewer/backend/internal/api"
	"github.com/robot-viewer/backend/internal/catalog"
	"github.com/robot-viewer/backend/internal/config"
	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/observability"
	"github.com/robot-viewer/backend/internal/resolver"
	"github.com/robot-viewer/backend/internal/session"
	"github.com/robot-viewer/backend/internal/storage"
	"github.com/robot-viewer/backend/internal/upload"
	"github.com/robot-viewer/backend/internal/web"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Get the executable's directory for config resolution
	exePath, err := os.Executable()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	configPath := filepath.Join(filepath.Dir(exePath), config.FileName)
	if p := os.Getenv("ROBOT_VIEWER_CONFIG"); p != "" {
		configPath = p
	}

	// Load XML configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Printf("Failed to create directories: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Advanced.LogLevel, Format: cfg.Advanced.LogFormat})

	if err := run(cfg, configPath, log); err != nil {
		log.Error(context.Background(), "server stopped", logging.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, configPath string, log logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Observability.EnableTracing,
		ServiceName: cfg.Observability.ServiceName,
		Exporter:    cfg.Observability.TracingExporter,
		SampleRatio: cfg.Observability.TracingSampleRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	var metrics *observability.Collector
	if cfg.Observability.EnableMetrics {
		metrics, err = observability.NewCollector(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}

	// Initialize storage
	fileStore, err := storage.NewLocalStore(cfg.Storage.UploadsDirectory)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	var cat *catalog.Store
	if cfg.Storage.EnableCatalog {
		cat, err = catalog.Open(cfg.Storage.CatalogDirectory, log,
			catalog.WithThreads(cfg.Advanced.DuckDBThreads),
			catalog.WithMemoryLimit(cfg.Advanced.DuckDBMemoryLimit))
		if err != nil {
			// Loads work without the catalog; only the structure summary is lost.
			log.Warn(ctx, "catalog disabled", logging.Err(err))
		} else {
			defer cat.Close()
		}
	}

	var packages resolver.PackageMap
	if cfg.Loading.PackageMapFile != "" {
		packages, err = resolver.LoadPackageMap(cfg.Loading.PackageMapFile)
		if err != nil {
			return err
		}
		log.Info(ctx, "package map loaded", logging.Int("packages", len(packages)))
	}

	loadMgr := session.NewManager(session.Options{
		Files:              fileStore,
		LibraryDir:         cfg.Storage.LibraryDirectory,
		BaseURL:            cfg.Loading.NetworkFallbackBaseURL,
		Packages:           packages,
		Catalog:            cat,
		Metrics:            metrics,
		Logger:             log,
		TextureConcurrency: cfg.Loading.TextureConcurrency,
		MaxLoads:           cfg.Loading.MaxLoads,
	})
	uploadMgr := upload.NewManager(fileStore, log)

	// Start background cleanup of finished loads and upload jobs
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := loadMgr.CleanupOldLoads(cfg.LoadMaxAge()); n > 0 {
					log.Debug(ctx, "expired loads removed", logging.Int("count", n))
				}
				uploadMgr.CleanupOldJobs(cfg.LoadMaxAge())
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	deps := &api.Dependencies{
		Store:                 fileStore,
		Loads:                 loadMgr,
		Uploads:               uploadMgr,
		Catalog:               cat,
		Metrics:               metrics,
		MetricsPath:           cfg.Observability.MetricsPath,
		Logger:                log,
		Version:               Version,
		RequestLogging:        cfg.Advanced.EnableRequestLogging,
		WebSocketMaxMessageKB: cfg.Advanced.WebSocketMaxMessageSize,
	}
	api.SetupMiddleware(e, deps)

	// Body limit middleware
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	// CORS configuration
	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	api.RegisterRoutes(e, api.NewHandlers(deps))
	web.RegisterLibraryRoutes(e, cfg.Storage.LibraryDirectory)

	// Register embedded frontend if available
	embeddedMode := web.HasEmbeddedFiles()
	if embeddedMode {
		if err := web.RegisterStaticRoutes(e); err != nil {
			log.Warn(ctx, "failed to register static routes", logging.Err(err))
		}
	}

	// Configure server with settings from XML config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      e,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, configPath, embeddedMode)

	errCh := make(chan error, 1)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func printBanner(cfg *config.AppConfig, configPath string, embeddedMode bool) {
	mode := "API only"
	if embeddedMode {
		mode = "Embedded frontend"
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Robot Viewer Server                             ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Mode:       %-45s║\n", mode)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-39s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Data Dir:  %-46s║\n", cfg.Storage.DataDirectory)
	fmt.Printf("║  Library:   %-46s║\n", cfg.Storage.LibraryDirectory)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
