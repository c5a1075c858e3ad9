package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"texture-cache/internal/handlers"
	"texture-cache/internal/logging"
	"texture-cache/internal/middleware"
	"texture-cache/internal/startup"
	"texture-cache/internal/texturecache"
	"texture-cache/internal/transform"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Load configuration
	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	// Initialize the native image library if enabled; decoding falls
	// back to the pure-Go path when it is unavailable.
	if config.VipsEnabled {
		if err := transform.InitVips(); err != nil {
			logging.Warn("vips unavailable, using pure-Go decoding: %v", err)
		} else {
			defer transform.ShutdownVips()
		}
	}

	// Initialize the cache
	cacheStart := time.Now()
	cache, err := texturecache.New(context.Background(), texturecache.Options{
		CacheRoot:     config.ThumbnailDir,
		DBPath:        config.DatabasePath,
		ThumbSize:     config.ThumbSize,
		ResolvedRoots: config.ResolvedRoots,
		QueueWorkers:  config.QueueWorkers,
		LowLaneCap:    config.LowLaneCap,
	})
	if err != nil {
		startup.LogFatal("Failed to initialize cache: %v", err)
	}
	startup.LogStoreInit(config.DatabasePath, time.Since(cacheStart))

	// Remove long-unused derivatives periodically
	go func() {
		ticker := time.NewTicker(config.CleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			cache.CleanupUnused(context.Background(), config.CleanupRetention)
		}
	}()

	// Pre-populate from the media library in the background
	if config.PrecacheEnabled && config.MediaDir != "" {
		go cache.Precache(config.MediaDir)
	}

	// Initialize handlers
	h := handlers.New(cache)

	// Setup router
	router := setupRouter(h)

	// Apply metrics middleware
	meteredRouter := middleware.Metrics(middleware.DefaultMetricsConfig())(router)

	// Apply logging middleware
	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	handler := middleware.Logger(loggingConfig)(meteredRouter)

	// Create server
	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Start graceful shutdown handler
	go handleShutdown(srv, cache)

	// Start server
	startup.LogServerStarted(config.Port, time.Since(startTime))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		startup.LogFatal("Server error: %v", err)
	}
}

func setupRouter(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()

	// Health check routes
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	// Metrics
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/image", h.GetImage).Methods("GET")
	api.HandleFunc("/image", h.InvalidateImage).Methods("DELETE")
	api.HandleFunc("/image/precache", h.PrecacheImage).Methods("POST")
	api.HandleFunc("/cache/stats", h.CacheStats).Methods("GET")

	return r
}

func handleShutdown(srv *http.Server, cache *texturecache.Cache) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	}

	startup.LogShutdownStep("Draining job queue and flushing usage")
	cache.Close()

	startup.LogShutdownComplete()
}
