package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"texture-cache/internal/logging"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// Config holds all service configuration
type Config struct {
	ThumbnailDir string
	DatabaseDir  string
	MediaDir     string
	Port         string

	ThumbSize     int
	QueueWorkers  int
	LowLaneCap    int
	ResolvedRoots []string

	CleanupInterval  time.Duration
	CleanupRetention time.Duration

	PrecacheEnabled bool
	VipsEnabled     bool
	LogHealthChecks bool

	// Derived paths
	DatabasePath string
}

// LoadConfig loads and validates configuration from environment variables
func LoadConfig() (*Config, error) {
	printBanner()

	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")

	cfg := &Config{
		ThumbnailDir:     getEnv("THUMBNAIL_DIR", "/thumbnails"),
		DatabaseDir:      getEnv("DATABASE_DIR", "/database"),
		MediaDir:         getEnv("MEDIA_DIR", ""),
		Port:             getEnv("PORT", "8080"),
		ThumbSize:        getEnvInt("TEXTURE_THUMB_SIZE", 512),
		QueueWorkers:     getEnvInt("TEXTURE_QUEUE_WORKERS", 0),
		LowLaneCap:       getEnvInt("TEXTURE_LOW_LANE_CAP", 1),
		CleanupInterval:  getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour),
		CleanupRetention: getEnvDuration("CLEANUP_RETENTION", 30*24*time.Hour),
		PrecacheEnabled:  getEnvBool("PRECACHE_ENABLED", false),
		VipsEnabled:      getEnvBool("VIPS_ENABLED", true),
		LogHealthChecks:  getEnvBool("LOG_HEALTH_CHECKS", false),
	}

	if roots := getEnv("RESOLVED_ROOTS", ""); roots != "" {
		for _, root := range strings.Split(roots, ",") {
			if root = strings.TrimSpace(root); root != "" {
				cfg.ResolvedRoots = append(cfg.ResolvedRoots, root)
			}
		}
	}

	logging.Info("  THUMBNAIL_DIR:       %s", cfg.ThumbnailDir)
	logging.Info("  DATABASE_DIR:        %s", cfg.DatabaseDir)
	logging.Info("  MEDIA_DIR:           %s", orNone(cfg.MediaDir))
	logging.Info("  PORT:                %s", cfg.Port)
	logging.Info("  TEXTURE_THUMB_SIZE:  %d", cfg.ThumbSize)
	logging.Info("  CLEANUP_INTERVAL:    %v", cfg.CleanupInterval)
	logging.Info("  CLEANUP_RETENTION:   %v", cfg.CleanupRetention)
	logging.Info("  PRECACHE_ENABLED:    %t", cfg.PrecacheEnabled)
	logging.Info("  VIPS_ENABLED:        %t", cfg.VipsEnabled)
	logging.Info("  LOG_LEVEL:           %s", logging.GetLevel())

	if err := validateDir("DATABASE_DIR", cfg.DatabaseDir); err != nil {
		return nil, err
	}
	cfg.DatabasePath = filepath.Join(cfg.DatabaseDir, "textures.db")

	if cfg.MediaDir != "" {
		if info, err := os.Stat(cfg.MediaDir); err != nil || !info.IsDir() {
			logging.Warn("MEDIA_DIR %s is not accessible, precache disabled", cfg.MediaDir)
			cfg.PrecacheEnabled = false
		}
	}

	return cfg, nil
}

func validateDir(name, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%s %s is not accessible: %w", name, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s %s is not a directory", name, dir)
	}

	// Probe writability; a read-only database volume fails at first
	// insert otherwise, with a far less helpful error.
	probe := filepath.Join(dir, ".perm-test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("%s %s is not writable: %w", name, dir, err)
	}
	_ = os.Remove(probe)
	return nil
}

func printBanner() {
	logging.Info("============================================================")
	logging.Info("texture-cache %s (commit %s, built %s, %s %s/%s)",
		Version, Commit, BuildTime, GoVersion, runtime.GOOS, runtime.GOARCH)
	logging.Info("============================================================")
}

// LogFatal logs a fatal startup error and exits
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

// LogStoreInit logs successful metadata store initialization
func LogStoreInit(path string, elapsed time.Duration) {
	logging.Info("Metadata store ready at %s (%v)", path, elapsed)
}

// LogServerStarted logs the listening port and total startup time
func LogServerStarted(port string, elapsed time.Duration) {
	logging.Info("------------------------------------------------------------")
	logging.Info("Listening on :%s (startup took %v)", port, elapsed)
	logging.Info("------------------------------------------------------------")
}

// LogShutdownInitiated logs the start of graceful shutdown
func LogShutdownInitiated(signal string) {
	logging.Info("Received %s, shutting down", signal)
}

// LogShutdownStep logs a shutdown step in progress
func LogShutdownStep(step string) {
	logging.Info("  %s...", step)
}

// LogShutdownComplete logs completion of graceful shutdown
func LogShutdownComplete() {
	logging.Info("Shutdown complete")
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		logging.Warn("invalid %s=%q, using %d", key, value, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		logging.Warn("invalid %s=%q, using %v", key, value, fallback)
	}
	return fallback
}
